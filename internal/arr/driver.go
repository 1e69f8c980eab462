// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"sync"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

// Meter is the rate-limit view a driver gets for one pass.
type Meter interface {
	// Allow returns domain.ErrCapExhausted when no search may be issued.
	Allow() error
	// CountCall records one search command.
	CountCall() error
	// CountProcessed records items covered by a search without costing a call.
	CountProcessed(n int) error
}

// PassResult summarizes one search pass across all instances of an app.
type PassResult struct {
	Instances int `json:"instances"`
	Missing   int `json:"missing"`
	Upgrades  int `json:"upgrades"`
	APICalls  int `json:"apiCalls"`
	Processed int `json:"processed"`
}

// Add merges other into r.
func (r *PassResult) Add(other PassResult) {
	r.Instances += other.Instances
	r.Missing += other.Missing
	r.Upgrades += other.Upgrades
	r.APICalls += other.APICalls
	r.Processed += other.Processed
}

// Driver performs searches against one kind of *arr app.
type Driver interface {
	RunSearchPass(ctx context.Context, settings *models.AppSettings, meter Meter) (PassResult, error)
}

// Registry maps base apps to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[domain.BaseApp]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[domain.BaseApp]Driver)}
}

// Register sets the driver for app, replacing any previous one.
func (r *Registry) Register(app domain.BaseApp, driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[app] = driver
}

// Driver returns the driver registered for app.
func (r *Registry) Driver(app domain.BaseApp) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[app]
	return d, ok
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, settings *models.AppSettings, meter Meter) (PassResult, error)

func (f DriverFunc) RunSearchPass(ctx context.Context, settings *models.AppSettings, meter Meter) (PassResult, error) {
	return f(ctx, settings, meter)
}
