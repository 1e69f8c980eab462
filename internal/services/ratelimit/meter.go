// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package ratelimit

import (
	"github.com/plexguide/huntarr/internal/domain"
)

// Meter is handed to app drivers for the duration of a pass. It applies the
// same exhaustion check before every search command that the worker applies
// before the pass.
type Meter struct {
	tracker *Tracker
	app     domain.BaseApp
}

// App returns the bound app.
func (m *Meter) App() domain.BaseApp {
	return m.app
}

// Allow returns domain.ErrCapExhausted when no calls remain this hour.
func (m *Meter) Allow() error {
	exhausted, err := m.tracker.IsExhausted(m.app)
	if err != nil {
		return err
	}
	if exhausted {
		return domain.ErrCapExhausted
	}
	return nil
}

// CountCall records one search command.
func (m *Meter) CountCall() error {
	_, err := m.tracker.IncrementCall(m.app)
	return err
}

// CountProcessed records n items covered by the previous call.
func (m *Meter) CountProcessed(n int) error {
	return m.tracker.IncrementProcessedOnly(m.app, n)
}

// Remaining returns the calls left this hour.
func (m *Meter) Remaining() int {
	remaining, err := m.tracker.Remaining(m.app)
	if err != nil {
		return 0
	}
	return remaining
}
