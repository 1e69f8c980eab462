// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/domain"
)

// Manager owns the metrics registry. It observes passes through the cycle
// manager's observer hook and exports app status through AppCollector.
type Manager struct {
	registry *prometheus.Registry

	passesTotal    *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	searchCommands *prometheus.CounterVec
	itemsSearched  *prometheus.CounterVec
}

func NewManager(source StatusSource) *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		passesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huntarr_passes_total",
			Help: "Search passes by app and outcome",
		}, []string{"app", "outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huntarr_pass_duration_seconds",
			Help:    "Duration of search passes",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"app"}),
		searchCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huntarr_search_commands_total",
			Help: "Search commands sent to *arr instances",
		}, []string{"app"}),
		itemsSearched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huntarr_items_searched_total",
			Help: "Items searched by kind",
		}, []string{"app", "kind"}),
	}

	registry.MustRegister(m.passesTotal, m.passDuration, m.searchCommands, m.itemsSearched)
	if source != nil {
		registry.MustRegister(NewAppCollector(source))
	}

	return m
}

// ObservePass implements cycle.PassObserver.
func (m *Manager) ObservePass(app domain.BaseApp, outcome string, duration time.Duration, result arr.PassResult) {
	name := app.String()
	m.passesTotal.WithLabelValues(name, outcome).Inc()
	m.passDuration.WithLabelValues(name).Observe(duration.Seconds())
	m.searchCommands.WithLabelValues(name).Add(float64(result.APICalls))
	m.itemsSearched.WithLabelValues(name, "missing").Add(float64(result.Missing))
	m.itemsSearched.WithLabelValues(name, "upgrade").Add(float64(result.Upgrades))
}

// WatchStatus registers the per-app status collector. It exists for callers
// that construct the status source after the manager.
func (m *Manager) WatchStatus(source StatusSource) error {
	return m.registry.Register(NewAppCollector(source))
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
