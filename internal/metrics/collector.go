// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/services/cycle"
)

const collectTimeout = 5 * time.Second

// StatusSource supplies the per-app view exported at scrape time.
type StatusSource interface {
	StatusAll(ctx context.Context) ([]*cycle.Status, error)
}

// AppCollector reads app status on every scrape so gauges never go stale.
type AppCollector struct {
	source StatusSource

	enabledDesc    *prometheus.Desc
	runningDesc    *prometheus.Desc
	inPassDesc     *prometheus.Desc
	generationDesc *prometheus.Desc
	nextDueDesc    *prometheus.Desc
	callsDesc      *prometheus.Desc
	capDesc        *prometheus.Desc
	remainingDesc  *prometheus.Desc
	processedDesc  *prometheus.Desc
	scrapeErrDesc  *prometheus.Desc
}

func NewAppCollector(source StatusSource) *AppCollector {
	labels := []string{"app"}
	return &AppCollector{
		source: source,
		enabledDesc: prometheus.NewDesc(
			"huntarr_app_enabled",
			"Whether hunting is enabled for the app (1 = enabled)",
			labels, nil,
		),
		runningDesc: prometheus.NewDesc(
			"huntarr_app_cycle_running",
			"Whether the app cycle is marked running (1 = running)",
			labels, nil,
		),
		inPassDesc: prometheus.NewDesc(
			"huntarr_app_pass_in_progress",
			"Whether a search pass is executing right now",
			labels, nil,
		),
		generationDesc: prometheus.NewDesc(
			"huntarr_app_cycle_generation",
			"Current cycle state generation",
			labels, nil,
		),
		nextDueDesc: prometheus.NewDesc(
			"huntarr_app_next_due_timestamp_seconds",
			"Unix time of the next scheduled pass, 0 when none is scheduled",
			labels, nil,
		),
		callsDesc: prometheus.NewDesc(
			"huntarr_api_calls_current_hour",
			"Search API calls issued in the current hour",
			labels, nil,
		),
		capDesc: prometheus.NewDesc(
			"huntarr_api_hourly_cap",
			"Configured hourly API call cap",
			labels, nil,
		),
		remainingDesc: prometheus.NewDesc(
			"huntarr_api_calls_remaining",
			"Search API calls left in the current hour",
			labels, nil,
		),
		processedDesc: prometheus.NewDesc(
			"huntarr_items_processed_current_hour",
			"Items covered by searches in the current hour",
			labels, nil,
		),
		scrapeErrDesc: prometheus.NewDesc(
			"huntarr_status_scrape_error",
			"1 if reading app status failed during the last scrape",
			nil, nil,
		),
	}
}

func (c *AppCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.enabledDesc
	ch <- c.runningDesc
	ch <- c.inPassDesc
	ch <- c.generationDesc
	ch <- c.nextDueDesc
	ch <- c.callsDesc
	ch <- c.capDesc
	ch <- c.remainingDesc
	ch <- c.processedDesc
	ch <- c.scrapeErrDesc
}

func (c *AppCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	statuses, err := c.source.StatusAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("metrics: failed to read app status")
		ch <- prometheus.MustNewConstMetric(c.scrapeErrDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrDesc, prometheus.GaugeValue, 0)

	for _, st := range statuses {
		app := st.App.String()

		var nextDue float64
		if st.NextDueAt != nil {
			nextDue = float64(st.NextDueAt.Unix())
		}

		ch <- prometheus.MustNewConstMetric(c.enabledDesc, prometheus.GaugeValue, boolToFloat(st.Enabled), app)
		ch <- prometheus.MustNewConstMetric(c.runningDesc, prometheus.GaugeValue, boolToFloat(st.IsRunning), app)
		ch <- prometheus.MustNewConstMetric(c.inPassDesc, prometheus.GaugeValue, boolToFloat(st.PassInProgress), app)
		ch <- prometheus.MustNewConstMetric(c.generationDesc, prometheus.GaugeValue, float64(st.Generation), app)
		ch <- prometheus.MustNewConstMetric(c.nextDueDesc, prometheus.GaugeValue, nextDue, app)
		ch <- prometheus.MustNewConstMetric(c.callsDesc, prometheus.GaugeValue, float64(st.APICalls), app)
		ch <- prometheus.MustNewConstMetric(c.capDesc, prometheus.GaugeValue, float64(st.Cap), app)
		ch <- prometheus.MustNewConstMetric(c.remainingDesc, prometheus.GaugeValue, float64(st.RemainingAPICalls), app)
		ch <- prometheus.MustNewConstMetric(c.processedDesc, prometheus.GaugeValue, float64(st.ProcessedThisHour), app)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
