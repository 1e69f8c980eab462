// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

// PassReport describes one executed pass.
type PassReport struct {
	App        domain.BaseApp
	Generation uint64
	Outcome    Outcome
	Result     arr.PassResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	NextDueAt  time.Time
}

type worker struct {
	app    domain.BaseApp
	m      *Manager
	wake   chan struct{}
	inPass atomic.Bool
}

func newWorker(app domain.BaseApp, m *Manager) *worker {
	return &worker{
		app:  app,
		m:    m,
		wake: make(chan struct{}, 1),
	}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	log.Debug().Str("app", string(w.app)).Msg("cycle: worker started")
	defer log.Debug().Str("app", string(w.app)).Msg("cycle: worker stopped")

	for ctx.Err() == nil {
		changed := w.m.states.Changed(w.app)

		settings, err := w.m.settings.Get(ctx, w.app)
		if err != nil {
			if !errors.Is(err, domain.ErrAppNotConfigured) && ctx.Err() == nil {
				log.Error().Err(err).Str("app", string(w.app)).Msg("cycle: failed to load settings")
			}
			w.wait(ctx, changed, w.m.cfg.PollInterval)
			continue
		}
		if !settings.Enabled {
			w.wait(ctx, changed, w.m.cfg.PollInterval)
			continue
		}

		snap, err := w.m.states.Read(w.app)
		if err != nil {
			log.Error().Err(err).Str("app", string(w.app)).Msg("cycle: failed to read state")
			return
		}

		if !snap.IsRunning && snap.NextDueAt != nil {
			if remaining := snap.NextDueAt.Sub(w.m.now()); remaining > 0 {
				w.wait(ctx, changed, remaining)
				continue
			}
		}

		if _, err := w.runPass(ctx, settings); err != nil && !errors.Is(err, domain.ErrPassInProgress) {
			log.Error().Err(err).Str("app", string(w.app)).Msg("cycle: pass bookkeeping failed")
			w.wait(ctx, changed, w.m.cfg.PollInterval)
		}
	}
}

// wait blocks until d elapses (capped at the poll interval), the worker is
// woken, the state changes or ctx ends.
func (w *worker) wait(ctx context.Context, changed <-chan struct{}, d time.Duration) {
	if poll := w.m.cfg.PollInterval; poll > 0 && (d <= 0 || d > poll) {
		d = poll
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.wake:
	case <-changed:
	}
}

// runPass executes one pass. A concurrent second call is rejected with
// domain.ErrPassInProgress. Driver failures are reported in the returned
// PassReport, not as an error; the error is only for state bookkeeping.
func (w *worker) runPass(ctx context.Context, settings *models.AppSettings) (PassReport, error) {
	if !w.inPass.CompareAndSwap(false, true) {
		return PassReport{}, domain.ErrPassInProgress
	}
	defer w.inPass.Store(false)

	started, err := w.m.states.BeginCycle(w.app)
	if err != nil {
		return PassReport{}, err
	}

	report := PassReport{
		App:        w.app,
		Generation: started.Generation,
		StartedAt:  w.m.now(),
	}

	report.Result, report.Outcome, report.Err = w.execute(ctx, settings)
	report.FinishedAt = w.m.now()

	// An interrupted pass leaves the app running with no due time so the
	// next start resumes it. The cancellation is not an outcome.
	if ctx.Err() != nil {
		log.Debug().Str("app", string(w.app)).Uint64("generation", report.Generation).Msg("cycle: pass interrupted by shutdown")
		return report, nil
	}

	report.NextDueAt = report.FinishedAt.Add(settings.SleepDuration())

	errMsg := ""
	if report.Err != nil {
		errMsg = report.Err.Error()
	}
	if err := w.m.states.RecordOutcome(w.app, report.Outcome, errMsg); err != nil {
		return report, err
	}
	if _, err := w.m.states.EndCycle(w.app, report.NextDueAt); err != nil {
		return report, err
	}

	w.m.recordPass(ctx, report)

	return report, nil
}

func (w *worker) execute(ctx context.Context, settings *models.AppSettings) (arr.PassResult, Outcome, error) {
	meter := w.m.tracker.Meter(w.app)
	if err := meter.Allow(); err != nil {
		if errors.Is(err, domain.ErrCapExhausted) {
			return arr.PassResult{}, OutcomeCapExhausted, nil
		}
		return arr.PassResult{}, OutcomeConfigError, err
	}

	driver, ok := w.m.drivers.Driver(w.app)
	if !ok {
		return arr.PassResult{}, OutcomeConfigError, &domain.ConfigurationError{
			App:    string(w.app),
			Reason: errors.New("no driver registered"),
		}
	}

	result, err := runDriver(ctx, driver, settings, meter)
	switch {
	case err == nil:
		return result, OutcomeCompleted, nil
	case errors.Is(err, domain.ErrCapExhausted) && !errors.Is(err, &domain.UpstreamError{}):
		// cap reached between searches; what ran so far stands
		return result, OutcomeCapExhausted, nil
	case domain.IsConfigurationError(err):
		return arr.PassResult{}, OutcomeConfigError, err
	default:
		if !errors.Is(err, &domain.UpstreamError{}) {
			err = &domain.UpstreamError{App: w.app, Err: err}
		}
		return result, OutcomeUpstreamError, err
	}
}

func runDriver(ctx context.Context, driver arr.Driver, settings *models.AppSettings, meter arr.Meter) (result arr.PassResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = arr.PassResult{}
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return driver.RunSearchPass(ctx, settings, meter)
}
