// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cycle runs the per-app search loops and owns their schedule state.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/ratelimit"
)

const (
	defaultHistorySize   = 50
	defaultPollInterval  = 5 * time.Second
	defaultPurgeInterval = time.Hour
	defaultItemTTL       = 168 * time.Hour
)

// SettingsProvider is the per-app configuration source.
type SettingsProvider interface {
	Get(ctx context.Context, app domain.BaseApp) (*models.AppSettings, error)
	Patch(ctx context.Context, app domain.BaseApp, patch models.AppSettingsPatch) (*models.AppSettings, bool, error)
}

// DriverLookup resolves the driver of an app.
type DriverLookup interface {
	Driver(app domain.BaseApp) (arr.Driver, bool)
}

// StatsSink receives per-pass totals.
type StatsSink interface {
	Record(ctx context.Context, app domain.BaseApp, delta models.StatsDelta) error
}

// ItemPurger expires processed-item memory.
type ItemPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PassObserver is notified after every pass.
type PassObserver interface {
	ObservePass(app domain.BaseApp, outcome string, duration time.Duration, result arr.PassResult)
}

// Config controls worker cadence and history.
type Config struct {
	PollInterval     time.Duration
	HistorySize      int
	ProcessedItemTTL time.Duration
	PurgeInterval    time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     defaultPollInterval,
		HistorySize:      defaultHistorySize,
		ProcessedItemTTL: defaultItemTTL,
		PurgeInterval:    defaultPurgeInterval,
	}
}

// Dependencies are the collaborators of a Manager. Stats, Purger and
// Observer are optional.
type Dependencies struct {
	Settings SettingsProvider
	States   *StateStore
	Tracker  *ratelimit.Tracker
	Drivers  DriverLookup
	Stats    StatsSink
	Purger   ItemPurger
	Observer PassObserver
	Now      func() time.Time
}

// ActivityEvent records one pass outcome.
type ActivityEvent struct {
	App        domain.BaseApp `json:"app"`
	Generation uint64         `json:"generation"`
	Outcome    Outcome        `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	Missing    int            `json:"missing"`
	Upgrades   int            `json:"upgrades"`
	APICalls   int            `json:"apiCalls"`
	Processed  int            `json:"processed"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	NextDueAt  time.Time      `json:"nextDueAt"`
}

// Status is the externally visible view of one app.
type Status struct {
	App               domain.BaseApp `json:"app"`
	Configured        bool           `json:"configured"`
	Enabled           bool           `json:"enabled"`
	IsRunning         bool           `json:"isRunning"`
	PassInProgress    bool           `json:"passInProgress"`
	NextDueAt         *time.Time     `json:"nextDueAt,omitempty"`
	LastCompletedAt   *time.Time     `json:"lastCompletedAt,omitempty"`
	Generation        uint64         `json:"generation"`
	ResetPending      bool           `json:"resetPending"`
	RemainingAPICalls int            `json:"remainingApiCalls"`
	Cap               int            `json:"cap"`
	APICalls          int            `json:"apiCalls"`
	ProcessedThisHour int            `json:"processedThisHour"`
	LastOutcome       Outcome        `json:"lastOutcome,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
}

// ActionResult is returned by the idempotent admin operations.
type ActionResult struct {
	App     domain.BaseApp `json:"app"`
	Changed bool           `json:"changed"`
	Message string         `json:"message"`
}

// Manager owns one worker per base app and implements the admin operations.
type Manager struct {
	cfg      Config
	settings SettingsProvider
	states   *StateStore
	tracker  *ratelimit.Tracker
	drivers  DriverLookup
	stats    StatsSink
	purger   ItemPurger
	observer PassObserver
	resets   *ResetCoordinator
	workers  map[domain.BaseApp]*worker
	now      func() time.Time
	started  atomic.Bool
	wg       sync.WaitGroup

	history    map[domain.BaseApp][]ActivityEvent
	historyMu  sync.RWMutex
	historyCap int
}

// NewManager constructs a Manager. Settings, States, Tracker and Drivers are
// required.
func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.ProcessedItemTTL <= 0 {
		cfg.ProcessedItemTTL = DefaultConfig().ProcessedItemTTL
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultConfig().PurgeInterval
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		cfg:        cfg,
		settings:   deps.Settings,
		states:     deps.States,
		tracker:    deps.Tracker,
		drivers:    deps.Drivers,
		stats:      deps.Stats,
		purger:     deps.Purger,
		observer:   deps.Observer,
		workers:    make(map[domain.BaseApp]*worker, len(domain.AllApps)),
		now:        now,
		history:    make(map[domain.BaseApp][]ActivityEvent),
		historyCap: cfg.HistorySize,
	}
	for _, app := range domain.AllApps {
		m.workers[app] = newWorker(app, m)
	}
	m.resets = NewResetCoordinator(deps.States, m.Wake, now)
	return m
}

// Start syncs hourly caps from settings and launches every worker. It returns
// immediately; workers stop when ctx ends. Use Wait to block until they have.
func (m *Manager) Start(ctx context.Context) {
	if m == nil || !m.started.CompareAndSwap(false, true) {
		return
	}

	for _, app := range domain.AllApps {
		settings, err := m.settings.Get(ctx, app)
		if err != nil {
			if !errors.Is(err, domain.ErrAppNotConfigured) {
				log.Warn().Err(err).Str("app", string(app)).Msg("cycle: failed to load settings at startup")
			}
			continue
		}
		if err := m.tracker.SetCap(app, settings.HourlyCap); err != nil {
			log.Warn().Err(err).Str("app", string(app)).Msg("cycle: failed to sync hourly cap")
		}
	}

	for _, w := range m.workers {
		m.wg.Go(func() { w.run(ctx) })
	}

	if m.purger != nil {
		m.wg.Go(func() { m.purgeLoop(ctx) })
	}

	log.Info().Int("apps", len(m.workers)).Msg("cycle: workers started")
}

// Wait blocks until every goroutine launched by Start has returned.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Manager) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PurgeInterval)
	defer ticker.Stop()

	m.purgeProcessedItems(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purgeProcessedItems(ctx)
		}
	}
}

func (m *Manager) purgeProcessedItems(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.ProcessedItemTTL)
	removed, err := m.purger.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("cycle: failed to purge processed items")
		}
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Time("cutoff", cutoff).Msg("cycle: purged processed items")
	}
}

func (m *Manager) worker(app domain.BaseApp) (*worker, error) {
	w, ok := m.workers[app]
	if !ok {
		return nil, &domain.ConfigurationError{App: string(app), Reason: domain.ErrUnknownApp}
	}
	return w, nil
}

// Wake interrupts the wait of app's worker.
func (m *Manager) Wake(app domain.BaseApp) {
	if w, ok := m.workers[app]; ok {
		w.signal()
	}
}

// Status returns the combined cycle, rate-limit and settings view of app. An
// app without a settings entry is reported as not configured, not as an
// error.
func (m *Manager) Status(ctx context.Context, app domain.BaseApp) (*Status, error) {
	w, err := m.worker(app)
	if err != nil {
		return nil, err
	}

	snap, err := m.states.Read(app)
	if err != nil {
		return nil, err
	}
	counter, err := m.tracker.Snapshot(app)
	if err != nil {
		return nil, err
	}

	status := &Status{
		App:               app,
		IsRunning:         snap.IsRunning,
		PassInProgress:    w.inPass.Load(),
		NextDueAt:         snap.NextDueAt,
		LastCompletedAt:   snap.LastCompletedAt,
		Generation:        snap.Generation,
		ResetPending:      snap.ResetPending,
		RemainingAPICalls: counter.Remaining(),
		Cap:               counter.Cap,
		APICalls:          counter.Calls,
		ProcessedThisHour: counter.Processed,
		LastOutcome:       snap.LastOutcome,
		LastError:         snap.LastError,
	}

	settings, err := m.settings.Get(ctx, app)
	switch {
	case err == nil:
		status.Configured = true
		status.Enabled = settings.Enabled
	case errors.Is(err, domain.ErrAppNotConfigured):
	default:
		return nil, err
	}

	return status, nil
}

// StatusAll returns the status of every base app.
func (m *Manager) StatusAll(ctx context.Context) ([]*Status, error) {
	out := make([]*Status, 0, len(domain.AllApps))
	for _, app := range domain.AllApps {
		status, err := m.Status(ctx, app)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// Enable turns the app on. Enabling an enabled app succeeds without change.
func (m *Manager) Enable(ctx context.Context, app domain.BaseApp) (ActionResult, error) {
	return m.setEnabled(ctx, app, true)
}

// Disable stops the app before its next pass. A pass in flight is not
// interrupted.
func (m *Manager) Disable(ctx context.Context, app domain.BaseApp) (ActionResult, error) {
	return m.setEnabled(ctx, app, false)
}

func (m *Manager) setEnabled(ctx context.Context, app domain.BaseApp, enabled bool) (ActionResult, error) {
	if _, err := m.worker(app); err != nil {
		return ActionResult{}, err
	}

	_, changed, err := m.settings.Patch(ctx, app, models.AppSettingsPatch{Enabled: &enabled})
	if err != nil {
		return ActionResult{}, err
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}

	result := ActionResult{App: app, Changed: changed, Message: verb}
	if !changed {
		result.Message = "already " + verb
		return result, nil
	}

	if enabled {
		m.Wake(app)
	}

	log.Info().Str("app", string(app)).Bool("enabled", enabled).Msg("cycle: app toggled")
	return result, nil
}

// SetAPICap changes the hourly cap in both settings and the live tracker.
func (m *Manager) SetAPICap(ctx context.Context, app domain.BaseApp, limit int) (ActionResult, error) {
	if _, err := m.worker(app); err != nil {
		return ActionResult{}, err
	}
	if limit < 0 {
		return ActionResult{}, fmt.Errorf("cap must not be negative: %d", limit)
	}

	updated, changed, err := m.settings.Patch(ctx, app, models.AppSettingsPatch{HourlyCap: &limit})
	if err != nil {
		return ActionResult{}, err
	}

	if err := m.tracker.SetCap(app, updated.HourlyCap); err != nil {
		return ActionResult{}, err
	}

	// a raised cap may unblock an exhausted app
	m.Wake(app)

	result := ActionResult{App: app, Changed: changed, Message: fmt.Sprintf("hourly cap set to %d", updated.HourlyCap)}
	if !changed {
		result.Message = fmt.Sprintf("hourly cap already %d", updated.HourlyCap)
	}
	return result, nil
}

// ApplySettings propagates a replaced settings blob to the live tracker and
// worker.
func (m *Manager) ApplySettings(settings *models.AppSettings) error {
	if settings == nil {
		return errors.New("settings cannot be nil")
	}
	if err := m.tracker.SetCap(settings.App, settings.HourlyCap); err != nil {
		return err
	}
	m.Wake(settings.App)
	return nil
}

// Reset forces a new cycle for app. Apps without settings fail closed.
func (m *Manager) Reset(ctx context.Context, app domain.BaseApp) (Ticket, error) {
	if _, err := m.worker(app); err != nil {
		return Ticket{}, err
	}
	if _, err := m.settings.Get(ctx, app); err != nil {
		return Ticket{}, err
	}

	ticket, err := m.resets.Reset(ctx, app)
	if err != nil {
		return Ticket{}, err
	}

	log.Info().Str("app", string(app)).Uint64("generation", ticket.RequestedGeneration).Msg("cycle: reset requested")
	return ticket, nil
}

// AwaitReset blocks until the pass following ticket has completed.
func (m *Manager) AwaitReset(ctx context.Context, ticket Ticket) (State, error) {
	return m.resets.Await(ctx, ticket)
}

func (m *Manager) recordPass(ctx context.Context, report PassReport) {
	logEvent := log.Info()
	if report.Outcome == OutcomeUpstreamError || report.Outcome == OutcomeConfigError {
		logEvent = log.Warn().Err(report.Err)
	}
	logEvent.
		Str("app", string(report.App)).
		Str("outcome", string(report.Outcome)).
		Int("missing", report.Result.Missing).
		Int("upgrades", report.Result.Upgrades).
		Int("apiCalls", report.Result.APICalls).
		Time("nextDueAt", report.NextDueAt).
		Msg("cycle: pass finished")

	reason := ""
	if report.Err != nil {
		reason = report.Err.Error()
	}
	m.recordActivity(ActivityEvent{
		App:        report.App,
		Generation: report.Generation,
		Outcome:    report.Outcome,
		Reason:     strings.TrimSpace(reason),
		Missing:    report.Result.Missing,
		Upgrades:   report.Result.Upgrades,
		APICalls:   report.Result.APICalls,
		Processed:  report.Result.Processed,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		NextDueAt:  report.NextDueAt,
	})

	if m.stats != nil {
		delta := models.StatsDelta{
			Passes:   1,
			Hunted:   int64(report.Result.Missing),
			Upgraded: int64(report.Result.Upgrades),
			At:       report.FinishedAt,
		}
		switch report.Outcome {
		case OutcomeCapExhausted:
			delta.CapSkips = 1
		case OutcomeUpstreamError, OutcomeConfigError:
			delta.Errors = 1
		}
		if err := m.stats.Record(ctx, report.App, delta); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("app", string(report.App)).Msg("cycle: failed to record stats")
		}
	}

	if m.observer != nil {
		m.observer.ObservePass(report.App, string(report.Outcome), report.FinishedAt.Sub(report.StartedAt), report.Result)
	}
}

func (m *Manager) recordActivity(event ActivityEvent) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	limit := m.historyCap
	if limit <= 0 {
		limit = defaultHistorySize
	}
	m.history[event.App] = append(m.history[event.App], event)
	if len(m.history[event.App]) > limit {
		m.history[event.App] = m.history[event.App][len(m.history[event.App])-limit:]
	}
}

// GetActivity returns the most recent pass events for app, newest last.
func (m *Manager) GetActivity(app domain.BaseApp, limit int) []ActivityEvent {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()

	events := m.history[app]
	if len(events) == 0 {
		return nil
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]ActivityEvent, len(events))
	copy(out, events)
	return out
}
