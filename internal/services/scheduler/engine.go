// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler fires user-defined admin actions at configured times.
//
// Every occurrence of a rule fires at most once. The occurrence is persisted
// as the rule's last fired time before the action runs, so a crash during the
// action or a restart inside the resolution window never repeats it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/cycle"
)

var ErrInvalidRule = errors.New("invalid schedule rule")

const (
	defaultTickInterval = 30 * time.Second
	defaultWindow       = 5 * time.Minute
	defaultHistorySize  = 100
)

// ExecutionOutcome is the result of one rule execution.
type ExecutionOutcome string

const (
	ExecutionSucceeded ExecutionOutcome = "succeeded"
	ExecutionFailed    ExecutionOutcome = "failed"
	ExecutionSkipped   ExecutionOutcome = "skipped"
)

// Controller performs admin actions on base apps.
type Controller interface {
	Enable(ctx context.Context, app domain.BaseApp) (cycle.ActionResult, error)
	Disable(ctx context.Context, app domain.BaseApp) (cycle.ActionResult, error)
	SetAPICap(ctx context.Context, app domain.BaseApp, limit int) (cycle.ActionResult, error)
	Reset(ctx context.Context, app domain.BaseApp) (cycle.Ticket, error)
}

// RuleStore persists rules and their fired markers.
type RuleStore interface {
	List(ctx context.Context) ([]*models.ScheduleRule, error)
	Get(ctx context.Context, id int) (*models.ScheduleRule, error)
	Create(ctx context.Context, rule *models.ScheduleRule) (*models.ScheduleRule, error)
	Delete(ctx context.Context, id int) error
	MarkFired(ctx context.Context, id int, occurrence time.Time) (bool, error)
	RecordOutcome(ctx context.Context, id int, outcome, errMsg string) error
}

// Config controls tick cadence and evaluation.
type Config struct {
	TickInterval time.Duration
	Window       time.Duration
	Location     *time.Location
	HistorySize  int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: defaultTickInterval,
		Window:       defaultWindow,
		Location:     time.Local,
		HistorySize:  defaultHistorySize,
	}
}

// Execution records one rule execution.
type Execution struct {
	RuleID     int              `json:"ruleId"`
	RuleName   string           `json:"ruleName,omitempty"`
	Target     string           `json:"target"`
	Action     string           `json:"action"`
	Apps       []domain.BaseApp `json:"apps,omitempty"`
	Occurrence time.Time        `json:"occurrence"`
	ExecutedAt time.Time        `json:"executedAt"`
	Outcome    ExecutionOutcome `json:"outcome"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Engine evaluates schedule rules.
type Engine struct {
	cfg   Config
	store RuleStore
	ctrl  Controller
	now   func() time.Time

	tickMu sync.Mutex
	wg     sync.WaitGroup

	history    []Execution
	historyMu  sync.RWMutex
	historyCap int
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, store RuleStore, ctrl Controller, now func() time.Time) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		ctrl:       ctrl,
		now:        now,
		historyCap: cfg.HistorySize,
	}
}

// Start runs the tick loop until ctx ends. Use Wait to block until it has.
func (e *Engine) Start(ctx context.Context) {
	if e == nil {
		return
	}
	e.wg.Go(func() {
		e.Tick(ctx, e.now())

		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Tick(ctx, e.now())
			}
		}
	})
	log.Info().Dur("interval", e.cfg.TickInterval).Str("timezone", e.cfg.Location.String()).Msg("scheduler: started")
}

// Wait blocks until the tick loop has returned.
func (e *Engine) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// ValidateRule checks target, action, params and trigger.
func ValidateRule(rule *models.ScheduleRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	if _, err := domain.ParseTarget(rule.Target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !models.ValidAction(rule.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, rule.Action)
	}
	if rule.Action == models.ActionSetAPICap {
		if rule.Params.Cap == nil {
			return fmt.Errorf("%w: set_api_cap requires params.cap", ErrInvalidRule)
		}
		if *rule.Params.Cap < 0 {
			return fmt.Errorf("%w: cap must not be negative", ErrInvalidRule)
		}
	}
	_, err := parseSchedule(rule)
	return err
}

// AddRule validates and stores a new rule.
func (e *Engine) AddRule(ctx context.Context, rule *models.ScheduleRule) (*models.ScheduleRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}

	clone := *rule
	clone.Target = strings.TrimSpace(clone.Target)
	clone.Action = strings.ToLower(strings.TrimSpace(clone.Action))
	if err := ValidateRule(&clone); err != nil {
		return nil, err
	}

	clone.CreatedAt = e.now()
	clone.LastFiredAt = nil

	created, err := e.store.Create(ctx, &clone)
	if err != nil {
		return nil, err
	}

	log.Info().Int("rule", created.ID).Str("target", created.Target).Str("action", created.Action).Msg("scheduler: rule added")
	return created, nil
}

// RemoveRule deletes a rule.
func (e *Engine) RemoveRule(ctx context.Context, id int) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Int("rule", id).Msg("scheduler: rule removed")
	return nil
}

// ListRules returns all rules.
func (e *Engine) ListRules(ctx context.Context) ([]*models.ScheduleRule, error) {
	return e.store.List(ctx)
}

// NextRun returns the next occurrence of rule after now.
func (e *Engine) NextRun(rule *models.ScheduleRule) (time.Time, error) {
	sched, err := parseSchedule(rule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(e.now().In(e.cfg.Location)), nil
}

// dueOccurrence returns the earliest occurrence inside the window that is
// after both the last fired occurrence and the rule's creation.
func (e *Engine) dueOccurrence(rule *models.ScheduleRule, now time.Time) (time.Time, bool, error) {
	sched, err := parseSchedule(rule)
	if err != nil {
		return time.Time{}, false, err
	}

	local := now.In(e.cfg.Location)
	from := local.Add(-e.cfg.Window)
	if rule.LastFiredAt != nil && rule.LastFiredAt.After(from) {
		from = rule.LastFiredAt.In(e.cfg.Location)
	}
	if rule.CreatedAt.After(from) {
		from = rule.CreatedAt.In(e.cfg.Location)
	}

	occ := sched.Next(from)
	if occ.IsZero() || occ.After(local) {
		return time.Time{}, false, nil
	}
	return occ, true, nil
}

// Tick fires every enabled rule that has an unfired occurrence in the window
// ending at now. Failures are recorded, never returned.
func (e *Engine) Tick(ctx context.Context, now time.Time) []Execution {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	rules, err := e.store.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler: failed to list rules")
		}
		return nil
	}

	var executions []Execution
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		occ, due, err := e.dueOccurrence(rule, now)
		if err != nil {
			log.Warn().Err(err).Int("rule", rule.ID).Str("target", rule.Target).Msg("scheduler: rule has an invalid trigger")
			continue
		}
		if !due {
			continue
		}

		marked, err := e.store.MarkFired(ctx, rule.ID, occ)
		if err != nil {
			log.Error().Err(err).Int("rule", rule.ID).Msg("scheduler: failed to mark rule fired, skipping")
			continue
		}
		if !marked {
			continue
		}

		exec := e.ExecuteAction(ctx, rule)
		exec.Occurrence = occ

		if err := e.store.RecordOutcome(ctx, rule.ID, string(exec.Outcome), exec.Error); err != nil {
			log.Warn().Err(err).Int("rule", rule.ID).Msg("scheduler: failed to record rule outcome")
		}
		e.recordExecution(exec)
		executions = append(executions, exec)
	}

	return executions
}

// ExecuteAction resolves the rule target and applies its action. Scoped
// targets such as "radarr-all" act on the base app entry. Nothing is raised;
// the returned Execution carries the outcome.
func (e *Engine) ExecuteAction(ctx context.Context, rule *models.ScheduleRule) Execution {
	exec := Execution{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Target:     rule.Target,
		Action:     rule.Action,
		ExecutedAt: e.now(),
	}

	target, err := domain.ParseTarget(rule.Target)
	if err != nil {
		return e.fail(exec, err)
	}

	apps := []domain.BaseApp{target.Identity.Base}
	if target.Global {
		apps = domain.AllApps
	}

	var (
		errs     []error
		applied  []domain.BaseApp
		messages []string
	)
	for _, app := range apps {
		msg, err := e.apply(ctx, rule, app)
		if err != nil {
			// global fans out to configured apps only
			if target.Global && errors.Is(err, domain.ErrAppNotConfigured) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", app, err))
			continue
		}
		applied = append(applied, app)
		messages = append(messages, fmt.Sprintf("%s: %s", app, msg))
	}

	exec.Apps = applied
	exec.Message = strings.Join(messages, "; ")

	switch {
	case len(errs) > 0:
		return e.fail(exec, errors.Join(errs...))
	case len(applied) == 0:
		exec.Outcome = ExecutionSkipped
		exec.Message = "no configured apps"
	default:
		exec.Outcome = ExecutionSucceeded
	}

	log.Info().
		Int("rule", rule.ID).
		Str("target", rule.Target).
		Str("action", rule.Action).
		Str("outcome", string(exec.Outcome)).
		Str("message", exec.Message).
		Msg("scheduler: rule executed")

	return exec
}

func (e *Engine) apply(ctx context.Context, rule *models.ScheduleRule, app domain.BaseApp) (string, error) {
	switch rule.Action {
	case models.ActionEnable:
		res, err := e.ctrl.Enable(ctx, app)
		return res.Message, err
	case models.ActionDisable:
		res, err := e.ctrl.Disable(ctx, app)
		return res.Message, err
	case models.ActionSetAPICap:
		if rule.Params.Cap == nil {
			return "", errors.New("set_api_cap requires params.cap")
		}
		res, err := e.ctrl.SetAPICap(ctx, app, *rule.Params.Cap)
		return res.Message, err
	case models.ActionReset:
		ticket, err := e.ctrl.Reset(ctx, app)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reset requested (generation %d)", ticket.RequestedGeneration), nil
	default:
		return "", fmt.Errorf("unknown action %q", rule.Action)
	}
}

func (e *Engine) fail(exec Execution, err error) Execution {
	exec.Outcome = ExecutionFailed
	exec.Error = err.Error()

	log.Warn().
		Err(err).
		Int("rule", exec.RuleID).
		Str("target", exec.Target).
		Str("action", exec.Action).
		Msg("scheduler: rule failed")

	return exec
}

func (e *Engine) recordExecution(exec Execution) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	e.history = append(e.history, exec)
	if len(e.history) > e.historyCap {
		e.history = e.history[len(e.history)-e.historyCap:]
	}
}

// History returns recent executions, newest last.
func (e *Engine) History(limit int) []Execution {
	e.historyMu.RLock()
	defer e.historyMu.RUnlock()

	events := e.history
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Execution, len(events))
	copy(out, events)
	return out
}
