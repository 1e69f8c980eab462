// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cycle

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

// Outcome describes how the last pass of an app ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCapExhausted  Outcome = "cap_exhausted"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeConfigError   Outcome = "config_error"
)

// State is an immutable snapshot of one app's cycle.
type State struct {
	App             domain.BaseApp `json:"app"`
	IsRunning       bool           `json:"isRunning"`
	NextDueAt       *time.Time     `json:"nextDueAt,omitempty"`
	LastCompletedAt *time.Time     `json:"lastCompletedAt,omitempty"`
	Generation      uint64         `json:"generation"`
	ResetPending    bool           `json:"resetPending"`
	LastOutcome     Outcome        `json:"lastOutcome,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
}

func (s State) clone() State {
	out := s
	out.NextDueAt = copyTime(s.NextDueAt)
	out.LastCompletedAt = copyTime(s.LastCompletedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StatePersister stores state rows.
type StatePersister interface {
	List(ctx context.Context) (map[domain.BaseApp]*models.CycleStateRecord, error)
	Upsert(ctx context.Context, rec *models.CycleStateRecord) error
}

type stateRecord struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

// StateStore owns the cycle state of every base app. Reads and writes of one
// app are serialized by that app's mutex; apps never share a lock.
type StateStore struct {
	records map[domain.BaseApp]*stateRecord
	persist StatePersister
	now     func() time.Time
}

// NewStateStore creates a record per base app. Fresh records start running
// at generation 0 so an app with no history begins a cycle immediately.
func NewStateStore(persist StatePersister, now func() time.Time) *StateStore {
	if now == nil {
		now = time.Now
	}
	s := &StateStore{
		records: make(map[domain.BaseApp]*stateRecord, len(domain.AllApps)),
		persist: persist,
		now:     now,
	}
	for _, app := range domain.AllApps {
		s.records[app] = &stateRecord{
			state:   State{App: app, IsRunning: true},
			changed: make(chan struct{}),
		}
	}
	return s
}

// Load seeds records from the persister.
func (s *StateStore) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	rows, err := s.persist.List(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	for app, row := range rows {
		rec, ok := s.records[app]
		if !ok {
			continue
		}
		rec.mu.Lock()
		rec.state = State{
			App:             app,
			IsRunning:       row.IsRunning,
			NextDueAt:       copyTime(row.NextDueAt),
			LastCompletedAt: copyTime(row.LastCompletedAt),
			Generation:      row.Generation,
			ResetPending:    row.ResetPending,
			LastOutcome:     Outcome(row.LastOutcome),
			LastError:       row.LastError,
		}
		rec.mu.Unlock()
	}

	return nil
}

func (s *StateStore) lookup(app domain.BaseApp) (*stateRecord, error) {
	rec, ok := s.records[app]
	if !ok {
		return nil, &domain.ConfigurationError{App: string(app), Reason: domain.ErrUnknownApp}
	}
	return rec, nil
}

// commitLocked bumps the generation, persists and wakes waiters.
func (s *StateStore) commitLocked(rec *stateRecord) State {
	rec.state.Generation++
	s.persistLocked(rec)
	close(rec.changed)
	rec.changed = make(chan struct{})
	return rec.state.clone()
}

func (s *StateStore) persistLocked(rec *stateRecord) {
	if s.persist == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := rec.state
	err := s.persist.Upsert(ctx, &models.CycleStateRecord{
		App:             st.App,
		IsRunning:       st.IsRunning,
		NextDueAt:       st.NextDueAt,
		LastCompletedAt: st.LastCompletedAt,
		Generation:      st.Generation,
		ResetPending:    st.ResetPending,
		LastOutcome:     string(st.LastOutcome),
		LastError:       st.LastError,
		UpdatedAt:       s.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("app", string(st.App)).Msg("cycle: failed to persist state")
	}
}

// BeginCycle marks a pass as running. It bumps the generation only when it
// changes something: the app was idle, or a pending reset is consumed.
func (s *StateStore) BeginCycle(app domain.BaseApp) (State, error) {
	rec, err := s.lookup(app)
	if err != nil {
		return State{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	changed := false
	if !rec.state.IsRunning {
		rec.state.IsRunning = true
		changed = true
	}
	if rec.state.ResetPending {
		rec.state.ResetPending = false
		rec.state.NextDueAt = nil
		changed = true
	}
	if !changed {
		return rec.state.clone(), nil
	}
	return s.commitLocked(rec), nil
}

// EndCycle records a finished pass and schedules the next one. When a reset
// arrived during the pass the app stays running with no due time so the
// worker starts the post-reset pass straight away.
func (s *StateStore) EndCycle(app domain.BaseApp, next time.Time) (State, error) {
	rec, err := s.lookup(app)
	if err != nil {
		return State{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	completed := s.now()
	rec.state.LastCompletedAt = &completed
	if rec.state.ResetPending {
		rec.state.IsRunning = true
		rec.state.NextDueAt = nil
	} else {
		due := next
		rec.state.IsRunning = false
		rec.state.NextDueAt = &due
	}
	return s.commitLocked(rec), nil
}

// ForceDueNow is the reset edge: from any state back to running with no due
// time.
func (s *StateStore) ForceDueNow(app domain.BaseApp) (State, error) {
	rec, err := s.lookup(app)
	if err != nil {
		return State{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.state.IsRunning = true
	rec.state.NextDueAt = nil
	rec.state.ResetPending = true
	return s.commitLocked(rec), nil
}

// RecordOutcome stores the result of the pass in progress. It is metadata
// for status display and does not bump the generation.
func (s *StateStore) RecordOutcome(app domain.BaseApp, outcome Outcome, errMsg string) error {
	rec, err := s.lookup(app)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.state.LastOutcome = outcome
	rec.state.LastError = errMsg
	s.persistLocked(rec)
	return nil
}

// Read returns a snapshot of app's state.
func (s *StateStore) Read(app domain.BaseApp) (State, error) {
	rec, err := s.lookup(app)
	if err != nil {
		return State{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.state.clone(), nil
}

// Changed returns a channel that is closed on the next transition of app.
// Take the channel before reading state to avoid missing a transition.
func (s *StateStore) Changed(app domain.BaseApp) <-chan struct{} {
	rec, err := s.lookup(app)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.changed
}
