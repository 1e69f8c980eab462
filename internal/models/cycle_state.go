// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plexguide/huntarr/internal/dbinterface"
	"github.com/plexguide/huntarr/internal/domain"
)

// CycleStateRecord is the persisted form of an app's cycle state.
type CycleStateRecord struct {
	App             domain.BaseApp
	IsRunning       bool
	NextDueAt       *time.Time
	LastCompletedAt *time.Time
	Generation      uint64
	ResetPending    bool
	LastOutcome     string
	LastError       string
	UpdatedAt       time.Time
}

// CycleStateStore persists cycle state rows.
type CycleStateStore struct {
	db dbinterface.Querier
}

func NewCycleStateStore(db dbinterface.Querier) *CycleStateStore {
	return &CycleStateStore{db: db}
}

const cycleStateColumns = `app, is_running, next_due_at, last_completed_at, generation, reset_pending,
	last_outcome, last_error, updated_at`

// Get returns the persisted state for app, or sql.ErrNoRows.
func (s *CycleStateStore) Get(ctx context.Context, app domain.BaseApp) (*CycleStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleStateColumns+` FROM cycle_state WHERE app = ?`, string(app))
	return scanCycleState(row)
}

// List returns all persisted states keyed by app.
func (s *CycleStateStore) List(ctx context.Context) (map[domain.BaseApp]*CycleStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cycleStateColumns+` FROM cycle_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[domain.BaseApp]*CycleStateRecord)
	for rows.Next() {
		rec, err := scanCycleState(rows)
		if err != nil {
			return nil, err
		}
		result[rec.App] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Upsert writes the full state row for rec.App.
func (s *CycleStateStore) Upsert(ctx context.Context, rec *CycleStateRecord) error {
	if rec == nil {
		return errors.New("cycle state is nil")
	}

	const stmt = `INSERT INTO cycle_state (` + cycleStateColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(app) DO UPDATE SET
		is_running = excluded.is_running,
		next_due_at = excluded.next_due_at,
		last_completed_at = excluded.last_completed_at,
		generation = excluded.generation,
		reset_pending = excluded.reset_pending,
		last_outcome = excluded.last_outcome,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, stmt,
		string(rec.App),
		boolToSQLite(rec.IsRunning),
		timeToSQLite(rec.NextDueAt),
		timeToSQLite(rec.LastCompletedAt),
		int64(rec.Generation),
		boolToSQLite(rec.ResetPending),
		rec.LastOutcome,
		rec.LastError,
		updatedAt.UTC().Unix(),
	)
	return err
}

func scanCycleState(scanner interface {
	Scan(dest ...any) error
}) (*CycleStateRecord, error) {
	var (
		app             string
		isRunning       int
		nextDueAt       sql.NullInt64
		lastCompletedAt sql.NullInt64
		generation      int64
		resetPending    int
		rec             CycleStateRecord
		updatedAt       int64
	)

	if err := scanner.Scan(
		&app,
		&isRunning,
		&nextDueAt,
		&lastCompletedAt,
		&generation,
		&resetPending,
		&rec.LastOutcome,
		&rec.LastError,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rec.App = domain.BaseApp(app)
	rec.IsRunning = isRunning == 1
	rec.NextDueAt = timeFromSQLite(nextDueAt)
	rec.LastCompletedAt = timeFromSQLite(lastCompletedAt)
	rec.Generation = uint64(generation)
	rec.ResetPending = resetPending == 1
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &rec, nil
}
