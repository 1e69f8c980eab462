// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/plexguide/huntarr/internal/dbinterface"
	"github.com/plexguide/huntarr/internal/domain"
)

// AppStats are lifetime hunt totals for one app.
type AppStats struct {
	App        domain.BaseApp `json:"app"`
	Passes     int64          `json:"passes"`
	Hunted     int64          `json:"hunted"`
	Upgraded   int64          `json:"upgraded"`
	Errors     int64          `json:"errors"`
	CapSkips   int64          `json:"capSkips"`
	LastPassAt *time.Time     `json:"lastPassAt,omitempty"`
}

// StatsDelta is added to an app's totals after each pass.
type StatsDelta struct {
	Passes   int64
	Hunted   int64
	Upgraded int64
	Errors   int64
	CapSkips int64
	At       time.Time
}

type AppStatsStore struct {
	db dbinterface.Querier
}

func NewAppStatsStore(db dbinterface.Querier) *AppStatsStore {
	return &AppStatsStore{db: db}
}

// Record adds delta to the totals of app.
func (s *AppStatsStore) Record(ctx context.Context, app domain.BaseApp, delta StatsDelta) error {
	at := delta.At
	if at.IsZero() {
		at = time.Now()
	}

	const stmt = `INSERT INTO app_stats (app, passes, hunted, upgraded, errors, cap_skips, last_pass_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(app) DO UPDATE SET
		passes = passes + excluded.passes,
		hunted = hunted + excluded.hunted,
		upgraded = upgraded + excluded.upgraded,
		errors = errors + excluded.errors,
		cap_skips = cap_skips + excluded.cap_skips,
		last_pass_at = excluded.last_pass_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, stmt,
		string(app),
		delta.Passes,
		delta.Hunted,
		delta.Upgraded,
		delta.Errors,
		delta.CapSkips,
		at.UTC().Unix(),
		at.UTC().Unix(),
	)
	return err
}

// List returns totals for every app, including zeroed entries for apps that
// never ran.
func (s *AppStatsStore) List(ctx context.Context) ([]*AppStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app, passes, hunted, upgraded, errors, cap_skips, last_pass_at FROM app_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byApp := make(map[domain.BaseApp]*AppStats)
	for rows.Next() {
		var (
			stats    AppStats
			app      string
			lastPass sql.NullInt64
		)
		if err := rows.Scan(&app, &stats.Passes, &stats.Hunted, &stats.Upgraded, &stats.Errors, &stats.CapSkips, &lastPass); err != nil {
			return nil, err
		}
		stats.App = domain.BaseApp(app)
		stats.LastPassAt = timeFromSQLite(lastPass)
		byApp[stats.App] = &stats
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*AppStats, 0, len(domain.AllApps))
	for _, app := range domain.AllApps {
		if stats, ok := byApp[app]; ok {
			result = append(result, stats)
			continue
		}
		result = append(result, &AppStats{App: app})
	}

	return result, nil
}

// Reset clears all totals.
func (s *AppStatsStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_stats`)
	return err
}
