// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"time"

	"github.com/plexguide/huntarr/internal/dbinterface"
	"github.com/plexguide/huntarr/internal/domain"
)

// HourlyCapRecord is the persisted rate-limit counter of one app.
type HourlyCapRecord struct {
	App        domain.BaseApp
	HourBucket time.Time
	APICalls   int
	Processed  int
	Cap        int
}

type HourlyCapStore struct {
	db dbinterface.Querier
}

func NewHourlyCapStore(db dbinterface.Querier) *HourlyCapStore {
	return &HourlyCapStore{db: db}
}

// List returns every persisted counter.
func (s *HourlyCapStore) List(ctx context.Context) ([]*HourlyCapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app, hour_bucket, api_calls, processed, cap FROM hourly_caps ORDER BY app`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*HourlyCapRecord
	for rows.Next() {
		var (
			rec    HourlyCapRecord
			app    string
			bucket int64
		)
		if err := rows.Scan(&app, &bucket, &rec.APICalls, &rec.Processed, &rec.Cap); err != nil {
			return nil, err
		}
		rec.App = domain.BaseApp(app)
		rec.HourBucket = time.Unix(bucket, 0).UTC()
		result = append(result, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Upsert writes the counter for rec.App.
func (s *HourlyCapStore) Upsert(ctx context.Context, rec HourlyCapRecord) error {
	const stmt = `INSERT INTO hourly_caps (app, hour_bucket, api_calls, processed, cap)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(app) DO UPDATE SET
		hour_bucket = excluded.hour_bucket,
		api_calls = excluded.api_calls,
		processed = excluded.processed,
		cap = excluded.cap`

	_, err := s.db.ExecContext(ctx, stmt,
		string(rec.App),
		rec.HourBucket.UTC().Unix(),
		rec.APICalls,
		rec.Processed,
		rec.Cap,
	)
	return err
}
