// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"time"

	"github.com/plexguide/huntarr/internal/dbinterface"
	"github.com/plexguide/huntarr/internal/domain"
)

// ProcessedItemStore remembers which upstream item IDs were already searched
// per app instance so later passes pick different items.
type ProcessedItemStore struct {
	db dbinterface.Querier
}

func NewProcessedItemStore(db dbinterface.Querier) *ProcessedItemStore {
	return &ProcessedItemStore{db: db}
}

// MarkProcessed records ids as searched at the given time.
func (s *ProcessedItemStore) MarkProcessed(ctx context.Context, app domain.BaseApp, instance string, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// four params per row
	for _, chunk := range dbinterface.Chunk(ids, dbinterface.MaxParams/4) {
		query := dbinterface.BuildQueryWithPlaceholders(`INSERT INTO processed_items (app, instance, item_id, processed_at)
			VALUES %s
			ON CONFLICT(app, instance, item_id) DO UPDATE SET processed_at = excluded.processed_at`, 4, len(chunk))

		args := make([]any, 0, len(chunk)*4)
		for _, id := range chunk {
			args = append(args, string(app), instance, id, at.UTC().Unix())
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FilterUnprocessed returns the ids not yet recorded for the instance,
// preserving input order.
func (s *ProcessedItemStore) FilterUnprocessed(ctx context.Context, app domain.BaseApp, instance string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	seen := make(map[int64]struct{})
	for _, chunk := range dbinterface.Chunk(ids, dbinterface.MaxParams-2) {
		query := `SELECT item_id FROM processed_items WHERE app = ? AND instance = ? AND item_id IN (` +
			dbinterface.BuildInClause(len(chunk)) + `)`

		args := make([]any, 0, len(chunk)+2)
		args = append(args, string(app), instance)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			seen[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			result = append(result, id)
		}
	}
	return result, nil
}

// PurgeOlderThan drops entries processed before cutoff.
func (s *ProcessedItemStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_items WHERE processed_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear forgets everything recorded for app.
func (s *ProcessedItemStore) Clear(ctx context.Context, app domain.BaseApp) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_items WHERE app = ?`, string(app))
	return err
}
