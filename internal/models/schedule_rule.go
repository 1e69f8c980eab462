// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plexguide/huntarr/internal/dbinterface"
)

var ErrScheduleRuleNotFound = errors.New("schedule rule not found")

// Schedule actions.
const (
	ActionEnable    = "enable"
	ActionDisable   = "disable"
	ActionSetAPICap = "set_api_cap"
	ActionReset     = "reset"
)

// ScheduleParams carries action arguments.
type ScheduleParams struct {
	Cap *int `json:"cap,omitempty"`
}

// ScheduleRule is a recurring, user-defined action.
type ScheduleRule struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	Time        string         `json:"time,omitempty"`
	Days        []string       `json:"days"`
	Cron        string         `json:"cron,omitempty"`
	Target      string         `json:"target"`
	Action      string         `json:"action"`
	Params      ScheduleParams `json:"params"`
	Enabled     bool           `json:"enabled"`
	LastFiredAt *time.Time     `json:"lastFiredAt,omitempty"`
	LastOutcome string         `json:"lastOutcome,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ValidAction reports whether action is a known schedule action.
func ValidAction(action string) bool {
	switch action {
	case ActionEnable, ActionDisable, ActionSetAPICap, ActionReset:
		return true
	}
	return false
}

type ScheduleRuleStore struct {
	db dbinterface.Querier
}

func NewScheduleRuleStore(db dbinterface.Querier) *ScheduleRuleStore {
	return &ScheduleRuleStore{db: db}
}

const scheduleRuleColumns = `id, name, time, days_json, cron, target, action, params_json, enabled,
	last_fired_at, last_outcome, last_error, created_at, updated_at`

func (s *ScheduleRuleStore) List(ctx context.Context) ([]*ScheduleRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleRuleColumns+` FROM schedule_rules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*ScheduleRule
	for rows.Next() {
		rule, err := scanScheduleRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rules, nil
}

func (s *ScheduleRuleStore) Get(ctx context.Context, id int) (*ScheduleRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleRuleColumns+` FROM schedule_rules WHERE id = ?`, id)
	rule, err := scanScheduleRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// Create inserts rule. CreatedAt is taken from the rule when set so callers
// with an injected clock stay consistent.
func (s *ScheduleRuleStore) Create(ctx context.Context, rule *ScheduleRule) (*ScheduleRule, error) {
	if rule == nil {
		return nil, errors.New("schedule rule is nil")
	}

	daysJSON, err := encodeStringSliceJSON(sanitizeStringSlice(rule.Days))
	if err != nil {
		return nil, fmt.Errorf("encode days: %w", err)
	}
	paramsJSON, err := json.Marshal(rule.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_rules (name, time, days_json, cron, target, action, params_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		strings.TrimSpace(rule.Name),
		strings.TrimSpace(rule.Time),
		daysJSON,
		strings.TrimSpace(rule.Cron),
		strings.TrimSpace(rule.Target),
		rule.Action,
		string(paramsJSON),
		boolToSQLite(rule.Enabled),
		createdAt.UTC().Unix(),
		createdAt.UTC().Unix(),
	)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *ScheduleRuleStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrScheduleRuleNotFound
	}

	return nil
}

// MarkFired records the occurrence a rule fired for. It only moves
// last_fired_at forward and reports false if another writer got there first.
func (s *ScheduleRuleStore) MarkFired(ctx context.Context, id int, occurrence time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_rules
		SET last_fired_at = ?, updated_at = ?
		WHERE id = ? AND (last_fired_at IS NULL OR last_fired_at < ?)
	`, occurrence.UTC().Unix(), time.Now().UTC().Unix(), id, occurrence.UTC().Unix())
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RecordOutcome stores the result of the last execution.
func (s *ScheduleRuleStore) RecordOutcome(ctx context.Context, id int, outcome, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedule_rules
		SET last_outcome = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, outcome, errMsg, time.Now().UTC().Unix(), id)
	return err
}

func scanScheduleRule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduleRule, error) {
	var (
		rule        ScheduleRule
		daysJSON    string
		paramsJSON  string
		enabledInt  int
		lastFiredAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)

	if err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Time,
		&daysJSON,
		&rule.Cron,
		&rule.Target,
		&rule.Action,
		&paramsJSON,
		&enabledInt,
		&lastFiredAt,
		&rule.LastOutcome,
		&rule.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	days, err := decodeStringSliceJSON(daysJSON)
	if err != nil {
		return nil, fmt.Errorf("decode days: %w", err)
	}
	rule.Days = days

	if strings.TrimSpace(paramsJSON) != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &rule.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	rule.Enabled = enabledInt == 1
	rule.LastFiredAt = timeFromSQLite(lastFiredAt)
	rule.CreatedAt = time.Unix(createdAt, 0).UTC()
	rule.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &rule, nil
}
