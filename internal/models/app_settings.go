// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/dbinterface"
	"github.com/plexguide/huntarr/internal/domain"
)

const (
	DefaultSleepDurationSeconds = 900
	DefaultHourlyCap            = 20
	DefaultHuntMissingItems     = 1
	DefaultHuntUpgradeItems     = 0

	minSleepDurationSeconds = 10
	maxHourlyCap            = 400
	maxHuntItems            = 100
)

// ErrInvalidSettings wraps every rejection of user supplied settings.
var ErrInvalidSettings = errors.New("invalid settings")

// Sonarr/Whisparr search modes.
const (
	SearchModeEpisodes    = "episodes"
	SearchModeSeasonPacks = "season_packs"
)

// ArrInstance is one upstream server of an app.
type ArrInstance struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	APIKey  string `json:"apiKey"`
	Enabled bool   `json:"enabled"`
}

// AppSettings is the per-app configuration blob.
type AppSettings struct {
	App                  domain.BaseApp `json:"app"`
	Enabled              bool           `json:"enabled"`
	SleepDurationSeconds int            `json:"sleepDuration"`
	HourlyCap            int            `json:"hourlyCap"`
	HuntMissingItems     int            `json:"huntMissingItems"`
	HuntUpgradeItems     int            `json:"huntUpgradeItems"`
	MonitoredOnly        bool           `json:"monitoredOnly"`
	SkipFutureReleases   bool           `json:"skipFutureReleases"`
	SearchMode           string         `json:"searchMode,omitempty"`
	Instances            []ArrInstance  `json:"instances"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// SleepDuration returns the configured pause between passes.
func (s *AppSettings) SleepDuration() time.Duration {
	return time.Duration(s.SleepDurationSeconds) * time.Second
}

// EnabledInstances returns the instances that should be searched.
func (s *AppSettings) EnabledInstances() []ArrInstance {
	var out []ArrInstance
	for _, inst := range s.Instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// Redacted returns a copy with instance API keys masked.
func (s *AppSettings) Redacted() *AppSettings {
	clone := *s
	clone.Instances = make([]ArrInstance, len(s.Instances))
	for i, inst := range s.Instances {
		inst.APIKey = domain.RedactString(inst.APIKey)
		clone.Instances[i] = inst
	}
	return &clone
}

// AppSettingsPatch holds a partial update. Nil fields are left untouched.
type AppSettingsPatch struct {
	Enabled              *bool `json:"enabled,omitempty"`
	SleepDurationSeconds *int  `json:"sleepDuration,omitempty"`
	HourlyCap            *int  `json:"hourlyCap,omitempty"`
}

func (p AppSettingsPatch) apply(s *AppSettings) {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.SleepDurationSeconds != nil {
		s.SleepDurationSeconds = *p.SleepDurationSeconds
	}
	if p.HourlyCap != nil {
		s.HourlyCap = *p.HourlyCap
	}
}

// AppSettingsStore manages persistence for AppSettings.
type AppSettingsStore struct {
	db dbinterface.Querier
}

// NewAppSettingsStore creates a new store.
func NewAppSettingsStore(db dbinterface.Querier) *AppSettingsStore {
	return &AppSettingsStore{db: db}
}

// DefaultAppSettings returns default values for a new app entry.
func DefaultAppSettings(app domain.BaseApp) *AppSettings {
	settings := &AppSettings{
		App:                  app,
		Enabled:              false,
		SleepDurationSeconds: DefaultSleepDurationSeconds,
		HourlyCap:            DefaultHourlyCap,
		HuntMissingItems:     DefaultHuntMissingItems,
		HuntUpgradeItems:     DefaultHuntUpgradeItems,
		MonitoredOnly:        true,
		SkipFutureReleases:   true,
		Instances:            []ArrInstance{},
	}
	if hasSearchMode(app) {
		settings.SearchMode = SearchModeEpisodes
	}
	return settings
}

func notConfigured(app domain.BaseApp) error {
	return &domain.ConfigurationError{App: string(app), Reason: domain.ErrAppNotConfigured}
}

// Get returns the settings for app. A missing entry yields a
// ConfigurationError wrapping domain.ErrAppNotConfigured.
func (s *AppSettingsStore) Get(ctx context.Context, app domain.BaseApp) (*AppSettings, error) {
	return getAppSettings(ctx, s.db, app)
}

func getAppSettings(ctx context.Context, q dbinterface.TxQuerier, app domain.BaseApp) (*AppSettings, error) {
	row := q.QueryRowContext(ctx, `SELECT app, settings_json, updated_at FROM app_settings WHERE app = ?`, string(app))
	settings, err := scanAppSettings(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notConfigured(app)
		}
		return nil, err
	}
	return settings, nil
}

// List returns every configured app. Apps without an entry are omitted.
func (s *AppSettingsStore) List(ctx context.Context) ([]*AppSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app, settings_json, updated_at FROM app_settings ORDER BY app`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AppSettings
	for rows.Next() {
		settings, err := scanAppSettings(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, settings)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Put replaces the settings for an app. Instance API keys that arrive blank
// or redacted keep the stored value for the instance with the same name.
func (s *AppSettingsStore) Put(ctx context.Context, settings *AppSettings) (*AppSettings, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: settings cannot be nil", ErrInvalidSettings)
	}
	if !settings.App.Valid() {
		return nil, &domain.ConfigurationError{App: string(settings.App), Reason: domain.ErrUnknownApp}
	}

	coerced, err := sanitizeAppSettings(settings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := getAppSettings(ctx, tx, coerced.App)
	if err != nil && !errors.Is(err, domain.ErrAppNotConfigured) {
		return nil, err
	}
	if existing != nil {
		preserveAPIKeys(coerced, existing)
	}

	if err := writeAppSettings(ctx, tx, coerced); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.Get(ctx, coerced.App)
}

// Patch applies a partial update to an existing entry and reports whether
// anything changed. It never creates an entry.
func (s *AppSettingsStore) Patch(ctx context.Context, app domain.BaseApp, patch AppSettingsPatch) (*AppSettings, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	current, err := getAppSettings(ctx, tx, app)
	if err != nil {
		return nil, false, err
	}

	next := *current
	patch.apply(&next)
	coerced, err := sanitizeAppSettings(&next)
	if err != nil {
		return nil, false, err
	}

	if coerced.Enabled == current.Enabled &&
		coerced.SleepDurationSeconds == current.SleepDurationSeconds &&
		coerced.HourlyCap == current.HourlyCap {
		return current, false, nil
	}

	if err := writeAppSettings(ctx, tx, coerced); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	updated, err := s.Get(ctx, app)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// Delete removes the entry for app.
func (s *AppSettingsStore) Delete(ctx context.Context, app domain.BaseApp) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_settings WHERE app = ?`, string(app))
	if err != nil {
		return err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return notConfigured(app)
	}

	return nil
}

func writeAppSettings(ctx context.Context, q dbinterface.TxQuerier, settings *AppSettings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	const stmt = `INSERT INTO app_settings (app, settings_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(app) DO UPDATE SET
		settings_json = excluded.settings_json,
		updated_at = excluded.updated_at`

	_, err = q.ExecContext(ctx, stmt, string(settings.App), string(payload), time.Now().UTC().Unix())
	return err
}

func preserveAPIKeys(next, existing *AppSettings) {
	stored := make(map[string]string, len(existing.Instances))
	for _, inst := range existing.Instances {
		stored[strings.ToLower(inst.Name)] = inst.APIKey
	}
	for i := range next.Instances {
		key := next.Instances[i].APIKey
		if key == "" || domain.IsRedactedString(key) {
			next.Instances[i].APIKey = stored[strings.ToLower(next.Instances[i].Name)]
		}
	}
}

func hasSearchMode(app domain.BaseApp) bool {
	return app == domain.AppSonarr || app == domain.AppWhisparr
}

func sanitizeAppSettings(s *AppSettings) (*AppSettings, error) {
	clone := *s
	if clone.SleepDurationSeconds <= 0 {
		clone.SleepDurationSeconds = DefaultSleepDurationSeconds
	} else if clone.SleepDurationSeconds < minSleepDurationSeconds {
		log.Debug().
			Int("original", s.SleepDurationSeconds).
			Int("sanitized", minSleepDurationSeconds).
			Msg("settings: sleep duration below minimum, clamping")
		clone.SleepDurationSeconds = minSleepDurationSeconds
	}
	if clone.HourlyCap < 0 {
		clone.HourlyCap = 0
	} else if clone.HourlyCap > maxHourlyCap {
		log.Debug().
			Int("original", s.HourlyCap).
			Int("sanitized", maxHourlyCap).
			Msg("settings: hourly cap exceeded maximum, clamping")
		clone.HourlyCap = maxHourlyCap
	}
	clone.HuntMissingItems = clampInt(clone.HuntMissingItems, 0, maxHuntItems)
	clone.HuntUpgradeItems = clampInt(clone.HuntUpgradeItems, 0, maxHuntItems)

	if hasSearchMode(clone.App) {
		if clone.SearchMode != SearchModeSeasonPacks {
			clone.SearchMode = SearchModeEpisodes
		}
	} else {
		clone.SearchMode = ""
	}

	seen := make(map[string]struct{}, len(s.Instances))
	clone.Instances = make([]ArrInstance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		inst.Name = strings.TrimSpace(inst.Name)
		if inst.Name == "" {
			inst.Name = "default"
		}
		lower := strings.ToLower(inst.Name)
		if _, exists := seen[lower]; exists {
			return nil, fmt.Errorf("%w: duplicate instance name %q", ErrInvalidSettings, inst.Name)
		}
		seen[lower] = struct{}{}

		normalized, err := validateAndNormalizeURL(inst.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: instance %q: %w", ErrInvalidSettings, inst.Name, err)
		}
		inst.URL = normalized
		inst.APIKey = strings.TrimSpace(inst.APIKey)
		clone.Instances = append(clone.Instances, inst)
	}

	return &clone, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func validateAndNormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("url cannot be empty")
	}

	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

func scanAppSettings(scanner interface {
	Scan(dest ...any) error
}) (*AppSettings, error) {
	var (
		app       string
		raw       string
		updatedAt int64
	)

	if err := scanner.Scan(&app, &raw, &updatedAt); err != nil {
		return nil, err
	}

	settings := DefaultAppSettings(domain.BaseApp(app))
	if err := json.Unmarshal([]byte(raw), settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", app, err)
	}
	settings.App = domain.BaseApp(app)
	settings.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if settings.Instances == nil {
		settings.Instances = []ArrInstance{}
	}

	return settings, nil
}
