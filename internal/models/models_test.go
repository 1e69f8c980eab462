// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexguide/huntarr/internal/database"
	"github.com/plexguide/huntarr/internal/domain"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "huntarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppSettingsStoreMissingEntryFailsClosed(t *testing.T) {
	store := NewAppSettingsStore(newTestDB(t))

	_, err := store.Get(t.Context(), domain.AppRadarr)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAppNotConfigured)
	assert.True(t, domain.IsConfigurationError(err))

	enabled := true
	_, _, err = store.Patch(t.Context(), domain.AppRadarr, AppSettingsPatch{Enabled: &enabled})
	assert.ErrorIs(t, err, domain.ErrAppNotConfigured)
}

func TestAppSettingsStorePutAndGet(t *testing.T) {
	store := NewAppSettingsStore(newTestDB(t))

	settings := DefaultAppSettings(domain.AppSonarr)
	settings.Enabled = true
	settings.SearchMode = SearchModeSeasonPacks
	settings.Instances = []ArrInstance{
		{Name: " main ", URL: "localhost:8989/", APIKey: "secret", Enabled: true},
	}

	saved, err := store.Put(t.Context(), settings)
	require.NoError(t, err)

	assert.True(t, saved.Enabled)
	assert.Equal(t, SearchModeSeasonPacks, saved.SearchMode)
	require.Len(t, saved.Instances, 1)
	assert.Equal(t, "main", saved.Instances[0].Name)
	assert.Equal(t, "http://localhost:8989", saved.Instances[0].URL)
	assert.Equal(t, "secret", saved.Instances[0].APIKey)

	redacted := saved.Redacted()
	assert.Equal(t, domain.RedactedStr, redacted.Instances[0].APIKey)
	assert.Equal(t, "secret", saved.Instances[0].APIKey)

	// A redacted key round-trips to the stored value.
	again, err := store.Put(t.Context(), redacted)
	require.NoError(t, err)
	assert.Equal(t, "secret", again.Instances[0].APIKey)
}

func TestAppSettingsStoreSanitizes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppSettings)
		check  func(*testing.T, *AppSettings)
	}{
		{
			name:   "zero sleep uses default",
			mutate: func(s *AppSettings) { s.SleepDurationSeconds = 0 },
			check: func(t *testing.T, s *AppSettings) {
				assert.Equal(t, DefaultSleepDurationSeconds, s.SleepDurationSeconds)
			},
		},
		{
			name:   "tiny sleep clamps to minimum",
			mutate: func(s *AppSettings) { s.SleepDurationSeconds = 1 },
			check: func(t *testing.T, s *AppSettings) {
				assert.Equal(t, minSleepDurationSeconds, s.SleepDurationSeconds)
			},
		},
		{
			name:   "cap clamps to maximum",
			mutate: func(s *AppSettings) { s.HourlyCap = 10000 },
			check: func(t *testing.T, s *AppSettings) {
				assert.Equal(t, maxHourlyCap, s.HourlyCap)
			},
		},
		{
			name:   "search mode dropped for radarr",
			mutate: func(s *AppSettings) { s.SearchMode = SearchModeSeasonPacks },
			check: func(t *testing.T, s *AppSettings) {
				assert.Empty(t, s.SearchMode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewAppSettingsStore(newTestDB(t))
			settings := DefaultAppSettings(domain.AppRadarr)
			tt.mutate(settings)

			saved, err := store.Put(t.Context(), settings)
			require.NoError(t, err)
			tt.check(t, saved)
		})
	}
}

func TestAppSettingsStoreRejectsBadInstances(t *testing.T) {
	store := NewAppSettingsStore(newTestDB(t))

	settings := DefaultAppSettings(domain.AppLidarr)
	settings.Instances = []ArrInstance{{Name: "a", URL: "ftp://nope"}}
	_, err := store.Put(t.Context(), settings)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	settings.Instances = []ArrInstance{
		{Name: "a", URL: "http://one"},
		{Name: "A", URL: "http://two"},
	}
	_, err = store.Put(t.Context(), settings)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	_, err = store.Put(t.Context(), nil)
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestAppSettingsStoreStorageFailureIsNotInvalid(t *testing.T) {
	db := newTestDB(t)
	store := NewAppSettingsStore(db)
	require.NoError(t, db.Close())

	_, err := store.Put(t.Context(), DefaultAppSettings(domain.AppLidarr))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidSettings)
}

func TestAppSettingsStorePatchReportsChange(t *testing.T) {
	store := NewAppSettingsStore(newTestDB(t))
	ctx := t.Context()

	_, err := store.Put(ctx, DefaultAppSettings(domain.AppRadarr))
	require.NoError(t, err)

	enabled := true
	updated, changed, err := store.Patch(ctx, domain.AppRadarr, AppSettingsPatch{Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, updated.Enabled)

	updated, changed, err = store.Patch(ctx, domain.AppRadarr, AppSettingsPatch{Enabled: &enabled})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, updated.Enabled)

	limit := 7
	updated, changed, err = store.Patch(ctx, domain.AppRadarr, AppSettingsPatch{HourlyCap: &limit})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 7, updated.HourlyCap)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.AppRadarr, list[0].App)
}

func TestCycleStateStoreRoundTrip(t *testing.T) {
	store := NewCycleStateStore(newTestDB(t))
	ctx := t.Context()

	_, err := store.Get(ctx, domain.AppSonarr)
	require.Error(t, err)

	due := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &CycleStateRecord{
		App:          domain.AppSonarr,
		IsRunning:    false,
		NextDueAt:    &due,
		Generation:   42,
		ResetPending: true,
		LastOutcome:  "completed",
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.Get(ctx, domain.AppSonarr)
	require.NoError(t, err)
	assert.False(t, got.IsRunning)
	require.NotNil(t, got.NextDueAt)
	assert.True(t, due.Equal(*got.NextDueAt))
	assert.Nil(t, got.LastCompletedAt)
	assert.Equal(t, uint64(42), got.Generation)
	assert.True(t, got.ResetPending)
	assert.Equal(t, "completed", got.LastOutcome)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, domain.AppSonarr)
}

func TestHourlyCapStoreUpsert(t *testing.T) {
	store := NewHourlyCapStore(newTestDB(t))
	ctx := t.Context()

	bucket := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Upsert(ctx, HourlyCapRecord{App: domain.AppRadarr, HourBucket: bucket, APICalls: 1, Processed: 10, Cap: 5}))
	require.NoError(t, store.Upsert(ctx, HourlyCapRecord{App: domain.AppRadarr, HourBucket: bucket, APICalls: 2, Processed: 11, Cap: 5}))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].APICalls)
	assert.Equal(t, 11, list[0].Processed)
	assert.True(t, bucket.Equal(list[0].HourBucket))
}

func TestScheduleRuleStore(t *testing.T) {
	store := NewScheduleRuleStore(newTestDB(t))
	ctx := t.Context()

	limit := 3
	created, err := store.Create(ctx, &ScheduleRule{
		Name:    "night cap",
		Time:    "02:30",
		Days:    []string{"Mon", "mon", " tue "},
		Target:  " Radarr-All ",
		Action:  ActionSetAPICap,
		Params:  ScheduleParams{Cap: &limit},
		Enabled: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, []string{"mon", "tue"}, created.Days)
	assert.Equal(t, "Radarr-All", created.Target, "target is stored as given")
	require.NotNil(t, created.Params.Cap)
	assert.Equal(t, 3, *created.Params.Cap)
	assert.Nil(t, created.LastFiredAt)

	occ := time.Date(2025, 3, 3, 2, 30, 0, 0, time.UTC)
	ok, err := store.MarkFired(ctx, created.ID, occ)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkFired(ctx, created.ID, occ)
	require.NoError(t, err)
	assert.False(t, ok, "same occurrence must not be marked twice")

	require.NoError(t, store.RecordOutcome(ctx, created.ID, "failed", "boom"))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, occ.Equal(*got.LastFiredAt))
	assert.Equal(t, "failed", got.LastOutcome)
	assert.Equal(t, "boom", got.LastError)

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrScheduleRuleNotFound)

	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrScheduleRuleNotFound)
}

func TestAppStatsStore(t *testing.T) {
	store := NewAppStatsStore(newTestDB(t))
	ctx := t.Context()

	require.NoError(t, store.Record(ctx, domain.AppSonarr, StatsDelta{Passes: 1, Hunted: 10}))
	require.NoError(t, store.Record(ctx, domain.AppSonarr, StatsDelta{Passes: 1, Hunted: 2, Upgraded: 1, CapSkips: 1}))

	stats, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(domain.AllApps))

	assert.Equal(t, domain.AppSonarr, stats[0].App)
	assert.Equal(t, int64(2), stats[0].Passes)
	assert.Equal(t, int64(12), stats[0].Hunted)
	assert.Equal(t, int64(1), stats[0].Upgraded)
	assert.Equal(t, int64(1), stats[0].CapSkips)
	assert.NotNil(t, stats[0].LastPassAt)

	assert.Equal(t, domain.AppRadarr, stats[1].App)
	assert.Zero(t, stats[1].Passes)

	require.NoError(t, store.Reset(ctx))
	stats, err = store.List(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[0].Passes)
}

func TestProcessedItemStore(t *testing.T) {
	store := NewProcessedItemStore(newTestDB(t))
	ctx := t.Context()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)

	require.NoError(t, store.MarkProcessed(ctx, domain.AppRadarr, "main", []int64{1, 2}, old))
	require.NoError(t, store.MarkProcessed(ctx, domain.AppRadarr, "main", []int64{3}, recent))

	remaining, err := store.FilterUnprocessed(ctx, domain.AppRadarr, "main", []int64{5, 1, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4}, remaining)

	other, err := store.FilterUnprocessed(ctx, domain.AppRadarr, "other", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, other)

	purged, err := store.PurgeOlderThan(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	remaining, err = store.FilterUnprocessed(ctx, domain.AppRadarr, "main", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, remaining)

	require.NoError(t, store.Clear(ctx, domain.AppRadarr))
	remaining, err = store.FilterUnprocessed(ctx, domain.AppRadarr, "main", []int64{3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, remaining)
}

func TestProcessedItemStoreLargeBatch(t *testing.T) {
	store := NewProcessedItemStore(newTestDB(t))
	ctx := t.Context()

	ids := make([]int64, 2000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	require.NoError(t, store.MarkProcessed(ctx, domain.AppSonarr, "main", ids, time.Now()))

	remaining, err := store.FilterUnprocessed(ctx, domain.AppSonarr, "main", append(ids, 5000))
	require.NoError(t, err)
	assert.Equal(t, []int64{5000}, remaining)
}

func TestValidateAndNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "HTTP URL with port", input: "http://localhost:7878", expected: "http://localhost:7878"},
		{name: "URL without protocol", input: "radarr:7878", expected: "http://radarr:7878"},
		{name: "trailing slash trimmed", input: "https://example.com/radarr/", expected: "https://example.com/radarr"},
		{name: "whitespace", input: "  http://localhost:8989  ", expected: "http://localhost:8989"},
		{name: "IPv6 address", input: "[2001:db8::1]:8080", expected: "http://[2001:db8::1]:8080"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "unsupported scheme", input: "ftp://localhost", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateAndNormalizeURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
