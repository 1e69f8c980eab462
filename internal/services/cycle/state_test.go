// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cycle

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexguide/huntarr/internal/database"
	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "huntarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateStoreInitialState(t *testing.T) {
	store := NewStateStore(nil, nil)

	for _, app := range domain.AllApps {
		snap, err := store.Read(app)
		require.NoError(t, err)
		assert.True(t, snap.IsRunning, "%s should start running", app)
		assert.Nil(t, snap.NextDueAt)
		assert.Zero(t, snap.Generation)
	}

	_, err := store.Read("plex")
	assert.ErrorIs(t, err, domain.ErrUnknownApp)
}

func TestStateStoreBeginCycleBumpsOnlyOnChange(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)

	// already running from construction
	snap, err := store.BeginCycle(domain.AppSonarr)
	require.NoError(t, err)
	assert.Zero(t, snap.Generation)

	snap, err = store.EndCycle(domain.AppSonarr, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.False(t, snap.IsRunning)
	require.NotNil(t, snap.LastCompletedAt)

	snap, err = store.BeginCycle(domain.AppSonarr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
	assert.True(t, snap.IsRunning)

	snap, err = store.BeginCycle(domain.AppSonarr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestStateStoreForceThenEndAdvancesGeneration(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)

	due := clock.Now().Add(15 * time.Minute)
	_, err := store.EndCycle(domain.AppRadarr, due)
	require.NoError(t, err)

	before, err := store.Read(domain.AppRadarr)
	require.NoError(t, err)

	forced, err := store.ForceDueNow(domain.AppRadarr)
	require.NoError(t, err)
	assert.Greater(t, forced.Generation, before.Generation)
	assert.True(t, forced.IsRunning)
	assert.Nil(t, forced.NextDueAt)
	assert.True(t, forced.ResetPending)

	_, err = store.BeginCycle(domain.AppRadarr)
	require.NoError(t, err)

	// the new cycle coincidentally lands on the same due time
	ended, err := store.EndCycle(domain.AppRadarr, due)
	require.NoError(t, err)
	assert.Greater(t, ended.Generation, forced.Generation)
	require.NotNil(t, ended.NextDueAt)
	assert.True(t, due.Equal(*ended.NextDueAt))
	assert.False(t, ended.ResetPending)
}

func TestStateStoreReadReturnsCopy(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)

	due := clock.Now().Add(time.Hour)
	_, err := store.EndCycle(domain.AppLidarr, due)
	require.NoError(t, err)

	snap, err := store.Read(domain.AppLidarr)
	require.NoError(t, err)
	*snap.NextDueAt = time.Time{}

	again, err := store.Read(domain.AppLidarr)
	require.NoError(t, err)
	assert.True(t, due.Equal(*again.NextDueAt))
}

func TestStateStoreChangedIsClosedOnTransition(t *testing.T) {
	store := NewStateStore(nil, nil)

	changed := store.Changed(domain.AppReadarr)
	select {
	case <-changed:
		t.Fatal("channel closed before any transition")
	default:
	}

	_, err := store.ForceDueNow(domain.AppReadarr)
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("channel not closed after transition")
	}

	// other apps are untouched
	select {
	case <-store.Changed(domain.AppSonarr):
		t.Fatal("unrelated app signalled")
	default:
	}
}

func TestStateStorePersistsAcrossRestart(t *testing.T) {
	clock := newFakeClock()
	persist := models.NewCycleStateStore(newTestDB(t))

	store := NewStateStore(persist, clock.Now)
	due := clock.Now().Add(30 * time.Minute)
	_, err := store.EndCycle(domain.AppEros, due)
	require.NoError(t, err)
	require.NoError(t, store.RecordOutcome(domain.AppEros, OutcomeCompleted, ""))

	restarted := NewStateStore(persist, clock.Now)
	require.NoError(t, restarted.Load(t.Context()))

	snap, err := restarted.Read(domain.AppEros)
	require.NoError(t, err)
	assert.False(t, snap.IsRunning)
	require.NotNil(t, snap.NextDueAt)
	assert.True(t, due.Equal(*snap.NextDueAt))
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, OutcomeCompleted, snap.LastOutcome)

	forced, err := restarted.ForceDueNow(domain.AppEros)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), forced.Generation, "generation keeps counting after restart")

	fresh, err := restarted.Read(domain.AppSonarr)
	require.NoError(t, err)
	assert.True(t, fresh.IsRunning)
}

func TestStateStoreConcurrentTransitions(t *testing.T) {
	store := NewStateStore(nil, nil)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ForceDueNow(domain.AppWhisparr)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := store.Read(domain.AppWhisparr)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), snap.Generation)
}
