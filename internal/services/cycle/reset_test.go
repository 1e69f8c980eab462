// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexguide/huntarr/internal/domain"
)

func TestResetDuringInFlightPassIsNotSatisfiedEarly(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)

	var woken []domain.BaseApp
	coord := NewResetCoordinator(store, func(app domain.BaseApp) { woken = append(woken, app) }, clock.Now)

	// a pass is in flight
	_, err := store.BeginCycle(domain.AppSonarr)
	require.NoError(t, err)

	ticket, err := coord.Reset(t.Context(), domain.AppSonarr)
	require.NoError(t, err)
	assert.Equal(t, []domain.BaseApp{domain.AppSonarr}, woken)

	// the in-flight pass finishes with its own due time
	ended, err := store.EndCycle(domain.AppSonarr, clock.Now().Add(15*time.Minute))
	require.NoError(t, err)
	assert.False(t, Satisfied(ticket, ended), "completion of the pre-reset pass must not satisfy the reset")
	assert.True(t, ended.IsRunning)
	assert.Nil(t, ended.NextDueAt)

	begun, err := store.BeginCycle(domain.AppSonarr)
	require.NoError(t, err)
	assert.False(t, Satisfied(ticket, begun))

	clock.Advance(time.Minute)
	done, err := store.EndCycle(domain.AppSonarr, clock.Now().Add(15*time.Minute))
	require.NoError(t, err)
	assert.True(t, Satisfied(ticket, done))
}

func TestResetSatisfiedEvenWhenDueTimeRepeats(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)
	coord := NewResetCoordinator(store, nil, clock.Now)

	due := clock.Now().Add(10 * time.Minute)
	_, err := store.EndCycle(domain.AppRadarr, due)
	require.NoError(t, err)

	ticket, err := coord.Reset(t.Context(), domain.AppRadarr)
	require.NoError(t, err)
	require.NotNil(t, ticket.PreviousNextDueAt)
	assert.True(t, due.Equal(*ticket.PreviousNextDueAt))

	_, err = store.BeginCycle(domain.AppRadarr)
	require.NoError(t, err)
	done, err := store.EndCycle(domain.AppRadarr, due)
	require.NoError(t, err)

	assert.True(t, Satisfied(ticket, done))
}

func TestResetAwait(t *testing.T) {
	clock := newFakeClock()
	store := NewStateStore(nil, clock.Now)
	coord := NewResetCoordinator(store, nil, clock.Now)

	ticket, err := coord.Reset(t.Context(), domain.AppLidarr)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.BeginCycle(domain.AppLidarr)
		time.Sleep(20 * time.Millisecond)
		_, _ = store.EndCycle(domain.AppLidarr, clock.Now().Add(time.Hour))
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	snap, err := coord.Await(ctx, ticket)
	require.NoError(t, err)
	assert.False(t, snap.IsRunning)
	assert.Greater(t, snap.Generation, ticket.RequestedGeneration)
}

func TestResetAwaitHonorsContext(t *testing.T) {
	store := NewStateStore(nil, nil)
	coord := NewResetCoordinator(store, nil, nil)

	ticket, err := coord.Reset(t.Context(), domain.AppReadarr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	snap, err := coord.Await(ctx, ticket)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, snap.IsRunning)
	assert.True(t, snap.ResetPending)
}

func TestResetUnknownApp(t *testing.T) {
	coord := NewResetCoordinator(NewStateStore(nil, nil), nil, nil)

	_, err := coord.Reset(t.Context(), "plex")
	assert.ErrorIs(t, err, domain.ErrUnknownApp)
}
