// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cycle

import (
	"context"
	"time"

	"github.com/plexguide/huntarr/internal/domain"
)

// Ticket identifies one reset request. It is satisfied only by a pass that
// started after the reset and has since completed.
type Ticket struct {
	App                 domain.BaseApp `json:"app"`
	RequestedGeneration uint64         `json:"requestedGeneration"`
	PreviousNextDueAt   *time.Time     `json:"previousNextDueAt,omitempty"`
	RequestedAt         time.Time      `json:"requestedAt"`
}

// Satisfied reports whether snap shows the cycle that follows the reset. The
// generation must have advanced past the reset's own bump and the app must be
// waiting on a fresh due time. Comparing due times alone is not enough since
// the new cycle may compute the same value.
func Satisfied(ticket Ticket, snap State) bool {
	return snap.Generation > ticket.RequestedGeneration && !snap.IsRunning && snap.NextDueAt != nil
}

// ResetCoordinator forces apps due and lets callers wait for the result.
type ResetCoordinator struct {
	states *StateStore
	wake   func(domain.BaseApp)
	now    func() time.Time
}

// NewResetCoordinator wires a coordinator to the state store. wake is called
// after the force so the worker stops sleeping.
func NewResetCoordinator(states *StateStore, wake func(domain.BaseApp), now func() time.Time) *ResetCoordinator {
	if now == nil {
		now = time.Now
	}
	if wake == nil {
		wake = func(domain.BaseApp) {}
	}
	return &ResetCoordinator{states: states, wake: wake, now: now}
}

// Reset captures the pre-reset snapshot, forces the app due and wakes its
// worker.
func (c *ResetCoordinator) Reset(ctx context.Context, app domain.BaseApp) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}

	before, err := c.states.Read(app)
	if err != nil {
		return Ticket{}, err
	}

	forced, err := c.states.ForceDueNow(app)
	if err != nil {
		return Ticket{}, err
	}

	c.wake(app)

	return Ticket{
		App:                 app,
		RequestedGeneration: forced.Generation,
		PreviousNextDueAt:   before.NextDueAt,
		RequestedAt:         c.now(),
	}, nil
}

// Await blocks until the ticket is satisfied or ctx ends. On cancellation it
// returns the latest snapshot together with ctx.Err().
func (c *ResetCoordinator) Await(ctx context.Context, ticket Ticket) (State, error) {
	for {
		changed := c.states.Changed(ticket.App)

		snap, err := c.states.Read(ticket.App)
		if err != nil {
			return State{}, err
		}
		if Satisfied(ticket, snap) {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}
