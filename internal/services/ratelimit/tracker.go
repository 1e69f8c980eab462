// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ratelimit counts upstream API calls per app per clock hour.
//
// The tracker never refuses an increment. Callers check IsExhausted (or
// Meter.Allow) before issuing a call, which is the only place the cap is
// enforced. Processed-item counts are kept apart from call counts so one
// batched search that covers many items costs a single call.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

const persistTimeout = 5 * time.Second

// Counter is a point-in-time view of one app's hourly usage.
type Counter struct {
	App        domain.BaseApp `json:"app"`
	HourBucket time.Time      `json:"hourBucket"`
	Calls      int            `json:"apiCalls"`
	Processed  int            `json:"processed"`
	Cap        int            `json:"cap"`
}

// Remaining is Cap-Calls floored at zero.
func (c Counter) Remaining() int {
	if c.Calls >= c.Cap {
		return 0
	}
	return c.Cap - c.Calls
}

// Exhausted reports Calls >= Cap.
func (c Counter) Exhausted() bool {
	return c.Calls >= c.Cap
}

// CounterStore persists counters.
type CounterStore interface {
	List(ctx context.Context) ([]*models.HourlyCapRecord, error)
	Upsert(ctx context.Context, rec models.HourlyCapRecord) error
}

type appCounter struct {
	mu      sync.Mutex
	counter Counter
}

// Tracker holds one counter per base app. The map is fixed at construction
// so only the per-app mutex is taken on the hot path.
type Tracker struct {
	counters map[domain.BaseApp]*appCounter
	store    CounterStore
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithStore enables write-through persistence.
func WithStore(store CounterStore) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// NewTracker creates counters for every supported app with the default cap.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		counters: make(map[domain.BaseApp]*appCounter, len(domain.AllApps)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	bucket := hourBucket(t.now())
	for _, app := range domain.AllApps {
		t.counters[app] = &appCounter{counter: Counter{
			App:        app,
			HourBucket: bucket,
			Cap:        models.DefaultHourlyCap,
		}}
	}
	return t
}

func hourBucket(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

func (t *Tracker) lookup(app domain.BaseApp) (*appCounter, error) {
	c, ok := t.counters[app]
	if !ok {
		return nil, &domain.ConfigurationError{App: string(app), Reason: domain.ErrUnknownApp}
	}
	return c, nil
}

// rollLocked resets the counter when the clock crossed into a new hour.
func (t *Tracker) rollLocked(c *appCounter) bool {
	bucket := hourBucket(t.now())
	if bucket.Equal(c.counter.HourBucket) {
		return false
	}
	c.counter.HourBucket = bucket
	c.counter.Calls = 0
	c.counter.Processed = 0
	return true
}

func (t *Tracker) persistLocked(c *appCounter) {
	if t.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := t.store.Upsert(ctx, models.HourlyCapRecord{
		App:        c.counter.App,
		HourBucket: c.counter.HourBucket,
		APICalls:   c.counter.Calls,
		Processed:  c.counter.Processed,
		Cap:        c.counter.Cap,
	})
	if err != nil {
		log.Warn().Err(err).Str("app", string(c.counter.App)).Msg("ratelimit: failed to persist counter")
	}
}

// IncrementCall counts one upstream API call and returns the new call count.
// It does not check the cap.
func (t *Tracker) IncrementCall(app domain.BaseApp) (int, error) {
	c, err := t.lookup(app)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.rollLocked(c)
	c.counter.Calls++
	t.persistLocked(c)

	return c.counter.Calls, nil
}

// IncrementProcessedOnly records n processed items without touching the call
// count.
func (t *Tracker) IncrementProcessedOnly(app domain.BaseApp, n int) error {
	c, err := t.lookup(app)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.rollLocked(c)
	c.counter.Processed += n
	t.persistLocked(c)

	return nil
}

// Remaining returns cap minus calls for the current hour, floored at zero.
func (t *Tracker) Remaining(app domain.BaseApp) (int, error) {
	snap, err := t.Snapshot(app)
	if err != nil {
		return 0, err
	}
	return snap.Remaining(), nil
}

// IsExhausted reports whether the current hour's calls reached the cap.
func (t *Tracker) IsExhausted(app domain.BaseApp) (bool, error) {
	snap, err := t.Snapshot(app)
	if err != nil {
		return false, err
	}
	return snap.Exhausted(), nil
}

// Snapshot returns the current counter for app.
func (t *Tracker) Snapshot(app domain.BaseApp) (Counter, error) {
	c, err := t.lookup(app)
	if err != nil {
		return Counter{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.rollLocked(c)
	return c.counter, nil
}

// SetCap changes the hourly cap of app. Negative values are treated as 0.
func (t *Tracker) SetCap(app domain.BaseApp, limit int) error {
	c, err := t.lookup(app)
	if err != nil {
		return err
	}
	if limit < 0 {
		limit = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.rollLocked(c)
	if c.counter.Cap == limit {
		return nil
	}
	c.counter.Cap = limit
	t.persistLocked(c)

	return nil
}

// Load seeds counters from the store. Records from an earlier hour keep their
// cap but start with zero counts.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	records, err := t.store.List(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		c, ok := t.counters[rec.App]
		if !ok {
			log.Warn().Str("app", string(rec.App)).Msg("ratelimit: ignoring persisted counter for unknown app")
			continue
		}

		c.mu.Lock()
		c.counter.HourBucket = rec.HourBucket
		c.counter.Calls = rec.APICalls
		c.counter.Processed = rec.Processed
		c.counter.Cap = rec.Cap
		t.rollLocked(c)
		c.mu.Unlock()
	}

	return nil
}

// Meter returns a Meter bound to app.
func (t *Tracker) Meter(app domain.BaseApp) *Meter {
	return &Meter{tracker: t, app: app}
}
