// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
)

// ErrNoInstances is the reason reported when an enabled app has no enabled
// instance to search.
var ErrNoInstances = errors.New("no enabled instances")

const (
	wantedPageSize      = 250
	maxInstanceParallel = 4
)

// ProcessedItems remembers which items were already searched.
type ProcessedItems interface {
	FilterUnprocessed(ctx context.Context, app domain.BaseApp, instance string, ids []int64) ([]int64, error)
	MarkProcessed(ctx context.Context, app domain.BaseApp, instance string, ids []int64, at time.Time) error
}

// profile describes the REST dialect of one *arr app.
type profile struct {
	app          domain.BaseApp
	apiVersion   string
	command      string
	idsField     string
	includeParam string
	seasonPacks  bool
}

var profiles = []profile{
	{app: domain.AppSonarr, apiVersion: "v3", command: "EpisodeSearch", idsField: "episodeIds", includeParam: "includeSeries", seasonPacks: true},
	{app: domain.AppWhisparr, apiVersion: "v3", command: "EpisodeSearch", idsField: "episodeIds", includeParam: "includeSeries", seasonPacks: true},
	{app: domain.AppRadarr, apiVersion: "v3", command: "MoviesSearch", idsField: "movieIds"},
	{app: domain.AppEros, apiVersion: "v3", command: "MoviesSearch", idsField: "movieIds"},
	{app: domain.AppLidarr, apiVersion: "v1", command: "AlbumSearch", idsField: "albumIds", includeParam: "includeArtist"},
	{app: domain.AppReadarr, apiVersion: "v1", command: "BookSearch", idsField: "bookIds", includeParam: "includeAuthor"},
}

// NewDefaultRegistry registers a driver for every supported app.
func NewDefaultRegistry(pool *ClientPool, items ProcessedItems, now func() time.Time) *Registry {
	reg := NewRegistry()
	for _, p := range profiles {
		reg.Register(p.app, newProfileDriver(p, pool, items, now))
	}
	return reg
}

// ProfileDriver searches wanted/missing and wanted/cutoff items of one app.
type ProfileDriver struct {
	profile profile
	pool    *ClientPool
	items   ProcessedItems
	now     func() time.Time
}

func newProfileDriver(p profile, pool *ClientPool, items ProcessedItems, now func() time.Time) *ProfileDriver {
	if now == nil {
		now = time.Now
	}
	return &ProfileDriver{profile: p, pool: pool, items: items, now: now}
}

type parentRef struct {
	Monitored bool `json:"monitored"`
}

type wantedRecord struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Monitored       bool       `json:"monitored"`
	SeriesID        int64      `json:"seriesId"`
	SeasonNumber    int        `json:"seasonNumber"`
	AirDateUTC      *time.Time `json:"airDateUtc"`
	ReleaseDate     *time.Time `json:"releaseDate"`
	DigitalRelease  *time.Time `json:"digitalRelease"`
	PhysicalRelease *time.Time `json:"physicalRelease"`
	InCinemas       *time.Time `json:"inCinemas"`
	Series          *parentRef `json:"series"`
	Artist          *parentRef `json:"artist"`
	Author          *parentRef `json:"author"`
}

func (r wantedRecord) releasedAt() *time.Time {
	for _, t := range []*time.Time{r.AirDateUTC, r.ReleaseDate, r.DigitalRelease, r.PhysicalRelease, r.InCinemas} {
		if t != nil && !t.IsZero() {
			return t
		}
	}
	return nil
}

func (r wantedRecord) parentMonitored() bool {
	for _, p := range []*parentRef{r.Series, r.Artist, r.Author} {
		if p != nil {
			return p.Monitored
		}
	}
	return true
}

type wantedPage struct {
	Page         int            `json:"page"`
	PageSize     int            `json:"pageSize"`
	TotalRecords int            `json:"totalRecords"`
	Records      []wantedRecord `json:"records"`
}

// searchBatch is one search command. Season packs cover several episodes.
type searchBatch struct {
	ids          []int64
	seriesID     int64
	seasonNumber int
	season       bool
}

// RunSearchPass searches every enabled instance. Instances are fetched in
// parallel; search commands are serialized so the cap check and the call it
// guards are never interleaved with another instance's.
func (d *ProfileDriver) RunSearchPass(ctx context.Context, settings *models.AppSettings, meter Meter) (PassResult, error) {
	instances := settings.EnabledInstances()
	if len(instances) == 0 {
		return PassResult{}, &domain.ConfigurationError{App: d.profile.app.String(), Reason: ErrNoInstances}
	}

	var (
		g       errgroup.Group
		spendMu sync.Mutex
		results = make([]PassResult, len(instances))
		errs    = make([]error, len(instances))
	)
	g.SetLimit(maxInstanceParallel)

	for i, inst := range instances {
		g.Go(func() error {
			results[i], errs[i] = d.searchInstance(ctx, settings, inst, meter, &spendMu)
			return nil
		})
	}
	_ = g.Wait()

	var total PassResult
	for _, r := range results {
		total.Add(r)
	}
	return total, errors.Join(errs...)
}

func (d *ProfileDriver) searchInstance(ctx context.Context, settings *models.AppSettings, inst models.ArrInstance, meter Meter, spendMu *sync.Mutex) (PassResult, error) {
	client := d.pool.Client(d.profile.app, d.profile.apiVersion, inst)
	result := PassResult{Instances: 1}

	kinds := []struct {
		endpoint string
		count    int
		tally    *int
	}{
		{endpoint: "wanted/missing", count: settings.HuntMissingItems, tally: &result.Missing},
		{endpoint: "wanted/cutoff", count: settings.HuntUpgradeItems, tally: &result.Upgrades},
	}

	for _, kind := range kinds {
		if kind.count <= 0 {
			continue
		}

		batches, err := d.selectBatches(ctx, client, settings, inst, kind.endpoint, kind.count)
		if err != nil {
			return result, d.upstream(inst, err)
		}

		for _, batch := range batches {
			if err := d.spend(ctx, client, batch, meter, spendMu); err != nil {
				if errors.Is(err, domain.ErrCapExhausted) {
					return result, err
				}
				return result, d.upstream(inst, err)
			}

			*kind.tally += len(batch.ids)
			result.APICalls++
			result.Processed += len(batch.ids)

			if d.items != nil {
				if err := d.items.MarkProcessed(ctx, d.profile.app, inst.Name, batch.ids, d.now()); err != nil {
					log.Warn().Err(err).Str("app", d.profile.app.String()).Str("instance", inst.Name).Msg("arr: failed to remember processed items")
				}
			}
		}
	}

	return result, nil
}

func (d *ProfileDriver) spend(ctx context.Context, client *Client, batch searchBatch, meter Meter, spendMu *sync.Mutex) error {
	spendMu.Lock()
	defer spendMu.Unlock()

	if err := meter.Allow(); err != nil {
		return err
	}

	resp, err := client.Command(ctx, d.commandBody(batch))
	if err != nil {
		return err
	}

	if err := meter.CountCall(); err != nil {
		return err
	}
	if err := meter.CountProcessed(len(batch.ids)); err != nil {
		return err
	}

	log.Debug().
		Str("app", d.profile.app.String()).
		Str("instance", client.Name()).
		Int64("commandId", resp.ID).
		Int("items", len(batch.ids)).
		Msg("arr: search command queued")
	return nil
}

func (d *ProfileDriver) commandBody(batch searchBatch) map[string]any {
	if batch.season {
		return map[string]any{
			"name":         "SeasonSearch",
			"seriesId":     batch.seriesID,
			"seasonNumber": batch.seasonNumber,
		}
	}
	return map[string]any{
		"name":             d.profile.command,
		d.profile.idsField: batch.ids,
	}
}

// selectBatches fetches one wanted page, drops filtered and already searched
// records and groups the rest into at most count search commands.
func (d *ProfileDriver) selectBatches(ctx context.Context, client *Client, settings *models.AppSettings, inst models.ArrInstance, endpoint string, count int) ([]searchBatch, error) {
	query := url.Values{}
	query.Set("page", "1")
	query.Set("pageSize", strconv.Itoa(wantedPageSize))
	if settings.MonitoredOnly {
		query.Set("monitored", "true")
	}
	if d.profile.includeParam != "" {
		query.Set(d.profile.includeParam, "true")
	}

	var page wantedPage
	if err := client.Get(ctx, endpoint, query, &page); err != nil {
		return nil, err
	}

	now := d.now()
	candidates := make([]wantedRecord, 0, len(page.Records))
	for _, rec := range page.Records {
		if settings.MonitoredOnly && (!rec.Monitored || !rec.parentMonitored()) {
			continue
		}
		if settings.SkipFutureReleases {
			released := rec.releasedAt()
			if released == nil || released.After(now) {
				continue
			}
		}
		candidates = append(candidates, rec)
	}

	candidates, err := d.dropProcessed(ctx, inst, candidates)
	if err != nil {
		return nil, err
	}

	seasonPacks := d.profile.seasonPacks && settings.SearchMode == models.SearchModeSeasonPacks
	return groupBatches(candidates, count, seasonPacks), nil
}

func (d *ProfileDriver) dropProcessed(ctx context.Context, inst models.ArrInstance, records []wantedRecord) ([]wantedRecord, error) {
	if d.items == nil || len(records) == 0 {
		return records, nil
	}

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}

	fresh, err := d.items.FilterUnprocessed(ctx, d.profile.app, inst.Name, ids)
	if err != nil {
		return nil, fmt.Errorf("filter processed items: %w", err)
	}

	keep := make(map[int64]struct{}, len(fresh))
	for _, id := range fresh {
		keep[id] = struct{}{}
	}

	out := records[:0]
	for _, rec := range records {
		if _, ok := keep[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func groupBatches(records []wantedRecord, count int, seasonPacks bool) []searchBatch {
	if !seasonPacks {
		n := min(count, len(records))
		batches := make([]searchBatch, n)
		for i := range n {
			batches[i] = searchBatch{ids: []int64{records[i].ID}}
		}
		return batches
	}

	type seasonKey struct {
		series int64
		season int
	}

	index := make(map[seasonKey]int)
	var batches []searchBatch
	for _, rec := range records {
		key := seasonKey{series: rec.SeriesID, season: rec.SeasonNumber}
		if i, ok := index[key]; ok {
			batches[i].ids = append(batches[i].ids, rec.ID)
			continue
		}
		if len(batches) == count {
			continue
		}
		index[key] = len(batches)
		batches = append(batches, searchBatch{
			ids:          []int64{rec.ID},
			seriesID:     rec.SeriesID,
			seasonNumber: rec.SeasonNumber,
			season:       true,
		})
	}
	return batches
}

func (d *ProfileDriver) upstream(inst models.ArrInstance, err error) error {
	return &domain.UpstreamError{App: d.profile.app, Instance: inst.Name, Err: err}
}
