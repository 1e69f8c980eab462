// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/services/cycle"
)

type staticSource struct {
	statuses []*cycle.Status
	err      error
}

func (s staticSource) StatusAll(context.Context) ([]*cycle.Status, error) {
	return s.statuses, s.err
}

func scrape(t *testing.T, h http.Handler, user, pass string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestMetricsExportPassesAndStatus(t *testing.T) {
	due := time.Unix(1_700_000_000, 0)
	source := staticSource{statuses: []*cycle.Status{{
		App:               domain.AppRadarr,
		Enabled:           true,
		NextDueAt:         &due,
		Generation:        7,
		Cap:               20,
		APICalls:          5,
		RemainingAPICalls: 15,
	}}}

	m := NewManager(source)
	m.ObservePass(domain.AppRadarr, "completed", 2*time.Second, arr.PassResult{Missing: 2, Upgrades: 1, APICalls: 3})
	m.ObservePass(domain.AppRadarr, "cap_exhausted", 0, arr.PassResult{})

	srv, err := NewMetricsServer(m, "127.0.0.1", 0, "")
	require.NoError(t, err)

	code, body := scrape(t, srv.Handler(), "", "")
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{
		`huntarr_passes_total{app="radarr",outcome="completed"} 1`,
		`huntarr_passes_total{app="radarr",outcome="cap_exhausted"} 1`,
		`huntarr_search_commands_total{app="radarr"} 3`,
		`huntarr_items_searched_total{app="radarr",kind="missing"} 2`,
		`huntarr_app_enabled{app="radarr"} 1`,
		`huntarr_app_cycle_generation{app="radarr"} 7`,
		`huntarr_api_calls_remaining{app="radarr"} 15`,
		`huntarr_app_next_due_timestamp_seconds{app="radarr"} 1.7e+09`,
		`huntarr_status_scrape_error 0`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetricsStatusErrorIsReported(t *testing.T) {
	m := NewManager(staticSource{err: errors.New("db closed")})
	srv, err := NewMetricsServer(m, "127.0.0.1", 0, "")
	require.NoError(t, err)

	code, body := scrape(t, srv.Handler(), "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "huntarr_status_scrape_error 1")
}

func TestMetricsBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	srv, err := NewMetricsServer(NewManager(nil), "127.0.0.1", 0, "prometheus:"+string(hash))
	require.NoError(t, err)

	tests := []struct {
		name     string
		user     string
		pass     string
		wantCode int
	}{
		{name: "no credentials", wantCode: http.StatusUnauthorized},
		{name: "wrong password", user: "prometheus", pass: "nope", wantCode: http.StatusUnauthorized},
		{name: "unknown user", user: "grafana", pass: "hunter2", wantCode: http.StatusUnauthorized},
		{name: "valid", user: "prometheus", pass: "hunter2", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := scrape(t, srv.Handler(), tt.user, tt.pass)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestParseBasicAuthUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := ParseBasicAuthUsers(" a:" + string(hash) + ", b:" + string(hash) + ",")
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = ParseBasicAuthUsers("missing-colon")
	assert.Error(t, err)

	_, err = ParseBasicAuthUsers("user:not-a-hash")
	assert.Error(t, err)

	users, err = ParseBasicAuthUsers("")
	require.NoError(t, err)
	assert.Empty(t, users)
}
