// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/plexguide/huntarr/internal/api/handlers"
	"github.com/plexguide/huntarr/internal/api/middleware"
	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/config"
	"github.com/plexguide/huntarr/internal/database"
	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/cycle"
	"github.com/plexguide/huntarr/internal/services/ratelimit"
	"github.com/plexguide/huntarr/internal/services/scheduler"
	"github.com/plexguide/huntarr/internal/web/swagger"
)

type routeKey struct {
	Method string
	Path   string
}

func TestAllEndpointsDocumented(t *testing.T) {
	server := NewServer(newTestDependencies(t, "", nil))
	router, err := server.Handler()
	require.NoError(t, err)

	actualRoutes := collectRouterRoutes(t, router)
	documentedRoutes := loadDocumentedRoutes(t)

	undocumented := diffRoutes(actualRoutes, documentedRoutes)
	if len(undocumented) > 0 {
		t.Fatalf("found %d undocumented API endpoints:\n%s", len(undocumented), formatRoutes(undocumented))
	}

	missingHandlers := diffRoutes(documentedRoutes, actualRoutes)
	if len(missingHandlers) > 0 {
		t.Fatalf("found %d documented endpoints without handlers:\n%s", len(missingHandlers), formatRoutes(missingHandlers))
	}

	t.Logf("checked %d API routes registered in chi", len(actualRoutes))
}

func newTestDependencies(t *testing.T, apiKey string, drivers *arr.Registry) *Dependencies {
	t.Helper()
	if drivers == nil {
		drivers = arr.NewRegistry()
	}

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	settings := models.NewAppSettingsStore(db)
	stats := models.NewAppStatsStore(db)
	tracker := ratelimit.NewTracker()
	manager := cycle.NewManager(cycle.Config{PollInterval: 10 * time.Millisecond}, cycle.Dependencies{
		Settings: settings,
		States:   cycle.NewStateStore(nil, nil),
		Tracker:  tracker,
		Drivers:  drivers,
		Stats:    stats,
	})

	return &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{
				BaseURL: "/",
				APIKey:  apiKey,
			},
		},
		Version:       "test",
		DB:            db,
		Manager:       manager,
		Scheduler:     scheduler.NewEngine(scheduler.Config{}, models.NewScheduleRuleStore(db), manager, nil),
		SettingsStore: settings,
		StatsStore:    stats,
	}
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, path string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		method = strings.ToUpper(method)
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			return nil
		}

		routes[routeKey{Method: method, Path: normalizedPath}] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

func loadDocumentedRoutes(t *testing.T) map[routeKey]struct{} {
	t.Helper()

	specBytes, err := swagger.GetOpenAPISpec()
	require.NoError(t, err)
	require.NotEmpty(t, specBytes, "OpenAPI spec should be embedded")

	var spec map[string]any
	require.NoError(t, yaml.Unmarshal(specBytes, &spec))

	pathsNode, ok := spec["paths"].(map[string]any)
	require.True(t, ok, "OpenAPI spec missing paths section")

	routes := make(map[routeKey]struct{})

	for path, pathItem := range pathsNode {
		normalizedPath, ok := normalizeRoutePath(path)
		if !ok {
			continue
		}

		methods, ok := pathItem.(map[string]any)
		if !ok {
			continue
		}

		for method := range methods {
			upperMethod := strings.ToUpper(method)
			if !isComparableMethod(upperMethod) {
				continue
			}

			routes[routeKey{Method: upperMethod, Path: normalizedPath}] = struct{}{}
		}
	}

	return routes
}

func normalizeRoutePath(path string) (string, bool) {
	if path == "" || strings.Contains(path, "/*") {
		return "", false
	}

	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return "", false
	}

	path = strings.ReplaceAll(path, "{ruleID}", "{ruleId}")

	return path, true
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	diff := make([]routeKey, 0)
	for route := range left {
		if _, exists := right[route]; !exists {
			diff = append(diff, route)
		}
	}

	sort.Slice(diff, func(i, j int) bool {
		if diff[i].Path == diff[j].Path {
			return diff[i].Method < diff[j].Method
		}
		return diff[i].Path < diff[j].Path
	})

	return diff
}

func formatRoutes(routes []routeKey) string {
	lines := make([]string, len(routes))
	for i, route := range routes {
		lines[i] = fmt.Sprintf("%s %s", route.Method, route.Path)
	}
	return strings.Join(lines, "\n")
}

type testAPI struct {
	deps    *Dependencies
	drivers *arr.Registry
	handler http.Handler
}

func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	drivers := arr.NewRegistry()
	deps := newTestDependencies(t, apiKey, drivers)
	handler, err := NewServer(deps).Handler()
	require.NoError(t, err)
	return &testAPI{deps: deps, drivers: drivers, handler: handler}
}

// start runs the cycle workers until the test ends.
func (a *testAPI) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a.deps.Manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.deps.Manager.Wait()
	})
}

func (a *testAPI) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) configure(t *testing.T, app domain.BaseApp) {
	t.Helper()
	a.configureEnabled(t, app, false)
}

func (a *testAPI) configureEnabled(t *testing.T, app domain.BaseApp, enabled bool) {
	t.Helper()
	settings := models.DefaultAppSettings(app)
	settings.Enabled = enabled
	settings.Instances = []models.ArrInstance{{Name: "main", URL: "http://arr.local:8989", APIKey: "secret-key", Enabled: true}}
	_, err := a.deps.SettingsStore.Put(t.Context(), settings)
	require.NoError(t, err)
}

func TestAppStatusEndpoint(t *testing.T) {
	api := newTestAPI(t, "")
	api.configure(t, domain.AppSonarr)

	tests := []struct {
		name           string
		path           string
		wantCode       int
		wantConfigured bool
	}{
		{name: "configured app", path: "/api/apps/sonarr/status", wantCode: http.StatusOK, wantConfigured: true},
		{name: "scoped identifier", path: "/api/apps/sonarr-1/status", wantCode: http.StatusOK, wantConfigured: true},
		{name: "unconfigured app", path: "/api/apps/radarr/status", wantCode: http.StatusOK},
		{name: "unknown app", path: "/api/apps/plex/status", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.path, "", nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}

			var status cycle.Status
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, tt.wantConfigured, status.Configured)
		})
	}
}

func TestEnableDisableEndpoints(t *testing.T) {
	api := newTestAPI(t, "")
	api.configure(t, domain.AppRadarr)

	steps := []struct {
		path        string
		wantCode    int
		wantChanged bool
	}{
		{path: "/api/apps/radarr/enable", wantCode: http.StatusOK, wantChanged: true},
		{path: "/api/apps/radarr/enable", wantCode: http.StatusOK, wantChanged: false},
		{path: "/api/apps/radarr/disable", wantCode: http.StatusOK, wantChanged: true},
		{path: "/api/apps/lidarr/enable", wantCode: http.StatusNotFound},
	}

	for _, step := range steps {
		rec := api.do(t, http.MethodPost, step.path, "", nil)
		require.Equal(t, step.wantCode, rec.Code, "%s: %s", step.path, rec.Body.String())
		if step.wantCode != http.StatusOK {
			continue
		}

		var result cycle.ActionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, step.wantChanged, result.Changed, step.path)
	}
}

func TestSetCapRejectsInvalidPayload(t *testing.T) {
	api := newTestAPI(t, "")
	api.configure(t, domain.AppSonarr)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "valid", body: `{"cap":50}`, wantCode: http.StatusOK},
		{name: "negative", body: `{"cap":-1}`, wantCode: http.StatusBadRequest},
		{name: "missing", body: `{}`, wantCode: http.StatusBadRequest},
		{name: "malformed", body: `{"cap":`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPut, "/api/apps/sonarr/cap", tt.body, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestResetEndpoint(t *testing.T) {
	t.Run("wait returns the completed cycle", func(t *testing.T) {
		api := newTestAPI(t, "")
		var passes atomic.Int32
		api.drivers.Register(domain.AppSonarr, arr.DriverFunc(func(context.Context, *models.AppSettings, arr.Meter) (arr.PassResult, error) {
			passes.Add(1)
			return arr.PassResult{Instances: 1}, nil
		}))
		api.configureEnabled(t, domain.AppSonarr, true)
		api.start(t)

		rec := api.do(t, http.MethodPost, "/api/apps/sonarr/reset?wait=true&timeoutSeconds=5", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp handlers.ResetResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Completed)
		require.NotNil(t, resp.State)
		assert.Greater(t, resp.State.Generation, resp.Ticket.RequestedGeneration)
		assert.False(t, resp.State.IsRunning)
		assert.NotNil(t, resp.State.NextDueAt)
		assert.GreaterOrEqual(t, passes.Load(), int32(1))
	})

	t.Run("wait times out while the pass is still running", func(t *testing.T) {
		api := newTestAPI(t, "")
		started := make(chan struct{}, 1)
		api.drivers.Register(domain.AppRadarr, arr.DriverFunc(func(ctx context.Context, _ *models.AppSettings, _ arr.Meter) (arr.PassResult, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return arr.PassResult{}, ctx.Err()
		}))
		api.configureEnabled(t, domain.AppRadarr, true)
		api.start(t)

		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("first pass never started")
		}

		rec := api.do(t, http.MethodPost, "/api/apps/radarr/reset?wait=true&timeoutSeconds=1", "", nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp handlers.ResetResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Completed)
		assert.Nil(t, resp.State)
		assert.Equal(t, domain.AppRadarr, resp.Ticket.App)
	})

	t.Run("rejects bad parameters", func(t *testing.T) {
		api := newTestAPI(t, "")
		api.configure(t, domain.AppLidarr)

		tests := []struct {
			name     string
			path     string
			wantCode int
		}{
			{name: "zero timeout", path: "/api/apps/lidarr/reset?wait=true&timeoutSeconds=0", wantCode: http.StatusBadRequest},
			{name: "negative timeout", path: "/api/apps/lidarr/reset?timeoutSeconds=-5", wantCode: http.StatusBadRequest},
			{name: "non numeric timeout", path: "/api/apps/lidarr/reset?timeoutSeconds=soon", wantCode: http.StatusBadRequest},
			{name: "unconfigured app", path: "/api/apps/readarr/reset", wantCode: http.StatusNotFound},
			{name: "no wait", path: "/api/apps/lidarr/reset", wantCode: http.StatusAccepted},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := api.do(t, http.MethodPost, tt.path, "", nil)
				assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			})
		}
	})
}

func TestSettingsPutErrorClassification(t *testing.T) {
	api := newTestAPI(t, "")

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "bad scheme", body: `{"instances":[{"name":"a","url":"ftp://nope"}]}`, wantCode: http.StatusBadRequest},
		{name: "empty url", body: `{"instances":[{"name":"a","url":""}]}`, wantCode: http.StatusBadRequest},
		{name: "duplicate names", body: `{"instances":[{"name":"a","url":"http://one"},{"name":"A","url":"http://two"}]}`, wantCode: http.StatusBadRequest},
		{name: "valid", body: `{"instances":[{"name":"a","url":"http://one"}]}`, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPut, "/api/settings/lidarr", tt.body, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}

	t.Run("storage failure is a server error", func(t *testing.T) {
		db, ok := api.deps.DB.(*database.DB)
		require.True(t, ok)
		require.NoError(t, db.Close())

		rec := api.do(t, http.MethodPut, "/api/settings/lidarr", `{"instances":[{"name":"a","url":"http://one"}]}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "database is closed")
	})
}

func TestSettingsAreRedacted(t *testing.T) {
	api := newTestAPI(t, "")
	api.configure(t, domain.AppSonarr)

	rec := api.do(t, http.MethodGet, "/api/settings/sonarr", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-key")

	var settings models.AppSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	require.Len(t, settings.Instances, 1)
	assert.Equal(t, domain.RedactedStr, settings.Instances[0].APIKey)

	// Writing the redacted value back keeps the stored key.
	settings.HourlyCap = 42
	body, err := json.Marshal(settings)
	require.NoError(t, err)
	rec = api.do(t, http.MethodPut, "/api/settings/sonarr", string(body), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := api.deps.SettingsStore.Get(t.Context(), domain.AppSonarr)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", stored.Instances[0].APIKey)
	assert.Equal(t, 42, stored.HourlyCap)
}

func TestAPIKeyRequired(t *testing.T) {
	api := newTestAPI(t, "letmein")

	tests := []struct {
		name     string
		path     string
		header   http.Header
		wantCode int
	}{
		{name: "missing key", path: "/api/apps", wantCode: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/apps", header: http.Header{middleware.APIKeyHeader: {"nope"}}, wantCode: http.StatusUnauthorized},
		{name: "header key", path: "/api/apps", header: http.Header{middleware.APIKeyHeader: {"letmein"}}, wantCode: http.StatusOK},
		{name: "query key", path: "/api/apps?apikey=letmein", wantCode: http.StatusOK},
		{name: "health is public", path: "/health", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.path, "", tt.header)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}
