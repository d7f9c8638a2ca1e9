package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/store-locator/internal/api"
	"github.com/jonesrussell/north-cloud/store-locator/internal/logger"
	"github.com/jonesrussell/north-cloud/store-locator/internal/manager"
	"github.com/jonesrussell/north-cloud/store-locator/internal/metrics"
	"github.com/jonesrussell/north-cloud/store-locator/internal/runs"
	"github.com/jonesrussell/north-cloud/store-locator/internal/schedule"
)

var catalog = manager.StaticCatalog{"gamestop": true, "telus": true, "walmart": false}

// fakeScrapers mimics the manager's error contract for one running retailer.
type fakeScrapers struct {
	running map[string]manager.Info

	lastOpts    manager.Options
	lastTimeout time.Duration
	lastResume  bool

	stopErr error
}

func newFakeScrapers() *fakeScrapers {
	return &fakeScrapers{running: map[string]manager.Info{}}
}

func (f *fakeScrapers) Start(_ context.Context, retailer string, opts manager.Options) (manager.Info, error) {
	f.lastOpts = opts
	enabled, known := catalog.Enabled(retailer)
	switch {
	case !known:
		return manager.Info{}, &manager.Error{Kind: manager.ErrInvalidRequest, Msg: "unknown retailer: " + retailer}
	case !enabled:
		return manager.Info{}, &manager.Error{Kind: manager.ErrInvalidRequest, Msg: "retailer " + retailer + " is disabled"}
	}
	if _, ok := f.running[retailer]; ok {
		return manager.Info{}, &manager.Error{Kind: manager.ErrInvalidRequest, Msg: "scraper for " + retailer + " is already running (pid 100)"}
	}
	info := manager.Info{Retailer: retailer, RunID: "run-1", PID: 100, StartedAt: time.Now()}
	f.running[retailer] = info
	return info, nil
}

func (f *fakeScrapers) Stop(_ context.Context, retailer string, timeout time.Duration) error {
	f.lastTimeout = timeout
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.running[retailer]; !ok {
		return &manager.Error{Kind: manager.ErrNotRunning, Msg: "scraper for " + retailer + " is not running"}
	}
	delete(f.running, retailer)
	return nil
}

func (f *fakeScrapers) Restart(ctx context.Context, retailer string, resume bool, timeout time.Duration) (manager.Info, error) {
	f.lastResume = resume
	f.lastTimeout = timeout
	delete(f.running, retailer)
	return f.Start(ctx, retailer, manager.Options{Resume: resume})
}

func (f *fakeScrapers) Status(retailer string) (manager.Status, error) {
	enabled, known := catalog.Enabled(retailer)
	if !known {
		return manager.Status{}, &manager.Error{Kind: manager.ErrNotFound, Msg: "unknown retailer: " + retailer}
	}
	st := manager.Status{Retailer: retailer, Enabled: enabled}
	if info, ok := f.running[retailer]; ok {
		st.Running = true
		st.Process = &info
	}
	return st, nil
}

func (f *fakeScrapers) StatusAll() ([]manager.Status, error) {
	var out []manager.Status
	for _, name := range catalog.Names() {
		st, _ := f.Status(name)
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeScrapers) Running() []manager.Info {
	out := make([]manager.Info, 0, len(f.running))
	for _, info := range f.running {
		out = append(out, info)
	}
	return out
}

type fakeSchedules []schedule.Entry

func (f fakeSchedules) Entries() []schedule.Entry { return f }

type fixture struct {
	router   http.Handler
	scrapers *fakeScrapers
	dataDir  string
}

func newFixture(t *testing.T, opts ...api.HandlerOption) *fixture {
	t.Helper()

	f := &fixture{scrapers: newFakeScrapers(), dataDir: t.TempDir()}
	reg := prometheus.NewRegistry()
	metrics.New(reg).RecordLifecycle("gamestop", metrics.ActionStart)

	h := api.NewHandler("storelocator", f.scrapers, catalog, f.dataDir, opts...)
	f.router = api.NewRouter(h, logger.NewNop(), reg, false)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture(t,
		api.WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	rec, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "storelocator", body["service"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["checks"])
	assert.NotEmpty(t, rec.Header().Get(api.HeaderRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "storelocator_manager_lifecycle_total")
}

func TestScraperLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/scrapers/GameStop/start", `{"limit": 5, "proxy": "residential"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "scraper for gamestop started", body["message"])
	assert.Equal(t, manager.Options{Limit: 5, Proxy: "residential"}, f.scrapers.lastOpts)

	rec, body = f.do(t, http.MethodPost, "/api/v1/scrapers/gamestop/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "scraper for gamestop is already running (pid 100)", body["error"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/scrapers/gamestop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/scrapers/gamestop/stop", `{"timeout_seconds": 2.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2500*time.Millisecond, f.scrapers.lastTimeout)

	rec, body = f.do(t, http.MethodPost, "/api/v1/scrapers/gamestop/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "scraper for gamestop is not running", body["error"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/scrapers/telus/restart", `{"resume": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.scrapers.lastResume)
	assert.Zero(t, f.scrapers.lastTimeout)
}

func TestScraperErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"disabled retailer", http.MethodPost, "/api/v1/scrapers/walmart/start", "", http.StatusBadRequest, "retailer walmart is disabled"},
		{"unknown retailer start", http.MethodPost, "/api/v1/scrapers/sears/start", "", http.StatusBadRequest, "unknown retailer: sears"},
		{"unknown retailer status", http.MethodGet, "/api/v1/scrapers/sears", "", http.StatusNotFound, "unknown retailer: sears"},
		{"malformed body", http.MethodPost, "/api/v1/scrapers/telus/start", `{"limit": "ten"}`, http.StatusBadRequest, ""},
		{"negative timeout", http.MethodPost, "/api/v1/scrapers/telus/stop", `{"timeout_seconds": -1}`, http.StatusBadRequest, "timeout_seconds must not be negative"},
		{"timeout too long", http.MethodPost, "/api/v1/scrapers/telus/restart", `{"timeout_seconds": 600}`, http.StatusBadRequest, "timeout_seconds must not exceed 2m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, body["error"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestFailedRequestLogsCarryRequestID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	log, err := logger.New(logger.Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	scrapers := newFakeScrapers()
	scrapers.stopErr = errors.New("signal failed")
	h := api.NewHandler("storelocator", scrapers, catalog, t.TempDir(), api.WithLogger(logger.NewNop()))
	router := api.NewRouter(h, log, nil, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scrapers/telus/stop", http.NoBody)
	req.Header.Set(api.HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var failed, access bool
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "req-42", entry["request_id"], line)
		switch entry["msg"] {
		case "Dashboard request failed":
			failed = true
		case "HTTP request with errors":
			access = true
		}
	}
	assert.True(t, failed, "handler error was not logged through the request logger")
	assert.True(t, access, "access line missing")
}

func TestListScrapers(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/scrapers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 3, body["count"], 0)
}

func TestRuns(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"20261001_010000_aaaaaaaa", "20261002_010000_bbbbbbbb"} {
		tracker, err := runs.New(f.dataDir, "gamestop", id)
		require.NoError(t, err)
		require.NoError(t, tracker.Complete())
		time.Sleep(10 * time.Millisecond)
	}

	rec, body := f.do(t, http.MethodGet, "/api/v1/runs/gamestop?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, body["count"], 0)
	latest := body["runs"].([]any)[0].(map[string]any)
	assert.Equal(t, "20261002_010000_bbbbbbbb", latest["run_id"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/runs/gamestop/20261001_010000_aaaaaaaa", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(runs.StatusComplete), body["status"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/runs/gamestop/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/runs/sears", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/runs/gamestop?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedules(t *testing.T) {
	next := time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)
	f := newFixture(t, api.WithSchedules(fakeSchedules{{Retailer: "telus", Spec: "0 3 * * *", Next: next}}))

	rec, body := f.do(t, http.MethodGet, "/api/v1/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entry := body["schedules"].([]any)[0].(map[string]any)
	assert.Equal(t, "telus", entry["retailer"])
	assert.Equal(t, "0 3 * * *", entry["schedule"])

	rec, _ = newFixture(t).do(t, http.MethodGet, "/api/v1/schedules", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
