package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blob.track/internal/config"
	"github.com/banshee-data/blob.track/internal/pose"
	"github.com/banshee-data/blob.track/internal/timeutil"
	"github.com/banshee-data/blob.track/internal/tracking"
	"github.com/banshee-data/blob.track/internal/tracking/source"
	"github.com/banshee-data/blob.track/internal/trackstore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *tracking.Engine
	clock  *timeutil.MockClock
	feed   *source.Feed
	runner *tracking.Runner
	store  *trackstore.Store
	mux    *http.ServeMux
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()

	clock := timeutil.NewMockClock(epoch)
	n := 0
	engine, err := tracking.NewEngine(tracking.DefaultConfig(),
		tracking.WithClock(clock),
		tracking.WithKeyFunc(func() string { n++; return fmt.Sprintf("agent-%d", n) }))
	require.NoError(t, err)

	f := &fixture{engine: engine, clock: clock, feed: source.NewFeed(clock)}
	f.runner = tracking.NewRunner(tracking.RunnerConfig{Engine: engine, Source: f.feed})

	follower := pose.NewFollower(pose.FollowerConfig{Geometry: engine.FieldOfView})
	engine.AddRecorder(follower)

	opts := Options{Engine: engine, Feed: f.feed, Follower: follower}
	if withStore {
		f.store, err = trackstore.Open(filepath.Join(t.TempDir(), "track.db"))
		require.NoError(t, err)
		t.Cleanup(func() { f.store.Close() })
		engine.AddRecorder(f.store)
		opts.Store = f.store
	}

	srv, err := NewServer(opts)
	require.NoError(t, err)
	f.mux, err = srv.ServeMux()
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func (f *fixture) tickWith(records ...source.Record) {
	f.feed.Publish(records)
	f.runner.TickNow()
	f.clock.Advance(100 * time.Millisecond)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestNewServer_RequiresEngine(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Live state
// ----------------------------------------------------------------------------

func TestServer_EmptyState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/agents", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]tracking.AgentView](t, rec))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/best", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/agents/agent-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/pose", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/history/agents", "").Code,
		"history routes need a store")
}

func TestServer_DetectionsFlowToSnapshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/detections", `[{"key":"blob-1","x":100,"y":100}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, map[string]int{"accepted": 1}, decode[map[string]int](t, rec))
	f.runner.TickNow()

	agents := decode[[]tracking.AgentView](t, f.do(t, http.MethodGet, "/api/agents", ""))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].Key)
	assert.Equal(t, float32(100), agents[0].X)

	clusters := decode[[]tracking.ClusterView](t, f.do(t, http.MethodGet, "/api/clusters", ""))
	require.Len(t, clusters, 1)
	assert.Equal(t, uint64(1), clusters[0].AgentID)

	best := decode[tracking.AgentView](t, f.do(t, http.MethodGet, "/api/best", ""))
	assert.Equal(t, "agent-1", best.Key)
	assert.True(t, best.IsBest)

	one := f.do(t, http.MethodGet, "/api/agents/agent-1", "")
	require.Equal(t, http.StatusOK, one.Code)
	assert.Equal(t, best, decode[tracking.AgentView](t, one))

	p := decode[pose.Pose](t, f.do(t, http.MethodGet, "/api/pose", ""))
	assert.Equal(t, "agent-1", p.AgentKey)
	assert.Greater(t, p.PanDeg, 0.0)

	type statsResponse struct {
		Engine tracking.Stats     `json:"engine"`
		Feed   source.FeedStats   `json:"feed"`
		Pose   pose.FollowerStats `json:"pose"`
	}
	stats := decode[statsResponse](t, f.do(t, http.MethodGet, "/api/stats", ""))
	assert.Equal(t, uint64(1), stats.Engine.LiveTicks)
	assert.Equal(t, uint64(1), stats.Feed.Drained)
	assert.Equal(t, uint64(1), stats.Pose.Sent)
}

func TestServer_BadDetections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/detections", `{"key":"x"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/detections", "").Code)
}

func TestServer_Reset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.tickWith(source.Record{Key: "a", X: 10, Y: 10})
	require.Len(t, f.engine.AgentsSnapshot(), 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/reset", "").Code)
	assert.Empty(t, f.engine.AgentsSnapshot())
}

// ----------------------------------------------------------------------------
// Config
// ----------------------------------------------------------------------------

func TestServer_Config(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	got := decode[config.TuningConfig](t, f.do(t, http.MethodGet, "/api/config", ""))
	assert.Equal(t, 5, got.GetMaxAgents())
	assert.Equal(t, "2s", *got.AgentLifetime)

	rec := f.do(t, http.MethodPost, "/api/config", `{"max_agents": 3, "merge_angle_deg": 30}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[config.TuningConfig](t, rec)
	assert.Equal(t, 3, got.GetMaxAgents())
	assert.Equal(t, 3, f.engine.Config().MaxAgents)
	assert.Equal(t, 30.0, f.engine.Config().MergeAngleDeg)
	assert.Equal(t, 2*time.Second, f.engine.Config().AgentLifetime, "unset fields are untouched")

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"max_agents":`},
		{"unknown field", `{"max_agent": 3}`},
		{"tuning validation", `{"max_agents": 0}`},
		{"engine validation", `{"gating_fraction": 2}`},
		{"tick interval is startup only", `{"tick_interval": "5s"}`},
		{"tick interval with other fields", `{"max_agents": 4, "tick_interval": "50ms"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/config", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
	assert.Equal(t, 3, f.engine.Config().MaxAgents, "rejected updates leave config unchanged")

	rec = f.do(t, http.MethodDelete, "/api/config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ConfigFieldOfViewReachesPose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/config",
		`{"fov_width_px":256,"fov_height_px":256,"fov_horizontal_deg":90,"fov_vertical_deg":90}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/detections", `[{"key":"blob-1","x":256,"y":128}]`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.runner.TickNow()

	p := decode[pose.Pose](t, f.do(t, http.MethodGet, "/api/pose", ""))
	assert.InDelta(t, 45.0, p.PanDeg, 1e-9, "right edge of a 90 degree sensor")
	assert.InDelta(t, 0.0, p.TiltDeg, 1e-9)
}

// ----------------------------------------------------------------------------
// History
// ----------------------------------------------------------------------------

func TestServer_History(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	for i := 0; i < 4; i++ {
		f.tickWith(source.Record{Key: "a", X: 20 + float32(i), Y: 20})
	}

	agents := decode[[]trackstore.AgentRecord](t, f.do(t, http.MethodGet, "/api/history/agents", ""))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].Key)
	assert.Equal(t, int64(4), agents[0].ObservationCount)

	obs := decode[[]trackstore.Observation](t, f.do(t, http.MethodGet, "/api/history/agents/agent-1/observations?limit=2", ""))
	assert.Len(t, obs, 2)

	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/history/agents/missing/observations", "").Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/api/history/agents?limit=-1", "").Code)

	changes := decode[[]trackstore.BestChange](t, f.do(t, http.MethodGet, "/api/history/best", ""))
	require.Len(t, changes, 1)
	assert.Equal(t, "agent-1", changes[0].CurrentKey)

	rec := f.do(t, http.MethodGet, "/api/export.csv?start="+epoch.Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Len(t, strings.Split(strings.TrimSpace(rec.Body.String()), "\n"), 5)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/export.csv?end=yesterday", "").Code)
}

// ----------------------------------------------------------------------------
// Metrics and debug
// ----------------------------------------------------------------------------

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.tickWith(source.Record{Key: "a", X: 10, Y: 10})

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blobtrack_engine_ticks_total")
}

func TestServer_DebugPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.tickWith(source.Record{Key: "a", X: 10, Y: 10})

	// The debugger only answers loopback peers.
	ts := httptest.NewServer(f.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/debug/tracking")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agent-1")
}
