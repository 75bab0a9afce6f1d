// Package monitor serves the tracker's JSON API, Prometheus metrics and the
// tsweb debug pages.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/blob.track/internal/config"
	"github.com/banshee-data/blob.track/internal/httputil"
	"github.com/banshee-data/blob.track/internal/monitoring"
	"github.com/banshee-data/blob.track/internal/pose"
	"github.com/banshee-data/blob.track/internal/tracking"
	"github.com/banshee-data/blob.track/internal/tracking/source"
	"github.com/banshee-data/blob.track/internal/trackstore"
)

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "blobtrack",
	Subsystem: "monitor",
	Name:      "http_requests_total",
	Help:      "API requests by status code and method.",
}, []string{"code", "method"})

// Options wires the optional collaborators. Only Engine is required.
type Options struct {
	Engine   *tracking.Engine
	Feed     *source.Feed
	Store    *trackstore.Store
	Follower *pose.Follower
}

// Server exposes engine state over HTTP.
type Server struct {
	engine   *tracking.Engine
	feed     *source.Feed
	store    *trackstore.Store
	follower *pose.Follower
}

// NewServer validates opts and returns a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("monitor: engine is required")
	}
	return &Server{
		engine:   opts.Engine,
		feed:     opts.Feed,
		store:    opts.Store,
		follower: opts.Follower,
	}, nil
}

// ServeMux builds the route table, including /metrics and /debug/.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", s.listAgents)
	api.HandleFunc("GET /api/agents/{key}", s.getAgent)
	api.HandleFunc("GET /api/clusters", s.listClusters)
	api.HandleFunc("GET /api/best", s.getBest)
	api.HandleFunc("GET /api/stats", s.getStats)
	api.HandleFunc("/api/config", s.handleConfig)
	api.HandleFunc("POST /api/reset", s.reset)
	if s.feed != nil {
		api.HandleFunc("POST /api/detections", s.publishDetections)
	}
	if s.follower != nil {
		api.HandleFunc("GET /api/pose", s.getPose)
	}
	if s.store != nil {
		api.HandleFunc("GET /api/history/agents", s.historyAgents)
		api.HandleFunc("GET /api/history/agents/{key}/observations", s.historyObservations)
		api.HandleFunc("GET /api/history/best", s.historyBest)
		api.HandleFunc("GET /api/export.csv", s.exportCSV)
	}
	mux.Handle("/api/", promhttp.InstrumentHandlerCounter(apiRequests, httputil.LoggingMiddleware(api)))
	mux.Handle("/metrics", promhttp.Handler())

	s.attachDebug(mux)
	if s.store != nil {
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) attachDebug(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Agents", func() any { return len(s.engine.AgentsSnapshot()) })
	debug.KVFunc("Clusters", func() any { return len(s.engine.ClustersSnapshot()) })
	debug.KVFunc("Best agent", func() any {
		if best, ok := s.engine.BestAgent(); ok {
			return fmt.Sprintf("%s (q=%.2f)", best.Key, best.SupportQuality)
		}
		return "none"
	})
	debug.HandleFunc("tracking", "Live agent table", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		stats := s.engine.Stats()
		fmt.Fprintf(w, "ticks=%d live=%d test=%d detections=%d skipped=%d merges=%d\n\n",
			stats.Ticks, stats.LiveTicks, stats.TestTicks, stats.Detections, stats.DetectionsSkipped, stats.Merges)
		fmt.Fprintf(w, "%-4s %-38s %8s %8s %7s %8s %s\n", "ID", "KEY", "X", "Y", "Q", "CLUSTERS", "BEST")
		for _, a := range s.engine.AgentsSnapshot() {
			fmt.Fprintf(w, "%-4d %-38s %8.2f %8.2f %7.3f %8d %t\n",
				a.ID, a.Key, a.X, a.Y, a.SupportQuality, len(a.ClusterKeys), a.IsBest)
		}
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux, err := s.ServeMux()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Opsf("monitor listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.engine.AgentsSnapshot())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Agent(r.PathValue("key"))
	if errors.Is(err, tracking.ErrAgentNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, a)
}

func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.engine.ClustersSnapshot())
}

func (s *Server) getBest(w http.ResponseWriter, r *http.Request) {
	best, ok := s.engine.BestAgent()
	if !ok {
		httputil.NotFound(w, "no best agent")
		return
	}
	httputil.WriteJSONOK(w, best)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"engine": s.engine.Stats()}
	if s.feed != nil {
		resp["feed"] = s.feed.Stats()
	}
	if s.follower != nil {
		resp["pose"] = s.follower.Stats()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.engine.Config().Tuning())
	case http.MethodPost:
		var tuning config.TuningConfig
		if err := httputil.DecodeJSON(r, &tuning); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := tuning.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if tuning.TickInterval != nil {
			httputil.BadRequest(w, "tick_interval is fixed at startup and cannot be changed at runtime")
			return
		}
		if err := s.engine.UpdateConfig(func(c *tracking.Config) { c.ApplyTuning(&tuning) }); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		monitoring.Opsf("tracking config updated via API")
		httputil.WriteJSONOK(w, s.engine.Config().Tuning())
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	httputil.WriteJSONOK(w, map[string]string{"status": "reset"})
}

func (s *Server) publishDetections(w http.ResponseWriter, r *http.Request) {
	var records []source.Record
	if err := httputil.DecodeJSON(r, &records); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.feed.Publish(records)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"accepted": len(records)})
}

func (s *Server) getPose(w http.ResponseWriter, r *http.Request) {
	p, ok := s.follower.Last()
	if !ok {
		httputil.NotFound(w, "no pose sent yet")
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) historyAgents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	agents, err := s.store.ListAgents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, agents)
}

func (s *Server) historyObservations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")
	if _, err := s.store.GetAgent(r.Context(), key); err != nil {
		if errors.Is(err, trackstore.ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	obs, err := s.store.Observations(r.Context(), key, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, obs)
}

func (s *Server) historyBest(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	changes, err := s.store.BestChanges(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, changes)
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid %s: %v", name, err))
			return
		}
		*dst = t
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=observations.csv")
	if _, err := s.store.ExportObservationsCSV(r.Context(), w, start, end); err != nil {
		monitoring.Opsf("csv export: %v", err)
	}
}

// queryLimit parses ?limit=, defaulting to 100. Zero means unlimited.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 100, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
		return 0, false
	}
	return n, true
}
