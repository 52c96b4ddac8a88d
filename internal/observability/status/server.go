// Package status serves the scheduler's state over HTTP: the task table,
// aggregate counters, the journal tail, Prometheus metrics and, optionally,
// pprof.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

type Config struct {
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Source is the read side of the scheduler.
type Source interface {
	Stats() periodic.Stats
	Snapshot() []periodic.TaskStatus
}

// Journal reads persisted events.
type Journal interface {
	Recent(ctx context.Context, runID string, limit int) ([]storage.Record, error)
}

// Deps are the server's data sources. Only Source is required.
type Deps struct {
	Source   Source
	Gatherer prometheus.Gatherer
	Journal  Journal
	RunID    string
	// Health adds process-level detail (e.g. goroutine stats) to /healthz.
	Health func() any
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "status"))}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Get("/{name}", s.handleTask)
	})
	if s.deps.Journal != nil {
		r.Get("/journal", s.handleJournal)
	}
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Run listens on cfg.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9464"
	}
	if s.cfg.Pprof && !isLoopbackAddr(addr) {
		s.log.Warn("pprof exposed on non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down with a short grace.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		s.log.Info("status server stopped")
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Source.Stats()
	body := map[string]any{
		"status":  "ok",
		"started": st.Started,
		"tick":    st.Tick,
		"run_id":  s.deps.RunID,
	}
	if s.deps.Health != nil {
		body["runtime"] = s.deps.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Source.Stats())
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.deps.Source.Snapshot()
	if tasks == nil {
		tasks = []periodic.TaskStatus{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, t := range s.deps.Source.Snapshot() {
		if t.Name == name {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown task "+strconv.Quote(name))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runID := r.URL.Query().Get("run")
	if runID == "" {
		runID = s.deps.RunID
	}
	recs, err := s.deps.Journal.Recent(r.Context(), runID, limit)
	if err != nil {
		s.log.Warn("journal read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
