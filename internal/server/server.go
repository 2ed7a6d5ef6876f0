// Package server runs tenantrt as a long-lived process: it fires scheduled
// tasks, serves metrics and a small operations API, and optionally keeps a
// source directory synced into one tenant.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leapstack-labs/tenantrt/internal/engine"
	"github.com/leapstack-labs/tenantrt/internal/metrics"
	"github.com/leapstack-labs/tenantrt/internal/schedule"
	"github.com/leapstack-labs/tenantrt/internal/tenant"
	"golang.org/x/sync/errgroup"
)

// DefaultErrorLimit is the number of error log entries returned when no limit is given.
const DefaultErrorLimit = 50

// Config holds configuration for the server.
type Config struct {
	Engine *engine.Engine
	// Metrics is served on /metrics when set.
	Metrics *metrics.Collector
	Addr    string
	// Scheduler starts the task scheduler when true.
	Scheduler bool
	// WatchDir is synced into WatchTenant when both are set.
	WatchDir    string
	WatchTenant string
	Logger      *slog.Logger
}

// Server is the long-running runtime process.
type Server struct {
	engine      *engine.Engine
	metrics     *metrics.Collector
	addr        string
	scheduler   bool
	watchDir    string
	watchTenant string
	logger      *slog.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		engine:      cfg.Engine,
		metrics:     cfg.Metrics,
		addr:        cfg.Addr,
		scheduler:   cfg.Scheduler,
		watchDir:    cfg.WatchDir,
		watchTenant: cfg.WatchTenant,
		logger:      logger,
	}
}

// Serve starts the server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting server", "addr", s.addr)

	eg, egctx := errgroup.WithContext(ctx)

	if s.scheduler {
		if err := s.engine.StartScheduler(egctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watchDir != "" && s.watchTenant != "" {
		eg.Go(func() error {
			return s.watch(egctx)
		})
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) watch(ctx context.Context) error {
	t, err := s.engine.Tenant(ctx, s.watchTenant)
	if err != nil {
		return fmt.Errorf("watch tenant %q: %w", s.watchTenant, err)
	}
	return s.engine.Watch(ctx, t, s.watchDir, func(report *engine.SyncReport, err error) {
		if err != nil {
			return
		}
		for _, res := range report.Failed() {
			s.logger.Warn("compilation failed", "tenant", t.Name(), "class", res.QualifiedName, "error", res.Description())
		}
		s.logger.Info("synced", "tenant", t.Name(), "files", report.Files, "compiled", len(report.Compiled))
	})
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", s.listTenants)
		r.Get("/{tenant}/errors", s.listErrors)
		r.Post("/{tenant}/tasks/{task}/run", s.runTask)
	})
	return r
}

type tenantJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ClonedFrom string    `json:"cloned_from,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	envs, err := s.engine.Tenants().List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]tenantJSON, len(envs))
	for i, env := range envs {
		out[i] = tenantJSON{ID: env.ID, Name: env.Name, ClonedFrom: env.ClonedFrom, CreatedAt: env.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

type errorLogJSON struct {
	ID         string    `json:"id"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	CodeClass  string    `json:"code_class,omitempty"`
	CodeLine   int       `json:"code_line,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (s *Server) listErrors(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Tenant(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit := DefaultErrorLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := s.engine.ErrorLog().List(r.Context(), t.ID(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]errorLogJSON, len(logs))
	for i, l := range logs {
		out[i] = errorLogJSON{
			ID:         l.ID,
			Severity:   string(l.Severity),
			Message:    l.Message,
			Details:    l.Details,
			CodeClass:  l.CodeClass,
			CodeLine:   l.CodeLine,
			UserID:     l.UserID,
			OccurredAt: l.OccurredAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Tenant(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	taskID := chi.URLParam(r, "task")
	start := time.Now()
	err = s.engine.Scheduler().Execute(r.Context(), t, taskID)
	if err != nil {
		var taskErr *schedule.TaskError
		if errors.As(err, &taskErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":        taskID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, schedule.ErrTaskNotFound):
		status = http.StatusNotFound
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
