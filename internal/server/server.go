package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-trading/poolwatch/internal/audit"
	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/session"
	"github.com/nexus-trading/poolwatch/internal/tracker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sessions is the part of the session registry the operator API drives.
type Sessions interface {
	Start(id int64) error
	Stop(id int64) error
	Running(id int64) bool
	Sessions() []session.Info
	Tenant(id int64) (session.Tenant, bool)
	Tenants() []int64
}

// History lists tokens a tenant has already evaluated.
type History interface {
	Recent(ctx context.Context, tenant int64, limit int) ([]tracker.Token, error)
}

// Runs lists recent pipeline runs for a tenant.
type Runs interface {
	Query(tenant int64) []audit.Entry
}

// Config holds server dependencies. History and Runs may be nil.
type Config struct {
	Listen   string
	Sessions Sessions
	History  History
	Runs     Runs
	Metrics  *observability.Metrics
	Health   *observability.HealthMonitor
}

// Server is the operator HTTP surface: health, metrics and session control.
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config
	log    zerolog.Logger
}

// New creates a server. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = observability.NewHealthMonitor()
	}
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", observability.NewPrometheusExporter(s.cfg.Metrics.Registry()))

	s.router.Get("/tenants", s.handleTenants)
	s.router.Get("/tenants/{tenant}", s.handleTenant)

	s.router.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/{tenant}/start", s.handleStart)
		r.Post("/{tenant}/stop", s.handleStop)
		r.Get("/{tenant}/tokens", s.handleTokens)
		r.Get("/{tenant}/runs", s.handleRuns)
	})
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Listen).Msg("server: listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("server: shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.cfg.Health.Check(r.Context())
	status := http.StatusOK
	if health.Status == observability.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// tenantView is the operator listing of a configured tenant.
type tenantView struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	Pools     []string   `json:"pools"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) view(t session.Tenant) tenantView {
	v := tenantView{ID: t.ID, Name: t.Name, Running: s.cfg.Sessions.Running(t.ID), Pools: []string{}}
	for _, sub := range t.Subscriptions {
		v.Pools = append(v.Pools, sub.ID)
	}
	if !t.ExpiresAt.IsZero() {
		exp := t.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	ids := s.cfg.Sessions.Tenants()
	views := make([]tenantView, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.cfg.Sessions.Tenant(id); ok {
			views = append(views, s.view(t))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	t, ok := s.cfg.Sessions.Tenant(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": session.ErrUnknownTenant.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.Sessions())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Sessions.Start(id); err != nil {
		s.writeError(w, id, err)
		return
	}
	s.log.Info().Int64("tenant", id).Msg("server: session started")
	writeJSON(w, http.StatusOK, map[string]any{"tenant": id, "status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Sessions.Stop(id); err != nil {
		s.writeError(w, id, err)
		return
	}
	s.log.Info().Int64("tenant", id).Msg("server: session stopped")
	writeJSON(w, http.StatusOK, map[string]any{"tenant": id, "status": "stopped"})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if s.cfg.History == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "token history disabled"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	tokens, err := s.cfg.History.Recent(r.Context(), id, limit)
	if err != nil {
		s.log.Error().Err(err).Int64("tenant", id).Msg("server: token history query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token history unavailable"})
		return
	}
	if tokens == nil {
		tokens = []tracker.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantParam(w, r)
	if !ok {
		return
	}
	if s.cfg.Runs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run audit disabled"})
		return
	}
	runs := s.cfg.Runs.Query(id)
	if runs == nil {
		runs = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func tenantParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tenant"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tenant id"})
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, id int64, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRunning), errors.Is(err, session.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, session.ErrShutdown):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error().Err(err).Int64("tenant", id).Msg("server: session command failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("server: encode response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("server: request")
	})
}
