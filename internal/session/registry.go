package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("session: tenant already running")
	ErrNotRunning     = errors.New("session: tenant not running")
	ErrUnknownTenant  = errors.New("session: unknown tenant")
	ErrShutdown       = errors.New("session: registry shut down")
)

// DepsFactory builds the pipeline collaborators for one tenant. The
// returned cleanup runs after the session stops and its pipelines drain.
type DepsFactory func(t Tenant) (deps pipeline.Deps, cleanup func(), err error)

// Registry maps tenants to their running sessions.
type Registry struct {
	factory DepsFactory
	metrics *observability.Metrics
	feed    FeedMonitor

	// pipelines outlive stop; they end only when the registry shuts down.
	pipeCtx    context.Context
	pipeCancel context.CancelFunc

	mu       sync.Mutex
	tenants  map[int64]Tenant
	sessions map[int64]*Session
	closed   bool
}

// NewRegistry creates a registry over the known tenants.
func NewRegistry(tenants []Tenant, factory DepsFactory, metrics *observability.Metrics) *Registry {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		factory:    factory,
		metrics:    metrics,
		pipeCtx:    ctx,
		pipeCancel: cancel,
		tenants:    make(map[int64]Tenant, len(tenants)),
		sessions:   make(map[int64]*Session),
	}
	for _, t := range tenants {
		r.tenants[t.ID] = t
	}
	return r
}

// SetFeedMonitor attaches a delivery monitor to sessions started afterwards.
func (r *Registry) SetFeedMonitor(m FeedMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feed = m
}

// Tenant returns the configuration for id.
func (r *Registry) Tenant(id int64) (Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	return t, ok
}

// Tenants returns every known tenant id in ascending order.
func (r *Registry) Tenants() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Start creates and starts a session for id.
func (r *Registry) Start(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrShutdown
	}
	t, ok := r.tenants[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTenant, id)
	}
	if _, running := r.sessions[id]; running {
		return fmt.Errorf("%w: %d", ErrAlreadyRunning, id)
	}

	deps, cleanup, err := r.factory(t)
	if err != nil {
		return fmt.Errorf("session: build tenant %d: %w", id, err)
	}
	if deps.Metrics == nil {
		deps.Metrics = r.metrics
	}
	if deps.Filter == nil {
		deps.Filter = pipeline.NewFilter(t.Subscriptions)
	}

	s := newSession(t, deps, cleanup)
	s.feed = r.feed
	if err := s.start(r.pipeCtx); err != nil {
		s.cleanup()
		return err
	}
	r.sessions[id] = s
	r.metrics.RunningSessions.Inc()
	return nil
}

// Stop stops the session for id. Admitted pipelines finish in the
// background.
func (r *Registry) Stop(id int64) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	_, known := r.tenants[id]
	r.mu.Unlock()

	if !ok {
		if !known {
			return fmt.Errorf("%w: %d", ErrUnknownTenant, id)
		}
		return fmt.Errorf("%w: %d", ErrNotRunning, id)
	}
	s.stop()
	r.metrics.RunningSessions.Dec()
	return nil
}

// Running reports whether a session exists for id.
func (r *Registry) Running(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Session returns the running session for id.
func (r *Registry) Session(id int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every running session ordered by tenant.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Shutdown stops every session concurrently and waits for admitted
// pipelines to drain until ctx ends, after which they are cancelled.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	defer r.pipeCancel()

	log.Info().Int("sessions", len(sessions)).Msg("session: shutting down")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.stop()
			r.metrics.RunningSessions.Dec()
			return s.wait(gctx)
		})
	}
	return g.Wait()
}
