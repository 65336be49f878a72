package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/poolwatch/internal/observability"
	"github.com/nexus-trading/poolwatch/internal/pipeline"
	"github.com/nexus-trading/poolwatch/internal/solana"
	"github.com/nexus-trading/poolwatch/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Session: one tenant's connection, dedup state and concurrency gate
// ---------------------------------------------------------------------------

// Tenant is the per-tenant configuration a session is started from. The
// thresholds behind Settings are owned by the caller and only read here.
type Tenant struct {
	ID            int64
	Name          string
	Stream        stream.Config
	Subscriptions []pipeline.Subscription
	Settings      pipeline.Settings
	MaxConcurrent int
	ExpiresAt     time.Time // zero means no expiry
}

// Expired reports whether the tenant's access ended before now.
func (t Tenant) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Info is a point-in-time view of a session.
type Info struct {
	Tenant     int64         `json:"tenant"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Running    bool          `json:"running"`
	Active     int           `json:"active"`
	Ceiling    int           `json:"ceiling"`
	LastAsset  solana.Pubkey `json:"last_asset,omitempty"`
	Reconnects int64         `json:"reconnects"`
	StartedAt  time.Time     `json:"started_at"`
}

// Session owns one tenant's connection. running, active and lastAsset are
// guarded by mu and by nothing else.
type Session struct {
	tenant Tenant
	conn   *stream.Manager
	disp   *pipeline.Dispatcher
	deps   pipeline.Deps
	feed   FeedMonitor

	mu        sync.Mutex
	running   bool
	active    int
	lastAsset solana.Pubkey

	inflight sync.WaitGroup
	consumed chan struct{}
	notes    chan string
	cleanup  func()
	started  time.Time
	logger   zerolog.Logger
}

// FeedMonitor observes message delivery on each tenant's connection.
type FeedMonitor interface {
	Track(tenant int64)
	Forget(tenant int64)
	RecordMessage(tenant int64, receivedAt time.Time)
	RecordDrops(tenant int64, total int64)
}

// notifyQueueSize bounds lifecycle notifications waiting for delivery.
const notifyQueueSize = 16

func newSession(t Tenant, deps pipeline.Deps, cleanup func()) *Session {
	if t.MaxConcurrent <= 0 {
		t.MaxConcurrent = 1
	}
	if cleanup == nil {
		cleanup = func() {}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	s := &Session{
		tenant:   t,
		conn:     stream.NewManager(t.Stream),
		deps:     deps,
		consumed: make(chan struct{}),
		notes:    make(chan string, notifyQueueSize),
		cleanup:  cleanup,
		logger:   log.With().Int64("tenant", t.ID).Logger(),
	}
	s.disp = pipeline.NewDispatcher(s, t.Settings, deps)
	return s
}

// ID returns the tenant id.
func (s *Session) ID() int64 { return s.tenant.ID }

// Running reports whether inbound messages are admitted.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MarkAsset is the dedup check-and-set. Only the most recent asset is
// remembered.
func (s *Session) MarkAsset(mint solana.Pubkey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mint == s.lastAsset {
		return false
	}
	s.lastAsset = mint
	return true
}

// TryAcquire admits one pipeline while active is below the ceiling.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.tenant.MaxConcurrent {
		return false
	}
	s.active++
	return true
}

// Release ends one admitted pipeline.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		s.logger.Error().Msg("session: release without matching acquire")
		return
	}
	s.active--
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	st := s.conn.Stats()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Tenant:     s.tenant.ID,
		Name:       s.tenant.Name,
		State:      st.State,
		Running:    s.running,
		Active:     s.active,
		Ceiling:    s.tenant.MaxConcurrent,
		LastAsset:  s.lastAsset,
		Reconnects: st.Reconnects,
		StartedAt:  s.started,
	}
}

// start marks the session running, opens the connection and begins
// consuming its events. Pipelines run under ctx, which outlives stop.
func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.conn.Connect(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("session: connect tenant %d: %w", s.tenant.ID, err)
	}
	if s.feed != nil {
		s.feed.Track(s.tenant.ID)
	}
	go s.deliverNotes(ctx)
	go s.consume(ctx)

	s.logger.Info().
		Str("url", s.tenant.Stream.URL).
		Int("pools", len(s.tenant.Subscriptions)).
		Int("max_concurrent", s.tenant.MaxConcurrent).
		Msg("session: started")
	return nil
}

// stop halts admission and closes the connection. In-flight pipelines keep
// running; the collaborators are cleaned up once they finish.
func (s *Session) stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.conn.Disconnect()
	<-s.consumed
	if s.feed != nil {
		s.feed.Forget(s.tenant.ID)
	}

	go func() {
		s.inflight.Wait()
		s.cleanup()
	}()
	s.logger.Info().Msg("session: stopped")
}

// wait blocks until every admitted pipeline has finished or ctx ends.
func (s *Session) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: drain tenant %d: %w", s.tenant.ID, ctx.Err())
	}
}

// consume reads the connection's events until it closes. Messages are
// filtered inline and admitted candidates run on their own goroutine so the
// read side never waits for a pipeline.
func (s *Session) consume(ctx context.Context) {
	defer close(s.consumed)
	defer close(s.notes)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("session: consumer panic recovered")
			go s.conn.Disconnect()
			for range s.conn.Events() {
			}
		}
	}()

	for ev := range s.conn.Events() {
		switch ev.Type {
		case stream.EventOpen:
			s.subscribe()
		case stream.EventMessage:
			if s.feed != nil {
				s.feed.RecordMessage(s.tenant.ID, ev.At)
				s.feed.RecordDrops(s.tenant.ID, s.conn.Stats().Dropped)
			}
			cand, ok := s.disp.Accept(ev.Data)
			if !ok {
				continue
			}
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				s.disp.Process(ctx, cand)
			}()
		case stream.EventError:
			s.logger.Warn().Err(ev.Err).Msg("session: connection error")
		case stream.EventStateChange:
			s.onStateChange(ev.State)
		}
	}
}

// subscribe issues one logsSubscribe request per pool source. It runs on
// every open, so a reconnect restores all subscriptions.
func (s *Session) subscribe() {
	for _, sub := range s.tenant.Subscriptions {
		payload, err := sub.SubscribeRequest()
		if err != nil {
			s.logger.Error().Err(err).Str("pool", sub.ID).Msg("session: build subscribe request")
			continue
		}
		if err := s.conn.Send(payload); err != nil {
			s.logger.Warn().Err(err).Str("pool", sub.ID).Msg("session: subscribe failed")
			continue
		}
		s.logger.Debug().Str("pool", sub.ID).Str("program", sub.ProgramID).Msg("session: subscribed")
	}
}

func (s *Session) onStateChange(state stream.State) {
	s.logger.Debug().Str("state", state.String()).Msg("session: connection state changed")
	switch state {
	case stream.StateReconnecting:
		s.deps.Metrics.Reconnects.Inc()
		s.enqueueNote("🔴 Connection lost, reconnecting...")
	case stream.StateConnected:
		s.enqueueNote("🟢 Connected")
	}
}

// enqueueNote hands a lifecycle notification to deliverNotes without waiting
// on the notifier. A full queue drops the note.
func (s *Session) enqueueNote(text string) {
	if s.deps.Notifier == nil || s.tenant.Settings.ChatID == 0 {
		return
	}
	select {
	case s.notes <- text:
	default:
		s.logger.Warn().Str("text", text).Msg("session: notification queue full, dropped")
	}
}

// deliverNotes sends queued lifecycle notifications in order until the
// consumer closes the queue.
func (s *Session) deliverNotes(ctx context.Context) {
	for text := range s.notes {
		s.notify(ctx, text)
	}
}

func (s *Session) notify(ctx context.Context, text string) {
	if s.deps.Notifier == nil || s.tenant.Settings.ChatID == 0 {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, s.tenant.Settings.ChatID, text); err != nil {
		s.logger.Warn().Err(err).Msg("session: notification failed")
	}
}
