package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Connection Manager: one persistent websocket with reconnect/backoff
// ---------------------------------------------------------------------------

var (
	ErrClosed         = errors.New("stream: manager closed")
	ErrNotConnected   = errors.New("stream: not connected")
	ErrAlreadyStarted = errors.New("stream: already started")
)

// closedEventTimeout bounds how long the terminal state change waits for
// room in a full event buffer.
const closedEventTimeout = 2 * time.Second

// Config configures a Manager.
type Config struct {
	URL              string        `yaml:"url"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"` // 0 = no read deadline
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	EventBuffer      int           `yaml:"event_buffer"`
}

// DefaultConfig returns defaults suitable for a Solana RPC websocket.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      256,
	}
}

// Manager owns one streaming connection and keeps it alive until Disconnect.
// Lifecycle and inbound messages are delivered in order on Events.
type Manager struct {
	config  Config
	backoff *Backoff

	mu      sync.Mutex
	state   State
	closing bool
	started bool
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	events    chan Event
	closeOnce sync.Once

	// Stats.
	messagesRecv atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
}

// NewManager creates a manager in StateDisconnected. Nothing is dialed until Connect.
func NewManager(config Config) *Manager {
	def := DefaultConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = def.EventBuffer
	}
	return &Manager{
		config:  config,
		backoff: NewBackoff(config.InitialBackoff, config.MaxBackoff),
		state:   StateDisconnected,
		events:  make(chan Event, config.EventBuffer),
	}
}

// Events returns the event stream. It is closed after the manager reaches
// StateClosed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. It returns immediately; progress is
// reported on Events. The loop ends when ctx is cancelled or Disconnect is called.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closing || m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(loopCtx)
	return nil
}

// Send writes a text frame on the current connection. It returns
// ErrNotConnected while the link is down; callers resend on the next open.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	if m.closing || m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conn
	if m.state != StateConnected || conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	// gorilla allows one concurrent writer.
	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()

	if err != nil {
		// Force the read loop to fail so the state machine reconnects.
		conn.Close()
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// Disconnect moves the manager to StateClosed and stops reconnecting.
// It blocks until the connection loop has exited. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closing {
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.closing = true
	started := m.started
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	if !started {
		m.finish()
		return
	}

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

// ManagerStats reports connection counters.
type ManagerStats struct {
	State        string `json:"state"`
	MessagesRecv int64  `json:"messages_recv"`
	Dropped      int64  `json:"dropped"`
	Reconnects   int64  `json:"reconnects"`
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:        m.State().String(),
		MessagesRecv: m.messagesRecv.Load(),
		Dropped:      m.dropped.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// transition moves to next and reports whether the state actually changed.
// Nothing leaves StateClosed, and once Disconnect was requested only
// StateClosed is accepted.
func (m *Manager) transition(ctx context.Context, next State) bool {
	m.mu.Lock()
	if m.state == next || m.state == StateClosed || (m.closing && next != StateClosed) {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = next
	m.mu.Unlock()

	log.Debug().Str("url", m.config.URL).Str("from", prev.String()).Str("to", next.String()).
		Msg("stream: state change")
	m.emit(ctx, Event{Type: EventStateChange, State: next})
	return true
}

// emit delivers a lifecycle event, blocking until the consumer accepts it or
// the loop is cancelled.
func (m *Manager) emit(ctx context.Context, ev Event) {
	ev.At = time.Now()
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// deliver hands an inbound message to the consumer without blocking the read loop.
func (m *Manager) deliver(data []byte) {
	select {
	case m.events <- Event{Type: EventMessage, Data: data, At: time.Now()}:
	default:
		n := m.dropped.Add(1)
		log.Warn().Str("url", m.config.URL).Int64("dropped", n).Msg("stream: event buffer full, message dropped")
	}
}

// finish performs the terminal transition and closes the event stream.
func (m *Manager) finish() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		changed := m.state != StateClosed
		m.state = StateClosed
		m.conn = nil
		m.mu.Unlock()

		if changed {
			select {
			case m.events <- Event{Type: EventStateChange, State: StateClosed, At: time.Now()}:
			case <-time.After(closedEventTimeout):
				log.Warn().Str("url", m.config.URL).Msg("stream: consumer not reading, closed event dropped")
			}
		}
		close(m.events)
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.finish()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("url", m.config.URL).Msg("stream: run loop panic recovered")
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !m.transition(ctx, StateConnecting) {
			return
		}

		conn, err := m.dial(ctx)
		if err == nil {
			err = m.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		m.emit(ctx, Event{Type: EventError, Err: err})
		if !m.transition(ctx, StateReconnecting) {
			return
		}
		m.reconnects.Add(1)

		delay := m.backoff.Next()
		log.Warn().Err(err).Str("url", m.config.URL).Dur("backoff", delay).Msg("stream: connection lost, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, m.config.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("stream: dial: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()
	}()

	if !m.transition(ctx, StateConnected) {
		return ErrClosed
	}
	m.backoff.Reset()
	log.Info().Str("url", m.config.URL).Msg("stream: connected")
	m.emit(ctx, Event{Type: EventOpen})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	if m.config.PingInterval > 0 {
		go m.pingLoop(connCtx, conn)
	}

	return m.readLoop(conn)
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	extend := func() {
		if m.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}
		extend()
		m.messagesRecv.Add(1)
		m.deliver(data)
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("url", m.config.URL).Msg("stream: ping failed")
				conn.Close()
				return
			}
		}
	}
}
