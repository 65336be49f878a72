package stream

import (
	"sync"
	"time"
)

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies what an Event reports.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventError
	EventStateChange
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventStateChange:
		return "state_change"
	default:
		return "unknown"
	}
}

// Event is delivered on Manager.Events. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType
	State State  // EventStateChange
	Data  []byte // EventMessage
	Err   error  // EventError
	At    time.Time
}

// Backoff yields reconnect delays: Initial first, doubling on each call,
// capped at Max. Reset starts the sequence over.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a Backoff with the given bounds.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current *= 2
	}
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset makes the next call to Next return Initial.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}
