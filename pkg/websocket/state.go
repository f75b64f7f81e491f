package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a WebSocket connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// validTransitions is the connection lifecycle:
// closed -> connecting -> open -> closing -> closed, with two shortcuts
// (handshake failure, and abrupt connection loss). Self-loops are
// idempotent no-ops and are not listed here.
var validTransitions = map[State][]State{
	StateClosed:     {StateConnecting},
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed},
}

// StateObserver is notified after each completed state transition.
// Observers are invoked outside the manager's lock, in transition order,
// and must not block for long.
type StateObserver func(old, current State)

// StateTransition is one entry in the manager's bounded history.
type StateTransition struct {
	From State
	To   State
	Time time.Time
}

// maxTransitionHistory bounds the state manager's transition log.
const maxTransitionHistory = 32

// StateManager owns the connection state, validates transitions, and
// fans out change notifications. All mutation is serialized; readers
// never observe a torn state.
type StateManager struct {
	logger zerolog.Logger

	mu        sync.Mutex
	current   State
	changed   chan struct{}
	observers []StateObserver
	history   []StateTransition
}

// NewStateManager returns a manager in the [StateClosed] state.
func NewStateManager(l zerolog.Logger) *StateManager {
	return &StateManager{
		logger:  l,
		current: StateClosed,
		changed: make(chan struct{}),
	}
}

// Current returns the current connection state.
func (m *StateManager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Observe registers an observer for future state transitions.
func (m *StateManager) Observe(fn StateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, fn)
}

// History returns a copy of the most recent state transitions.
func (m *StateManager) History() []StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StateTransition, len(m.history))
	copy(out, m.history)
	return out
}

// Update attempts to transition to the given state, and reports whether
// the connection is now in it. Self-loops succeed without notifications.
// Illegal transitions are rejected silently: they are logged, the state
// does not change, and false is returned.
func (m *StateManager) Update(next State) bool {
	m.mu.Lock()

	old := m.current
	if old == next {
		m.mu.Unlock()
		return true
	}

	if !transitionAllowed(old, next) {
		m.mu.Unlock()
		m.logger.Warn().Stringer("from", old).Stringer("to", next).
			Msg("ignoring invalid WebSocket state transition")
		return false
	}

	m.current = next
	m.history = append(m.history, StateTransition{From: old, To: next, Time: time.Now()})
	if len(m.history) > maxTransitionHistory {
		m.history = m.history[len(m.history)-maxTransitionHistory:]
	}

	// Wake up all WaitFor callers.
	close(m.changed)
	m.changed = make(chan struct{})

	observers := make([]StateObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Debug().Stringer("from", old).Stringer("to", next).
		Msg("WebSocket state transition")

	for _, fn := range observers {
		fn(old, next)
	}
	return true
}

func transitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WaitFor blocks until the connection reaches the target state
// (returning immediately if it is already there), the timeout
// elapses, or the context is cancelled.
func (m *StateManager) WaitFor(ctx context.Context, target State, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		current, changed := m.current, m.changed
		m.mu.Unlock()

		if current == target {
			return nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("%w: state is %s, not %s after %s", ErrInvalidState, current, target, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
