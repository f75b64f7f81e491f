package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ManagerState is the current phase of the reconnect controller.
type ManagerState int

const (
	StateIdle ManagerState = iota
	StateWaiting
	StateReconnecting
	StateStopped
)

// String returns the state's name.
func (s ManagerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventType classifies reconnection events.
type EventType int

const (
	EventStarted EventType = iota + 1
	EventStatusUpdate
	EventFailed
	EventSucceeded
	EventAbandoned
)

// String returns the event type's name.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStatusUpdate:
		return "status_update"
	case EventFailed:
		return "failed"
	case EventSucceeded:
		return "succeeded"
	case EventAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event describes one reconnection milestone. Events are delivered to
// all registered handlers synchronously from the reconnect loop, so
// handlers must not block.
type Event struct {
	Type    EventType
	Attempt int
	Err     error
	Delay   time.Duration
	Elapsed time.Duration
}

// Record is one entry in the manager's bounded attempt history.
type Record struct {
	Time    time.Time
	Attempt int
	Success bool
	Err     error
	Delay   time.Duration
}

// maxRecords bounds the manager's attempt history.
const maxRecords = 50

// Statistics is a snapshot of the manager's reconnection history.
type Statistics struct {
	TotalAttempts int
	Successes     int
	Failures      int
	LastError     error
	Records       []Record
}

// ErrStopped is reported by [Manager.Wait] when reconnection
// was stopped or abandoned instead of succeeding.
var ErrStopped = errors.New("reconnect: stopped")

// Manager drives a single reconnection loop: it consults its [Strategy]
// about whether and when to retry, invokes the injected connect action,
// collects statistics, and emits events. At most one loop runs at a time.
type Manager struct {
	logger   zerolog.Logger
	strategy Strategy
	connect  func(ctx context.Context) error

	mu        sync.Mutex
	enabled   bool
	state     ManagerState
	changed   chan struct{}
	running   bool
	cancel    context.CancelFunc
	handlers  []func(Event)
	records   []Record
	total     int
	successes int
	failures  int
	lastErr   error
}

// NewManager returns an idle, enabled reconnect manager. The connect
// action is invoked once per attempt; it must leave the connection
// usable when it returns nil.
func NewManager(l zerolog.Logger, s Strategy, connect func(ctx context.Context) error) *Manager {
	if s == nil {
		s = None{}
	}
	return &Manager{
		logger:   l,
		strategy: s,
		connect:  connect,
		enabled:  true,
		state:    StateIdle,
		changed:  make(chan struct{}),
	}
}

// OnEvent registers an event handler. Handlers are invoked synchronously
// from the reconnect loop and must not block. Registering while a loop
// is running is not supported.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, fn)
}

// SetEnabled turns the manager on or off. Disabling does not cancel a
// loop that is already sleeping - use [Manager.Stop] for that.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = enabled
}

// Enabled reports whether the manager may start or continue a loop.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// State returns the manager's current phase.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Start launches the reconnect loop in response to the given error.
// It is a no-op if the manager is disabled or a loop is already running.
func (m *Manager) Start(cause error) {
	m.mu.Lock()
	if !m.enabled || m.running {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	// Leave the Idle/Stopped terminal states synchronously, so that a
	// Wait call right after Start can't observe a stale terminal state.
	if m.state != StateWaiting {
		m.state = StateWaiting
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()

	go m.loop(ctx, cause)
}

// Stop cancels the running loop, if any, and parks the manager
// in the [StateStopped] state.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.setState(StateStopped)
}

// ReconnectImmediately bypasses the strategy's delay: it invokes the
// connect action once and records the outcome, without engaging the
// retry loop.
func (m *Manager) ReconnectImmediately() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("%w: reconnect loop already running", ErrStopped)
	}
	m.mu.Unlock()

	err := m.connect(context.Background())
	m.record(1, 0, err)
	m.feedback(err)
	if err == nil {
		m.strategy.Reset()
		m.setState(StateIdle)
	}
	return err
}

// Wait blocks until the current reconnection effort reaches a terminal
// phase: nil when the manager becomes idle (reconnected), [ErrStopped]
// wrapping the last connection error when it was stopped or abandoned,
// and a timeout error otherwise.
func (m *Manager) Wait(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		state, changed, lastErr := m.state, m.changed, m.lastErr
		m.mu.Unlock()

		switch state {
		case StateIdle:
			return nil
		case StateStopped:
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ErrStopped, lastErr)
			}
			return ErrStopped
		}

		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("reconnect: not finished after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Statistics returns a snapshot of the manager's attempt history.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, len(m.records))
	copy(records, m.records)
	return Statistics{
		TotalAttempts: m.total,
		Successes:     m.successes,
		Failures:      m.failures,
		LastError:     m.lastErr,
		Records:       records,
	}
}

// loop implements the retry cycle: consult the strategy, wait, attempt,
// and either settle (idle/stopped) or go around again.
func (m *Manager) loop(ctx context.Context, cause error) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
	}()

	start := time.Now()
	lastErr := cause
	m.emit(Event{Type: EventStarted, Attempt: 1, Err: cause})

	for attempt := 1; ; attempt++ {
		if !m.Enabled() {
			m.setState(StateStopped)
			return
		}

		if !m.strategy.ShouldReconnect(lastErr, attempt) {
			m.logger.Warn().Int("attempt", attempt).AnErr("cause", lastErr).
				Msg("abandoning reconnection")
			m.emit(Event{Type: EventAbandoned, Attempt: attempt, Err: lastErr})
			m.setState(StateStopped)
			return
		}

		delay := m.strategy.Delay(attempt)
		m.setState(StateWaiting)
		m.emit(Event{Type: EventStatusUpdate, Attempt: attempt, Delay: delay, Err: lastErr})
		m.logger.Debug().Int("attempt", attempt).Dur("delay", delay).
			Msg("waiting before reconnection attempt")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateStopped)
			return
		case <-timer.C:
		}

		m.setState(StateReconnecting)
		err := m.connect(ctx)
		m.record(attempt, delay, err)
		m.feedback(err)

		if err == nil {
			m.strategy.Reset()
			m.logger.Info().Int("attempt", attempt).Msg("reconnected")
			m.emit(Event{Type: EventSucceeded, Attempt: attempt, Elapsed: time.Since(start)})
			m.setState(StateIdle)
			return
		}

		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
		m.emit(Event{Type: EventFailed, Attempt: attempt, Err: err})
		lastErr = err
	}
}

// feedback forwards an attempt outcome to learning strategies.
func (m *Manager) feedback(err error) {
	if r, ok := m.strategy.(Recorder); ok {
		r.Record(err == nil)
	}
}

func (m *Manager) record(attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if err == nil {
		m.successes++
		m.lastErr = nil
	} else {
		m.failures++
		m.lastErr = err
	}

	m.records = append(m.records, Record{
		Time:    time.Now(),
		Attempt: attempt,
		Success: err == nil,
		Err:     err,
		Delay:   delay,
	})
	if len(m.records) > maxRecords {
		m.records = m.records[len(m.records)-maxRecords:]
	}
}

func (m *Manager) setState(s ManagerState) {
	m.mu.Lock()
	if m.state != s {
		m.state = s
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()
}

func (m *Manager) emit(e Event) {
	m.mu.Lock()
	handlers := make([]func(Event), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
}
