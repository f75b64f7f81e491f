package websocket

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// pingPayloadSize is 4 bytes of big-endian ping ID followed by the send
// time as an 8-byte IEEE-754 double (seconds since the Unix epoch). The
// server echoes the payload verbatim in its pong, so a matched pong
// carries both the ID and the original send time.
const pingPayloadSize = 4 + 8

// maxRTTSamples bounds the heartbeat manager's round-trip-time history.
const maxRTTSamples = 100

// HeartbeatConfig controls the ping/pong keepalive loop.
type HeartbeatConfig struct {
	PingInterval           time.Duration
	PongTimeout            time.Duration
	MaxConsecutiveTimeouts int
}

// HeartbeatStatistics is a point-in-time snapshot of heartbeat health.
type HeartbeatStatistics struct {
	CurrentRTT   time.Duration
	AverageRTT   time.Duration
	MinRTT       time.Duration
	MaxRTT       time.Duration
	TimeoutCount int
	PendingCount int
	LastPongTime time.Time
}

// HeartbeatManager sends periodic pings through a sender handle into the
// client's send queue, matches pongs back to pending pings, measures
// round-trip times, and detects unresponsive connections. It holds no
// reference to the client itself, which decouples the two lifetimes.
type HeartbeatManager struct {
	logger zerolog.Logger
	cfg    HeartbeatConfig
	send   func(payload []byte) error

	mu                  sync.Mutex
	pending             map[uint32]time.Time
	nextID              uint32
	consecutiveTimeouts int
	totalTimeouts       int
	rtts                []time.Duration
	lastPong            time.Time
	stop                chan struct{}
	done                chan struct{}

	onTimeout  func()
	onRestored func()
	onRTT      func(time.Duration)

	// Clock - time.Now, except in unit tests.
	now func() time.Time
}

// NewHeartbeatManager returns a stopped heartbeat manager. The send
// function enqueues a ping payload for transmission; it is the only
// contract between the manager and the connection that owns it.
func NewHeartbeatManager(l zerolog.Logger, cfg HeartbeatConfig, send func(payload []byte) error) *HeartbeatManager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultHeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxConsecutiveTimeouts <= 0 {
		cfg.MaxConsecutiveTimeouts = DefaultMaxConsecutiveTimeouts
	}
	return &HeartbeatManager{
		logger:  l,
		cfg:     cfg,
		send:    send,
		pending: map[uint32]time.Time{},
		now:     time.Now,
	}
}

// OnTimeout registers a callback fired once, when the number of
// consecutive pong timeouts reaches the configured maximum.
func (h *HeartbeatManager) OnTimeout(fn func()) { h.onTimeout = fn }

// OnRestored registers a callback fired when a pong arrives
// after one or more timeouts.
func (h *HeartbeatManager) OnRestored(fn func()) { h.onRestored = fn }

// OnRTT registers a callback fired with each new round-trip-time sample.
func (h *HeartbeatManager) OnRTT(fn func(time.Duration)) { h.onRTT = fn }

// Start launches the background ping loop. It is a no-op if
// the loop is already running.
func (h *HeartbeatManager) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return
	}

	h.pending = map[uint32]time.Time{}
	h.consecutiveTimeouts = 0
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go h.loop(h.stop, h.done)
}

// Stop terminates the ping loop and waits for it to exit.
// It is idempotent.
func (h *HeartbeatManager) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop = nil
	h.done = nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// loop sends a ping, sleeps for the ping interval, expires pending pings
// that outlived the pong timeout, and repeats - until it is stopped, or
// until too many consecutive timeouts indicate a dead connection.
func (h *HeartbeatManager) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		h.sendPing()

		timer.Reset(h.cfg.PingInterval)
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		if h.expirePending() {
			h.logger.Warn().Int("max_timeouts", h.cfg.MaxConsecutiveTimeouts).
				Msg("WebSocket heartbeat timed out")
			// Not called inline: the callback usually tears down the
			// connection, which stops this manager - and [Stop] waits
			// for this loop to exit.
			if h.onTimeout != nil {
				go h.onTimeout()
			}
			return
		}
	}
}

// sendPing composes and enqueues the next ping payload,
// and records it as pending.
func (h *HeartbeatManager) sendPing() {
	now := h.now()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.pending[id] = now
	h.mu.Unlock()

	payload := make([]byte, pingPayloadSize)
	binary.BigEndian.PutUint32(payload, id)
	seconds := float64(now.UnixNano()) / float64(time.Second)
	binary.BigEndian.PutUint64(payload[4:], math.Float64bits(seconds))

	if err := h.send(payload); err != nil {
		h.logger.Err(err).Uint32("ping_id", id).Msg("failed to send WebSocket ping control frame")
	} else {
		h.logger.Trace().Uint32("ping_id", id).Msg("sent WebSocket ping control frame")
	}
}

// expirePending removes pending pings older than the pong timeout and
// reports whether the consecutive-timeout counter has reached its limit.
func (h *HeartbeatManager) expirePending() bool {
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sent := range h.pending {
		if now.Sub(sent) > h.cfg.PongTimeout {
			delete(h.pending, id)
			h.consecutiveTimeouts++
			h.totalTimeouts++
			h.logger.Debug().Uint32("ping_id", id).Int("consecutive", h.consecutiveTimeouts).
				Msg("WebSocket pong timed out")
		}
	}

	return h.consecutiveTimeouts >= h.cfg.MaxConsecutiveTimeouts
}

// HandlePong processes the payload of a pong control frame received
// by the connection. A payload whose first 4 bytes match a pending
// ping ID produces a round-trip-time sample; any other pong is still
// accepted as proof of life, but produces no sample.
func (h *HeartbeatManager) HandlePong(payload []byte) {
	now := h.now()

	h.mu.Lock()
	h.lastPong = now

	var matched bool
	var sent time.Time
	if len(payload) >= 4 {
		id := binary.BigEndian.Uint32(payload)
		if t, ok := h.pending[id]; ok {
			delete(h.pending, id)
			matched, sent = true, t
		}
	}

	if !matched {
		h.mu.Unlock()
		h.logger.Trace().Msg("received unsolicited WebSocket pong control frame")
		return
	}

	// Prefer the send time echoed in the payload itself over the recorded
	// one (a pong is only measured if its ID is still pending, see above).
	// Clamped at zero to tolerate clock steps.
	if len(payload) >= pingPayloadSize {
		seconds := math.Float64frombits(binary.BigEndian.Uint64(payload[4:]))
		sent = time.Unix(0, int64(seconds*float64(time.Second)))
	}
	rtt := max(now.Sub(sent), 0)

	h.rtts = append(h.rtts, rtt)
	if len(h.rtts) > maxRTTSamples {
		h.rtts = h.rtts[len(h.rtts)-maxRTTSamples:]
	}

	restored := h.consecutiveTimeouts > 0
	h.consecutiveTimeouts = 0
	onRestored, onRTT := h.onRestored, h.onRTT
	h.mu.Unlock()

	h.logger.Trace().Dur("rtt", rtt).Msg("received WebSocket pong control frame")

	if onRTT != nil {
		onRTT(rtt)
	}
	if restored && onRestored != nil {
		onRestored()
	}
}

// Statistics returns a snapshot of the heartbeat's health counters.
func (h *HeartbeatManager) Statistics() HeartbeatStatistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HeartbeatStatistics{
		TimeoutCount: h.totalTimeouts,
		PendingCount: len(h.pending),
		LastPongTime: h.lastPong,
	}

	if len(h.rtts) == 0 {
		return s
	}

	s.CurrentRTT = h.rtts[len(h.rtts)-1]
	s.MinRTT = h.rtts[0]
	var total time.Duration
	for _, rtt := range h.rtts {
		total += rtt
		s.MinRTT = min(s.MinRTT, rtt)
		s.MaxRTT = max(s.MaxRTT, rtt)
	}
	s.AverageRTT = total / time.Duration(len(h.rtts))

	return s
}
