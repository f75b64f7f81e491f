package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/tzrikka/riptide/pkg/reconnect"
)

const (
	// sendQueueSize bounds how many outgoing messages may be waiting
	// for the send loop.
	sendQueueSize = 64

	// receiveQueueSize bounds how many incoming data messages may be
	// waiting for [Client.Receive] callers. The receive loop blocks
	// when the queue is full.
	receiveQueueSize = 64

	// receivePollInterval is how briefly [Client.Receive] sleeps
	// between polls of an empty receive queue.
	receivePollInterval = 10 * time.Millisecond

	// closeGracePeriod is how long [Client.Close] waits for the
	// server's half of the closing handshake before forcing teardown.
	closeGracePeriod = 3 * time.Second
)

// outbound pairs an outgoing message with a channel that reports
// the result of writing it to the transport. It is used to serialize
// concurrent senders through the single send loop.
type outbound struct {
	msg  Message
	errc chan error
}

// Statistics is a point-in-time snapshot of a client's activity.
type Statistics struct {
	State            State
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Heartbeat        HeartbeatStatistics
	Reconnect        reconnect.Statistics
}

// Client is a WebSocket (RFC 6455) client connection manager: it owns
// the transport, the frame codecs, the message assembler, the state
// machine, the heartbeat, and the reconnection controller, and runs the
// background send/receive loops while the connection is open.
type Client struct {
	logger    zerolog.Logger
	config    Config
	id        string
	transport Transport
	handshake *Handshake
	encoder   *Encoder
	decoder   *Decoder
	assembler *Assembler
	state     *StateManager
	heartbeat *HeartbeatManager
	recon     *reconnect.Manager

	sendQ chan outbound
	recvQ chan Message

	mu          sync.Mutex
	wsURL       *url.URL
	hsResult    *HandshakeResult
	stop        chan struct{}
	cleanedUp   bool
	connGuard   sync.Mutex // Serializes connection attempts.
	userTimeout func()
	userRestore func()
	userRTT     func(time.Duration)

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

// NewClient returns a disconnected client. With no options it uses
// [DefaultConfig], a TCP/TLS transport, an exponential-backoff
// reconnection strategy, and a disabled logger.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger:    zerolog.Nop(),
		config:    DefaultConfig(),
		id:        shortuuid.New(),
		handshake: NewHandshake(),
		sendQ:     make(chan outbound, sendQueueSize),
		recvQ:     make(chan Message, receiveQueueSize),
		cleanedUp: true,
	}

	for _, opt := range opts {
		opt(c)
	}
	c.config = c.config.normalize()

	c.logger = c.logger.With().Str("conn_id", c.id).Logger()
	c.state = NewStateManager(c.logger)
	c.encoder = NewEncoder(c.config.MaxFrameSize)
	c.decoder = NewDecoder(c.config.MaxFrameSize)
	c.assembler = NewAssembler(c.config.MaxMessageSize, c.config.FragmentTimeout)
	if c.transport == nil {
		c.transport = NewNetTransport(c.config.ConnectTimeout)
	}

	c.heartbeat = NewHeartbeatManager(c.logger, HeartbeatConfig{
		PingInterval:           c.config.HeartbeatInterval,
		PongTimeout:            c.config.HeartbeatTimeout,
		MaxConsecutiveTimeouts: DefaultMaxConsecutiveTimeouts,
	}, c.sendHeartbeatPing)
	c.heartbeat.OnTimeout(c.handleHeartbeatTimeout)
	c.heartbeat.OnRestored(func() {
		c.logger.Info().Msg("WebSocket heartbeat restored")
		if fn := c.userRestore; fn != nil {
			fn()
		}
	})
	c.heartbeat.OnRTT(func(rtt time.Duration) {
		if fn := c.userRTT; fn != nil {
			fn(rtt)
		}
	})

	strategy := c.config.ReconnectStrategy
	if strategy == nil {
		strategy = reconnect.NewExponentialBackoff(time.Second, 30*time.Second, c.config.MaxReconnectAttempts)
	}
	c.recon = reconnect.NewManager(c.logger, strategy, c.performConnection)
	c.recon.SetEnabled(c.config.EnableAutoReconnect)

	return c
}

// ID returns the client's unique (and log-friendly) identifier.
func (c *Client) ID() string {
	return c.id
}

// State returns the connection's current lifecycle state.
func (c *Client) State() State {
	return c.state.Current()
}

// OnStateChange registers an observer for connection state transitions.
func (c *Client) OnStateChange(fn StateObserver) {
	c.state.Observe(fn)
}

// OnReconnectEvent registers a handler for reconnection events.
// Handlers are invoked synchronously and must not block.
func (c *Client) OnReconnectEvent(fn func(reconnect.Event)) {
	c.recon.OnEvent(fn)
}

// OnHeartbeatTimeout registers a callback fired when the heartbeat
// declares the connection dead.
func (c *Client) OnHeartbeatTimeout(fn func()) { c.userTimeout = fn }

// OnHeartbeatRestored registers a callback fired when a pong arrives
// after one or more heartbeat timeouts.
func (c *Client) OnHeartbeatRestored(fn func()) { c.userRestore = fn }

// OnRTT registers a callback fired with each heartbeat
// round-trip-time sample.
func (c *Client) OnRTT(fn func(time.Duration)) { c.userRTT = fn }

// Statistics returns a snapshot of the client's activity counters.
func (c *Client) Statistics() Statistics {
	return Statistics{
		State:            c.state.Current(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		Heartbeat:        c.heartbeat.Statistics(),
		Reconnect:        c.recon.Statistics(),
	}
}

// HandshakeResult returns the negotiation details of the current
// connection, or nil when disconnected.
func (c *Client) HandshakeResult() *HandshakeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hsResult
}

// Connect establishes a WebSocket connection to the given
// "ws://..." or "wss://..." URL. The client must be closed.
//
// When the initial attempt fails and auto-reconnection is enabled, this
// function keeps trying per the configured strategy, for up to the
// configured reconnect timeout, before giving up.
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if s := c.state.Current(); s != StateClosed {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}

	// Remember the URL for future reconnections.
	c.mu.Lock()
	c.wsURL = u
	c.mu.Unlock()
	c.recon.SetEnabled(c.config.EnableAutoReconnect)

	err = c.performConnection(ctx)
	if err == nil {
		return nil
	}

	if !c.config.EnableAutoReconnect {
		return err
	}

	c.logger.Warn().Err(err).Msg("initial WebSocket connection failed, starting reconnection")
	c.recon.Start(err)
	if wErr := c.recon.Wait(ctx, c.config.ReconnectTimeout); wErr != nil {
		return fmt.Errorf("%w (after reconnection attempts: %w)", err, wErr)
	}
	return nil
}

// performConnection runs one full connection attempt: transport dial,
// HTTP Upgrade handshake, background loops, and heartbeat. It is also
// the connect action injected into the reconnect manager.
func (c *Client) performConnection(ctx context.Context) error {
	c.connGuard.Lock()
	defer c.connGuard.Unlock()

	c.mu.Lock()
	u := c.wsURL
	c.mu.Unlock()
	if u == nil {
		return fmt.Errorf("%w: no URL to connect to", ErrInvalidURL)
	}

	if !c.state.Update(StateConnecting) {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.state.Current())
	}

	host, port, useTLS := endpoint(u)
	if err := c.transport.Connect(ctx, host, port, useTLS, c.config.TLSConfig); err != nil {
		c.state.Update(StateClosed)
		return err
	}

	res, err := c.handshake.Perform(c.transport, u, c.config.Subprotocols, c.config.Extensions, c.config.ExtraHeaders)
	if err != nil {
		_ = c.transport.Disconnect()
		c.state.Update(StateClosed)
		return err
	}

	c.decoder.Reset()
	c.assembler.Reset()

	c.mu.Lock()
	c.hsResult = res
	c.stop = make(chan struct{})
	c.cleanedUp = false
	stop := c.stop
	c.mu.Unlock()

	go c.sendLoop(stop)
	go c.receiveLoop(stop, res.Excess)

	c.state.Update(StateOpen)
	if c.config.EnableHeartbeat {
		c.heartbeat.Start()
	}

	c.logger.Info().Str("url", u.Redacted()).Str("subprotocol", res.Protocol).
		Msg("WebSocket connection established")
	return nil
}

// endpoint extracts the dialing details from a ws/wss URL.
func endpoint(u *url.URL) (host string, port int, useTLS bool) {
	useTLS = u.Scheme == "wss"
	host = u.Hostname()

	port = 80
	if useTLS {
		port = 443
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return
}

// Send transmits a message to the server. The client must be open.
// Messages from concurrent callers are serialized through the send
// queue, and queue order is preserved on the wire.
func (c *Client) Send(ctx context.Context, m Message) error {
	if s := c.state.Current(); s != StateOpen {
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	return c.enqueue(ctx, m)
}

// SendText transmits a UTF-8 text message to the server.
func (c *Client) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, TextMessage(text))
}

// SendBinary transmits a binary message to the server.
func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	return c.Send(ctx, BinaryMessage(data))
}

// Ping transmits a ping control frame with an optional payload
// of up to 125 bytes.
func (c *Client) Ping(ctx context.Context, data []byte) error {
	if len(data) > maxControlPayload {
		return fmt.Errorf("%w: %d bytes", ErrControlTooLarge, len(data))
	}
	return c.Send(ctx, PingMessage(data))
}

// enqueue hands a message to the send loop and waits for the
// result of writing it.
func (c *Client) enqueue(ctx context.Context, m Message) error {
	out := outbound{msg: m, errc: make(chan error, 1)}

	select {
	case c.sendQ <- out:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendHeartbeatPing is the sender handle held by the heartbeat manager.
// It gives the heartbeat a way into the send queue without a reference
// to the client itself.
func (c *Client) sendHeartbeatPing(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.enqueue(ctx, PingMessage(payload))
}

// Receive returns the next data message from the server. While the
// connection state permits receiving, it polls the receive queue,
// sleeping briefly when the queue is empty; once the state no longer
// permits receiving, it fails.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	for {
		// Drain buffered messages even after a state change.
		select {
		case m := <-c.recvQ:
			return m, nil
		default:
		}

		if s := c.state.Current(); s != StateOpen && s != StateClosing {
			return Message{}, fmt.Errorf("%w: %s", ErrInvalidState, s)
		}

		select {
		case m := <-c.recvQ:
			return m, nil
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(receivePollInterval):
		}
	}
}

// Close performs the closing handshake with the given status code and
// reason, waits briefly for the server's half, and tears the connection
// down in any case. Closing also disables auto-reconnection: it is an
// expression of user intent to disconnect.
func (c *Client) Close(status StatusCode, reason string) error {
	if s := c.state.Current(); s == StateClosed || s == StateClosing {
		return nil
	}

	c.recon.SetEnabled(false)
	c.recon.Stop()

	if err := ValidateSendCode(status); err != nil {
		c.logger.Warn().Err(err).Msg("closing WebSocket connection with an invalid status code")
	}
	status, reason = sanitizeClose(status, reason)

	if !c.state.Update(StateClosing) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeGracePeriod)
	defer cancel()
	if err := c.enqueue(ctx, CloseMessage(status, reason)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send WebSocket close control frame")
	} else if err := c.state.WaitFor(ctx, StateClosed, closeGracePeriod); err != nil {
		c.logger.Debug().Msg("no WebSocket close control frame from server, forcing closure")
	}

	c.cleanup()
	c.state.Update(StateClosed)

	// Forget the connection target: a closed client reconnects
	// only after an explicit Connect call.
	c.mu.Lock()
	c.wsURL = nil
	c.mu.Unlock()

	return nil
}

// sendLoop is the only writer to the transport while connected. It
// dequeues messages, encodes them into masked frames, and writes them
// out, preserving queue order on the wire.
func (c *Client) sendLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case out := <-c.sendQ:
			fatal, err := c.writeMessage(out.msg)
			out.errc <- err
			if fatal {
				c.logger.Err(err).Msg("WebSocket send loop terminating")
				c.teardown(err, true)
				return
			}
		}
	}
}

// writeMessage encodes and transmits one message. Encoding failures are
// reported to the sender only; transport failures also kill the connection.
func (c *Client) writeMessage(m Message) (fatal bool, err error) {
	frames, err := c.encoder.EncodeMessage(m)
	if err != nil {
		return false, err
	}

	for _, f := range frames {
		wire := f.AppendWire(nil)
		if err := c.transport.Send(wire); err != nil {
			return true, err
		}
		c.bytesSent.Add(uint64(len(wire)))
	}

	c.messagesSent.Add(1)
	c.logger.Trace().Stringer("type", m.Type).Int("frames", len(frames)).
		Int("length", len(m.Data)).Msg("sent WebSocket message")
	return false, nil
}

// receiveLoop is the only reader of the transport while connected:
// it decodes transport bytes into frames, assembles frames into
// messages, and dispatches them.
func (c *Client) receiveLoop(stop <-chan struct{}, excess []byte) {
	if len(excess) > 0 {
		if done := c.processBytes(stop, excess); done {
			return
		}
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		b, err := c.transport.Receive()
		if err != nil {
			select {
			case <-stop: // Teardown already in progress.
			default:
				c.logger.Debug().Err(err).Msg("WebSocket receive loop terminating")
				c.teardown(err, true)
			}
			return
		}
		c.bytesReceived.Add(uint64(len(b)))

		if done := c.processBytes(stop, b); done {
			return
		}
	}
}

// processBytes advances the decoder and assembler with a chunk of
// transport bytes, and dispatches every completed message. It reports
// whether the receive loop should exit.
func (c *Client) processBytes(stop <-chan struct{}, b []byte) bool {
	frames, err := c.decoder.Decode(b)
	if err != nil {
		c.failProtocol(err)
		return true
	}

	for _, f := range frames {
		msg, err := c.assembler.Process(f)
		if err != nil {
			c.failProtocol(err)
			return true
		}
		if msg == nil {
			continue
		}
		if done := c.dispatch(stop, *msg); done {
			return true
		}
	}
	return false
}

// failProtocol handles a fatal protocol violation in the receive path:
// best-effort close notification to the server, then teardown. Protocol
// errors never trigger reconnection.
func (c *Client) failProtocol(err error) {
	c.logger.Err(err).Msg("WebSocket protocol error")

	status := StatusProtocolError
	if errors.Is(err, ErrInvalidUTF8) {
		status = StatusInvalidData
	} else if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrFrameTooLarge) {
		status = StatusMessageTooBig
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.enqueue(ctx, CloseMessage(status, ""))

	c.teardown(err, false)
}

// dispatch routes one completed message: control frames are handled by
// the client itself, data messages are queued for [Client.Receive].
func (c *Client) dispatch(stop <-chan struct{}, msg Message) bool {
	switch msg.Type {
	case MessagePing:
		// "If an endpoint receives a Ping frame and has not yet sent
		// Pong frame(s) in response to previous Ping frame(s), the
		// endpoint MAY elect to send a Pong frame for only the most
		// recently processed Ping frame".
		select {
		case c.sendQ <- outbound{msg: PongMessage(msg.Data), errc: make(chan error, 1)}:
		default:
			c.logger.Warn().Msg("send queue full, dropping WebSocket pong control frame")
		}
		return false

	case MessagePong:
		c.heartbeat.HandlePong(msg.Data)
		return false

	case MessageClose:
		c.handleCloseFrame(msg)
		return true

	default:
		c.messagesReceived.Add(1)
		select {
		case c.recvQ <- msg:
		case <-stop:
			return true
		}
		return false
	}
}

// handleCloseFrame completes the closing handshake, from either side:
// when the server initiates, reply in kind before tearing down; when
// the server is answering our own close frame, just finish closing.
func (c *Client) handleCloseFrame(msg Message) {
	c.logger.Debug().Stringer("close_status", msg.Status).Str("close_reason", msg.Reason).
		Msg("received WebSocket close control frame")

	if c.state.Current() == StateOpen {
		// "If an endpoint receives a Close frame and did not previously
		// send a Close frame, the endpoint MUST send a Close frame in
		// response", echoing the received status code.
		status, reason := sanitizeClose(msg.Status, "")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.enqueue(ctx, CloseMessage(status, reason)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to answer WebSocket close control frame")
		}

		c.state.Update(StateClosing)
		c.cleanup()
		c.state.Update(StateClosed)
		return
	}

	// We initiated the handshake: Close is waiting for this transition.
	c.state.Update(StateClosed)
}

// handleHeartbeatTimeout tears the connection down after too many
// consecutive missed pongs, and hands the error to the reconnect
// manager when auto-reconnection applies.
func (c *Client) handleHeartbeatTimeout() {
	if fn := c.userTimeout; fn != nil {
		fn()
	}
	c.teardown(ErrHeartbeatTimeout, true)
}

// teardown moves an established connection to its terminal state after
// a fatal error, and optionally starts the reconnect manager.
func (c *Client) teardown(cause error, reconnectable bool) {
	c.mu.Lock()
	alreadyDone := c.cleanedUp
	hasURL := c.wsURL != nil
	c.mu.Unlock()
	if alreadyDone {
		return
	}

	c.state.Update(StateClosing)
	c.cleanup()
	c.state.Update(StateClosed)

	if reconnectable && cause != nil && hasURL && c.config.EnableAutoReconnect {
		c.recon.Start(cause)
	}
}

// cleanup releases all per-connection resources. It is idempotent:
// only the first call after each successful connection does anything.
func (c *Client) cleanup() {
	c.mu.Lock()
	if c.cleanedUp {
		c.mu.Unlock()
		return
	}
	c.cleanedUp = true
	stop := c.stop
	c.stop = nil
	c.hsResult = nil
	c.mu.Unlock()

	c.heartbeat.Stop()
	if stop != nil {
		close(stop)
	}

	// Fail senders that are still waiting in the queue.
	for {
		select {
		case out := <-c.sendQ:
			out.errc <- ErrConnectionClosed
		default:
			c.decoder.Reset()
			c.assembler.Reset()
			_ = c.transport.Disconnect()
			c.logger.Debug().Msg("WebSocket connection resources released")
			return
		}
	}
}
