package websocket

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzrikka/riptide/pkg/reconnect"
)

// repeatReader is an endless stream of one byte, to make
// handshake nonces deterministic across reconnections.
type repeatReader byte

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

// fakeTransport emulates a WebSocket server endpoint in memory:
// it answers the Upgrade handshake on connect, records everything
// the client sends, and relays canned server bytes to the client.
type fakeTransport struct {
	accept        string
	excess        []byte
	failRemaining int

	mu         sync.Mutex
	connected  bool
	wireClosed bool
	wire       chan []byte
	connects   int

	sent chan []byte
}

func newFakeTransport(accept string) *fakeTransport {
	return &fakeTransport{
		accept: accept,
		sent:   make(chan []byte, 256),
	}
}

func (f *fakeTransport) Connect(_ context.Context, _ string, _ int, _ bool, _ *tls.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failRemaining > 0 {
		f.failRemaining--
		return ErrConnectionTimeout
	}
	if f.connected {
		return fmt.Errorf("%w: already connected", ErrInvalidState)
	}

	f.connected = true
	f.wireClosed = false
	f.connects++
	f.wire = make(chan []byte, 64)

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + f.accept + "\r\n\r\n"
	f.wire <- append([]byte(response), f.excess...)

	return nil
}

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	f.sent <- bytes.Clone(b)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	wire := f.wire
	f.mu.Unlock()

	if wire == nil {
		return nil, ErrNotConnected
	}
	b, ok := <-wire
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrConnectionReset, net.ErrClosed)
	}
	return b, nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connected = false
	if f.wire != nil && !f.wireClosed {
		f.wireClosed = true
		close(f.wire)
	}
	return nil
}

// serverSend relays bytes from the fake server to the client.
// Bytes sent after a disconnection are dropped, like on a real network.
func (f *fakeTransport) serverSend(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wire == nil || f.wireClosed {
		return
	}
	f.wire <- b
}

// dropConnection simulates an abrupt connection loss.
func (f *fakeTransport) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.wire != nil && !f.wireClosed {
		f.wireClosed = true
		close(f.wire)
	}
}

const testNonceByte = 'n'

func newTestClient(t *testing.T, mutate func(*Config), opts ...Option) (*Client, *fakeTransport) {
	t.Helper()

	nonce := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{testNonceByte}, 16))
	f := newFakeTransport(expectedServerAcceptValue(nonce))

	cfg := DefaultConfig()
	cfg.EnableHeartbeat = false
	cfg.EnableAutoReconnect = false
	if mutate != nil {
		mutate(&cfg)
	}

	c := NewClient(append([]Option{WithConfig(cfg), WithTransport(f)}, opts...)...)
	c.handshake.nonceSource = repeatReader(testNonceByte)

	t.Cleanup(func() {
		c.recon.SetEnabled(false)
		c.recon.Stop()
		c.teardown(nil, false)
	})
	return c, f
}

// drainHandshake consumes the client's Upgrade request from the wire.
func drainHandshake(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case b := <-f.sent:
		require.True(t, strings.HasPrefix(string(b), "GET "), "first sent chunk is not a handshake request: %q", b)
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake request sent")
	}
}

// awaitFrame decodes the next frame the client sent.
func awaitFrame(t *testing.T, f *fakeTransport, d *Decoder) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.sent:
			frames, err := d.Decode(b)
			require.NoError(t, err)
			if len(frames) > 0 {
				return frames[0]
			}
		case <-deadline:
			t.Fatal("timed out waiting for a frame from the client")
		}
	}
}

func TestClientConnectSendReceive(t *testing.T) {
	c, f := newTestClient(t, nil)
	ctx := t.Context()

	require.NoError(t, c.Connect(ctx, "ws://test.local/ws"))
	require.Equal(t, StateOpen, c.State())
	drainHandshake(t, f)

	require.NoError(t, c.SendText(ctx, "Hi"))

	d := NewDecoder(1024)
	frame := awaitFrame(t, f, d)
	assert.True(t, frame.Fin)
	assert.True(t, frame.Masked)
	assert.Equal(t, OpcodeText, frame.Opcode)
	assert.Equal(t, []byte("Hi"), frame.Payload)

	f.serverSend([]byte{0x81, 0x02, 'H', 'i'})
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := c.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, MessageText, msg.Type)
	assert.Equal(t, "Hi", msg.Text())

	stats := c.Statistics()
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
}

func TestClientConnectValidation(t *testing.T) {
	c, _ := newTestClient(t, nil)
	ctx := t.Context()

	assert.ErrorIs(t, c.Connect(ctx, "http://test.local/"), ErrInvalidURL)
	assert.ErrorIs(t, c.Connect(ctx, "ws://"), ErrInvalidURL)
	assert.ErrorIs(t, c.Connect(ctx, "::"), ErrInvalidURL)

	require.NoError(t, c.Connect(ctx, "ws://test.local/"))
	assert.ErrorIs(t, c.Connect(ctx, "ws://test.local/"), ErrInvalidState)
}

func TestClientAutoPong(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	f.serverSend([]byte{0x89, 0x03, 'a', 'b', 'c'})

	frame := awaitFrame(t, f, NewDecoder(1024))
	assert.Equal(t, OpcodePong, frame.Opcode)
	assert.Equal(t, []byte("abc"), frame.Payload)
	assert.Equal(t, StateOpen, c.State(), "a ping must not disturb the connection")
}

func TestClientReceivesExcessBytesAfterHandshake(t *testing.T) {
	c, f := newTestClient(t, nil)
	f.excess = []byte{0x81, 0x05, 'e', 'a', 'r', 'l', 'y'}

	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))

	rctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, err := c.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, "early", msg.Text())
}

func TestClientServerInitiatedClose(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	f.serverSend([]byte{0x88, 0x02, 0x03, 0xe8}) // Close, status 1000.

	frame := awaitFrame(t, f, NewDecoder(1024))
	require.Equal(t, OpcodeClose, frame.Opcode)
	assert.Equal(t, []byte{0x03, 0xe8}, frame.Payload, "the reply must echo the status code")

	require.NoError(t, c.state.WaitFor(t.Context(), StateClosed, 2*time.Second))
}

func TestClientClose(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	// The fake server answers the client's close frame in kind.
	go func() {
		d := NewDecoder(1024)
		for b := range f.sent {
			frames, err := d.Decode(b)
			if err != nil {
				return
			}
			for _, frame := range frames {
				if frame.Opcode == OpcodeClose {
					f.serverSend([]byte{0x88, 0x02, 0x03, 0xe8})
					return
				}
			}
		}
	}()

	require.NoError(t, c.Close(StatusNormalClosure, "done"))
	assert.Equal(t, StateClosed, c.State())

	// Closing again is a no-op, and sending is now rejected.
	require.NoError(t, c.Close(StatusNormalClosure, ""))
	assert.ErrorIs(t, c.SendText(t.Context(), "x"), ErrInvalidState)
}

func TestClientCloseWithInvalidCodeStillCloses(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	go func() {
		d := NewDecoder(1024)
		for b := range f.sent {
			frames, err := d.Decode(b)
			if err != nil {
				return
			}
			for _, frame := range frames {
				if frame.Opcode == OpcodeClose {
					f.serverSend([]byte{0x88, 0x02, 0x03, 0xea})
					return
				}
			}
		}
	}()

	require.NoError(t, c.Close(StatusNotReceived, "")) // 1005 must not be sent.
	assert.Equal(t, StateClosed, c.State())
}

func TestClientProtocolErrorTerminates(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	f.serverSend([]byte{0xc1, 0x00}) // RSV1 set without an extension.

	frame := awaitFrame(t, f, NewDecoder(1024))
	require.Equal(t, OpcodeClose, frame.Opcode)
	assert.Equal(t, []byte{0x03, 0xea}, frame.Payload, "expected a 1002 close frame")

	require.NoError(t, c.state.WaitFor(t.Context(), StateClosed, 2*time.Second))
}

func TestClientHandshakeFailure(t *testing.T) {
	c, f := newTestClient(t, nil)
	f.accept = "BACScCJPNqyz+UBoqMH89VmURoA=" // Wrong for our nonce.

	err := c.Connect(t.Context(), "ws://test.local/")
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateClosed, c.State())
}

func TestClientReconnectsAfterInitialFailure(t *testing.T) {
	c, f := newTestClient(t, func(cfg *Config) {
		cfg.EnableAutoReconnect = true
		cfg.ReconnectStrategy = &reconnect.FixedInterval{Interval: time.Millisecond, MaxAttempts: 5}
	})
	f.failRemaining = 2

	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 1, f.connects)

	stats := c.Statistics().Reconnect
	assert.Equal(t, 1, stats.Successes)
	assert.GreaterOrEqual(t, stats.Failures, 1)
}

func TestClientReconnectsAfterConnectionDrop(t *testing.T) {
	c, f := newTestClient(t, func(cfg *Config) {
		cfg.EnableAutoReconnect = true
		cfg.ReconnectStrategy = &reconnect.FixedInterval{Interval: time.Millisecond, MaxAttempts: 5}
	})

	var events []reconnect.EventType
	var mu sync.Mutex
	c.OnReconnectEvent(func(e reconnect.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	f.dropConnection()

	require.Eventually(t, func() bool {
		return c.State() == StateOpen && connectCount(f) >= 2
	}, 2*time.Second, 5*time.Millisecond, "client did not reconnect")

	assert.Equal(t, 1, c.Statistics().Reconnect.Successes)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, reconnect.EventStarted)
	assert.Contains(t, events, reconnect.EventSucceeded)
}

func connectCount(f *fakeTransport) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func TestClientFragmentedMessageDelivery(t *testing.T) {
	c, f := newTestClient(t, nil)
	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	f.serverSend([]byte{0x01, 0x06, 'H', 'e', 'l', 'l', 'o', ' '})
	f.serverSend([]byte{0x80, 0x06, 'W', 'o', 'r', 'l', 'd', '!'})

	rctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, err := c.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", msg.Text())
}

func TestClientHeartbeatEndToEnd(t *testing.T) {
	c, f := newTestClient(t, func(cfg *Config) {
		cfg.EnableHeartbeat = true
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.HeartbeatTimeout = time.Second
	})

	rtts := make(chan time.Duration, 16)
	c.OnRTT(func(rtt time.Duration) {
		select {
		case rtts <- rtt:
		default:
		}
	})

	require.NoError(t, c.Connect(t.Context(), "ws://test.local/"))
	drainHandshake(t, f)

	// The fake server echoes every ping payload back as a pong.
	go func() {
		d := NewDecoder(1024)
		for b := range f.sent {
			frames, err := d.Decode(b)
			if err != nil {
				return
			}
			for _, frame := range frames {
				if frame.Opcode == OpcodePing {
					pong := Frame{Fin: true, Opcode: OpcodePong, Payload: frame.Payload}
					f.serverSend(pong.AppendWire(nil))
				}
			}
		}
	}()

	select {
	case rtt := <-rtts:
		assert.GreaterOrEqual(t, rtt, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat round-trip-time sample")
	}

	stats := c.Statistics().Heartbeat
	assert.False(t, stats.LastPongTime.IsZero())
	assert.Equal(t, StateOpen, c.State())
}

func TestClientReceiveFailsWhenClosed(t *testing.T) {
	c, _ := newTestClient(t, nil)

	_, err := c.Receive(t.Context())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.ErrorIs(t, c.Ping(t.Context(), []byte("x")), ErrInvalidState)
	require.ErrorIs(t, c.Ping(t.Context(), bytes.Repeat([]byte("x"), 126)), ErrControlTooLarge)
}
