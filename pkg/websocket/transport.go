package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport is the byte-stream connection underneath the WebSocket
// protocol. The client owns it exclusively while connected: only the
// send loop writes, and only the receive loop reads.
type Transport interface {
	// Connect establishes the underlying TCP (and optionally TLS)
	// connection. The context bounds the whole attempt.
	Connect(ctx context.Context, host string, port int, useTLS bool, tlsConfig *tls.Config) error

	// Send writes all the given bytes, or fails.
	Send(b []byte) error

	// Receive returns at least one byte, blocking until data is
	// available. End-of-stream is an error.
	Receive() ([]byte, error)

	// Disconnect tears the connection down. It is idempotent, and
	// unblocks any in-flight Receive call.
	Disconnect() error
}

// receiveBufferSize is the read chunk size of [NetTransport].
const receiveBufferSize = 32 * 1024

// NetTransport is the default [Transport], backed by a [net.Conn]
// with optional TLS.
type NetTransport struct {
	connectTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn

	readBuf [receiveBufferSize]byte
}

// NewNetTransport returns a disconnected TCP/TLS transport.
// A non-positive timeout falls back to [DefaultConnectTimeout].
func NewNetTransport(connectTimeout time.Duration) *NetTransport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &NetTransport{connectTimeout: connectTimeout}
}

// Connect dials the given host and port, and runs the TLS handshake
// when requested. Connecting while already connected is an error.
func (t *NetTransport) Connect(ctx context.Context, host string, port int, useTLS bool, tlsConfig *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("%w: already connected", ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	d := net.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(err)
	}

	if useTLS {
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = host
		}

		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %w", ErrTLSHandshake, err)
		}
		conn = tlsConn
	}

	t.conn = conn
	return nil
}

func classifyDialError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: cancelled: %w", ErrConnectionFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
}

// Send writes all the given bytes to the connection.
func (t *NetTransport) Send(b []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// Receive blocks until at least one byte arrives, and returns a copy of
// what was read. A cleanly closed stream is reported as [ErrNoData].
func (t *NetTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	n, err := conn.Read(t.readBuf[:])
	if n > 0 {
		b := make([]byte, n)
		copy(b, t.readBuf[:n])
		return b, nil
	}
	if err == nil {
		err = io.EOF
	}

	switch {
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	case errors.Is(err, net.ErrClosed):
		return nil, fmt.Errorf("%w: %w", ErrConnectionReset, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
	}
}

// Disconnect closes the connection, unblocking any in-flight Receive.
func (t *NetTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
