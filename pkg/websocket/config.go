package websocket

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tzrikka/riptide/pkg/reconnect"
)

// Default configuration values.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultMaxFrameSize    = 64 * 1024
	DefaultMaxMessageSize  = 16 * 1024 * 1024
	DefaultFragmentTimeout = 30 * time.Second

	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultHeartbeatTimeout       = 10 * time.Second
	DefaultMaxConsecutiveTimeouts = 3

	DefaultMaxReconnectAttempts = 5
	DefaultReconnectTimeout     = 30 * time.Second
)

// Config controls a [Client]. The zero value of each duration, size and
// count field falls back to the corresponding default. The boolean
// switches have no fallback: false disables the feature.
type Config struct {
	ConnectTimeout time.Duration

	MaxFrameSize    int
	MaxMessageSize  int
	FragmentTimeout time.Duration

	// Advisory inputs to the HTTP Upgrade handshake.
	Subprotocols []string
	Extensions   []string
	ExtraHeaders http.Header

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	EnableHeartbeat   bool

	EnableAutoReconnect  bool
	ReconnectStrategy    reconnect.Strategy
	MaxReconnectAttempts int
	ReconnectTimeout     time.Duration

	// Only for "wss" URLs. A nil config uses sane defaults,
	// with the server name set to the URL's host.
	TLSConfig *tls.Config
}

// DefaultConfig returns the configuration a zero-option
// [NewClient] call runs with.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       DefaultConnectTimeout,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxMessageSize:       DefaultMaxMessageSize,
		FragmentTimeout:      DefaultFragmentTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
		EnableHeartbeat:      true,
		EnableAutoReconnect:  true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectTimeout:     DefaultReconnectTimeout,
	}
}

// normalize fills unset fields with their defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxFrameSize < 1 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxMessageSize < 1 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = d.FragmentTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxReconnectAttempts < 1 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = d.ReconnectTimeout
	}
	return c
}

// Option customizes a [Client] during construction.
type Option func(*Client)

// WithConfig replaces the client's entire configuration.
// Unset fields still fall back to their defaults.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.config = cfg
	}
}

// WithLogger sets the client's logger, instead of a disabled one.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTransport replaces the default TCP/TLS transport,
// e.g. with an in-memory one in unit tests.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithReconnectStrategy replaces the default exponential-backoff
// reconnection policy.
func WithReconnectStrategy(s reconnect.Strategy) Option {
	return func(c *Client) {
		c.config.ReconnectStrategy = s
	}
}

// WithHTTPHeader adds a single HTTP header to the WebSocket handshake's
// HTTP request. Use [WithHTTPHeaders] to specify multiple ones.
func WithHTTPHeader(key, value string) Option {
	return func(c *Client) {
		if c.config.ExtraHeaders == nil {
			c.config.ExtraHeaders = http.Header{}
		}
		c.config.ExtraHeaders.Add(key, value)
	}
}

// WithHTTPHeaders adds multiple HTTP headers to the WebSocket handshake's
// HTTP request, instead of calling [WithHTTPHeader] multiple times.
func WithHTTPHeaders(hs http.Header) Option {
	return func(c *Client) {
		if c.config.ExtraHeaders == nil {
			c.config.ExtraHeaders = http.Header{}
		}
		for key, values := range hs {
			for _, value := range values {
				c.config.ExtraHeaders.Add(key, value)
			}
		}
	}
}

// WithSubprotocols advertises the given subprotocols during the handshake.
func WithSubprotocols(subprotocols ...string) Option {
	return func(c *Client) {
		c.config.Subprotocols = subprotocols
	}
}
