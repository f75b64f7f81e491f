// Package websocket is a client-only implementation of the WebSocket
// protocol (RFC 6455), built for long-lived connections over unreliable
// networks.
//
// It provides a streaming frame codec with strict bit-level validation,
// reassembly of fragmented messages with interleaved control frames, an
// explicit connection state machine, ping/pong heartbeats with
// round-trip-time measurement, a graceful closing handshake, and
// automatic reconnection driven by pluggable backoff strategies
// (see [pkg/reconnect]).
//
// A [Client] runs three background goroutines while connected - a send
// loop, a receive loop, and a heartbeat loop - plus a reconnect loop
// during recovery. Each stateful component is owned by exactly one of
// them, so external observers never see a half-update.
//
// Note: WebSocket [extensions] are recognized syntactically during the
// handshake, but no extension payload transformations (such as
// permessage-deflate) are applied.
//
// [pkg/reconnect]: https://pkg.go.dev/github.com/tzrikka/riptide/pkg/reconnect
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
package websocket
