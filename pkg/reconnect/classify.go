package reconnect

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Classifier tags errors as recoverable (retrying the connection has a
// reasonable chance of success) or not, and scores their severity on a
// 0-10 scale for adaptive policies.
type Classifier interface {
	Recoverable(err error) bool
	Severity(err error) int
}

// DefaultClassifier treats network-layer failures (timeouts, resets,
// unreachable hosts, lost connections) as recoverable, and everything
// else - TLS handshake failures, protocol violations, authorization
// and configuration errors - as not.
//
// It relies on structure, not sentinel identity: timeouts are anything
// implementing [net.Error]'s Timeout method, and the rest are stdlib
// error values, so callers' wrapped errors classify correctly as long
// as the original cause stays on the chain.
type DefaultClassifier struct{}

type timeouter interface {
	Timeout() bool
}

func (DefaultClassifier) Recoverable(err error) bool {
	if err == nil {
		return false
	}

	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout || dnsErr.IsNotFound
	}

	return false
}

func (c DefaultClassifier) Severity(err error) int {
	if err == nil {
		return 0
	}

	var t timeouter
	switch {
	case errors.As(err, &t) && t.Timeout():
		return 3
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return 4
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN):
		return 5
	case c.Recoverable(err):
		return 5
	default:
		return 8
	}
}
