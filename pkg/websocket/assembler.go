package websocket

import (
	"bytes"
	"fmt"
	"time"
	"unicode/utf8"
)

// Assembler reassembles fragmented data frames into logical messages,
// while letting interleaved control frames pass through immediately.
// It is based on:
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
//
// The assembler is single-threaded by design: only the
// connection's receive loop feeds frames into it.
type Assembler struct {
	maxMessageSize  int
	fragmentTimeout time.Duration

	partial *partialMessage

	// Clock - time.Now, except in unit tests.
	now func() time.Time
}

// partialMessage accumulates the fragments of one in-progress data
// message. At most one exists at any time: it is created by a non-final
// data frame, and destroyed by the final continuation or by a reset.
type partialMessage struct {
	opcode Opcode
	buf    bytes.Buffer
	start  time.Time
}

// NewAssembler returns an assembler that rejects messages whose
// reassembled payload exceeds maxMessageSize bytes, and fragmented
// messages that are still incomplete more than fragmentTimeout after
// their first fragment arrived. Non-positive arguments fall back to
// [DefaultMaxMessageSize] and [DefaultFragmentTimeout].
func NewAssembler(maxMessageSize int, fragmentTimeout time.Duration) *Assembler {
	if maxMessageSize < 1 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if fragmentTimeout <= 0 {
		fragmentTimeout = DefaultFragmentTimeout
	}
	return &Assembler{
		maxMessageSize:  maxMessageSize,
		fragmentTimeout: fragmentTimeout,
		now:             time.Now,
	}
}

// Reset discards any in-progress partial message.
func (a *Assembler) Reset() {
	a.partial = nil
}

// Process consumes a single frame. It returns a non-nil message when one
// is complete, nil when more frames are needed, or an error on protocol
// violations - which also discard any in-progress partial message.
func (a *Assembler) Process(f Frame) (*Message, error) {
	if a.partial != nil && a.now().Sub(a.partial.start) > a.fragmentTimeout {
		a.partial = nil
		return nil, fmt.Errorf("%w: incomplete for over %s", ErrFragmentTimeout, a.fragmentTimeout)
	}

	// "An endpoint MUST be capable of handling control
	// frames in the middle of a fragmented message".
	if f.Opcode.IsControl() {
		return a.controlMessage(f)
	}

	switch f.Opcode {
	case OpcodeText, OpcodeBinary:
		if a.partial != nil {
			a.partial = nil
			return nil, fmt.Errorf("%w: opcode %s", ErrExpectedContinuation, f.Opcode)
		}
		if len(f.Payload) > a.maxMessageSize {
			return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(f.Payload), a.maxMessageSize)
		}
		if f.Fin {
			return a.finalize(f.Opcode, f.Payload)
		}

		p := &partialMessage{opcode: f.Opcode, start: a.now()}
		p.buf.Write(f.Payload)
		a.partial = p
		return nil, nil

	case OpcodeContinuation:
		if a.partial == nil {
			return nil, ErrUnexpectedContinuation
		}
		if a.partial.buf.Len()+len(f.Payload) > a.maxMessageSize {
			a.partial = nil
			return nil, fmt.Errorf("%w: over %d bytes", ErrMessageTooLarge, a.maxMessageSize)
		}

		a.partial.buf.Write(f.Payload)
		if !f.Fin {
			return nil, nil
		}

		p := a.partial
		a.partial = nil
		return a.finalize(p.opcode, p.buf.Bytes())

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpcode, f.Opcode)
	}
}

// controlMessage converts a control frame into a message, without
// disturbing any in-progress fragmented data message.
func (a *Assembler) controlMessage(f Frame) (*Message, error) {
	if !f.Fin {
		return nil, fmt.Errorf("%w: opcode %s", ErrControlFragmented, f.Opcode)
	}
	if len(f.Payload) > maxControlPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrControlTooLarge, len(f.Payload))
	}

	switch f.Opcode {
	case OpcodePing:
		return &Message{Type: MessagePing, Data: f.Payload}, nil
	case OpcodePong:
		return &Message{Type: MessagePong, Data: f.Payload}, nil
	case OpcodeClose:
		msg, err := parseCloseMessage(f.Payload)
		if err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpcode, f.Opcode)
	}
}

// finalize validates a fully reassembled payload and wraps it in a message.
//
// "When an endpoint is to interpret a byte stream as UTF-8 but finds
// that the byte stream is not, in fact, a valid UTF-8 stream, that
// endpoint MUST _Fail the WebSocket Connection_".
func (a *Assembler) finalize(op Opcode, payload []byte) (*Message, error) {
	if payload == nil {
		payload = []byte{}
	}

	if op == OpcodeText {
		if !utf8.Valid(payload) {
			return nil, fmt.Errorf("%w: reassembled text message", ErrInvalidUTF8)
		}
		return &Message{Type: MessageText, Data: payload}, nil
	}

	return &Message{Type: MessageBinary, Data: payload}, nil
}
