package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// MessageType denotes the kind of a logical WebSocket message, possibly
// assembled from multiple frames, as opposed to the frame-level [Opcode].
type MessageType int

const (
	MessageText MessageType = iota + 1
	MessageBinary
	MessagePing
	MessagePong
	MessageClose
)

// String returns the message type's name, or its number if it's unrecognized.
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageClose:
		return "close"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// Message is the unit of data delivered to and accepted from users of this
// package, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
// Status and Reason are meaningful only for [MessageClose] messages.
type Message struct {
	Type   MessageType
	Data   []byte
	Status StatusCode
	Reason string
}

// TextMessage returns a UTF-8 text message.
func TextMessage(s string) Message {
	return Message{Type: MessageText, Data: []byte(s)}
}

// BinaryMessage returns a binary message.
func BinaryMessage(b []byte) Message {
	return Message{Type: MessageBinary, Data: b}
}

// PingMessage returns a ping control message with an optional payload.
func PingMessage(b []byte) Message {
	return Message{Type: MessagePing, Data: b}
}

// PongMessage returns a pong control message with an optional payload.
func PongMessage(b []byte) Message {
	return Message{Type: MessagePong, Data: b}
}

// CloseMessage returns a close control message with a status
// code and an optional UTF-8 reason.
func CloseMessage(s StatusCode, reason string) Message {
	return Message{Type: MessageClose, Status: s, Reason: reason}
}

// Text returns the message payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// opcodeAndPayload maps a message to its frame-level opcode and raw payload.
// Close messages serialize their status code and reason, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.1.
func (m Message) opcodeAndPayload() (Opcode, []byte, error) {
	switch m.Type {
	case MessageText:
		return OpcodeText, m.Data, nil
	case MessageBinary:
		return OpcodeBinary, m.Data, nil
	case MessagePing:
		return OpcodePing, m.Data, nil
	case MessagePong:
		return OpcodePong, m.Data, nil
	case MessageClose:
		payload := binary.BigEndian.AppendUint16(nil, uint16(m.Status))
		return OpcodeClose, append(payload, m.Reason...), nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, m.Type)
	}
}

// parseCloseMessage extracts the [StatusCode] and the optional UTF-8
// reason from the payload of an incoming close control frame, based on
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.1 and
// https://datatracker.ietf.org/doc/html/rfc6455#section-7.1.5.
func parseCloseMessage(payload []byte) (Message, error) {
	msg := Message{Type: MessageClose}

	switch len(payload) {
	case 0:
		// "If this Close control frame contains no status code,
		// _The WebSocket Connection Close Code_ is considered to be 1005".
		msg.Status = StatusNotReceived
		return msg, nil
	case 1:
		return Message{}, fmt.Errorf("%w: 1-byte close payload", ErrInvalidClosePayload)
	}

	msg.Status = StatusCode(binary.BigEndian.Uint16(payload))

	if reason := payload[2:]; len(reason) > 0 {
		if !utf8.Valid(reason) {
			return Message{}, fmt.Errorf("%w: close frame reason", ErrInvalidUTF8)
		}
		msg.Reason = string(reason)
	}

	return msg, nil
}
