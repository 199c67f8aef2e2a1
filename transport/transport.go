// Package transport defines the message-boundary contract between the wire
// and the protocol engine. A Transport reads and writes whole messages over
// some channel (process stdio, an HTTP connection, a WebSocket) and knows
// nothing about JSON-RPC semantics.
package transport

import (
	"context"
	"errors"
)

// Message header keys and values used by transports.
const (
	HeaderType = "type"

	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
)

// ErrClosed is returned by writes against a stopped transport.
var ErrClosed = errors.New("transport: closed")

// Message is an opaque payload plus a small header map. It is created by a
// transport on read, consumed by the engine, and never mutated after
// construction.
type Message struct {
	Payload []byte
	Headers map[string]string
}

// NewMessage builds a message with a single type header.
func NewMessage(payload []byte, typ string) *Message {
	return &Message{Payload: payload, Headers: map[string]string{HeaderType: typ}}
}

// Type returns the message's type header, or "" when absent.
func (m *Message) Type() string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[HeaderType]
}

// Disconnect describes why a transport's read side ended. Clean indicates an
// orderly shutdown (EOF, Stop); unclean disconnects carry the causing error.
type Disconnect struct {
	Clean bool
	Err   error
}

// Transport reads and writes whole messages over a channel.
//
// ReadMessage blocks until a message arrives, the context is canceled, or the
// stream ends; the end of stream is reported as io.EOF. I/O failures are not
// surfaced per-message: they terminate the read side and are delivered on the
// Disconnected channel.
//
// WriteMessage must be safe for concurrent use; implementations serialize
// writes so frames are never interleaved on a single stream.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	ReadMessage(ctx context.Context) (*Message, error)
	WriteMessage(ctx context.Context, msg *Message) error

	// Disconnected delivers at most one event and is closed afterwards.
	Disconnected() <-chan Disconnect
	IsConnected() bool
}
