// Package broker defines the fan-out layer used by the streaming HTTP
// transport. A broker stores published messages per namespace and replays
// them to subscribers in order, which is what makes SSE resumption via
// Last-Event-ID possible across server restarts when a durable backend is
// used.
package broker

import (
	"context"
)

// Broker handles message queuing and delivery for the streaming HTTP
// transport. It provides namespace-based isolation and ordered delivery
// within each namespace.
type Broker interface {
	// Publish stores the payload under the namespace and returns the
	// generated event ID. Event IDs are unique and ordered within a
	// namespace.
	Publish(ctx context.Context, namespace string, payload []byte) (eventID string, err error)

	// Subscribe returns a stream of messages for the namespace. If
	// lastEventID is empty the stream replays the retained history from the
	// beginning; otherwise it resumes from the message after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all stored messages and active subscriptions for a
	// namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// A stream is intended for a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or the context is
	// cancelled. Returns io.EOF when the stream is closed.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// MessageEnvelope wraps a payload with its delivery metadata.
type MessageEnvelope struct {
	// ID is unique and monotonically increasing within the namespace.
	ID string `json:"id"`
	// Data is the JSON-serialized message content.
	Data []byte `json:"data"`
}
