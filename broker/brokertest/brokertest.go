// Package brokertest provides a conformance suite run against every
// broker.Broker implementation.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/toolwire/toolwire/broker"
	"github.com/toolwire/toolwire/internal/jsonrpc"
)

// Factory creates a fresh broker instance for a test.
type Factory func(t *testing.T) broker.Broker

// Run runs the conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) { testPublishAndSubscribe(t, factory) })
	t.Run("ResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("FreshSubscriberReplaysHistory", func(t *testing.T) { testFreshSubscriberReplaysHistory(t, factory) })
	t.Run("MultipleSubscribers", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("ContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("StreamClose", func(t *testing.T) { testStreamClose(t, factory) })
}

func testPayload(t *testing.T, id int64) []byte {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), "test/method", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func testPublishAndSubscribe(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const ns = "pub-sub"
	defer b.Cleanup(context.Background(), ns)

	stream, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	payload := testPayload(t, 1)
	eventID, err := b.Publish(ctx, ns, payload)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if eventID == "" {
		t.Fatal("expected non-empty event ID")
	}

	env, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if env.ID != eventID {
		t.Fatalf("expected event ID %s, got %s", eventID, env.ID)
	}
	if string(env.Data) != string(payload) {
		t.Fatalf("payload mismatch: %s", env.Data)
	}
}

func testResumeFromLastEventID(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const ns = "resume"
	defer b.Cleanup(context.Background(), ns)

	// Publish three messages before any subscriber exists.
	var ids []string
	for i := int64(1); i <= 3; i++ {
		id, err := b.Publish(ctx, ns, testPayload(t, i))
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	// Resume after the first message: expect the remaining two in order.
	stream, err := b.Subscribe(ctx, ns, ids[0])
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	for i := 1; i < 3; i++ {
		env, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if env.ID != ids[i] {
			t.Fatalf("expected event %s at position %d, got %s", ids[i], i, env.ID)
		}
	}
}

func testFreshSubscriberReplaysHistory(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const ns = "fresh"
	defer b.Cleanup(context.Background(), ns)

	// Messages published with no subscriber attached must not be lost.
	var ids []string
	for i := int64(1); i <= 2; i++ {
		id, err := b.Publish(ctx, ns, testPayload(t, i))
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	stream, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 2; i++ {
		env, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if env.ID != ids[i] {
			t.Fatalf("expected event %s at position %d, got %s", ids[i], i, env.ID)
		}
	}
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const ns = "fanout"
	defer b.Cleanup(context.Background(), ns)

	const numSubs = 3
	streams := make([]broker.MessageStream, numSubs)
	for i := range streams {
		s, err := b.Subscribe(ctx, ns, "")
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		defer s.Close()
		streams[i] = s
	}

	eventID, err := b.Publish(ctx, ns, testPayload(t, 42))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, s := range streams {
		env, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("subscriber %d Next: %v", i, err)
		}
		if env.ID != eventID {
			t.Fatalf("subscriber %d: expected %s, got %s", i, eventID, env.ID)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nsA := fmt.Sprintf("iso-a-%d", time.Now().UnixNano())
	nsB := fmt.Sprintf("iso-b-%d", time.Now().UnixNano())
	defer b.Cleanup(context.Background(), nsA)
	defer b.Cleanup(context.Background(), nsB)

	streamB, err := b.Subscribe(ctx, nsB, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer streamB.Close()

	if _, err := b.Publish(ctx, nsA, testPayload(t, 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer shortCancel()
	if env, err := streamB.Next(shortCtx); err == nil {
		t.Fatalf("expected no message on isolated namespace, got %s", env.ID)
	} else if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	const ns = "cancel"
	defer b.Cleanup(context.Background(), ns)

	stream, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		cancel()
		t.Fatalf("Subscribe: %v", err)
	}
	defer stream.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testStreamClose(t *testing.T, factory Factory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const ns = "close"
	defer b.Cleanup(context.Background(), ns)

	stream, err := b.Subscribe(ctx, ns, "")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected io.EOF or context.Canceled after Close, got %v", err)
	}
	// Close is idempotent.
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
