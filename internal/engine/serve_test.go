package engine

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/toolwire/toolwire/transport"
)

// chanTransport feeds scripted inbound payloads to Serve and collects what it
// writes back.
type chanTransport struct {
	in chan []byte

	mu      sync.Mutex
	written []*transport.Message

	done     chan transport.Disconnect
	doneOnce sync.Once
}

func newChanTransport(payloads ...string) *chanTransport {
	ct := &chanTransport{
		in:   make(chan []byte, len(payloads)),
		done: make(chan transport.Disconnect, 1),
	}
	for _, p := range payloads {
		ct.in <- []byte(p)
	}
	close(ct.in)
	return ct
}

func (ct *chanTransport) Start(ctx context.Context) error { return nil }

func (ct *chanTransport) Stop(ctx context.Context) error {
	ct.doneOnce.Do(func() {
		ct.done <- transport.Disconnect{Clean: true}
		close(ct.done)
	})
	return nil
}

func (ct *chanTransport) ReadMessage(ctx context.Context) (*transport.Message, error) {
	select {
	case payload, ok := <-ct.in:
		if !ok {
			return nil, io.EOF
		}
		return transport.NewMessage(payload, transport.TypeRequest), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ct *chanTransport) WriteMessage(ctx context.Context, msg *transport.Message) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.written = append(ct.written, msg)
	return nil
}

func (ct *chanTransport) Disconnected() <-chan transport.Disconnect { return ct.done }
func (ct *chanTransport) IsConnected() bool                        { return true }

func (ct *chanTransport) responses() []*transport.Message {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]*transport.Message, len(ct.written))
	copy(out, ct.written)
	return out
}

var _ transport.Transport = (*chanTransport)(nil)

func TestServeProcessesStreamUntilEOF(t *testing.T) {
	e := newTestEngine(t)
	ct := newChanTransport(
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"over the wire"}}}`,
	)

	if err := e.Serve(context.Background(), ct); err != nil {
		t.Fatalf("serve: %v", err)
	}

	// The notification produced no response.
	resps := ct.responses()
	if len(resps) != 2 {
		t.Fatalf("want 2 responses, got %d", len(resps))
	}
	byID := map[string]*transport.Message{}
	for _, m := range resps {
		var decoded struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(m.Payload, &decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		byID[decoded.ID.String()] = m
	}
	if byID["1"] == nil || byID["2"] == nil {
		t.Fatalf("response ids: %v", byID)
	}
	if byID["1"].Type() != transport.TypeResponse {
		t.Fatalf("ping response type: %q", byID["1"].Type())
	}
}

func TestServeTagsErrorResponses(t *testing.T) {
	e := newTestEngine(t)
	ct := newChanTransport(`{"jsonrpc":"2.0","id":1,"method":"no/such/method"}`)

	if err := e.Serve(context.Background(), ct); err != nil {
		t.Fatalf("serve: %v", err)
	}
	resps := ct.responses()
	if len(resps) != 1 {
		t.Fatalf("want 1 response, got %d", len(resps))
	}
	if resps[0].Type() != transport.TypeError {
		t.Fatalf("error response type: %q", resps[0].Type())
	}
}

func TestServeReturnsOnContextCancel(t *testing.T) {
	e := newTestEngine(t)
	ct := &chanTransport{
		in:   make(chan []byte), // never closed, never fed
		done: make(chan transport.Disconnect, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Serve(ctx, ct) }()

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
