// Package memory provides an in-memory broker.Broker implementation backed
// by Go channels. It is suitable for single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/toolwire/toolwire/broker"
)

const subscriberBuffer = 100

// Broker implements broker.Broker with in-memory storage. State is local to
// the process, so it cannot serve multi-node deployments.
type Broker struct {
	mu           sync.RWMutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	namespace *namespace
	ch        chan broker.MessageEnvelope
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// New creates a memory broker.
func New() *Broker {
	return &Broker{namespaces: make(map[string]*namespace)}
}

func (b *Broker) getOrCreate(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

func (b *Broker) Publish(ctx context.Context, namespaceName string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	envelope := broker.MessageEnvelope{ID: eventID, Data: payload}

	ns := b.getOrCreate(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return "", fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	ns.messages = append(ns.messages, envelope)

	for sub := range ns.subscribers {
		select {
		case sub.ch <- envelope:
		case <-sub.ctx.Done():
			delete(ns.subscribers, sub)
		default:
			// Slow consumer with a full buffer; it will resume from its
			// last event ID on reconnect.
		}
	}

	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ns := b.getOrCreate(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.closed {
		return nil, fmt.Errorf("namespace %q has been cleaned up", namespaceName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		namespace: ns,
		ch:        make(chan broker.MessageEnvelope, subscriberBuffer),
		ctx:       subCtx,
		cancel:    cancel,
	}
	ns.subscribers[sub] = struct{}{}

	// A fresh subscriber replays the retained history; a resuming one
	// continues after lastEventID. An unknown lastEventID means the history
	// is gone and the stream starts live.
	startIdx := 0
	if lastEventID != "" {
		startIdx = len(ns.messages)
		for i, msg := range ns.messages {
			if msg.ID == lastEventID {
				startIdx = i + 1
				break
			}
		}
	}
	for i := startIdx; i < len(ns.messages); i++ {
		select {
		case sub.ch <- ns.messages[i]:
		case <-sub.ctx.Done():
			delete(ns.subscribers, sub)
			return nil, sub.ctx.Err()
		}
	}

	return sub, nil
}

func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.closed = true
	for sub := range ns.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			sub.cancel()
			close(sub.ch)
		}
	}
	ns.subscribers = make(map[*subscription]struct{})
	ns.messages = nil

	return nil
}

func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	if s.closed.Load() {
		// Drain anything buffered before the close.
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return broker.MessageEnvelope{}, io.EOF
			}
			return msg, nil
		default:
			return broker.MessageEnvelope{}, io.EOF
		}
	}

	select {
	case msg, ok := <-s.ch:
		if !ok {
			return broker.MessageEnvelope{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return broker.MessageEnvelope{}, ctx.Err()
	case <-s.ctx.Done():
		return broker.MessageEnvelope{}, s.ctx.Err()
	}
}

func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.namespace.mu.Lock()
		delete(s.namespace.subscribers, s)
		s.namespace.mu.Unlock()

		s.cancel()
		close(s.ch)
	}
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
