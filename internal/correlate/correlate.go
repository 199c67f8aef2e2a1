// Package correlate matches asynchronous replies to pending callers. It is
// the piece that lets out-of-band transports (an HTTP response stream, a
// WebSocket push) behave like synchronous calls: a caller registers an opaque
// correlation id, hands the id to whoever will eventually produce the reply,
// and awaits the future.
package correlate

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var (
	// ErrTimeout indicates the reply never arrived within the registered
	// timeout. Distinct from ErrCancelled so callers can tell "the peer never
	// replied" from "I gave up".
	ErrTimeout = errors.New("correlate: request timed out")
	// ErrCancelled indicates the pending request was canceled by its owner.
	ErrCancelled = errors.New("correlate: request cancelled")
	// ErrClosed indicates the correlator was closed with requests in flight.
	ErrClosed = errors.New("correlate: closed")
	// ErrDuplicateID indicates a correlation id that is already pending.
	ErrDuplicateID = errors.New("correlate: duplicate correlation id")
)

const shardCount = 16

type outcome[T any] struct {
	value T
	err   error
}

type pending[T any] struct {
	id     string
	ch     chan outcome[T]
	timer  *time.Timer
	expiry time.Time
}

type shard[T any] struct {
	mu      sync.Mutex
	entries map[string]*pending[T]
}

// Correlator tracks in-flight requests keyed by an opaque correlation id.
// The pending table is sharded: every in-flight request inserts and removes
// an entry, and a single lock would serialize all connections.
type Correlator[T any] struct {
	shards [shardCount]shard[T]

	sweepEvery time.Duration

	mu          sync.Mutex
	sweepCancel context.CancelFunc
	closed      bool
}

// Option configures a Correlator.
type Option func(*config)

type config struct {
	sweepEvery time.Duration
}

// WithSweepInterval overrides the periodic expiry sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// New constructs a Correlator. Call Start to run the expiry sweep.
func New[T any](opts ...Option) *Correlator[T] {
	cfg := config{sweepEvery: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Correlator[T]{sweepEvery: cfg.sweepEvery}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*pending[T])
	}
	return c
}

// Start launches the periodic sweep that reclaims entries past their expiry.
// Per-entry timers already fire timeouts; the sweep is a backstop against
// timer-callback loss. The sweep stops when ctx is canceled or the correlator
// is closed.
func (c *Correlator[T]) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.sweepCancel != nil {
		c.mu.Unlock()
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	c.sweepCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

// Register adds a pending request under id with the given timeout and returns
// a future for its result. A non-positive timeout means no per-request
// deadline; the entry then lives until resolved or the correlator closes.
func (c *Correlator[T]) Register(id string, timeout time.Duration) (*Future[T], error) {
	p := &pending[T]{id: id, ch: make(chan outcome[T], 1)}

	sh := c.shard(id)
	sh.mu.Lock()
	if c.isClosed() {
		sh.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := sh.entries[id]; exists {
		sh.mu.Unlock()
		return nil, ErrDuplicateID
	}
	sh.entries[id] = p
	if timeout > 0 {
		p.expiry = time.Now().Add(timeout)
		p.timer = time.AfterFunc(timeout, func() {
			var zero T
			c.resolve(id, outcome[T]{value: zero, err: ErrTimeout})
		})
	}
	sh.mu.Unlock()

	return &Future[T]{c: c, id: id, ch: p.ch}, nil
}

// TryComplete resolves the pending request with a value. It reports whether
// this call won the terminal transition; later completion attempts, fails and
// cancels against the same id are no-ops returning false.
func (c *Correlator[T]) TryComplete(id string, value T) bool {
	return c.resolve(id, outcome[T]{value: value})
}

// TryFail resolves the pending request with an error.
func (c *Correlator[T]) TryFail(id string, err error) bool {
	var zero T
	if err == nil {
		err = ErrCancelled
	}
	return c.resolve(id, outcome[T]{value: zero, err: err})
}

// Cancel resolves the pending request as canceled.
func (c *Correlator[T]) Cancel(id string) bool {
	var zero T
	return c.resolve(id, outcome[T]{value: zero, err: ErrCancelled})
}

// Pending returns the number of in-flight registrations.
func (c *Correlator[T]) Pending() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Close fails every outstanding future with ErrClosed and rejects further
// registrations. Callers must never be left hanging on a disposed correlator.
func (c *Correlator[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.sweepCancel != nil {
		c.sweepCancel()
		c.sweepCancel = nil
	}
	c.mu.Unlock()

	var zero T
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, p := range sh.entries {
			delete(sh.entries, id)
			if p.timer != nil {
				p.timer.Stop()
			}
			p.ch <- outcome[T]{value: zero, err: ErrClosed}
		}
		sh.mu.Unlock()
	}
}

func (c *Correlator[T]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// resolve removes the entry and delivers the outcome. The first terminal
// transition wins; the channel is buffered so delivery never blocks.
func (c *Correlator[T]) resolve(id string, out outcome[T]) bool {
	sh := c.shard(id)
	sh.mu.Lock()
	p, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- out
	return true
}

func (c *Correlator[T]) sweep(now time.Time) {
	var expired []string
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, p := range sh.entries {
			if !p.expiry.IsZero() && now.After(p.expiry) {
				expired = append(expired, id)
			}
		}
		sh.mu.Unlock()
	}
	var zero T
	for _, id := range expired {
		c.resolve(id, outcome[T]{value: zero, err: ErrTimeout})
	}
}

func (c *Correlator[T]) shard(id string) *shard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &c.shards[h.Sum32()%shardCount]
}

// Future is the awaitable side of a registration.
type Future[T any] struct {
	c  *Correlator[T]
	id string
	ch <-chan outcome[T]
}

// Await blocks until the request resolves or ctx is canceled. Cancellation
// removes the pending entry so the producer side does not leak it.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case out := <-f.ch:
		return out.value, out.err
	case <-ctx.Done():
		if f.c.Cancel(f.id) {
			var zero T
			return zero, ctx.Err()
		}
		// Lost the race: the entry already resolved and its outcome is in
		// flight on the channel.
		out := <-f.ch
		return out.value, out.err
	}
}
