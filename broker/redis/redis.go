// Package redis provides a broker.Broker implementation backed by Redis
// Streams. Event IDs are Redis stream IDs, which are ordered within a
// stream, so Last-Event-ID resumption works across server instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolwire/toolwire/broker"
)

const defaultKeyPrefix = "toolwire:broker:"

// Broker implements broker.Broker on Redis Streams.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	blockFor  time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "toolwire:broker:".
	KeyPrefix string
	// BlockFor bounds each XREAD block so subscriber contexts are observed
	// promptly. Defaults to one second.
	BlockFor time.Duration
}

// New creates a Redis-backed broker.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	blockFor := config.BlockFor
	if blockFor <= 0 {
		blockFor = time.Second
	}
	return &Broker{client: client, keyPrefix: keyPrefix, blockFor: blockFor}
}

// Close closes the underlying Redis client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, namespace string, payload []byte) (string, error) {
	streamKey := b.streamKey(namespace)
	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A fresh subscriber replays the retained stream from the beginning;
	// a resuming one continues after its last seen ID.
	startID := "0"
	if lastEventID != "" {
		startID = lastEventID
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		broker:  b,
		key:     b.streamKey(namespace),
		startID: startID,
		ctx:     subCtx,
		cancel:  cancel,
	}
	return s, nil
}

func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)
	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// stream reads one message at a time with bounded XREAD blocks so the
// subscriber context is observed between reads.
type stream struct {
	broker  *Broker
	key     string
	startID string
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}
		if err := s.ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		streams, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.startID},
			Count:   1,
			Block:   s.broker.blockFor,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return broker.MessageEnvelope{}, fmt.Errorf("read from stream %s: %w", s.key, err)
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				s.startID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
			}
		}
	}
}

func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
