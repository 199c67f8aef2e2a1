package redis

import (
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/toolwire/toolwire/broker"
	"github.com/toolwire/toolwire/broker/brokertest"
)

func TestRedisBroker(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set; skipping Redis broker tests")
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}

	brokertest.Run(t, func(t *testing.T) broker.Broker {
		client := goredis.NewClient(opts)
		t.Cleanup(func() { _ = client.Close() })
		return New(Config{
			Client:    client,
			KeyPrefix: "toolwire:test:" + t.Name() + ":",
		})
	})
}
