package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/im-dispatch/fanout"
	"github.com/ggoodman/im-dispatch/fanout/fanouttest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   4, // Use separate DB for fan-out tests
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisPublisher(t *testing.T) {
	fanouttest.RunPublisherTests(t, func(t *testing.T) fanouttest.PubSub {
		client := newTestClient(t)
		p := New(Config{Client: client, KeyPrefix: "test:fanout:" + uuid.NewString() + ":", MaxLen: 1000})
		t.Cleanup(func() {
			_ = client.FlushDB(context.Background()).Err()
			_ = p.Close()
		})
		return p
	})
}

func TestRedisPublisher_TrimsToMaxLen(t *testing.T) {
	client := newTestClient(t)
	p := New(Config{Client: client, KeyPrefix: "test:fanout:" + uuid.NewString() + ":", MaxLen: 10})
	defer func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = p.Close()
	}()
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		if err := p.Publish(ctx, "capped", []byte("x")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	n, err := client.XLen(ctx, p.streamKey("capped")).Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	// Approximate trimming keeps whole macro nodes, so allow generous slack.
	if n >= 500 {
		t.Fatalf("expected stream to be trimmed, length %d", n)
	}
}

func TestRedisPublisher_PublishErrorIsWrapped(t *testing.T) {
	client := newTestClient(t)
	p := New(Config{Client: client})
	_ = p.Close()

	err := p.Publish(context.Background(), "t", []byte("x"))
	if !errors.Is(err, fanout.ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}
