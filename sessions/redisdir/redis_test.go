package redisdir

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/im-dispatch/sessions"
	"github.com/ggoodman/im-dispatch/sessions/directorytest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestDirectory(t *testing.T, ttl time.Duration) *Directory {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use separate DB for directory tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	d, err := New(Config{
		Client:    client,
		KeyPrefix: "test:sessions:" + uuid.NewString() + ":",
		TTL:       ttl,
	})
	if err != nil {
		t.Fatalf("Failed to create Redis directory: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = d.Close()
	})
	return d
}

func TestRedisDirectory(t *testing.T) {
	directorytest.RunDirectoryTests(t, func(t *testing.T) (sessions.Directory, directorytest.Seeder) {
		d := newTestDirectory(t, 0)
		return d, d
	})
}

func TestRedisDirectory_TTLExpiresSession(t *testing.T) {
	d := newTestDirectory(t, time.Second)
	ctx := context.Background()

	if err := d.Put(ctx, &sessions.Session{UserID: "ephemeral", AcceptorInstanceID: "acceptor-a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ttl, err := d.client.TTL(ctx, d.userKey("ephemeral")).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Second {
		t.Fatalf("expected TTL in (0, 1s], got %v", ttl)
	}
}
