// Package redis implements fanout.Publisher with Redis Streams. Every topic
// is a capped stream; downstream consumers (group delivery workers, push
// services) read it with XREAD or consumer groups.
//
// The dispatcher itself only publishes. Subscribe is provided for those
// downstream consumers and for in-repo tests; it tails a topic from the moment
// it is called.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/im-dispatch/fanout"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Publisher is a Redis Streams-based implementation of fanout.Publisher.
type Publisher struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis publisher.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from RedisAddr.
	Client redis.UniversalClient
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// KeyPrefix is prepended to all Redis keys used by the publisher.
	// ENV: FANOUT_KEY_PREFIX
	KeyPrefix string `env:"FANOUT_KEY_PREFIX,default=im:fanout:"`
	// MaxLen caps each topic stream (approximate trimming). Zero disables
	// trimming. ENV: FANOUT_MAX_LEN
	MaxLen int64 `env:"FANOUT_MAX_LEN,default=100000"`
}

// New creates a new Redis-based publisher instance.
func New(config Config) *Publisher {
	client := config.Client
	if client == nil {
		addr := config.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.RedisPassword,
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "im:fanout:"
	}

	return &Publisher{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    config.MaxLen,
	}
}

// NewFromEnv builds a Publisher using envdecode to populate Config.
func NewFromEnv() *Publisher {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Publish appends data to the topic's stream.
func (p *Publisher) Publish(ctx context.Context, topic string, data []byte) error {
	args := &redis.XAddArgs{
		Stream: p.streamKey(topic),
		Values: map[string]any{"data": data},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("%w: stream %s: %w", fanout.ErrPublish, args.Stream, err)
	}
	return nil
}

// Subscribe streams messages published to topic after the call returns.
// The channel is closed when ctx ends or a read fails.
func (p *Publisher) Subscribe(ctx context.Context, topic string) (<-chan fanout.Message, error) {
	streamKey := p.streamKey(topic)

	// Pin the starting position now so messages published right after
	// Subscribe returns are not skipped by a later "$" read.
	startID := "0-0"
	last, err := p.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to resolve stream position for %s: %w", streamKey, err)
	}
	if len(last) > 0 {
		startID = last[0].ID
	}

	out := make(chan fanout.Message, 64)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := p.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{streamKey, startID},
				Count:   16,
				Block:   time.Second, // Block for 1 second, then check context
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return
			}
			for _, stream := range streams {
				for _, m := range stream.Messages {
					startID = m.ID
					var payload []byte
					switch v := m.Values["data"].(type) {
					case string:
						payload = []byte(v)
					case []byte:
						payload = v
					default:
						// Skip malformed entries.
						continue
					}
					select {
					case out <- fanout.Message{ID: m.ID, Topic: topic, Data: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *Publisher) streamKey(topic string) string {
	return p.keyPrefix + "topic:" + topic
}

// Interface compliance
var _ fanout.Publisher = (*Publisher)(nil)
