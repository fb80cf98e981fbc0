package redisdir

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/im-dispatch/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldAcceptor   = "acceptor_instance_id"
	metadataPrefix  = "meta:"
	defaultPrefix   = "im:sessions:"
	defaultRedisURL = "localhost:6379"
)

// Config for the Redis-backed Directory. Defaults can be loaded via envdecode.
type Config struct {
	// Client is used as-is when non-nil; RedisAddr/RedisPassword/RedisDB are ignored.
	Client redis.UniversalClient
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB selects the logical database. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=im:sessions:"`
	// TTL applied by Put; zero means sessions do not expire.
	TTL time.Duration
}

type Directory struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

func New(cfg Config) (*Directory, error) {
	cl := cfg.Client
	if cl == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = defaultRedisURL
		}
		cl = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	}
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Directory{client: cl, keyPrefix: prefix, ttl: cfg.TTL}, nil
}

// NewFromEnv builds a Directory using envdecode to populate Config.
func NewFromEnv() (*Directory, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (d *Directory) Close() error { return d.client.Close() }

func (d *Directory) userKey(userID string) string { return d.keyPrefix + "user:" + userID }

// Get implements sessions.Directory.
func (d *Directory) Get(ctx context.Context, userID string) (*sessions.Session, error) {
	fields, err := d.client.HGetAll(ctx, d.userKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session for %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	s := &sessions.Session{UserID: userID}
	for k, v := range fields {
		switch {
		case k == fieldAcceptor:
			s.AcceptorInstanceID = v
		case strings.HasPrefix(k, metadataPrefix):
			if s.Metadata == nil {
				s.Metadata = make(map[string]string)
			}
			s.Metadata[strings.TrimPrefix(k, metadataPrefix)] = v
		}
	}
	return s, nil
}

// Put replaces the session hash for s.UserID atomically.
func (d *Directory) Put(ctx context.Context, s *sessions.Session) error {
	key := d.userKey(s.UserID)
	values := make(map[string]any, len(s.Metadata)+1)
	values[fieldAcceptor] = s.AcceptorInstanceID
	for k, v := range s.Metadata {
		values[metadataPrefix+k] = v
	}
	_, err := d.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, values)
		if d.ttl > 0 {
			p.Expire(ctx, key, d.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session for %s: %w", s.UserID, err)
	}
	return nil
}

// Delete removes the session for userID.
func (d *Directory) Delete(ctx context.Context, userID string) error {
	if err := d.client.Del(ctx, d.userKey(userID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to delete session for %s: %w", userID, err)
	}
	return nil
}

// Interface compliance
var _ sessions.Directory = (*Directory)(nil)
