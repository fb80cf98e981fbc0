// Package config loads the dispatcher's runtime configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full dispatcher configuration. Defaults are provided via
// struct tags.
type Config struct {
	// ListenAddr is where acceptor nodes connect. ENV: DISPATCH_LISTEN_ADDR
	ListenAddr string `env:"DISPATCH_LISTEN_ADDR,default=:7070"`
	// MaxFrameSize bounds inbound frames. ENV: DISPATCH_MAX_FRAME_SIZE
	MaxFrameSize int `env:"DISPATCH_MAX_FRAME_SIZE,default=1048576"`
	// WriteTimeout bounds a single write to an acceptor. ENV: DISPATCH_WRITE_TIMEOUT
	WriteTimeout time.Duration `env:"DISPATCH_WRITE_TIMEOUT,default=10s"`
	// HelloTimeout bounds how long a new link may take to identify itself.
	// ENV: DISPATCH_HELLO_TIMEOUT
	HelloTimeout time.Duration `env:"DISPATCH_HELLO_TIMEOUT,default=10s"`

	// Lanes is the number of ordered scheduler lanes. ENV: DISPATCH_LANES
	Lanes int `env:"DISPATCH_LANES,default=32"`
	// LaneCapacity bounds pending tasks per lane. ENV: DISPATCH_LANE_CAPACITY
	LaneCapacity int `env:"DISPATCH_LANE_CAPACITY,default=1024"`
	// SubmitTimeout is how long a full lane may block a submitter.
	// ENV: DISPATCH_SUBMIT_TIMEOUT
	SubmitTimeout time.Duration `env:"DISPATCH_SUBMIT_TIMEOUT,default=50ms"`

	// AcceptorPollInterval and AcceptorWaitTimeout bound the wait for an
	// acceptor to (re-)register before a delivery is dropped.
	// ENV: DISPATCH_ACCEPTOR_POLL_INTERVAL, DISPATCH_ACCEPTOR_WAIT_TIMEOUT
	AcceptorPollInterval time.Duration `env:"DISPATCH_ACCEPTOR_POLL_INTERVAL,default=100ms"`
	AcceptorWaitTimeout  time.Duration `env:"DISPATCH_ACCEPTOR_WAIT_TIMEOUT,default=5s"`
	// AcceptorHeartbeatTTL evicts acceptors that stop sending heartbeats. Zero
	// disables eviction. ENV: DISPATCH_ACCEPTOR_HEARTBEAT_TTL
	AcceptorHeartbeatTTL time.Duration `env:"DISPATCH_ACCEPTOR_HEARTBEAT_TTL,default=30s"`

	// Acceptor registration tokens. With neither a secret nor a JWKS URL set,
	// registration is unauthenticated.
	// ENV: DISPATCH_ACCEPTOR_SECRET, DISPATCH_ACCEPTOR_JWKS_URL,
	// DISPATCH_ACCEPTOR_ISSUER, DISPATCH_ACCEPTOR_AUDIENCE
	AcceptorSecret   string `env:"DISPATCH_ACCEPTOR_SECRET"`
	AcceptorJWKSURL  string `env:"DISPATCH_ACCEPTOR_JWKS_URL"`
	AcceptorIssuer   string `env:"DISPATCH_ACCEPTOR_ISSUER"`
	AcceptorAudience string `env:"DISPATCH_ACCEPTOR_AUDIENCE,default=im-dispatch"`

	// SessionsFile, when set, serves the session directory from a JSON file
	// instead of Redis. ENV: SESSIONS_FILE
	SessionsFile string `env:"SESSIONS_FILE"`

	// Redis connection shared by the session directory and fan-out publisher.
	// ENV: REDIS_ADDR, REDIS_PASSWORD, REDIS_DB
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	// ENV: SESSIONS_KEY_PREFIX
	SessionsKeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=im:sessions:"`
	// ENV: FANOUT_KEY_PREFIX, FANOUT_MAX_LEN
	FanoutKeyPrefix string `env:"FANOUT_KEY_PREFIX,default=im:fanout:"`
	FanoutMaxLen    int64  `env:"FANOUT_MAX_LEN,default=100000"`

	// ENV: LOG_LEVEL (debug, info, warn, error), LOG_FORMAT (text, json)
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address required")
	case c.Lanes <= 0:
		return fmt.Errorf("lanes must be positive, got %d", c.Lanes)
	case c.LaneCapacity <= 0:
		return fmt.Errorf("lane capacity must be positive, got %d", c.LaneCapacity)
	case c.SubmitTimeout < 0:
		return fmt.Errorf("submit timeout must not be negative, got %v", c.SubmitTimeout)
	case c.AcceptorPollInterval <= 0:
		return fmt.Errorf("acceptor poll interval must be positive, got %v", c.AcceptorPollInterval)
	case c.AcceptorWaitTimeout < c.AcceptorPollInterval:
		return fmt.Errorf("acceptor wait timeout (%v) shorter than poll interval (%v)", c.AcceptorWaitTimeout, c.AcceptorPollInterval)
	case c.AcceptorSecret != "" && c.AcceptorJWKSURL != "":
		return errors.New("acceptor secret and JWKS URL are mutually exclusive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// AuthEnabled reports whether acceptor registration tokens are verified.
func (c *Config) AuthEnabled() bool {
	return c.AcceptorSecret != "" || c.AcceptorJWKSURL != ""
}
