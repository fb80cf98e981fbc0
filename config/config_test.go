package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lanes != 32 || cfg.LaneCapacity != 1024 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg)
	}
	if cfg.AcceptorPollInterval != 100*time.Millisecond || cfg.AcceptorWaitTimeout != 5*time.Second {
		t.Fatalf("unexpected acceptor wait defaults: %v / %v", cfg.AcceptorPollInterval, cfg.AcceptorWaitTimeout)
	}
	if cfg.AuthEnabled() {
		t.Fatal("auth should be disabled by default")
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DISPATCH_LANES", "4")
	t.Setenv("DISPATCH_LANE_CAPACITY", "16")
	t.Setenv("DISPATCH_ACCEPTOR_WAIT_TIMEOUT", "2s")
	t.Setenv("DISPATCH_ACCEPTOR_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lanes != 4 || cfg.LaneCapacity != 16 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.AcceptorWaitTimeout != 2*time.Second {
		t.Fatalf("expected 2s wait timeout, got %v", cfg.AcceptorWaitTimeout)
	}
	if !cfg.AuthEnabled() {
		t.Fatal("expected auth enabled with a secret")
	}
	lvl, err := cfg.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v (%v)", lvl, err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			ListenAddr:           ":7070",
			Lanes:                1,
			LaneCapacity:         1,
			AcceptorPollInterval: 100 * time.Millisecond,
			AcceptorWaitTimeout:  time.Second,
			LogLevel:             "info",
			LogFormat:            "text",
		}
	}
	cases := map[string]func(*Config){
		"zero lanes":         func(c *Config) { c.Lanes = 0 },
		"zero capacity":      func(c *Config) { c.LaneCapacity = 0 },
		"timeout < interval": func(c *Config) { c.AcceptorWaitTimeout = 10 * time.Millisecond },
		"both auth modes":    func(c *Config) { c.AcceptorSecret = "x"; c.AcceptorJWKSURL = "https://example.test/jwks" },
		"bad log level":      func(c *Config) { c.LogLevel = "chatty" },
		"bad log format":     func(c *Config) { c.LogFormat = "xml" },
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
