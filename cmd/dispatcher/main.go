// Command dispatcher runs one node of the message-dispatch tier: it accepts
// acceptor links, routes client envelopes through the ordered scheduler and
// delivers responses back through whichever acceptor holds the recipient.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	dispatch "github.com/ggoodman/im-dispatch"
	"github.com/ggoodman/im-dispatch/acceptors"
	"github.com/ggoodman/im-dispatch/chat"
	"github.com/ggoodman/im-dispatch/config"
	fanoutredis "github.com/ggoodman/im-dispatch/fanout/redis"
	"github.com/ggoodman/im-dispatch/forward"
	"github.com/ggoodman/im-dispatch/internal/acceptorauth"
	"github.com/ggoodman/im-dispatch/internal/link"
	"github.com/ggoodman/im-dispatch/internal/logctx"
	"github.com/ggoodman/im-dispatch/ordered"
	"github.com/ggoodman/im-dispatch/sessions"
	"github.com/ggoodman/im-dispatch/sessions/filedir"
	"github.com/ggoodman/im-dispatch/sessions/redisdir"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	log = log.With(slog.String("node_id", uuid.NewString()))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	dir, err := openDirectory(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	pub := fanoutredis.New(fanoutredis.Config{Client: rdb, KeyPrefix: cfg.FanoutKeyPrefix, MaxLen: cfg.FanoutMaxLen})

	reg := acceptors.NewRegistry(acceptors.WithLogger(log))
	if cfg.AcceptorHeartbeatTTL > 0 {
		go reg.RunSweeper(ctx, cfg.AcceptorHeartbeatTTL/2, cfg.AcceptorHeartbeatTTL)
	}

	// Tasks outlive the signal context so queued work drains on shutdown.
	sched := ordered.New(ordered.Config{
		Lanes:         cfg.Lanes,
		QueueCapacity: cfg.LaneCapacity,
		SubmitTimeout: cfg.SubmitTimeout,
	}, ordered.WithLogger(log), ordered.WithBaseContext(ctx))

	fwd := forward.New(dir, reg, forward.Config{
		PollInterval: cfg.AcceptorPollInterval,
		Timeout:      cfg.AcceptorWaitTimeout,
	}, forward.WithLogger(log))

	router := dispatch.NewRouter(dispatch.WithLogger(log))
	chat.Register(router, sched, fwd, pub, dispatch.WithHandlerLogger(log))

	var types []string
	for _, t := range router.Types() {
		types = append(types, t.String())
	}
	slices.Sort(types)
	log.Info("dispatcher ready",
		slog.Any("request_types", types),
		slog.Int("lanes", sched.Lanes()),
		slog.Bool("acceptor_auth", cfg.AuthEnabled()))

	srv := link.New(reg, router, link.Config{
		MaxFrameSize: cfg.MaxFrameSize,
		WriteTimeout: cfg.WriteTimeout,
		HelloTimeout: cfg.HelloTimeout,
	}, link.WithLogger(log), link.WithVerifier(verifier))

	// Serve returns once inbound reads stop; links stay registered so the
	// drain below can still deliver responses through them.
	serveErr := srv.ListenAndServe(ctx, cfg.ListenAddr)
	if errors.Is(serveErr, link.ErrServerClosed) {
		serveErr = nil
	}

	log.Info("draining ordered scheduler")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := sched.Close(shutdownCtx); err != nil {
		log.Warn("scheduler did not drain before shutdown deadline", slog.String("err", err.Error()))
	}
	if err := srv.Close(shutdownCtx); err != nil {
		log.Warn("acceptor links did not close cleanly", slog.String("err", err.Error()))
	}
	return serveErr
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func openDirectory(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, log *slog.Logger) (sessions.Directory, error) {
	if cfg.SessionsFile != "" {
		d, err := filedir.Open(cfg.SessionsFile, filedir.WithLogger(log))
		if err != nil {
			return nil, err
		}
		log.Info("serving sessions from file", slog.String("path", cfg.SessionsFile), slog.Int64("snapshots", d.Reloads()))
		go func() {
			if err := d.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("session file watcher stopped", slog.String("err", err.Error()))
			}
		}()
		return d, nil
	}
	return redisdir.New(redisdir.Config{Client: rdb, KeyPrefix: cfg.SessionsKeyPrefix})
}

func newVerifier(ctx context.Context, cfg *config.Config) (acceptorauth.Verifier, error) {
	authCfg := acceptorauth.Config{Issuer: cfg.AcceptorIssuer, Audience: cfg.AcceptorAudience}
	if !cfg.AuthEnabled() {
		slog.Warn("acceptor registration is unauthenticated; set DISPATCH_ACCEPTOR_SECRET or DISPATCH_ACCEPTOR_JWKS_URL")
		return acceptorauth.AllowAll, nil
	}
	if cfg.AcceptorSecret != "" {
		return acceptorauth.NewHMAC([]byte(cfg.AcceptorSecret), authCfg)
	}
	return acceptorauth.NewJWKS(ctx, cfg.AcceptorJWKSURL, authCfg)
}
