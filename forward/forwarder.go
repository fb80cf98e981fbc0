// Package forward delivers fully built envelopes to the acceptor instance
// currently holding a user's connection.
//
// Delivery is at-most-once: a failed write is reported and never retried,
// since a retry after a partial write risks duplicate delivery.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/im-dispatch/acceptors"
	"github.com/ggoodman/im-dispatch/internal/logctx"
	"github.com/ggoodman/im-dispatch/message"
	"github.com/ggoodman/im-dispatch/sessions"
)

var (
	// ErrUnroutableRecipient means no session exists for the user. Terminal.
	ErrUnroutableRecipient = errors.New("unroutable recipient: no session")
	// ErrAcceptorUnavailable means the session's acceptor did not appear in the
	// registry within the wait timeout.
	ErrAcceptorUnavailable = errors.New("acceptor instance unavailable")
	// ErrWrite wraps transport failures while writing to the acceptor.
	ErrWrite = errors.New("acceptor write failed")
	// ErrDirectory wraps session directory backend failures.
	ErrDirectory = errors.New("session directory lookup failed")
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 5 * time.Second
)

// Config bounds how long Forward waits for an acceptor to (re-)register.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Registry is the slice of acceptors.Registry the forwarder needs.
type Registry interface {
	Await(ctx context.Context, id string, interval, timeout time.Duration) (*acceptors.Instance, error)
}

// Forwarder resolves user -> session -> acceptor instance and writes.
type Forwarder struct {
	dir sessions.Directory
	reg Registry
	cfg Config
	log *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets a custom logger for the Forwarder.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.log = l
		}
	}
}

// New builds a Forwarder over a session directory and acceptor registry.
func New(dir sessions.Directory, reg Registry, cfg Config, opts ...Option) *Forwarder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	f := &Forwarder{dir: dir, reg: reg, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Forward delivers env to userID. It blocks for up to the configured timeout
// while the user's acceptor is missing from the registry, which covers the
// window between a dispatcher restart and acceptors re-registering.
func (f *Forwarder) Forward(ctx context.Context, userID string, env message.Envelope) error {
	frame, err := message.Encode(env)
	if err != nil {
		return err
	}

	sess, err := f.dir.Get(ctx, userID)
	if err != nil {
		f.log.ErrorContext(ctx, "session lookup failed",
			slog.String("user_id", userID), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	if sess == nil {
		f.log.ErrorContext(ctx, "no session for recipient; dropping message",
			slog.String("user_id", userID), slog.String("request_type", env.Type.String()))
		return ErrUnroutableRecipient
	}

	ctx = logctx.WithDelivery(ctx, &logctx.DeliveryData{UserID: userID, AcceptorID: sess.AcceptorInstanceID})

	inst, err := f.reg.Await(ctx, sess.AcceptorInstanceID, f.cfg.PollInterval, f.cfg.Timeout)
	if err != nil {
		if errors.Is(err, acceptors.ErrNotRegistered) {
			f.log.WarnContext(ctx, "acceptor did not register in time; dropping message",
				slog.Duration("timeout", f.cfg.Timeout), slog.String("request_type", env.Type.String()))
			return fmt.Errorf("%w: %s", ErrAcceptorUnavailable, sess.AcceptorInstanceID)
		}
		return err
	}

	if err := inst.Conn.WriteAndFlush(ctx, frame); err != nil {
		f.log.ErrorContext(ctx, "write to acceptor failed; message dropped",
			slog.String("request_type", env.Type.String()), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	f.log.DebugContext(ctx, "forwarded message to acceptor", slog.String("request_type", env.Type.String()))
	return nil
}
