package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/im-dispatch/internal/logctx"
	"github.com/ggoodman/im-dispatch/message"
	"github.com/google/uuid"
)

// Router maps request types to Handlers. Handlers are registered at startup.
type Router struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[message.Type]Handler
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets a custom logger for the Router.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter returns an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{log: slog.Default(), handlers: make(map[message.Type]Handler)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds h. Registering two handlers for one type is a programming
// error and panics.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[h.Type()]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %s", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Types lists the registered request types.
func (r *Router) Types() []message.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch hands env to its handler. Errors are logged here and returned for
// the caller's information; the caller is expected to drop the envelope and
// keep serving the connection.
func (r *Router) Dispatch(ctx context.Context, env message.Envelope) error {
	ctx = logctx.WithMessage(ctx, &logctx.MessageData{TraceID: uuid.NewString(), Type: env.Type.String()})

	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.WarnContext(ctx, "no handler for request type; dropping message")
		return fmt.Errorf("%w: %s", ErrUnknownRequestType, env.Type)
	}

	if err := h.Handle(ctx, env); err != nil {
		switch {
		case errors.Is(err, ErrMalformedMessage):
			r.log.WarnContext(ctx, "dropping malformed message", slog.String("err", err.Error()))
		default:
			r.log.ErrorContext(ctx, "message rejected", slog.String("err", err.Error()))
		}
		return err
	}
	return nil
}
