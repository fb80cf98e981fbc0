package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/im-dispatch/internal/logctx"
	"github.com/ggoodman/im-dispatch/message"
	"github.com/ggoodman/im-dispatch/ordered"
)

var (
	// ErrMalformedMessage is returned when an envelope body cannot be parsed.
	// No response is possible since the correlating fields are unknown.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownRequestType is returned for envelopes with no registered handler.
	ErrUnknownRequestType = errors.New("unknown request type")
)

// MessageType is the per-request-type capability set driving a Handler.
type MessageType[Req, Resp any] interface {
	// Type is the request type this message type handles.
	Type() message.Type
	// Parse decodes an envelope body. Any failure is reported as malformed.
	Parse(body []byte) (Req, error)
	// ReceiverID returns the key that orders execution for req.
	ReceiverID(req Req) string
	// ResponseUserID returns the user a response is delivered to.
	ResponseUserID(resp Resp) string
	// ErrorResponse builds a failure response carrying req's correlating fields.
	ErrorResponse(req Req) Resp
	// EncodeResponse wraps resp in an outbound envelope.
	EncodeResponse(resp Resp) (message.Envelope, error)
}

// Logic is the business logic executed for a parsed request.
type Logic[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Handler processes envelopes of a single request type.
type Handler interface {
	Type() message.Type
	Handle(ctx context.Context, env message.Envelope) error
}

// Scheduler runs tasks in per-key order.
type Scheduler interface {
	Submit(ctx context.Context, key string, task ordered.Task) error
}

// Forwarder delivers an envelope to the acceptor holding a user's connection.
type Forwarder interface {
	Forward(ctx context.Context, userID string, env message.Envelope) error
}

// HandlerOption configures a Handler built by NewHandler.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	log         *slog.Logger
	rejectLimit int
}

// DefaultRejectedDeliveryLimit bounds how many error responses for rejected
// submissions a Handler delivers concurrently.
const DefaultRejectedDeliveryLimit = 64

// WithRejectedDeliveryLimit bounds concurrent error-response deliveries for
// requests the scheduler refused. When every slot is busy further error
// responses are dropped and logged.
func WithRejectedDeliveryLimit(n int) HandlerOption {
	return func(o *handlerOptions) {
		if n > 0 {
			o.rejectLimit = n
		}
	}
}

// WithHandlerLogger sets a custom logger for the Handler.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		if l != nil {
			o.log = l
		}
	}
}

type handler[Req, Resp any] struct {
	mt    MessageType[Req, Resp]
	logic Logic[Req, Resp]
	sched Scheduler
	fwd   Forwarder
	log   *slog.Logger
	// rejectSlots holds one token per in-flight rejected delivery.
	rejectSlots chan struct{}
}

// NewHandler assembles the pipeline for one message type.
func NewHandler[Req, Resp any](mt MessageType[Req, Resp], logic Logic[Req, Resp], sched Scheduler, fwd Forwarder, opts ...HandlerOption) Handler {
	if mt == nil || logic == nil || sched == nil || fwd == nil {
		panic("dispatch: NewHandler requires a message type, logic, scheduler and forwarder")
	}
	o := handlerOptions{log: slog.Default(), rejectLimit: DefaultRejectedDeliveryLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &handler[Req, Resp]{
		mt:          mt,
		logic:       logic,
		sched:       sched,
		fwd:         fwd,
		log:         o.log,
		rejectSlots: make(chan struct{}, o.rejectLimit),
	}
}

func (h *handler[Req, Resp]) Type() message.Type { return h.mt.Type() }

// Handle parses env and schedules its execution. It returns once the task is
// queued; execution and delivery happen on the scheduler's lane.
func (h *handler[Req, Resp]) Handle(ctx context.Context, env message.Envelope) error {
	req, err := h.mt.Parse(env.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedMessage, env.Type, err)
	}

	key := h.mt.ReceiverID(req)
	md := logctx.MessageData{Type: env.Type.String(), RoutingKey: key}
	if cur, ok := logctx.Message(ctx); ok {
		md.TraceID = cur.TraceID
	}
	ctx = logctx.WithMessage(ctx, &md)

	// The task outlives the inbound read; only the context values carry over.
	taskCtx := context.WithoutCancel(ctx)
	err = h.sched.Submit(ctx, key, func(context.Context) {
		h.execute(taskCtx, req)
	})
	if err != nil {
		h.deliverRejected(taskCtx, h.mt.ErrorResponse(req))
		return fmt.Errorf("schedule %s: %w", env.Type, err)
	}
	return nil
}

// deliverRejected sends the error response for a refused submission. Delivery
// may wait on the acceptor registry, so it runs off the caller's goroutine on
// one of a fixed number of slots.
func (h *handler[Req, Resp]) deliverRejected(ctx context.Context, resp Resp) {
	select {
	case h.rejectSlots <- struct{}{}:
	default:
		h.log.WarnContext(ctx, "too many pending error responses; dropping",
			slog.String("user_id", h.mt.ResponseUserID(resp)))
		return
	}
	go func() {
		defer func() { <-h.rejectSlots }()
		h.deliver(ctx, resp)
	}()
}

func (h *handler[Req, Resp]) execute(ctx context.Context, req Req) {
	resp, err := h.run(ctx, req)
	if err != nil {
		h.log.WarnContext(ctx, "message logic failed; replying with error status", slog.String("err", err.Error()))
		resp = h.mt.ErrorResponse(req)
	}
	h.deliver(ctx, resp)
}

// run invokes the business logic, converting a panic into an error.
func (h *handler[Req, Resp]) run(ctx context.Context, req Req) (resp Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("logic panic: %v", r)
		}
	}()
	return h.logic(ctx, req)
}

func (h *handler[Req, Resp]) deliver(ctx context.Context, resp Resp) {
	env, err := h.mt.EncodeResponse(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "encode response failed", slog.String("err", err.Error()))
		return
	}
	userID := h.mt.ResponseUserID(resp)
	if err := h.fwd.Forward(ctx, userID, env); err != nil {
		h.log.WarnContext(ctx, "response not delivered",
			slog.String("user_id", userID), slog.String("err", err.Error()))
	}
}
