// Package logctx carries request-scoped attributes through context.Context
// and attaches them to every slog record emitted with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler, adding attribute groups found in the
// record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ld, ok := ctx.Value(linkDataKey{}).(*LinkData); ok {
		r.AddAttrs(slog.Group("link",
			slog.String("acceptor_id", ld.AcceptorID),
			slog.String("remote_addr", ld.RemoteAddr),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("envelope",
			slog.String("trace_id", md.TraceID),
			slog.String("type", md.Type),
			slog.String("routing_key", md.RoutingKey),
		))
	}

	if dd, ok := ctx.Value(deliveryDataKey{}).(*DeliveryData); ok {
		r.AddAttrs(slog.Group("delivery",
			slog.String("user_id", dd.UserID),
			slog.String("acceptor_id", dd.AcceptorID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type linkDataKey struct{}

// LinkData describes the acceptor link an inbound envelope arrived on.
type LinkData struct {
	AcceptorID string
	RemoteAddr string
}

func WithLink(ctx context.Context, data *LinkData) context.Context {
	return context.WithValue(ctx, linkDataKey{}, data)
}

type messageDataKey struct{}

// MessageData identifies the inbound envelope being processed.
type MessageData struct {
	TraceID    string
	Type       string
	RoutingKey string
}

func WithMessage(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

// Message returns the MessageData attached to ctx, if any.
func Message(ctx context.Context) (*MessageData, bool) {
	md, ok := ctx.Value(messageDataKey{}).(*MessageData)
	return md, ok
}

type deliveryDataKey struct{}

// DeliveryData describes an outbound delivery target.
type DeliveryData struct {
	UserID     string
	AcceptorID string
}

func WithDelivery(ctx context.Context, data *DeliveryData) context.Context {
	return context.WithValue(ctx, deliveryDataKey{}, data)
}
