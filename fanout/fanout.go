// Package fanout hands messages that need broadcast delivery (group traffic
// reaching members not tracked by this dispatcher) to an external event bus.
//
// Publishers do not retry synchronously. Delivery guarantees beyond the
// publish call belong to the backing broker.
package fanout

import (
	"context"
	"errors"
)

// ErrPublish wraps every failure returned by a Publisher.
var ErrPublish = errors.New("fan-out publish failed")

// Publisher publishes opaque payloads to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Message is a payload observed on a topic.
type Message struct {
	// ID is unique and monotonically increasing within the topic.
	ID    string
	Topic string
	Data  []byte
}

// GroupTopic names the topic that carries traffic for a chat group.
func GroupTopic(groupID string) string { return "group:" + groupID }

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic string, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic string, data []byte) error {
	return f(ctx, topic, data)
}
