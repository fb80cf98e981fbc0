// Package fanouttest provides a conformance suite for fanout.Publisher
// implementations that can also be subscribed to.
package fanouttest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/im-dispatch/fanout"
)

// PubSub is a publisher whose topics can be observed.
type PubSub interface {
	fanout.Publisher
	Subscribe(ctx context.Context, topic string) (<-chan fanout.Message, error)
}

// Factory creates a fresh PubSub for a test.
type Factory func(t *testing.T) PubSub

// RunPublisherTests runs the publisher suite against the provided factory.
func RunPublisherTests(t *testing.T, factory Factory) {
	t.Run("Publish_DeliveredToSubscriber", func(t *testing.T) { testDelivered(t, factory) })
	t.Run("Publish_OrderedWithinTopic", func(t *testing.T) { testOrdered(t, factory) })
	t.Run("Publish_TopicIsolation", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Publish_AllSubscribersReceive", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("Subscribe_ClosedOnCancel", func(t *testing.T) { testCancel(t, factory) })
}

func recv(t *testing.T, ch <-chan fanout.Message) fanout.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return fanout.Message{}
}

func testDelivered(t *testing.T, factory Factory) {
	p := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := p.Subscribe(ctx, fanout.GroupTopic("g1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := p.Publish(ctx, fanout.GroupTopic("g1"), []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := recv(t, ch)
	if string(m.Data) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", m.Data)
	}
	if m.ID == "" {
		t.Fatal("expected non-empty message id")
	}
}

func testOrdered(t *testing.T, factory Factory) {
	p := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := p.Subscribe(ctx, "ordered")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := p.Publish(ctx, "ordered", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		m := recv(t, ch)
		if want := fmt.Sprintf("m%d", i); string(m.Data) != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, m.Data)
		}
	}
}

func testIsolation(t *testing.T, factory Factory) {
	p := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := p.Subscribe(ctx, "topic-a")
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := p.Publish(ctx, "topic-b", []byte("for-b")); err != nil {
		t.Fatalf("Publish b: %v", err)
	}
	if err := p.Publish(ctx, "topic-a", []byte("for-a")); err != nil {
		t.Fatalf("Publish a: %v", err)
	}
	if m := recv(t, a); string(m.Data) != "for-a" {
		t.Fatalf("topic-a received foreign message %q", m.Data)
	}
}

func testFanOut(t *testing.T, factory Factory) {
	p := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s1, err := p.Subscribe(ctx, "fan")
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	s2, err := p.Subscribe(ctx, "fan")
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	if err := p.Publish(ctx, "fan", []byte("both")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if m := recv(t, s1); string(m.Data) != "both" {
		t.Fatalf("subscriber 1 got %q", m.Data)
	}
	if m := recv(t, s2); string(m.Data) != "both" {
		t.Fatalf("subscriber 2 got %q", m.Data)
	}
}

func testCancel(t *testing.T, factory Factory) {
	p := factory(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := p.Subscribe(ctx, "cancel")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed after cancel")
		}
	}
}
