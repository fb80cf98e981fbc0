// Package memory provides an in-process fanout.Publisher. Subscribers receive
// every message published to their topic after they subscribed. It is
// suitable for single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/im-dispatch/fanout"
)

const defaultBuffer = 64

// Publisher implements fanout.Publisher using in-memory channels.
type Publisher struct {
	mu      sync.RWMutex
	topics  map[string]map[*subscription]struct{}
	counter atomic.Int64
	closed  bool
	buffer  int
}

type subscription struct {
	ch   chan fanout.Message
	once sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

// Option configures a Publisher.
type Option func(*Publisher)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

func New(opts ...Option) *Publisher {
	p := &Publisher{topics: make(map[string]map[*subscription]struct{}), buffer: defaultBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish implements fanout.Publisher. It never blocks on a slow subscriber;
// a subscriber whose buffer is full misses the message.
func (p *Publisher) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", fanout.ErrPublish, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("%w: publisher closed", fanout.ErrPublish)
	}
	msg := fanout.Message{
		ID:    strconv.FormatInt(p.counter.Add(1), 10),
		Topic: topic,
		Data:  append([]byte(nil), data...),
	}
	for sub := range p.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages published to topic until ctx
// ends or the publisher is closed, at which point the channel is closed.
func (p *Publisher) Subscribe(ctx context.Context, topic string) (<-chan fanout.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{ch: make(chan fanout.Message, p.buffer)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("publisher closed")
	}
	subs, ok := p.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		p.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if subs, ok := p.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(p.topics, topic)
			}
		}
		p.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Close closes every subscription and rejects further publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, subs := range p.topics {
		for sub := range subs {
			sub.close()
		}
	}
	p.topics = make(map[string]map[*subscription]struct{})
	return nil
}

// Interface compliance
var _ fanout.Publisher = (*Publisher)(nil)
