// Package ordered runs tasks on a fixed set of lanes so that tasks sharing a
// key execute strictly in submission order while unrelated keys proceed in
// parallel.
//
// Keys are mapped to lanes by a stable hash. Two keys that land on the same
// lane are also ordered relative to each other; callers may only rely on
// ordering within a key.
package ordered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrQueueFull is returned when a lane stayed at capacity for the whole
	// submit timeout. Callers should fail the originating request.
	ErrQueueFull = errors.New("scheduler lane queue full")
	// ErrSchedulerShutdown is returned for submissions after Close.
	ErrSchedulerShutdown = errors.New("scheduler shut down")
)

// Task is a unit of work. The context passed to a task is never canceled by
// the scheduler; once dequeued a task runs to completion.
type Task func(ctx context.Context)

const (
	DefaultLanes         = 32
	DefaultQueueCapacity = 1024
	DefaultSubmitTimeout = 50 * time.Millisecond
)

// Config sizes the scheduler.
type Config struct {
	// Lanes is the number of worker lanes (and goroutines).
	Lanes int
	// QueueCapacity bounds the number of pending tasks per lane.
	QueueCapacity int
	// SubmitTimeout is how long Submit may block on a full lane before
	// returning ErrQueueFull. Zero fails immediately.
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = DefaultLanes
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SubmitTimeout < 0 {
		c.SubmitTimeout = 0
	}
	return c
}

// Scheduler is a lane-partitioned ordered executor.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	base  context.Context
	lanes []*lane
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger for the Scheduler.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBaseContext sets the context handed to tasks. Cancellation is stripped;
// values (for example log attributes) are preserved.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Scheduler) {
		if ctx != nil {
			s.base = context.WithoutCancel(ctx)
		}
	}
}

// New starts a Scheduler with cfg.Lanes worker goroutines.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:   cfg,
		log:   slog.Default(),
		base:  context.Background(),
		lanes: make([]*lane, cfg.Lanes),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	for i := range s.lanes {
		s.lanes[i] = newLane(cfg.QueueCapacity)
		s.wg.Add(1)
		go s.run(i, s.lanes[i])
	}
	return s
}

// Lanes reports the configured number of lanes.
func (s *Scheduler) Lanes() int { return len(s.lanes) }

// LaneFor returns the lane index key is routed to.
func (s *Scheduler) LaneFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.lanes)))
}

// Submit enqueues task behind every earlier task submitted under key. If the
// lane is full it waits up to SubmitTimeout for room, then fails with
// ErrQueueFull. It returns ctx.Err() if ctx ends while waiting.
func (s *Scheduler) Submit(ctx context.Context, key string, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	l := s.lanes[s.LaneFor(key)]

	var timer *time.Timer
	for {
		space, err := l.push(task)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLaneFull) {
			return err
		}
		if s.cfg.SubmitTimeout == 0 {
			return ErrQueueFull
		}
		if timer == nil {
			timer = time.NewTimer(s.cfg.SubmitTimeout)
			defer timer.Stop()
		}
		select {
		case <-space:
		case <-timer.C:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting new tasks, lets every lane drain what is already
// queued and waits for the workers to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		for _, l := range s.lanes {
			l.close()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

func (s *Scheduler) run(idx int, l *lane) {
	defer s.wg.Done()
	for {
		task, ok := l.pop()
		if !ok {
			return
		}
		s.exec(idx, task)
	}
}

// exec runs one task. A panic is confined to the task that raised it.
func (s *Scheduler) exec(idx int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler task panicked",
				slog.Int("lane", idx), slog.Any("panic", r))
		}
	}()
	task(s.base)
}
