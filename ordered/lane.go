package ordered

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var errLaneFull = errors.New("lane full")

// lane is a bounded FIFO drained by exactly one worker.
type lane struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	closed   bool
	// ready wakes the worker; buffered so a push never blocks on it.
	ready chan struct{}
	// space is closed (and replaced) whenever a slot frees up while
	// submitters are waiting.
	space   chan struct{}
	waiting bool
}

func newLane(capacity int) *lane {
	return &lane{
		q:        queue.New(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}),
	}
}

// push appends t. When the lane is full it returns errLaneFull together with
// a channel that is closed once room may be available.
func (l *lane) push(t Task) (<-chan struct{}, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrSchedulerShutdown
	}
	if l.q.Length() >= l.capacity {
		l.waiting = true
		space := l.space
		l.mu.Unlock()
		return space, errLaneFull
	}
	l.q.Add(t)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return nil, nil
}

// pop blocks until a task is available. It returns false once the lane is
// closed and empty.
func (l *lane) pop() (Task, bool) {
	for {
		l.mu.Lock()
		if l.q.Length() > 0 {
			t := l.q.Remove().(Task)
			if l.waiting {
				close(l.space)
				l.space = make(chan struct{})
				l.waiting = false
			}
			l.mu.Unlock()
			return t, true
		}
		if l.closed {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.ready
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	if l.waiting {
		close(l.space)
		l.space = make(chan struct{})
		l.waiting = false
	}
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}
