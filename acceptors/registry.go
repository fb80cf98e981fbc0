// Package acceptors tracks the acceptor nodes currently linked to this
// dispatcher and the connection handle used to reach each of them.
package acceptors

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotRegistered is returned by Await when the instance did not register
	// within the allotted time.
	ErrNotRegistered = errors.New("acceptor instance not registered")
	// ErrInvalidInstance is returned when registering with an empty id or nil connection.
	ErrInvalidInstance = errors.New("invalid acceptor instance")
)

// Conn is a writable handle to an acceptor node. Implementations must
// serialize concurrent writers; the dispatcher forwards to the same acceptor
// from several lanes at once.
type Conn interface {
	WriteAndFlush(ctx context.Context, data []byte) error
}

// Instance is a registered acceptor node.
type Instance struct {
	ID           string
	Conn         Conn
	RegisteredAt time.Time
}

type entry struct {
	inst     *Instance
	lastSeen time.Time
}

// Registry maps acceptor instance ids to live connections. It is written by
// the link layer (register, heartbeat, disconnect) and read by the forwarder.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	mu        sync.RWMutex
	instances map[string]*entry
	// changed is closed and replaced on every registration so waiters can
	// re-check without polling alone.
	changed chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the Registry.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source used for heartbeat bookkeeping.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:       slog.Default(),
		now:       time.Now,
		instances: make(map[string]*entry),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register records conn as the current connection for id, replacing any
// earlier registration, and wakes goroutines blocked in Await.
func (r *Registry) Register(id string, conn Conn) error {
	if id == "" || conn == nil {
		return ErrInvalidInstance
	}
	now := r.now()
	r.mu.Lock()
	prev, replaced := r.instances[id]
	r.instances[id] = &entry{inst: &Instance{ID: id, Conn: conn, RegisteredAt: now}, lastSeen: now}
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	if replaced && prev.inst.Conn != conn {
		r.log.Info("acceptor instance re-registered", slog.String("acceptor_id", id))
	} else {
		r.log.Info("acceptor instance registered", slog.String("acceptor_id", id))
	}
	return nil
}

// Unregister removes id regardless of which connection is current.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if ok {
		r.log.Info("acceptor instance unregistered", slog.String("acceptor_id", id))
	}
}

// UnregisterConn removes id only if conn is still its current connection. A
// link that drops after the acceptor already reconnected must not evict the
// newer registration.
func (r *Registry) UnregisterConn(id string, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.instances[id]
	if !ok || e.inst.Conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.instances, id)
	r.mu.Unlock()
	r.log.Info("acceptor instance unregistered", slog.String("acceptor_id", id))
	return true
}

// Get returns the instance registered under id, or nil.
func (r *Registry) Get(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.instances[id]; ok {
		return e.inst
	}
	return nil
}

// Len reports the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Touch refreshes the heartbeat timestamp for id. It reports whether id is registered.
func (r *Registry) Touch(id string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.instances[id]
	if ok {
		e.lastSeen = now
	}
	return ok
}

func (r *Registry) lookup(id string) (*Instance, <-chan struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.instances[id]; ok {
		return e.inst, nil
	}
	return nil, r.changed
}

// Await returns the instance registered under id, waiting up to timeout for
// it to appear. The registry is re-checked on every registration event and
// at least every interval. It returns ErrNotRegistered once timeout elapses
// and ctx.Err() if ctx ends first.
func (r *Registry) Await(ctx context.Context, id string, interval, timeout time.Duration) (*Instance, error) {
	inst, changed := r.lookup(id)
	if inst != nil {
		return inst, nil
	}
	if timeout <= 0 {
		return nil, ErrNotRegistered
	}
	if interval <= 0 || interval > timeout {
		interval = timeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if inst, _ := r.lookup(id); inst != nil {
				return inst, nil
			}
			return nil, ErrNotRegistered
		case <-changed:
		case <-ticker.C:
		}
		if inst, changed = r.lookup(id); inst != nil {
			return inst, nil
		}
	}
}

// Sweep unregisters every instance whose last heartbeat is older than
// maxIdle and returns their ids.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	cutoff := r.now().Add(-maxIdle)
	var evicted []string
	r.mu.Lock()
	for id, e := range r.instances {
		if e.lastSeen.Before(cutoff) {
			delete(r.instances, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()
	for _, id := range evicted {
		r.log.Warn("acceptor heartbeat lapsed; instance evicted",
			slog.String("acceptor_id", id), slog.Duration("max_idle", maxIdle))
	}
	return evicted
}

// RunSweeper calls Sweep every interval until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, every, maxIdle time.Duration) {
	if every <= 0 || maxIdle <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(maxIdle)
		}
	}
}
