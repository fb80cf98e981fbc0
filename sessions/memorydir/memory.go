// Package memorydir provides an in-process sessions.Directory. It is suitable
// for tests and single-node deployments where the registration collaborator
// runs in the same process.
package memorydir

import (
	"context"
	"sync"

	"github.com/ggoodman/im-dispatch/sessions"
)

// Directory is an in-memory implementation of sessions.Directory.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.Session
}

func New() *Directory {
	return &Directory{sessions: make(map[string]*sessions.Session)}
}

// Get implements sessions.Directory. The returned session is a copy.
func (d *Directory) Get(ctx context.Context, userID string) (*sessions.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[userID].Clone(), nil
}

// Put stores or replaces the session for s.UserID.
func (d *Directory) Put(ctx context.Context, s *sessions.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.sessions[s.UserID] = s.Clone()
	d.mu.Unlock()
	return nil
}

// Delete removes the session for userID, if any.
func (d *Directory) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.sessions, userID)
	d.mu.Unlock()
	return nil
}

// Interface compliance
var _ sessions.Directory = (*Directory)(nil)
