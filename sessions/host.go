package sessions

import (
	"context"
	"maps"
)

// Session is the directory record for one connected user.
type Session struct {
	UserID string
	// AcceptorInstanceID names the acceptor instance serving the user's
	// connection. It is the only field the dispatch core depends on.
	AcceptorInstanceID string
	// Metadata carries transport-opaque attributes set by the registration
	// collaborator (client version, device, remote address...).
	Metadata map[string]string
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	return &cp
}

// Directory is the contract the dispatch core needs from the session store.
//
// Get returns (nil, nil) when no session exists for userID and a non-nil error
// only for legitimate backend failures.
type Directory interface {
	Get(ctx context.Context, userID string) (*Session, error)
}

// DirectoryFunc adapts a function to the Directory interface.
type DirectoryFunc func(ctx context.Context, userID string) (*Session, error)

func (f DirectoryFunc) Get(ctx context.Context, userID string) (*Session, error) {
	return f(ctx, userID)
}
