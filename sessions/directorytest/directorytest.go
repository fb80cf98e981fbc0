// Package directorytest provides a conformance suite for sessions.Directory
// implementations.
package directorytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/im-dispatch/sessions"
)

// Seeder is the write side a suite needs to arrange fixtures. In production
// this role belongs to the registration collaborator.
type Seeder interface {
	Put(ctx context.Context, s *sessions.Session) error
	Delete(ctx context.Context, userID string) error
}

// DirectoryFactory creates a fresh, empty Directory together with its Seeder.
type DirectoryFactory func(t *testing.T) (sessions.Directory, Seeder)

// RunDirectoryTests runs the complete Directory test suite against the provided factory.
func RunDirectoryTests(t *testing.T, factory DirectoryFactory) {
	t.Run("Get_Absent", func(t *testing.T) { testGetAbsent(t, factory) })
	t.Run("Get_AfterPut", func(t *testing.T) { testGetAfterPut(t, factory) })
	t.Run("Put_ReplacesAcceptor", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("Delete_MakesAbsent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Isolation_BetweenUsers", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("Concurrent_Reads", func(t *testing.T) { testConcurrentReads(t, factory) })
}

func testGetAbsent(t *testing.T, factory DirectoryFactory) {
	dir, _ := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := dir.Get(ctx, "nobody")
	if err != nil {
		t.Fatalf("Get absent user: unexpected error: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil session for absent user, got %+v", s)
	}
}

func testGetAfterPut(t *testing.T, factory DirectoryFactory) {
	dir, seed := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := &sessions.Session{
		UserID:             "user-1",
		AcceptorInstanceID: "acceptor-a",
		Metadata:           map[string]string{"client": "ios/1.2"},
	}
	if err := seed.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := dir.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.UserID != want.UserID {
		t.Fatalf("expected user id %q, got %q", want.UserID, got.UserID)
	}
	if got.AcceptorInstanceID != want.AcceptorInstanceID {
		t.Fatalf("expected acceptor %q, got %q", want.AcceptorInstanceID, got.AcceptorInstanceID)
	}
	if got.Metadata["client"] != "ios/1.2" {
		t.Fatalf("expected metadata to round-trip, got %v", got.Metadata)
	}
}

func testPutReplaces(t *testing.T, factory DirectoryFactory) {
	dir, seed := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := seed.Put(ctx, &sessions.Session{UserID: "user-2", AcceptorInstanceID: "acceptor-a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Put(ctx, &sessions.Session{UserID: "user-2", AcceptorInstanceID: "acceptor-b"}); err != nil {
		t.Fatalf("Put (failover): %v", err)
	}

	got, err := dir.Get(ctx, "user-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.AcceptorInstanceID != "acceptor-b" {
		t.Fatalf("expected acceptor-b after failover, got %+v", got)
	}
}

func testDelete(t *testing.T, factory DirectoryFactory) {
	dir, seed := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := seed.Put(ctx, &sessions.Session{UserID: "user-3", AcceptorInstanceID: "acceptor-a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Delete(ctx, "user-3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := dir.Get(ctx, "user-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func testIsolation(t *testing.T, factory DirectoryFactory) {
	dir, seed := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := seed.Put(ctx, &sessions.Session{UserID: "alice", AcceptorInstanceID: "acceptor-a"}); err != nil {
		t.Fatalf("Put alice: %v", err)
	}
	if err := seed.Put(ctx, &sessions.Session{UserID: "bob", AcceptorInstanceID: "acceptor-b"}); err != nil {
		t.Fatalf("Put bob: %v", err)
	}
	a, err := dir.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get alice: %v", err)
	}
	b, err := dir.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("Get bob: %v", err)
	}
	if a == nil || a.AcceptorInstanceID != "acceptor-a" {
		t.Fatalf("alice: unexpected session %+v", a)
	}
	if b == nil || b.AcceptorInstanceID != "acceptor-b" {
		t.Fatalf("bob: unexpected session %+v", b)
	}
}

func testConcurrentReads(t *testing.T, factory DirectoryFactory) {
	dir, seed := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := seed.Put(ctx, &sessions.Session{UserID: "shared", AcceptorInstanceID: "acceptor-a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := dir.Get(ctx, "shared")
			if err != nil {
				errs <- err
				return
			}
			if s == nil || s.AcceptorInstanceID != "acceptor-a" {
				errs <- fmt.Errorf("unexpected session %+v", s)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent read failed: %v", err)
	}
}
