package link

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	dispatch "github.com/ggoodman/im-dispatch"
	"github.com/ggoodman/im-dispatch/acceptors"
	"github.com/ggoodman/im-dispatch/chat"
	"github.com/ggoodman/im-dispatch/forward"
	"github.com/ggoodman/im-dispatch/internal/acceptorauth"
	"github.com/ggoodman/im-dispatch/message"
	"github.com/ggoodman/im-dispatch/ordered"
	"github.com/ggoodman/im-dispatch/sessions"
	"github.com/ggoodman/im-dispatch/sessions/memorydir"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	envs []message.Envelope
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env message.Envelope) error {
	d.mu.Lock()
	d.envs = append(d.envs, env)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.envs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeHello(t *testing.T, c net.Conn, id, token string) {
	t.Helper()
	env, err := message.NewEnvelope(message.TypeAcceptorHello, message.AcceptorHello{InstanceID: id, Token: token})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := message.WriteFrame(c, env); err != nil {
		t.Fatalf("write hello: %v", err)
	}
}

func TestServeConn_RegistersDispatchesAndUnregisters(t *testing.T) {
	reg := acceptors.NewRegistry()
	disp := &recordingDispatcher{}
	srv := New(reg, disp, Config{})

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), server) }()

	writeHello(t, client, "acc-1", "")
	waitFor(t, "registration", func() bool { return reg.Get("acc-1") != nil })

	if err := message.WriteFrame(client, message.Envelope{Type: message.TypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	if err := message.WriteFrame(client, message.Envelope{Type: message.TypeC2GMessage, Body: []byte{0x80}}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	waitFor(t, "dispatch", func() bool { return disp.count() == 1 })

	// Outbound deliveries reach the client through the registered conn.
	inst := reg.Get("acc-1")
	frame, _ := message.Encode(message.Envelope{Type: message.TypeC2GMessageResponse})
	go func() { _ = inst.Conn.WriteAndFlush(context.Background(), frame) }()
	got, err := message.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("read delivery: %v", err)
	}
	if got.Type != message.TypeC2GMessageResponse {
		t.Fatalf("unexpected delivery type %s", got.Type)
	}

	_ = client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after client closed")
	}
	if reg.Get("acc-1") != nil {
		t.Fatal("expected acceptor unregistered after link closed")
	}
}

func TestServeConn_FirstFrameMustBeHello(t *testing.T) {
	reg := acceptors.NewRegistry()
	srv := New(reg, &recordingDispatcher{}, Config{})

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), server) }()

	if err := message.WriteFrame(client, message.Envelope{Type: message.TypeHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrHelloRequired) {
		t.Fatalf("expected ErrHelloRequired, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatal("expected nothing registered")
	}
}

func TestServeConn_RejectsBadToken(t *testing.T) {
	reg := acceptors.NewRegistry()
	verifier := acceptorauth.VerifierFunc(func(_ context.Context, id, token string) error {
		if token != "good" {
			return acceptorauth.ErrUnauthorized
		}
		return nil
	})
	srv := New(reg, &recordingDispatcher{}, Config{}, WithVerifier(verifier))

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), server) }()

	writeHello(t, client, "acc-1", "bad")
	if err := <-done; !errors.Is(err, acceptorauth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatal("expected nothing registered")
	}
}

func TestServeConn_HelloTimeout(t *testing.T) {
	srv := New(acceptors.NewRegistry(), &recordingDispatcher{}, Config{HelloTimeout: 50 * time.Millisecond})

	client, server := net.Pipe()
	defer client.Close()
	err := srv.ServeConn(context.Background(), server)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestServe_ShutdownKeepsLinksUntilClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listener unavailable: %v", err)
	}
	reg := acceptors.NewRegistry()
	disp := &recordingDispatcher{}
	srv := New(reg, disp, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	writeHello(t, client, "acc-1", "")
	waitFor(t, "registration", func() bool { return reg.Get("acc-1") != nil })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	inst := reg.Get("acc-1")
	if inst == nil {
		t.Fatal("expected link to stay registered until Close")
	}
	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("expected listener closed after cancel")
	}

	// Inbound frames are no longer read.
	_ = message.WriteFrame(client, message.Envelope{Type: message.TypeC2GMessage, Body: []byte{0x80}})
	time.Sleep(50 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatal("expected no dispatch after shutdown began")
	}

	// Outbound writes still reach the acceptor.
	frame, _ := message.Encode(message.Envelope{Type: message.TypeC2GMessageResponse})
	if err := inst.Conn.WriteAndFlush(context.Background(), frame); err != nil {
		t.Fatalf("write after quiesce: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if got, err := message.ReadFrame(client, 0); err != nil || got.Type != message.TypeC2GMessageResponse {
		t.Fatalf("expected delivery after quiesce, got %v (%v)", got.Type, err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := srv.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Get("acc-1") != nil {
		t.Fatal("expected acceptor unregistered after Close")
	}
	if _, err := message.ReadFrame(client, 0); err == nil {
		t.Fatal("expected link closed after Close")
	}
}

func TestShutdown_DrainDeliversThroughOpenLinks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listener unavailable: %v", err)
	}
	reg := acceptors.NewRegistry()
	dir := memorydir.New()
	if err := dir.Put(context.Background(), &sessions.Session{UserID: "alice", AcceptorInstanceID: "acc-1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sched := ordered.New(ordered.Config{Lanes: 1})
	fwd := forward.New(dir, reg, forward.Config{PollInterval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	router := dispatch.NewRouter()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	router.Register(dispatch.NewHandler(chat.GroupMessage{}, func(ctx context.Context, req chat.GroupMessageRequest) (chat.GroupMessageResponse, error) {
		started <- struct{}{}
		<-release
		return chat.GroupMessageResponse{SenderID: req.SenderID, GroupID: req.GroupID, Timestamp: req.Timestamp, Status: message.StatusOK}, nil
	}, sched, fwd))

	srv := New(reg, router, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	writeHello(t, client, "acc-1", "")
	waitFor(t, "registration", func() bool { return reg.Get("acc-1") != nil })

	env, err := message.NewEnvelope(message.TypeC2GMessage, chat.GroupMessageRequest{SenderID: "alice", GroupID: "g", Timestamp: 7})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := message.WriteFrame(client, env); err != nil {
		t.Fatalf("write message: %v", err)
	}
	<-started

	cancel()
	<-done
	close(release)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer drainCancel()
	start := time.Now()
	if err := sched.Close(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain took %v; expected the response to go out over the open link", elapsed)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := message.ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp chat.GroupMessageResponse
	if err := message.Unmarshal(got.Body, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != message.TypeC2GMessageResponse || resp.Status != message.StatusOK || resp.Timestamp != 7 {
		t.Fatalf("unexpected response %s %+v", got.Type, resp)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := srv.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
