// Package link serves the long-lived connections acceptor nodes hold open to
// the dispatch tier. Each link identifies itself with a hello frame, then
// carries heartbeats and client envelopes inbound and deliveries outbound.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ggoodman/im-dispatch/acceptors"
	"github.com/ggoodman/im-dispatch/internal/acceptorauth"
	"github.com/ggoodman/im-dispatch/internal/logctx"
	"github.com/ggoodman/im-dispatch/message"
)

var (
	// ErrHelloRequired is returned when a link's first frame is not a hello.
	ErrHelloRequired = errors.New("first frame must be acceptor hello")
	// ErrServerClosed is returned by Serve after its context is cancelled.
	ErrServerClosed = errors.New("link server closed")
)

// Dispatcher receives every non-control envelope read from a link.
type Dispatcher interface {
	Dispatch(ctx context.Context, env message.Envelope) error
}

// Registry is the subset of acceptors.Registry a link needs.
type Registry interface {
	Register(id string, conn acceptors.Conn) error
	UnregisterConn(id string, conn acceptors.Conn) bool
	Touch(id string) bool
}

var _ Registry = (*acceptors.Registry)(nil)

// Config bounds link behaviour. Zero values select defaults.
type Config struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	HelloTimeout time.Duration
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultHelloTimeout = 10 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithVerifier requires hello tokens to pass v. Without it every acceptor is
// admitted.
func WithVerifier(v acceptorauth.Verifier) Option {
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// Server accepts acceptor links.
//
// Shutdown happens in two steps. Cancelling the context given to Serve stops
// accepting links and stops reading inbound frames, but established links stay
// registered so queued work can still deliver responses through them. Close
// then unregisters and closes every link.
type Server struct {
	reg      Registry
	disp     Dispatcher
	verifier acceptorauth.Verifier
	cfg      Config
	log      *slog.Logger

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	quiescing bool
	wg        sync.WaitGroup

	// quiesced is closed once inbound reads stop; released once links may close.
	quiesced    chan struct{}
	released    chan struct{}
	quiesceOnce sync.Once
	releaseOnce sync.Once
}

// New constructs a Server.
func New(reg Registry, disp Dispatcher, cfg Config, opts ...Option) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = message.DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	s := &Server{
		reg:      reg,
		disp:     disp,
		verifier: acceptorauth.AllowAll,
		cfg:      cfg,
		log:      slog.Default(),
		conns:    make(map[net.Conn]struct{}),
		quiesced: make(chan struct{}),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts links on ln until ctx is cancelled. On return no new link is
// accepted and no inbound frame is read, but established links remain
// registered and writable until Close.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.quiesce()
	})
	defer stop()

	s.log.Info("link server listening", slog.String("addr", ln.Addr().String()))
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.quiesce()
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.ServeConn(ctx, c); err != nil {
				s.log.Warn("link closed with error", slog.String("remote_addr", c.RemoteAddr().String()), slog.String("err", err.Error()))
			}
		}()
	}
}

// Close releases every link: each is unregistered and closed. It waits for the
// link goroutines to exit or for ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.quiesce()
	s.releaseOnce.Do(func() { close(s.released) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		return fmt.Errorf("link server close: %w", ctx.Err())
	}
}

// quiesce stops inbound reads on every link and refuses new ones.
func (s *Server) quiesce() {
	s.quiesceOnce.Do(func() {
		s.mu.Lock()
		s.quiescing = true
		close(s.quiesced)
		for c := range s.conns {
			_ = c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	})
}

func (s *Server) stopping() bool {
	select {
	case <-s.quiesced:
		return true
	default:
		return false
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiescing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// setReadDeadline applies t unless the server is quiescing, in which case the
// already expired deadline set by quiesce must stay in force.
func (s *Server) setReadDeadline(c net.Conn, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiescing {
		return false
	}
	_ = c.SetReadDeadline(t)
	return true
}

// ServeConn runs one link to completion. A clean disconnect returns nil. Once
// the server quiesces the link stops reading but stays registered until Close.
func (s *Server) ServeConn(ctx context.Context, c net.Conn) error {
	if !s.track(c) {
		_ = c.Close()
		return ErrServerClosed
	}
	defer s.untrack(c)
	defer c.Close()

	ctx = logctx.WithLink(ctx, &logctx.LinkData{RemoteAddr: c.RemoteAddr().String()})

	hello, err := s.readHello(ctx, c)
	if err != nil {
		if s.stopping() {
			return ErrServerClosed
		}
		return err
	}
	ctx = logctx.WithLink(ctx, &logctx.LinkData{AcceptorID: hello.InstanceID, RemoteAddr: c.RemoteAddr().String()})

	conn := acceptors.NewStreamConn(c, s.cfg.WriteTimeout)
	if err := s.reg.Register(hello.InstanceID, conn); err != nil {
		return fmt.Errorf("register acceptor: %w", err)
	}
	defer s.reg.UnregisterConn(hello.InstanceID, conn)

	for {
		env, err := message.ReadFrame(c, s.cfg.MaxFrameSize)
		if err != nil {
			if s.stopping() && !errors.Is(err, io.EOF) {
				s.log.InfoContext(ctx, "link quiesced; awaiting release")
				<-s.released
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.log.InfoContext(ctx, "acceptor link closed")
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		switch env.Type {
		case message.TypeHeartbeat:
			if !s.reg.Touch(hello.InstanceID) {
				// Evicted while idle but the link is still up; take it back.
				if err := s.reg.Register(hello.InstanceID, conn); err != nil {
					return fmt.Errorf("re-register acceptor: %w", err)
				}
			}
		case message.TypeAcceptorHello:
			s.log.WarnContext(ctx, "ignoring repeated hello on established link")
		default:
			// Dispatch logs its own failures; the link keeps serving.
			_ = s.disp.Dispatch(ctx, env)
		}
	}
}

func (s *Server) readHello(ctx context.Context, c net.Conn) (message.AcceptorHello, error) {
	var hello message.AcceptorHello
	if !s.setReadDeadline(c, time.Now().Add(s.cfg.HelloTimeout)) {
		return hello, ErrServerClosed
	}
	env, err := message.ReadFrame(c, s.cfg.MaxFrameSize)
	if err != nil {
		return hello, fmt.Errorf("read hello: %w", err)
	}
	if !s.setReadDeadline(c, time.Time{}) {
		return hello, ErrServerClosed
	}

	if env.Type != message.TypeAcceptorHello {
		return hello, fmt.Errorf("%w: got %s", ErrHelloRequired, env.Type)
	}
	if err := message.Unmarshal(env.Body, &hello); err != nil {
		return hello, fmt.Errorf("decode hello: %w", err)
	}
	if hello.InstanceID == "" {
		return hello, fmt.Errorf("%w: empty instance id", acceptors.ErrInvalidInstance)
	}
	if err := s.verifier.Verify(ctx, hello.InstanceID, hello.Token); err != nil {
		return hello, err
	}
	return hello, nil
}
