package acceptors

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrConnClosed is returned by WriteAndFlush after Close.
var ErrConnClosed = errors.New("acceptor connection closed")

// StreamConn adapts a byte stream (typically a net.Conn) to Conn. Writes are
// serialized so a frame is never interleaved with another lane's frame.
type StreamConn struct {
	mu           sync.Mutex
	w            io.WriteCloser
	writeTimeout time.Duration
	closed       bool
}

// NewStreamConn wraps w. A positive writeTimeout sets a write deadline on
// connections that support one.
func NewStreamConn(w io.WriteCloser, writeTimeout time.Duration) *StreamConn {
	return &StreamConn{w: w, writeTimeout: writeTimeout}
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// WriteAndFlush writes data in full or returns an error. The context deadline,
// when earlier than the configured write timeout, bounds the write.
func (c *StreamConn) WriteAndFlush(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if dw, ok := c.w.(deadlineWriter); ok {
		var deadline time.Time
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		_ = dw.SetWriteDeadline(deadline)
	}
	for len(data) > 0 {
		n, err := c.w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close closes the underlying stream. Subsequent writes fail with ErrConnClosed.
func (c *StreamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}

var _ Conn = (*StreamConn)(nil)
