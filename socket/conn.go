package socket

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the byte stream a Socket runs over.
type Connection interface {
	io.ReadWriteCloser

	// CloseWrite shuts down the sending direction only.
	CloseWrite() error

	// WriteDisconnected is closed when the peer drops the connection abruptly.
	WriteDisconnected() <-chan struct{}

	// SetReadDeadline interrupts blocked reads when t is in the past. A zero
	// t clears the deadline.
	SetReadDeadline(t time.Time) error
}

// sharedConn reference counts a Connection. The socket owning it holds one
// reference; an upgrade takes a second one so the bytes underneath survive
// the old socket settling.
type sharedConn struct {
	Connection

	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func newSharedConn(c Connection) *sharedConn {
	sc := &sharedConn{Connection: c}
	sc.refs.Store(1)
	return sc
}

func (c *sharedConn) acquire() *sharedConn {
	c.refs.Add(1)
	return c
}

// release drops one reference and closes the connection when none remain.
func (c *sharedConn) release() error {
	if c.refs.Add(-1) > 0 {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closeErr = c.Connection.Close()
	})
	return c.closeErr
}

// handoff drops a reference without closing: the bytes now belong to a
// connection layered on top of this one.
func (c *sharedConn) handoff() {
	c.refs.Add(-1)
}

func (c *sharedConn) interruptReads() error {
	return c.SetReadDeadline(time.Now())
}

func (c *sharedConn) resumeReads() {
	_ = c.SetReadDeadline(time.Time{})
}
