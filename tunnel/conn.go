package tunnel

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fr13n8/tunsock/proxy/relay"
)

const pumpBufferSize = 32 * 1024

// rawConn is the sending side of a tunnel as provided by a backend.
type rawConn interface {
	io.WriteCloser
	CloseWrite() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type readResult struct {
	b   []byte
	err error
}

// Conn is one tunnel to a target. Reads stay blocked until the backend
// confirms the tunnel; a read deadline interrupts a blocked Read without
// losing bytes, so a TLS client can take over the connection afterwards.
type Conn struct {
	target string
	raw    rawConn
	local  net.Addr

	data     chan readResult
	rmu      sync.Mutex
	pending  []byte
	rerr     error
	rdl      deadline
	pumpOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

func newConn(target string, raw rawConn, local net.Addr) *Conn {
	return &Conn{
		target:       target,
		raw:          raw,
		local:        local,
		data:         make(chan readResult),
		rdl:          makeDeadline(),
		done:         make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// open starts delivering bytes read from src.
func (c *Conn) open(src io.Reader) {
	c.pumpOnce.Do(func() {
		go c.pump(src)
	})
}

func (c *Conn) pump(src io.Reader) {
	for {
		buf := make([]byte, pumpBufferSize)
		n, err := src.Read(buf)
		if err != nil && relay.IsHostResponded(err) {
			c.markDisconnected()
		}
		select {
		case c.data <- readResult{b: buf[:n], err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if c.rerr != nil {
		return 0, c.rerr
	}

	select {
	case <-c.done:
		return 0, net.ErrClosed
	case <-c.rdl.wait():
		return 0, os.ErrDeadlineExceeded
	default:
	}

	select {
	case r := <-c.data:
		n := copy(p, r.b)
		c.pending = r.b[n:]
		c.rerr = r.err
		if n > 0 {
			return n, nil
		}
		return 0, r.err
	case <-c.done:
		return 0, net.ErrClosed
	case <-c.rdl.wait():
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.raw.Write(p)
	if err != nil && !isClosedChan(c.done) && relay.IsPeerGone(err) {
		c.markDisconnected()
	}
	return n, err
}

// CloseWrite shuts down the sending direction of the tunnel.
func (c *Conn) CloseWrite() error {
	return c.raw.CloseWrite()
}

func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

// WriteDisconnected is closed when the peer drops the tunnel abruptly.
func (c *Conn) WriteDisconnected() <-chan struct{} {
	return c.disconnected
}

func (c *Conn) markDisconnected() {
	c.disconnectOnce.Do(func() {
		close(c.disconnected)
	})
}

func (c *Conn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return addr("local")
}

func (c *Conn) RemoteAddr() net.Addr {
	return addr(c.target)
}

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if isClosedChan(c.done) {
		return net.ErrClosed
	}
	c.rdl.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if wd, ok := c.raw.(writeDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}

type addr string

func (a addr) Network() string { return "tunsock" }
func (a addr) String() string  { return string(a) }
