package socket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

type mockConn struct {
	in      chan []byte
	pending []byte
	rmu     sync.Mutex

	dmu      sync.Mutex
	deadline chan struct{}

	wmu         sync.Mutex
	out         bytes.Buffer
	writeClosed bool

	closeOnce    sync.Once
	closeCh      chan struct{}
	disconnected chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		in:           make(chan []byte, 16),
		deadline:     make(chan struct{}),
		closeCh:      make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

func (m *mockConn) feed(b []byte) { m.in <- b }

func (m *mockConn) eof() { close(m.in) }

func (m *mockConn) Read(p []byte) (int, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}

	m.dmu.Lock()
	deadline := m.deadline
	m.dmu.Unlock()

	select {
	case b, ok := <-m.in:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		m.pending = b[n:]
		return n, nil
	case <-deadline:
		return 0, os.ErrDeadlineExceeded
	case <-m.closeCh:
		return 0, net.ErrClosed
	}
}

func (m *mockConn) Write(p []byte) (int, error) {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	if m.writeClosed || m.isClosed() {
		return 0, errors.New("use of closed network connection")
	}
	return m.out.Write(p)
}

func (m *mockConn) written() string {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.out.String()
}

func (m *mockConn) CloseWrite() error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.writeClosed = true
	return nil
}

func (m *mockConn) isWriteClosed() bool {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.writeClosed
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockConn) WriteDisconnected() <-chan struct{} { return m.disconnected }

func (m *mockConn) SetReadDeadline(t time.Time) error {
	m.dmu.Lock()
	defer m.dmu.Unlock()

	expired := false
	select {
	case <-m.deadline:
		expired = true
	default:
	}

	switch {
	case t.IsZero():
		if expired {
			m.deadline = make(chan struct{})
		}
	case !t.After(time.Now()):
		if !expired {
			close(m.deadline)
		}
	default:
		if expired {
			m.deadline = make(chan struct{})
		}
		ch := m.deadline
		time.AfterFunc(time.Until(t), func() {
			m.dmu.Lock()
			defer m.dmu.Unlock()
			select {
			case <-ch:
			default:
				close(ch)
			}
		})
	}
	return nil
}

type mockTunnel struct {
	mu      sync.Mutex
	conn    *mockConn
	status  chan TunnelStatus
	openErr error
	opened  []string
	useTLS  bool

	upgradeErr   error
	upgradeGate  chan struct{}
	upgradedConn *mockConn
	upgradeHost  string
	onUpgrade    func()
}

func newMockTunnel() *mockTunnel {
	return &mockTunnel{
		conn:         newMockConn(),
		status:       make(chan TunnelStatus, 1),
		upgradedConn: newMockConn(),
	}
}

func (t *mockTunnel) Open(ctx context.Context, address string, useTLS bool) (*Tunnel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opened = append(t.opened, address)
	t.useTLS = useTLS
	if t.openErr != nil {
		return nil, t.openErr
	}
	return &Tunnel{Conn: t.conn, Status: t.status, Upgrade: t.upgrade}, nil
}

func (t *mockTunnel) upgrade(ctx context.Context, host string) (Connection, error) {
	t.mu.Lock()
	t.upgradeHost = host
	onUpgrade, gate := t.onUpgrade, t.upgradeGate
	t.mu.Unlock()

	if onUpgrade != nil {
		onUpgrade()
	}
	if gate != nil {
		<-gate
	}
	if t.upgradeErr != nil {
		return nil, t.upgradeErr
	}
	return t.upgradedConn, nil
}

// fixedTunnel hands out one prepared tunnel.
type fixedTunnel struct {
	t *Tunnel
}

func (f *fixedTunnel) Open(context.Context, string, bool) (*Tunnel, error) {
	return f.t, nil
}

func (t *mockTunnel) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened)
}

func waitSettled(s *Signal, d time.Duration) bool {
	select {
	case <-s.Done():
		return true
	case <-time.After(d):
		return false
	}
}
