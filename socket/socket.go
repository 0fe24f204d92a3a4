package socket

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fr13n8/tunsock/proxy/relay"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// errClosedBeforeOpen fails the opened signal of a socket that was closed
// before its tunnel reported a status.
var errClosedBeforeOpen = errors.New("socket: closed before the tunnel opened")

// Socket is a tunneled duplex byte stream. Its terminal outcome is reported
// exactly once through Closed.
type Socket struct {
	id     string
	opts   Options
	secure bool

	conn   *sharedConn
	read   *ReadHalf
	write  *WriteHalf
	closed *Signal
	opened *Signal

	releaseOnce sync.Once
	closeOnce   sync.Once

	mu         sync.Mutex
	peerDomain string
	upgrade    UpgradeFunc
	upgrading  atomic.Bool

	log zerolog.Logger
}

type socketParams struct {
	conn    Connection
	opts    Options
	domain  string
	secure  bool
	upgrade UpgradeFunc
}

func newSocket(p socketParams) *Socket {
	s := &Socket{
		id:         shortuuid.New(),
		opts:       p.opts,
		secure:     p.secure,
		conn:       newSharedConn(p.conn),
		closed:     newSignal(),
		opened:     newSignal(),
		peerDomain: p.domain,
	}
	if !p.secure {
		s.upgrade = p.upgrade
	}
	s.log = log.With().Str("socket", s.id).Logger()

	var onEOF func()
	if !p.opts.AllowHalfOpen {
		onEOF = s.handleReadEOF
	}
	s.read = newReadHalf(s.conn, onEOF)
	s.write = newWriteHalf(s.conn, p.opts.WriteBufferSize)

	go s.watchDisconnect()

	return s
}

// ID identifies the socket in logs.
func (s *Socket) ID() string { return s.id }

// ReadHalf returns the receiving side of the socket.
func (s *Socket) ReadHalf() *ReadHalf { return s.read }

// WriteHalf returns the sending side of the socket.
func (s *Socket) WriteHalf() *WriteHalf { return s.write }

// Closed settles once the socket is finished: with nil after an orderly
// close, or with the reason the connection failed.
func (s *Socket) Closed() *Signal { return s.closed }

// Opened settles once the tunnel reports success, or with the error that
// prevented it from opening.
func (s *Socket) Opened() *Signal { return s.opened }

// Secure reports whether the socket runs over TLS.
func (s *Socket) Secure() bool { return s.secure }

// Close cancels the read half and aborts the write half. Failures while tearing
// down are reported through Closed, never returned. Concurrent calls all return
// once the teardown has finished. Close returns ErrInvalidState only while a
// StartTLS upgrade is in flight.
func (s *Socket) Close() error {
	if s.upgrading.Load() {
		return fmt.Errorf("%w: close during tls upgrade", ErrInvalidState)
	}
	s.closeOnce.Do(s.teardown)
	return nil
}

func (s *Socket) teardown() {
	var g errgroup.Group
	g.Go(s.read.Cancel)
	g.Go(s.write.Abort)
	err := g.Wait()

	s.settle(err)
	s.release()
}

// abort settles the socket with err, then forcibly stops both halves.
func (s *Socket) abort(err error) {
	s.settle(err)
	_ = s.read.Cancel()
	_ = s.write.Abort()
	s.release()
}

// settle resolves the closed signal, and the opened signal if still pending.
// Only the first caller has any effect.
func (s *Socket) settle(err error) bool {
	if !s.closed.settle(err) {
		return false
	}
	if err != nil {
		s.opened.settle(err)
		s.log.Debug().Err(err).Msg("socket closed with error")
	} else {
		s.opened.settle(errClosedBeforeOpen)
		s.log.Debug().Msg("socket closed")
	}
	return true
}

// release gives up the socket's reference on the connection.
func (s *Socket) release() {
	s.releaseOnce.Do(func() {
		if err := s.conn.release(); err != nil && !relay.IsOKNetworkError(err) {
			s.log.Debug().Err(err).Msg("failed to close connection")
		}
	})
}

func (s *Socket) watchDisconnect() {
	select {
	case <-s.conn.WriteDisconnected():
		s.write.markDisconnected()
		if s.settle(nil) {
			s.log.Debug().Msg("peer disconnected")
		}
		s.release()
	case <-s.closed.Done():
	}
}
