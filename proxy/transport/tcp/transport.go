package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog/log"
)

// TCPTransport implements the Transport interface for TCP with yamux multiplexing.
type TCPTransport struct {
	tlsConfig *tls.Config // Optional TLS configuration
	poolSize  int
}

// NewTCPTransport creates a new TCPTransport instance.
func NewTCPTransport(tlsConfig *tls.Config, poolSize int) *TCPTransport {
	return &TCPTransport{tlsConfig: tlsConfig, poolSize: poolSize}
}

func yamuxConfig() *yamux.Config {
	conf := yamux.DefaultConfig()
	conf.LogOutput = log.With().Str("component", "yamux").Logger()
	return conf
}

// Dial establishes a TCP connection and wraps it with a yamux session.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (transport.StreamConn, error) {
	var conn net.Conn
	var err error
	if t.tlsConfig != nil {
		conn, err = (&tls.Dialer{Config: t.tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("could not dial address: %w", err)
	}
	session, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not establish yamux session: %w", err)
	}

	return newStreamConn(session, t.poolSize), nil
}

// Listen sets up a TCP listener and wraps accepted connections with yamux.
func (t *TCPTransport) Listen(ctx context.Context, addr string) (transport.StreamListener, error) {
	var listener net.Listener
	var err error
	if t.tlsConfig != nil {
		listener, err = tls.Listen("tcp", addr, t.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &TCPStreamListener{listener: listener}, nil
}

// TCPStreamConn wraps a yamux session as a StreamConn.
type TCPStreamConn struct {
	session    *yamux.Session
	streamPool *transport.StreamPool
}

func newStreamConn(session *yamux.Session, poolSize int) *TCPStreamConn {
	streamConn := &TCPStreamConn{session: session}
	streamConn.streamPool = transport.NewStreamPool(poolSize, streamConn)
	return streamConn
}

func (c *TCPStreamConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: stream}, nil
}

func (c *TCPStreamConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	type result struct {
		stream *yamux.Stream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := c.session.AcceptStream()
		ch <- result{stream, err}
	}()

	select {
	case r := <-ch:
		if errors.Is(r.err, yamux.ErrSessionShutdown) {
			return nil, fmt.Errorf("%w: %w", net.ErrClosed, r.err)
		}
		if r.err != nil {
			return nil, r.err
		}
		return &Stream{Stream: r.stream}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TCPStreamConn) Close() error {
	c.streamPool.Drain()
	return c.session.Close()
}

func (c *TCPStreamConn) CloseWithError(code uint64, reason string) error {
	return c.Close()
}

func (c *TCPStreamConn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *TCPStreamConn) GetStream(ctx context.Context) (transport.Stream, error) {
	return c.streamPool.Get(ctx)
}

func (c *TCPStreamConn) PutStream(stream transport.Stream) {
	c.streamPool.Put(stream)
}

// Stream adapts a yamux stream, whose Close only ends the sending side.
type Stream struct {
	*yamux.Stream
}

func (s *Stream) CloseWrite() error {
	return s.Stream.Close()
}

// Close ends the sending side and releases readers still blocked on the stream.
func (s *Stream) Close() error {
	err := s.Stream.Close()
	_ = s.Stream.SetReadDeadline(time.Now())
	return err
}

// TCPStreamListener wraps a net.Listener to produce yamux sessions.
type TCPStreamListener struct {
	listener net.Listener
}

func (l *TCPStreamListener) Accept(ctx context.Context) (transport.StreamConn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	session, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}

	return newStreamConn(session, 0), nil
}

func (l *TCPStreamListener) Close() error {
	return l.listener.Close()
}

func (l *TCPStreamListener) Addr() net.Addr {
	return l.listener.Addr()
}
