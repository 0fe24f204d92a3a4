package quic

import (
	"context"
	"crypto/tls"
	"net"
	"slices"

	"github.com/fr13n8/tunsock/proxy/protocol"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/quic-go/quic-go"
)

// QUICTransport implements the Transport interface for QUIC.
type QUICTransport struct {
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	poolSize   int
}

// NewQUICTransport creates a new QUICTransport instance. QUIC always runs over
// TLS; the tunsock ALPN is added to tlsConfig when missing.
func NewQUICTransport(tlsConfig *tls.Config, poolSize int) *QUICTransport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if !slices.Contains(tlsConfig.NextProtos, protocol.Name) {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = append(tlsConfig.NextProtos, protocol.Name)
	}
	return &QUICTransport{tlsConfig: tlsConfig, quicConfig: qConfig, poolSize: poolSize}
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (transport.StreamConn, error) {
	conn, err := quic.DialAddr(ctx, addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn, t.poolSize), nil
}

func (t *QUICTransport) Listen(ctx context.Context, addr string) (transport.StreamListener, error) {
	listener, err := quic.ListenAddr(addr, t.tlsConfig, t.quicConfig)
	if err != nil {
		return nil, err
	}
	return &QUICStreamListener{listener: listener}, nil
}

// QUICStreamConn wraps a quic.Connection as a StreamConn.
type QUICStreamConn struct {
	conn       quic.Connection
	streamPool *transport.StreamPool
}

func newStreamConn(conn quic.Connection, poolSize int) *QUICStreamConn {
	c := &QUICStreamConn{conn: conn}
	c.streamPool = transport.NewStreamPool(poolSize, c)
	return c
}

func (c *QUICStreamConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: stream}, nil
}

func (c *QUICStreamConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: stream}, nil
}

func (c *QUICStreamConn) Close() error {
	return c.CloseWithError(protocol.ApplicationOK, "")
}

func (c *QUICStreamConn) CloseWithError(code uint64, reason string) error {
	c.streamPool.Drain()
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *QUICStreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *QUICStreamConn) GetStream(ctx context.Context) (transport.Stream, error) {
	return c.streamPool.Get(ctx)
}

func (c *QUICStreamConn) PutStream(stream transport.Stream) {
	c.streamPool.Put(stream)
}

// Stream adapts a quic.Stream, whose Close only ends the sending side.
type Stream struct {
	quic.Stream
}

func (s *Stream) CloseWrite() error {
	return s.Stream.Close()
}

// Close ends both directions of the stream.
func (s *Stream) Close() error {
	s.Stream.CancelRead(streamCanceled)
	return s.Stream.Close()
}

// QUICStreamListener wraps a quic.Listener as a StreamListener.
type QUICStreamListener struct {
	listener *quic.Listener
}

func (l *QUICStreamListener) Accept(ctx context.Context) (transport.StreamConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newStreamConn(conn, 0), nil
}

func (l *QUICStreamListener) Close() error {
	return l.listener.Close()
}

func (l *QUICStreamListener) Addr() net.Addr {
	return l.listener.Addr()
}
