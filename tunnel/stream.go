package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fr13n8/tunsock/proxy/protocol"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/fr13n8/tunsock/socket"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff is used when dialing the proxy of a stream tunnel.
var DefaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// streamBackend opens tunnels as streams of one multiplexed proxy connection.
type streamBackend struct {
	tr      transport.Transport
	address string
	header  http.Header
	backoff wait.Backoff

	mu   sync.Mutex
	conn transport.StreamConn
}

func newStreamBackend(tr transport.Transport, address string, header http.Header) *streamBackend {
	return &streamBackend{
		tr:      tr,
		address: address,
		header:  header,
		backoff: DefaultBackoff,
	}
}

// session returns the proxy connection, dialing it if needed.
func (b *streamBackend) session(ctx context.Context) (transport.StreamConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return b.conn, nil
	}

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, b.backoff, func(ctx context.Context) (done bool, err error) {
		conn, err := b.tr.Dial(ctx, b.address)
		if err != nil {
			log.Debug().Err(err).Str("proxy", b.address).Msg("could not dial proxy, retrying")
			lastErr = err
			return false, nil
		}
		b.conn = conn
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("could not dial proxy %s: %w", b.address, lastErr)
		}
		return nil, err
	}

	log.Info().Str("proxy", b.address).Msg("connected to tunnel proxy")
	return b.conn, nil
}

// drop forgets a broken proxy connection so the next tunnel dials again.
func (b *streamBackend) drop(conn transport.StreamConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == conn {
		b.conn = nil
		conn.Close()
	}
}

func (b *streamBackend) open(ctx context.Context, address string) (*Conn, <-chan socket.TunnelStatus, error) {
	sess, err := b.session(ctx)
	if err != nil {
		return nil, nil, err
	}

	stream, err := sess.GetStream(ctx)
	if err != nil {
		b.drop(sess)
		return nil, nil, fmt.Errorf("could not open stream: %w", err)
	}

	encoder := protocol.NewEncoder[protocol.ConnectRequest](stream)
	if err := encoder.Encode(protocol.ConnectRequest{Address: address, Header: b.header}); err != nil {
		stream.Close()
		b.drop(sess)
		return nil, nil, fmt.Errorf("could not encode connect request: %w", err)
	}

	c := newConn(address, stream, nil)
	status := make(chan socket.TunnelStatus, 1)

	go func() {
		br := bufio.NewReader(stream)
		resp, err := protocol.NewDecoder[protocol.ConnectResponse](br).Decode()
		if err != nil {
			status <- socket.TunnelStatus{Err: fmt.Errorf("could not decode connect response: %w", err)}
			return
		}
		st := socket.TunnelStatus{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Header: resp.Header,
		}
		if isSuccess(resp.StatusCode) {
			c.open(br)
		} else {
			st.Body = br
		}
		status <- st
	}()

	return c, status, nil
}

func (b *streamBackend) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.CloseWithError(protocol.ApplicationOK, "client closing down")
	b.conn = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
