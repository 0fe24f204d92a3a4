package tunnel

import (
	"context"
	"crypto/tls"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/fr13n8/tunsock/socket"
	"golang.org/x/net/http2"
)

// h2Backend opens tunnels as HTTP/2 CONNECT streams, over TLS or cleartext (h2c).
type h2Backend struct {
	proxyURL  *url.URL
	transport *http2.Transport
	header    http.Header
}

func newH2Backend(proxyURL *url.URL, tlsConfig *tls.Config, header http.Header) *h2Backend {
	return &h2Backend{
		proxyURL:  proxyURL,
		transport: &http2.Transport{TLSClientConfig: tlsConfig},
		header:    header,
	}
}

func newH2CBackend(proxyURL *url.URL, header http.Header) *h2Backend {
	dial := (&net.Dialer{}).DialContext
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			// Return cleartext connection for h2c
			return dial(ctx, network, addr)
		},
	}
	return &h2Backend{
		proxyURL:  proxyURL,
		transport: transport,
		header:    header,
	}
}

func (b *h2Backend) open(ctx context.Context, address string) (*Conn, <-chan socket.TunnelStatus, error) {
	// The stream outlives ctx.
	streamCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    b.proxyURL,
		Host:   address,
		Header: make(http.Header),
		Body:   pr,
		// ContentLength must be -1 for CONNECT to signal streaming body
		ContentLength: -1,
	}
	maps.Copy(req.Header, b.header)
	req = req.WithContext(streamCtx)

	raw := &h2Stream{pw: pw, cancel: cancel}
	c := newConn(address, raw, nil)
	status := make(chan socket.TunnelStatus, 1)

	go func() {
		resp, err := b.transport.RoundTrip(req)
		if err != nil {
			pr.CloseWithError(err)
			status <- socket.TunnelStatus{Err: err}
			return
		}
		raw.setBody(resp.Body)
		if isSuccess(resp.StatusCode) {
			c.open(resp.Body)
		}
		status <- statusFromResponse(resp)
	}()

	return c, status, nil
}

func (b *h2Backend) close() error {
	b.transport.CloseIdleConnections()
	return nil
}

// h2Stream is the sending side of an HTTP/2 CONNECT stream: the request body
// pipe. Closing it also cancels the request and releases the response body.
type h2Stream struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc

	mu     sync.Mutex
	body   io.Closer
	closed bool
}

func (s *h2Stream) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// CloseWrite ends the request body, which the proxy reads as EOF.
func (s *h2Stream) CloseWrite() error {
	return s.pw.Close()
}

func (s *h2Stream) setBody(body io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		body.Close()
		return
	}
	s.body = body
}

func (s *h2Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	body := s.body
	s.mu.Unlock()

	s.cancel()
	s.pw.CloseWithError(net.ErrClosed)
	if body != nil {
		return body.Close()
	}
	return nil
}
