package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/fr13n8/tunsock/socket"
)

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// h1Backend opens tunnels through an HTTP/1.1 CONNECT proxy.
type h1Backend struct {
	proxyAddr string
	proxyHost string
	useTLS    bool
	tlsConfig *tls.Config
	header    http.Header
	dial      DialFunc
}

func newH1Backend(proxyURL *url.URL, tlsConfig *tls.Config, header http.Header) *h1Backend {
	useTLS := proxyURL.Scheme == "https"
	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		if useTLS {
			proxyHost = net.JoinHostPort(proxyHost, "443")
		} else {
			proxyHost = net.JoinHostPort(proxyHost, "80")
		}
	}

	return &h1Backend{
		proxyAddr: proxyHost,
		proxyHost: proxyURL.Hostname(),
		useTLS:    useTLS,
		tlsConfig: tlsConfig,
		header:    header,
		dial:      (&net.Dialer{}).DialContext,
	}
}

func (b *h1Backend) open(ctx context.Context, address string) (*Conn, <-chan socket.TunnelStatus, error) {
	conn, err := b.dial(ctx, "tcp", b.proxyAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to proxy: %w", err)
	}

	if b.useTLS {
		tlsConfig := b.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: b.proxyHost}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = b.proxyHost
		}
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("tls handshake with proxy failed: %w", err)
		}
		conn = tc
	}

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	for k, v := range b.header {
		req.Header[k] = v
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to write request: %w", err)
	}

	c := newConn(address, halfCloser{conn}, conn.LocalAddr())
	status := make(chan socket.TunnelStatus, 1)

	go func() {
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			status <- socket.TunnelStatus{Err: fmt.Errorf("failed to read response: %w", err)}
			return
		}
		if isSuccess(resp.StatusCode) {
			// Bytes the proxy sent past the response head are already in br.
			c.open(br)
		}
		status <- statusFromResponse(resp)
	}()

	return c, status, nil
}

func (b *h1Backend) close() error { return nil }

// halfCloser gives a proxy connection the half-close of the connection it wraps.
type halfCloser struct {
	net.Conn
}

func (h halfCloser) CloseWrite() error {
	if cw, ok := h.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("%T does not support half-close", h.Conn)
}
