// Package tunnel implements the tunnel clients sockets are opened through:
// HTTP/1.1 and HTTP/2 CONNECT proxies, and the multiplexed stream proxy
// served by package proxy.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/fr13n8/tunsock/config"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/fr13n8/tunsock/proxy/transport/quic"
	"github.com/fr13n8/tunsock/proxy/transport/tcp"
	"github.com/fr13n8/tunsock/socket"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
)

const defaultStreamPoolSize = 4

type backend interface {
	open(ctx context.Context, address string) (*Conn, <-chan socket.TunnelStatus, error)
	close() error
}

// Client opens tunnels through one proxy. It implements socket.TunnelClient.
type Client struct {
	backend backend
	tls     *targetTLS
}

var _ socket.TunnelClient = (*Client)(nil)

// NewClient creates a Client for the proxy and transport in conf.
func NewClient(conf *config.TunnelDialer) (*Client, error) {
	tt, err := newTargetTLS(conf.Target)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(conf)
	if err != nil {
		return nil, err
	}
	return &Client{backend: b, tls: tt}, nil
}

func newBackend(conf *config.TunnelDialer) (backend, error) {
	switch conf.Transport {
	case config.TransportHTTP1, config.TransportHTTP2, config.TransportH2C:
		proxyURL, err := url.Parse(conf.ProxyAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		switch {
		case conf.Transport == config.TransportHTTP1 && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https"):
			return newH1Backend(proxyURL, conf.TLSConfig, conf.Header), nil
		case conf.Transport == config.TransportHTTP2 && proxyURL.Scheme == "https":
			return newH2Backend(proxyURL, conf.TLSConfig, conf.Header), nil
		case conf.Transport == config.TransportH2C && proxyURL.Scheme == "http":
			return newH2CBackend(proxyURL, conf.Header), nil
		}
		return nil, fmt.Errorf("proxy URL scheme %q does not fit transport %s", proxyURL.Scheme, conf.Transport)

	case config.TransportQUIC, config.TransportTCP:
		if _, _, err := net.SplitHostPort(conf.ProxyAddress); err != nil {
			return nil, fmt.Errorf("invalid proxy address: %w", err)
		}
		poolSize := conf.StreamPoolSize
		if poolSize <= 0 {
			poolSize = defaultStreamPoolSize
		}
		var tr transport.Transport
		if conf.Transport == config.TransportQUIC {
			tr = quic.NewQUICTransport(conf.TLSConfig, poolSize)
		} else {
			tr = tcp.NewTCPTransport(conf.TLSConfig, poolSize)
		}
		return newStreamBackend(tr, conf.ProxyAddress, conf.Header), nil
	}
	return nil, fmt.Errorf("unknown transport %q", conf.Transport)
}

// Open opens a tunnel to address. With useTLS the tunnel carries TLS to the
// target from the first byte; otherwise it can be upgraded once with STARTTLS.
func (c *Client) Open(ctx context.Context, address string, useTLS bool) (*socket.Tunnel, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	conn, status, err := c.backend.open(ctx, address)
	if err != nil {
		return nil, err
	}

	id := shortuuid.New()
	log.Debug().Str("tunnel", id).Str("address", address).Bool("tls", useTLS).Msg("tunnel requested")

	t := &socket.Tunnel{Conn: conn, Status: status}
	if useTLS {
		t.Conn = c.tls.wrap(conn, host)
		return t, nil
	}

	t.Upgrade = func(ctx context.Context, expectedHostname string) (socket.Connection, error) {
		sc, err := c.tls.handshake(ctx, conn, expectedHostname)
		if err != nil {
			log.Debug().Str("tunnel", id).Err(err).Msg("starttls handshake failed")
			return nil, err
		}
		log.Debug().Str("tunnel", id).Str("server_name", expectedHostname).Msg("starttls handshake complete")
		return sc, nil
	}
	return t, nil
}

// Close releases the proxy connection held by stream transports.
func (c *Client) Close() error {
	return c.backend.close()
}
