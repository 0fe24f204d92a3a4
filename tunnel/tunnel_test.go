package tunnel_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fr13n8/tunsock/config"
	"github.com/fr13n8/tunsock/proxy"
	"github.com/fr13n8/tunsock/proxy/transport/tcp"
	"github.com/fr13n8/tunsock/socket"
	"github.com/fr13n8/tunsock/tunnel"
	"github.com/fr13n8/tunsock/utils/certs"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const deniedHost = "blocked.test"

// startProxy starts a proxy for transport and returns the address a
// TunnelDialer should use.
func startProxy(t *testing.T, transport string) string {
	t.Helper()
	deny := []string{deniedHost}

	switch transport {
	case config.TransportHTTP1:
		srv := httptest.NewServer(proxy.NewHandler(deny, time.Second, nil))
		t.Cleanup(srv.Close)
		return srv.URL

	case config.TransportH2C:
		srv := httptest.NewServer(h2c.NewHandler(proxy.NewHandler(deny, time.Second, nil), &http2.Server{}))
		t.Cleanup(srv.Close)
		return srv.URL

	case config.TransportTCP:
		ctx, cancel := context.WithCancel(context.Background())
		srv, err := proxy.NewServer(ctx, tcp.NewTCPTransport(nil, 0), &config.ProxyServer{
			Address:     "127.0.0.1:0",
			Transport:   config.TransportTCP,
			Deny:        deny,
			DialTimeout: time.Second,
		}, nil)
		if err != nil {
			cancel()
			t.Fatalf("NewServer: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			srv.Listen(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return srv.Addr().String()
	}

	t.Fatalf("no proxy for transport %s", transport)
	return ""
}

func newDialer(t *testing.T, transport, proxyAddr string, target config.TargetTLS) *socket.Dialer {
	t.Helper()
	client, err := tunnel.NewClient(&config.TunnelDialer{
		ProxyAddress: proxyAddr,
		Transport:    transport,
		Target:       target,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return &socket.Dialer{Tunnel: client}
}

// serve accepts connections on a loopback listener and hands each to handle.
func serve(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// echo copies until EOF, then half-closes.
func echo(conn net.Conn) {
	io.Copy(conn, conn)
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		hc.CloseWrite()
	}
}

func testTLSConfig(t *testing.T) (*tls.Config, config.TargetTLS) {
	t.Helper()
	cm := certs.NewSelfSignedCertManager("echo.test", t.TempDir())
	conf, err := cm.GetTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	pool, err := certs.LoadPool(cm.CertPath)
	if err != nil {
		t.Fatal(err)
	}
	return conf, config.TargetTLS{RootCAs: pool}
}

var transports = []string{config.TransportHTTP1, config.TransportH2C, config.TransportTCP}

func TestTunnelEcho(t *testing.T) {
	target := serve(t, echo)

	for _, tr := range transports {
		t.Run(tr, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			d := newDialer(t, tr, startProxy(t, tr), config.TargetTLS{})
			s, err := d.Connect(ctx, target, socket.Options{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer s.Close()

			if _, err := s.WriteHalf().Write([]byte("ping")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			buf := make([]byte, 4)
			if _, err := io.ReadFull(s.ReadHalf(), buf); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if string(buf) != "ping" {
				t.Errorf("got %q", buf)
			}
			if err := s.Opened().Wait(ctx); err != nil {
				t.Errorf("Opened: %v", err)
			}
		})
	}
}

func TestTunnelHalfClose(t *testing.T) {
	target := serve(t, echo)

	for _, tr := range transports {
		t.Run(tr, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			d := newDialer(t, tr, startProxy(t, tr), config.TargetTLS{})
			s, err := d.Connect(ctx, target, socket.Options{AllowHalfOpen: true})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer s.Close()

			if _, err := s.WriteHalf().Write([]byte("last words")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := s.WriteHalf().Close(); err != nil {
				t.Fatalf("close write half: %v", err)
			}

			got, err := io.ReadAll(s.ReadHalf())
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != "last words" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestTunnelRejected(t *testing.T) {
	for _, tr := range transports {
		t.Run(tr, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			d := newDialer(t, tr, startProxy(t, tr), config.TargetTLS{})
			s, err := d.Connect(ctx, deniedHost+":443", socket.Options{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}

			err = s.Closed().Wait(ctx)
			var perr *socket.ProxyError
			if !errors.As(err, &perr) {
				t.Fatalf("expected a proxy error, got %v", err)
			}
			if !errors.Is(err, socket.ErrProxyRejected) {
				t.Errorf("error does not match ErrProxyRejected: %v", err)
			}
			if perr.StatusCode != 403 {
				t.Errorf("status code = %d", perr.StatusCode)
			}
			if perr.Message != "blocked: policy denies "+deniedHost {
				t.Errorf("message = %q", perr.Message)
			}
			if err := s.Opened().Wait(ctx); err == nil {
				t.Error("expected Opened to fail")
			}
		})
	}
}

func TestTunnelTLSAtOpen(t *testing.T) {
	tlsConf, targetTLS := testTLSConfig(t)
	target := serve(t, func(conn net.Conn) {
		echo(tls.Server(conn, tlsConf))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newDialer(t, config.TransportHTTP1, startProxy(t, config.TransportHTTP1), targetTLS)
	s, err := d.Connect(ctx, target, socket.Options{SecureTransport: socket.SecureTransportOn})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if _, err := s.WriteHalf().Write([]byte("secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 6)
	if _, err := io.ReadFull(s.ReadHalf(), buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "secret" {
		t.Errorf("got %q", buf)
	}
}

// starttls answers a STARTTLS line, then echoes over TLS.
func starttls(tlsConf *tls.Config) func(net.Conn) {
	return func(conn net.Conn) {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil || strings.TrimSpace(line) != "STARTTLS" {
			return
		}
		if _, err := conn.Write([]byte("OK\n")); err != nil {
			return
		}
		echo(tls.Server(conn, tlsConf))
	}
}

func TestTunnelStartTLS(t *testing.T) {
	tlsConf, targetTLS := testTLSConfig(t)
	target := serve(t, starttls(tlsConf))

	for _, tr := range transports {
		t.Run(tr, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			d := newDialer(t, tr, startProxy(t, tr), targetTLS)
			s, err := d.Connect(ctx, target, socket.Options{SecureTransport: socket.SecureTransportStartTLS})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}

			if _, err := s.WriteHalf().Write([]byte("STARTTLS\n")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			reply := make([]byte, 3)
			if _, err := io.ReadFull(s.ReadHalf(), reply); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if string(reply) != "OK\n" {
				t.Fatalf("reply = %q", reply)
			}

			secure, err := s.StartTLS(ctx, socket.TLSOptions{ExpectedServerHostname: "echo.test"})
			if err != nil {
				t.Fatalf("StartTLS: %v", err)
			}
			defer secure.Close()

			if !s.Closed().Settled() {
				t.Error("plaintext socket not settled after upgrade")
			}
			if !secure.Secure() {
				t.Error("upgraded socket is not secure")
			}

			if _, err := secure.WriteHalf().Write([]byte("encrypted")); err != nil {
				t.Fatalf("secure Write: %v", err)
			}
			buf := make([]byte, 9)
			if _, err := io.ReadFull(secure.ReadHalf(), buf); err != nil {
				t.Fatalf("secure Read: %v", err)
			}
			if string(buf) != "encrypted" {
				t.Errorf("got %q", buf)
			}
		})
	}
}

func TestTunnelStartTLSWrongHostname(t *testing.T) {
	tlsConf, targetTLS := testTLSConfig(t)
	target := serve(t, starttls(tlsConf))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := newDialer(t, config.TransportHTTP1, startProxy(t, config.TransportHTTP1), targetTLS)
	s, err := d.Connect(ctx, target, socket.Options{SecureTransport: socket.SecureTransportStartTLS})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.WriteHalf().Write([]byte("STARTTLS\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := io.ReadFull(s.ReadHalf(), make([]byte, 3)); err != nil {
		t.Fatalf("Read: %v", err)
	}

	_, err = s.StartTLS(ctx, socket.TLSOptions{ExpectedServerHostname: "other.test"})
	if !errors.Is(err, socket.ErrTLSHandshakeFailed) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
}

func TestTunnelStartTLSOnRejectedTunnel(t *testing.T) {
	for _, tr := range transports {
		t.Run(tr, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			d := newDialer(t, tr, startProxy(t, tr), config.TargetTLS{})
			s, err := d.Connect(ctx, deniedHost+":25", socket.Options{SecureTransport: socket.SecureTransportStartTLS})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}

			secure, err := s.StartTLS(ctx, socket.TLSOptions{})
			if secure != nil {
				secure.Close()
				t.Fatal("upgrade succeeded on a rejected tunnel")
			}
			if !errors.Is(err, socket.ErrTLSHandshakeFailed) {
				t.Fatalf("expected ErrTLSHandshakeFailed, got %v", err)
			}
			var perr *socket.ProxyError
			if !errors.As(err, &perr) {
				t.Fatalf("expected the proxy error, got %v", err)
			}
			if perr.Message != "blocked: policy denies "+deniedHost {
				t.Errorf("message = %q", perr.Message)
			}
			if !errors.As(s.Closed().Err(), &perr) {
				t.Errorf("closed = %v", s.Closed().Err())
			}
		})
	}
}
