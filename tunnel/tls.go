package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/fr13n8/tunsock/config"
	utls "github.com/refraction-networking/utls"
)

// fingerprints maps profile names to uTLS ClientHello specs.
var fingerprints = map[string]utls.ClientHelloID{
	"chrome":     utls.HelloChrome_Auto,
	"firefox":    utls.HelloFirefox_Auto,
	"safari":     utls.HelloSafari_Auto,
	"edge":       utls.HelloEdge_Auto,
	"ios":        utls.HelloIOS_Auto,
	"android":    utls.HelloAndroid_11_OkHttp,
	"randomized": utls.HelloRandomizedNoALPN,
	"golang":     utls.HelloGolang,
}

// Fingerprints lists the accepted TLS fingerprint names.
func Fingerprints() []string {
	names := make([]string, 0, len(fingerprints))
	for name := range fingerprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseFingerprint(name string) (utls.ClientHelloID, bool, error) {
	if name == "" {
		return utls.ClientHelloID{}, false, nil
	}
	id, ok := fingerprints[strings.ToLower(name)]
	if !ok {
		return utls.ClientHelloID{}, false, fmt.Errorf("unknown tls fingerprint %q, expected one of %s", name, strings.Join(Fingerprints(), ", "))
	}
	return id, true, nil
}

// targetTLS builds TLS sessions between the client and tunnel targets, both
// when TLS is requested at open and for STARTTLS upgrades.
type targetTLS struct {
	rootCAs       *x509.CertPool
	insecure      bool
	helloID       utls.ClientHelloID
	fingerprinted bool
}

func newTargetTLS(conf config.TargetTLS) (*targetTLS, error) {
	id, fingerprinted, err := parseFingerprint(conf.Fingerprint)
	if err != nil {
		return nil, err
	}
	return &targetTLS{
		rootCAs:       conf.RootCAs,
		insecure:      conf.InsecureSkipVerify,
		helloID:       id,
		fingerprinted: fingerprinted,
	}, nil
}

// tlsConn is satisfied by both *tls.Conn and *utls.UConn.
type tlsConn interface {
	net.Conn
	CloseWrite() error
	HandshakeContext(ctx context.Context) error
}

func (c *targetTLS) client(base net.Conn, serverName string) tlsConn {
	if c.fingerprinted {
		return utls.UClient(base, &utls.Config{
			ServerName:         serverName,
			RootCAs:            c.rootCAs,
			InsecureSkipVerify: c.insecure,
		}, c.helloID)
	}
	return tls.Client(base, &tls.Config{
		ServerName:         serverName,
		RootCAs:            c.rootCAs,
		InsecureSkipVerify: c.insecure,
		MinVersion:         tls.VersionTLS12,
	})
}

// wrap layers TLS over base; the handshake runs on first use.
func (c *targetTLS) wrap(base *Conn, serverName string) *secureConn {
	return &secureConn{tlsConn: c.client(base, serverName), base: base}
}

// handshake layers TLS over base and completes the handshake.
func (c *targetTLS) handshake(ctx context.Context, base *Conn, serverName string) (*secureConn, error) {
	sc := c.wrap(base, serverName)
	if err := sc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return sc, nil
}

// secureConn is a TLS session over a tunnel.
type secureConn struct {
	tlsConn
	base *Conn
}

// CloseWrite sends close_notify and half-closes the tunnel underneath.
func (s *secureConn) CloseWrite() error {
	// close_notify fails before the handshake completed; the tunnel is
	// half-closed either way.
	_ = s.tlsConn.CloseWrite()
	return s.base.CloseWrite()
}

func (s *secureConn) WriteDisconnected() <-chan struct{} {
	return s.base.WriteDisconnected()
}
