package config

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"
)

var (
	ShutdownTimeout = 2 * time.Second
	CertDir         = "/etc/tunsock"
)

// Transports understood by the tunnel proxy and the tunnel client.
const (
	TransportHTTP1 = "h1"
	TransportHTTP2 = "h2"
	TransportH2C   = "h2c"
	TransportQUIC  = "quic"
	TransportTCP   = "tcp"

	// TransportHTTP serves HTTP/1.1 and HTTP/2 CONNECT on one listener.
	TransportHTTP = "http"
)

type ProxyServer struct {
	Address   string
	Transport string
	TLSConfig *tls.Config

	// Deny lists target hosts refused with 403.
	Deny []string

	DialTimeout    time.Duration
	MetricsAddress string

	// Workers sizes the pool that reads stream tunnel requests.
	Workers WorkerPool
}

// DefaultWorkerPool fills the zero fields of a WorkerPool.
var DefaultWorkerPool = WorkerPool{
	MinWorkers:  4,
	MaxWorkers:  256,
	QueueSize:   1024,
	IdleTimeout: 30 * time.Second,
}

type WorkerPool struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// WithDefaults returns w with zero fields taken from DefaultWorkerPool and
// MinWorkers capped at MaxWorkers.
func (w WorkerPool) WithDefaults() WorkerPool {
	if w.MinWorkers <= 0 {
		w.MinWorkers = DefaultWorkerPool.MinWorkers
	}
	if w.MaxWorkers <= 0 {
		w.MaxWorkers = DefaultWorkerPool.MaxWorkers
	}
	if w.QueueSize <= 0 {
		w.QueueSize = DefaultWorkerPool.QueueSize
	}
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = DefaultWorkerPool.IdleTimeout
	}
	if w.MinWorkers > w.MaxWorkers {
		w.MinWorkers = w.MaxWorkers
	}
	return w
}

type TunnelDialer struct {
	// ProxyAddress is a URL for HTTP transports and host:port for stream transports.
	ProxyAddress string
	Transport    string
	TLSConfig    *tls.Config

	// Header is sent with every tunnel request.
	Header http.Header

	StreamPoolSize int
	Target         TargetTLS
}

// TargetTLS configures TLS towards tunnel targets.
type TargetTLS struct {
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool

	// Fingerprint selects a uTLS ClientHello profile. Empty uses crypto/tls.
	Fingerprint string
}
