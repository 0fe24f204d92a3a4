package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertManager defines the interface for managing TLS configuration
type CertManager interface {
	GetTLSConfig(nextProtos ...string) (*tls.Config, error)
}

// SelfSignedCertManager keeps a self-signed proxy certificate on disk,
// generating it on first use.
type SelfSignedCertManager struct {
	Host     string
	CertDir  string
	CertPath string
	KeyPath  string
	certDER  []byte
}

func NewSelfSignedCertManager(host, certDir string) *SelfSignedCertManager {
	return &SelfSignedCertManager{
		Host:     host,
		CertDir:  certDir,
		CertPath: filepath.Join(certDir, fmt.Sprintf("%s_cert.pem", host)),
		KeyPath:  filepath.Join(certDir, fmt.Sprintf("%s_key.pem", host)),
	}
}

// GetCertHash returns the SHA-256 fingerprint of the certificate, so clients
// can pin it.
func (cm *SelfSignedCertManager) GetCertHash() ([]byte, error) {
	if cm.certDER == nil {
		cert, err := cm.GetCertificate()
		if err != nil {
			return nil, err
		}
		cm.certDER = cert.Certificate[0]
	}

	fingerprint := sha256.Sum256(cm.certDER)
	return fingerprint[:], nil
}

// GetTLSConfig loads or generates the certificate and returns a server
// tls.Config advertising nextProtos.
func (cm *SelfSignedCertManager) GetTLSConfig(nextProtos ...string) (*tls.Config, error) {
	cert, err := cm.GetCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (cm *SelfSignedCertManager) GetCertificate() (*tls.Certificate, error) {
	if certExists(cm.CertPath, cm.KeyPath) {
		return loadCertificate(cm.CertPath, cm.KeyPath)
	}
	return cm.generateSelfSignedCert()
}

func (cm *SelfSignedCertManager) generateSelfSignedCert() (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour) // 1-year validity

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: cm.Host,
		},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(cm.Host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = []string{cm.Host}
	}

	cm.certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cm.CertDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create certificate directory: %w", err)
	}
	if err := writePEM(cm.CertPath, "CERTIFICATE", cm.certDER, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(cm.KeyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	return loadCertificate(cm.CertPath, cm.KeyPath)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}

// LoadPool reads PEM certificates from path into a pool for verifying peers.
func LoadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in " + path)
	}
	return pool, nil
}

func certExists(certPath, keyPath string) bool {
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return false
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return false
	}
	return true
}

func loadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
