package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fr13n8/tunsock/config"
	"github.com/fr13n8/tunsock/tunnel"
	"github.com/fr13n8/tunsock/utils/certs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	logFile string
	verbose bool
)

var (
	dirPermMode  = os.FileMode(0744) // rwxr--r--
	filePermMode = os.FileMode(0644) // rw-r--r--
)

func createFileWriter(fullPath string) (io.Writer, error) {
	_, err := os.Stat(fullPath)
	if err != nil {
		if err := createDirFile(fullPath); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		return os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY, filePermMode)
	}

	return os.OpenFile(fullPath, os.O_APPEND|os.O_WRONLY, filePermMode)
}

func createDirFile(fullPath string) error {
	dir := filepath.Dir(fullPath)
	if _, err := os.Stat(dir); err != nil {
		if err := os.MkdirAll(dir, dirPermMode); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return nil
}

// initLogger sends logs to logFile. Console output goes to stderr, stdout
// carries tunnel data.
func initLogger(logFile string) error {
	if logFile == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out: os.Stderr,
			FormatTimestamp: func(i interface{}) string {
				return ""
			},
		})
		return nil
	}

	logFileWriter, err := createFileWriter(logFile)
	if err != nil {
		return fmt.Errorf("failed to create log file writer: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        logFileWriter,
		TimeFormat: time.DateTime,
		NoColor:    true,
	})
	return nil
}

// dialerFlags are shared by the commands that open tunnels.
type dialerFlags struct {
	proxy          string
	transport      string
	proxyTLS       bool
	proxyCA        string
	insecure       bool
	headers        []string
	streamPoolSize int
	fingerprint    string
	targetCA       string
	targetInsecure bool
}

func (f *dialerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.proxy, "proxy", "p", "", "proxy URL for h1/h2/h2c (e.g., http://127.0.0.1:8080), host:port for quic/tcp")
	cmd.Flags().StringVarP(&f.transport, "transport", "t", config.TransportHTTP1, "tunnel transport: h1, h2, h2c, quic or tcp")
	cmd.Flags().BoolVar(&f.proxyTLS, "proxy-tls", false, "use TLS to a tcp stream proxy (always on for quic)")
	cmd.Flags().StringVar(&f.proxyCA, "proxy-ca", "", "PEM file with certificates trusted for the proxy")
	cmd.Flags().BoolVarP(&f.insecure, "insecure", "k", false, "skip proxy certificate verification")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "header sent with tunnel requests (\"Name: value\")")
	cmd.Flags().IntVar(&f.streamPoolSize, "stream-pool", 0, "idle streams kept per stream proxy connection")
	cmd.Flags().StringVar(&f.fingerprint, "fingerprint", "", "TLS fingerprint towards targets: "+strings.Join(tunnel.Fingerprints(), ", "))
	cmd.Flags().StringVar(&f.targetCA, "target-ca", "", "PEM file with certificates trusted for targets")
	cmd.Flags().BoolVar(&f.targetInsecure, "target-insecure", false, "skip target certificate verification")
	_ = cmd.MarkFlagRequired("proxy")
}

func (f *dialerFlags) tunnelDialer() (*config.TunnelDialer, error) {
	header := make(http.Header)
	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	conf := &config.TunnelDialer{
		ProxyAddress:   f.proxy,
		Transport:      f.transport,
		Header:         header,
		StreamPoolSize: f.streamPoolSize,
		Target: config.TargetTLS{
			InsecureSkipVerify: f.targetInsecure,
			Fingerprint:        f.fingerprint,
		},
	}

	if f.targetCA != "" {
		pool, err := certs.LoadPool(f.targetCA)
		if err != nil {
			return nil, fmt.Errorf("failed to load target CA: %w", err)
		}
		conf.Target.RootCAs = pool
	}

	needTLS := f.transport == config.TransportQUIC || f.transport == config.TransportHTTP2 ||
		(f.transport == config.TransportTCP && f.proxyTLS) || strings.HasPrefix(f.proxy, "https://")
	if needTLS {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: f.insecure,
			MinVersion:         tls.VersionTLS12,
		}
		if f.proxyCA != "" {
			pool, err := certs.LoadPool(f.proxyCA)
			if err != nil {
				return nil, fmt.Errorf("failed to load proxy CA: %w", err)
			}
			tlsConfig.RootCAs = pool
		}
		conf.TLSConfig = tlsConfig
	}

	return conf, nil
}
