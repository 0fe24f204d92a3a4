package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fr13n8/tunsock/config"
	"github.com/fr13n8/tunsock/proxy"
	"github.com/fr13n8/tunsock/proxy/protocol"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/fr13n8/tunsock/proxy/transport/quic"
	"github.com/fr13n8/tunsock/proxy/transport/tcp"
	"github.com/fr13n8/tunsock/utils/certs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveListen      string
	serveTransport   string
	serveTLS         bool
	serveCertDir     string
	serveCertHost    string
	serveDeny        []string
	serveDialTimeout time.Duration
	serveMetricsAddr string
	serveWorkers     config.WorkerPool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a tunnel proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
)

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "0.0.0.0:8787", "listen address")
	serveCmd.Flags().StringVarP(&serveTransport, "transport", "t", config.TransportHTTP, "proxy transport: http, quic or tcp")
	serveCmd.Flags().BoolVar(&serveTLS, "tls", false, "serve http and tcp over TLS (quic always uses TLS)")
	serveCmd.Flags().StringVar(&serveCertDir, "cert-dir", config.CertDir, "directory of the self-signed certificate")
	serveCmd.Flags().StringVar(&serveCertHost, "cert-host", "localhost", "host name the certificate is issued for")
	serveCmd.Flags().StringSliceVar(&serveDeny, "deny", nil, "target hosts refused with 403, subdomains included")
	serveCmd.Flags().DurationVar(&serveDialTimeout, "dial-timeout", 5*time.Second, "timeout for dialing targets")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	serveCmd.Flags().IntVar(&serveWorkers.MinWorkers, "min-workers", config.DefaultWorkerPool.MinWorkers, "stream workers kept running (quic and tcp)")
	serveCmd.Flags().IntVar(&serveWorkers.MaxWorkers, "max-workers", config.DefaultWorkerPool.MaxWorkers, "stream workers at most; further streams queue, then get 503")
	serveCmd.Flags().IntVar(&serveWorkers.QueueSize, "worker-queue", config.DefaultWorkerPool.QueueSize, "streams waiting for a worker")
	serveCmd.Flags().DurationVar(&serveWorkers.IdleTimeout, "worker-idle", config.DefaultWorkerPool.IdleTimeout, "idle time after which extra workers stop")
}

type listener interface {
	Listen(ctx context.Context) error
	Addr() net.Addr
}

func runServe(ctx context.Context) error {
	conf := &config.ProxyServer{
		Address:        serveListen,
		Transport:      serveTransport,
		Deny:           serveDeny,
		DialTimeout:    serveDialTimeout,
		MetricsAddress: serveMetricsAddr,
		Workers:        serveWorkers,
	}

	if serveTLS || serveTransport == config.TransportQUIC {
		cm := certs.NewSelfSignedCertManager(serveCertHost, serveCertDir)
		var nextProtos []string
		if serveTransport == config.TransportHTTP {
			nextProtos = []string{"h2", "http/1.1"}
		}
		tlsConfig, err := cm.GetTLSConfig(nextProtos...)
		if err != nil {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		certHash, err := cm.GetCertHash()
		if err != nil {
			return fmt.Errorf("failed to hash certificate: %w", err)
		}
		log.Info().Str("cert", cm.CertPath).Msgf("proxy certificate hash: %X", certHash)
		conf.TLSConfig = tlsConfig
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := proxy.NewMetrics(reg)

	var (
		srv listener
		err error
	)
	switch serveTransport {
	case config.TransportHTTP:
		srv, err = proxy.NewHTTPServer(ctx, conf, metrics)
	case config.TransportQUIC, config.TransportTCP:
		var tr transport.Transport
		if serveTransport == config.TransportQUIC {
			tr = quic.NewQUICTransport(conf.TLSConfig, 0)
		} else {
			tr = tcp.NewTCPTransport(conf.TLSConfig, 0)
		}
		srv, err = proxy.NewServer(ctx, tr, conf, metrics)
	default:
		return fmt.Errorf("unknown transport %q", serveTransport)
	}
	if err != nil {
		return err
	}

	log.Info().Str("transport", serveTransport).Str("protocol", protocol.Name).Msg("serving tunnels")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(gctx)
	})
	if serveMetricsAddr != "" {
		g.Go(func() error {
			return proxy.ServeMetrics(gctx, serveMetricsAddr, reg)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("proxy stopped with error")
		return err
	}
	log.Info().Msg("proxy stopped")
	return nil
}
