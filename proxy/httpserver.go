package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/fr13n8/tunsock/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// HTTPServer serves CONNECT tunnels over HTTP/1.1 and HTTP/2. Without TLS it
// speaks h2c next to HTTP/1.1.
type HTTPServer struct {
	listener net.Listener
	server   *http.Server
}

func NewHTTPServer(ctx context.Context, conf *config.ProxyServer, metrics *Metrics) (*HTTPServer, error) {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", conf.Address)
	if err != nil {
		return nil, fmt.Errorf("could not listen on address: %w", err)
	}

	handler := NewHandler(conf.Deny, conf.DialTimeout, metrics)
	srv := &http.Server{}

	if conf.TLSConfig != nil {
		srv.TLSConfig = conf.TLSConfig.Clone()
		srv.Handler = handler
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			listener.Close()
			return nil, fmt.Errorf("could not configure http2: %w", err)
		}
		listener = tls.NewListener(listener, srv.TLSConfig)
	} else {
		srv.Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	return &HTTPServer{listener: listener, server: srv}, nil
}

func (s *HTTPServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *HTTPServer) Listen(ctx context.Context) error {
	log.Info().Str("addr", fmt.Sprintf("%s/%s", s.listener.Addr().Network(), s.listener.Addr().String())).Msg("proxy server started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down proxy server gracefully...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer stop()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}
