package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fr13n8/tunsock/config"
	"github.com/fr13n8/tunsock/proxy/protocol"
	"github.com/fr13n8/tunsock/proxy/relay"
	"github.com/fr13n8/tunsock/proxy/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const requestTimeout = 10 * time.Second

// Server serves stream tunnels: every stream of an accepted connection
// carries one ConnectRequest followed by the tunnel bytes.
type Server struct {
	tunneler

	listener   transport.StreamListener
	sessions   *sessionManager
	connCh     chan transport.StreamConn
	workerPool *WorkerPool
}

func NewServer(ctx context.Context, tr transport.Transport, conf *config.ProxyServer, metrics *Metrics) (*Server, error) {
	listener, err := tr.Listen(ctx, conf.Address)
	if err != nil {
		return nil, fmt.Errorf("could not listen on address: %w", err)
	}

	wp := NewWorkerPool(conf.Workers)
	wp.Start()

	return &Server{
		tunneler:   newTunneler(conf.Transport, conf.Deny, conf.DialTimeout, metrics),
		listener:   listener,
		sessions:   newSessionManager(),
		connCh:     make(chan transport.StreamConn),
		workerPool: wp,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) ShutdownGracefully(ctx context.Context) error {
	log.Info().Int("sessions", s.sessions.count()).Msg("shutting down proxy server gracefully...")
	var errs []error

	if err := s.listener.Close(); err != nil && !relay.IsUseOfClosedNetworkError(err) {
		errs = append(errs, err)
	}

	if err := s.sessions.cleanup(); err != nil {
		errs = append(errs, err)
	}

	s.workerPool.Stop()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (s *Server) Listen(ctx context.Context) error {
	log.Info().Str("addr", fmt.Sprintf("%s/%s", s.listener.Addr().Network(), s.listener.Addr().String())).Msg("proxy server started")

	var g errgroup.Group

	g.Go(func() error {
		s.processConnection(ctx)
		return nil
	})

	g.Go(func() error {
		defer close(s.connCh)

		for {
			if err := ctx.Err(); err != nil {
				log.Info().Msg("stopping listener")
				return nil
			}

			conn, err := s.listener.Accept(ctx)
			if err != nil {
				if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, context.Canceled) || relay.IsUseOfClosedNetworkError(err) {
					log.Info().Msg("listener closed")
					return nil
				}
				log.Error().Err(err).Msg("failed to accept connection")
				continue
			}
			s.connCh <- conn
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), config.ShutdownTimeout) // Set a timeout for graceful shutdown
		defer stop()

		if err := s.ShutdownGracefully(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}

		return nil
	})

	return g.Wait()
}

func (s *Server) processConnection(ctx context.Context) {
	for conn := range s.connCh {
		go s.serveConn(ctx, conn)
	}
}

// serveConn accepts the streams of one client connection until it goes away.
func (s *Server) serveConn(ctx context.Context, conn transport.StreamConn) {
	id := s.sessions.add(conn)
	logger := log.With().Str("session", id).Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Info().Msg("client connected")

	defer func() {
		s.sessions.remove(id)
		conn.Close()
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) || errors.Is(err, context.Canceled) || relay.IsOKNetworkError(err) {
				logger.Info().Msg("client closed connection")
				return
			}
			logger.Error().Err(err).Msg("failed to accept stream")
			return
		}

		if err := s.workerPool.Submit(func() {
			s.handleStream(ctx, stream)
		}); err != nil {
			logger.Warn().Err(err).Int("workers", s.workerPool.Workers()).Msg("refusing stream")
			s.metrics.observe(s.transport, resultOverloaded)
			go s.reject(stream, http.StatusServiceUnavailable, "proxy overloaded")
		}
	}
}

func (s *Server) handleStream(ctx context.Context, stream transport.Stream) {
	// a stream that never sends its request must not hold a worker
	_ = stream.SetReadDeadline(time.Now().Add(requestTimeout))

	br := bufio.NewReader(stream)
	req, err := protocol.NewDecoder[protocol.ConnectRequest](br).Decode()
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		if !relay.IsOKNetworkError(err) {
			log.Error().Err(err).Msg("could not decode connect request")
		}
		stream.Close()
		return
	}

	logger := tunnelLogger(s.transport, req.Address)

	if err := s.authorize(ctx, req.Address, req.Header); err != nil {
		logger.Info().Err(err).Msg("tunnel rejected")
		s.reject(stream, http.StatusForbidden, rejectionBody(err))
		return
	}

	target, err := s.dial(ctx, req.Address)
	if err != nil {
		logger.Error().Err(err).Msg("could not dial target")
		s.reject(stream, http.StatusBadGateway, "could not reach target")
		return
	}

	encoder := protocol.NewEncoder[protocol.ConnectResponse](stream)
	if err := encoder.Encode(protocol.ConnectResponse{
		StatusCode: http.StatusOK,
		Status:     "200 Connection Established",
	}); err != nil {
		logger.Error().Err(err).Msg("could not encode connect response")
		stream.Close()
		target.Close()
		return
	}

	go s.relay(logger, &bufferedStream{Stream: stream, r: br}, target)
}

// reject answers with a non-2xx status followed by exactly Content-Length
// bytes of body, then closes the stream.
func (s *Server) reject(stream transport.Stream, code int, body string) {
	defer stream.Close()

	encoder := protocol.NewEncoder[protocol.ConnectResponse](stream)
	if err := encoder.Encode(protocol.ConnectResponse{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     http.Header{"Content-Length": {strconv.Itoa(len(body))}},
	}); err != nil {
		log.Error().Err(err).Msg("could not encode connect response")
		return
	}
	if _, err := stream.Write([]byte(body)); err != nil {
		log.Error().Err(err).Msg("could not write rejection body")
		return
	}
	_ = stream.CloseWrite()
}

// bufferedStream reads through the reader the request was decoded with, so
// tunnel bytes sent right behind the request are kept.
type bufferedStream struct {
	transport.Stream
	r *bufio.Reader
}

func (b *bufferedStream) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
