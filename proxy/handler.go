package proxy

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fr13n8/tunsock/config"
	"github.com/rs/zerolog"
)

// Handler serves HTTP CONNECT tunnels. HTTP/1.1 requests are hijacked,
// HTTP/2 requests are relayed over the full duplex request stream.
type Handler struct {
	tunneler
}

// NewHandler returns a CONNECT handler that refuses the hosts in deny.
func NewHandler(deny []string, dialTimeout time.Duration, metrics *Metrics) *Handler {
	return &Handler{tunneler: newTunneler(config.TransportHTTP, deny, dialTimeout, metrics)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// HTTP/2 CONNECT carries the target in :authority.
	target := req.Host
	if req.ProtoMajor == 1 {
		target = req.RequestURI
	}
	if target == "" || target == "/" {
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return
	}

	logger := tunnelLogger(req.Proto, target)

	if err := h.authorize(req.Context(), target, req.Header); err != nil {
		logger.Info().Err(err).Msg("tunnel rejected")
		writeRejection(w, http.StatusForbidden, rejectionBody(err))
		return
	}

	upstream, err := h.dial(req.Context(), target)
	if err != nil {
		logger.Error().Err(err).Msg("could not dial target")
		writeRejection(w, http.StatusBadGateway, "could not reach target")
		return
	}

	if req.ProtoMajor == 2 {
		h.serveH2(logger, w, req, upstream)
		return
	}
	h.serveH1(logger, w, upstream)
}

func (h *Handler) serveH1(logger zerolog.Logger, w http.ResponseWriter, upstream net.Conn) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		logger.Error().Err(err).Msg("hijack failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if _, err := bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		client.Close()
		upstream.Close()
		logger.Error().Err(err).Msg("could not write connect response")
		return
	}

	// hijacked connections outlive the request
	go h.relay(logger, &hijackedConn{Conn: client, r: bufrw.Reader}, upstream)
}

// serveH2 stays in the handler for as long as the response stream is needed:
// returning ends the stream towards the client.
func (h *Handler) serveH2(logger zerolog.Logger, w http.ResponseWriter, req *http.Request, upstream net.Conn) {
	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		upstream.Close()
		logger.Error().Err(err).Msg("could not enable full duplex")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		upstream.Close()
		logger.Error().Err(err).Msg("could not flush connect response")
		return
	}

	stream := &h2Stream{
		req:  req,
		w:    w,
		rc:   rc,
		done: make(chan struct{}),
	}
	go h.relay(logger, stream, upstream)

	select {
	case <-stream.done:
	case <-req.Context().Done():
		// the relay may still be writing; wait for it to let go of w
		upstream.Close()
		<-stream.done
	}
}

func writeRejection(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// hijackedConn reads through the server's buffered reader, which may already
// hold bytes the client sent right behind the CONNECT request.
type hijackedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *hijackedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *hijackedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// h2Stream is the tunnel side of an HTTP/2 CONNECT: the request body going
// up and the response body coming down.
type h2Stream struct {
	req  *http.Request
	w    http.ResponseWriter
	rc   *http.ResponseController
	once sync.Once
	done chan struct{}
}

func (s *h2Stream) Read(p []byte) (int, error) {
	return s.req.Body.Read(p)
}

func (s *h2Stream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.rc.Flush()
}

// CloseWrite releases the handler, which ends the response stream.
func (s *h2Stream) CloseWrite() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *h2Stream) Close() error {
	err := s.req.Body.Close()
	s.CloseWrite()
	return err
}
