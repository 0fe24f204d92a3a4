package socket

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
)

// TunnelStatus is the intermediary's answer to a tunnel request.
type TunnelStatus struct {
	Code   int
	Status string
	Header http.Header

	// Body carries the diagnostic body of a rejection, if the transport has one.
	Body io.Reader

	// Err is set when no status could be read at all.
	Err error
}

const (
	statusPending int32 = iota
	statusAwaitingBody
	statusSettled
)

// proxyStatusHandler turns a tunnel status into the socket's outcome. The
// awaiting-body state keeps the generic rejection from settling the socket
// while a diagnostic body is being read.
type proxyStatusHandler struct {
	s     *Socket
	state atomic.Int32
}

func (s *Socket) watchTunnelStatus(status <-chan TunnelStatus) {
	h := &proxyStatusHandler{s: s}
	go h.run(status)
}

func (h *proxyStatusHandler) run(status <-chan TunnelStatus) {
	select {
	case st, ok := <-status:
		if !ok {
			st = TunnelStatus{Err: errors.New("tunnel status unavailable")}
		}
		h.handle(st)
	case <-h.s.closed.Done():
	}
}

func (h *proxyStatusHandler) handle(st TunnelStatus) {
	if st.Err != nil {
		h.state.Store(statusSettled)
		h.reject(fmt.Errorf("%w: %w", ErrTransportRejected, st.Err))
		return
	}

	if st.Code >= 200 && st.Code < 300 {
		h.state.Store(statusSettled)
		h.s.opened.settle(nil)
		h.s.log.Debug().Int("status", st.Code).Msg("tunnel established")
		return
	}

	if st.Code == http.StatusForbidden && st.Body != nil {
		if n, ok := contentLength(st.Header); ok && h.state.CompareAndSwap(statusPending, statusAwaitingBody) {
			msg, err := readErrorBody(st.Body, n)
			if err != nil {
				h.s.log.Debug().Err(err).Msg("failed to read proxy error body")
			}
			if msg == "" {
				msg = genericProxyFailure
			}
			h.state.Store(statusSettled)
			h.reject(&ProxyError{StatusCode: st.Code, Status: st.Status, Message: msg})
		}
	}

	if h.state.CompareAndSwap(statusPending, statusSettled) {
		h.reject(&ProxyError{StatusCode: st.Code, Status: st.Status, Message: genericProxyFailure})
	}
}

// reject settles the socket with err and forcibly stops both halves.
func (h *proxyStatusHandler) reject(err error) {
	h.s.abort(err)
}

func contentLength(header http.Header) (int64, bool) {
	v := header.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// readErrorBody reads at most n bytes of body and decodes them as text.
func readErrorBody(body io.Reader, n int64) (string, error) {
	b, err := io.ReadAll(io.LimitReader(body, n))
	msg := strings.ToValidUTF8(string(b), "�")
	return strings.TrimRight(msg, "\r\n"), err
}
