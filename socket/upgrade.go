package socket

import (
	"context"
	"fmt"
)

// UpgradeFunc layers TLS over the socket's current connection. It is provided
// by the tunnel client and validates the peer against expectedHostname.
type UpgradeFunc func(ctx context.Context, expectedHostname string) (Connection, error)

func (s *Socket) checkUpgradable() error {
	switch {
	case s.secure:
		return fmt.Errorf("%w: socket is already secure", ErrInvalidState)
	case s.peerDomain == "":
		return fmt.Errorf("%w: socket has already been upgraded", ErrInvalidState)
	case s.upgrade == nil || s.opts.SecureTransport != SecureTransportStartTLS:
		return fmt.Errorf("%w: socket was not created with secureTransport %q", ErrInvalidState, SecureTransportStartTLS)
	case s.closed.Settled():
		return fmt.Errorf("%w: socket is closed", ErrInvalidState)
	}
	return nil
}

// StartTLS upgrades the socket to TLS in place. It first waits for the tunnel
// to open, so no handshake bytes go out before the intermediary accepted the
// tunnel. The receiver is finished by the time StartTLS returns: its halves
// are detached and Closed has settled. The returned socket runs over the
// encrypted connection.
func (s *Socket) StartTLS(ctx context.Context, opts TLSOptions) (*Socket, error) {
	s.mu.Lock()
	if err := s.checkUpgradable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	upgrade, domain := s.upgrade, s.peerDomain
	s.upgrade, s.peerDomain = nil, ""
	s.upgrading.Store(true)
	s.mu.Unlock()
	defer s.upgrading.Store(false)

	select {
	case <-s.opened.Done():
	case <-ctx.Done():
		s.abort(ctx.Err())
		return nil, fmt.Errorf("%w: waiting for tunnel: %w", ErrTLSHandshakeFailed, ctx.Err())
	}
	if err := s.opened.Err(); err != nil {
		// Closed already holds the reason the tunnel did not open.
		s.abort(err)
		return nil, fmt.Errorf("%w: %w", ErrTLSHandshakeFailed, err)
	}

	// Keeps the bytes underneath alive once this socket lets go of them.
	ref := s.conn.acquire()

	if err := s.write.Flush(); err != nil {
		return nil, s.failUpgrade(ref, fmt.Errorf("flush before upgrade: %w", err))
	}

	s.write.detach()
	if err := s.read.detach(); err != nil {
		return nil, s.failUpgrade(ref, err)
	}
	s.settle(nil)
	s.release()

	host := opts.ExpectedServerHostname
	if host == "" {
		host = domain
	}

	s.log.Debug().Str("host", host).Msg("starting tls upgrade")
	conn, err := upgrade(ctx, host)
	if err != nil {
		_ = ref.release()
		return nil, fmt.Errorf("%w: %w", ErrTLSHandshakeFailed, err)
	}
	ref.handoff()

	ns := newSocket(socketParams{
		conn:   conn,
		opts:   s.opts,
		domain: host,
		secure: true,
	})
	ns.opened.settle(nil)
	ns.log.Debug().Str("previous", s.id).Msg("socket upgraded to tls")

	return ns, nil
}

// failUpgrade finishes the socket with err before any handshake byte was sent
// and drops the upgrade's reference, closing the connection.
func (s *Socket) failUpgrade(ref *sharedConn, err error) error {
	_ = s.read.detach()
	s.write.detach()
	s.settle(err)
	s.release()
	_ = ref.release()
	return fmt.Errorf("%w: %w", ErrTLSHandshakeFailed, err)
}
