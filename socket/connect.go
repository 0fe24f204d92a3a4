package socket

import (
	"context"
	"fmt"
)

// Tunnel is an opened tunnel as handed over by a TunnelClient.
type Tunnel struct {
	Conn Connection

	// Status delivers the intermediary's answer. It may arrive after Open
	// returns; a nil channel means the tunnel is known to be open.
	Status <-chan TunnelStatus

	// Upgrade performs STARTTLS over Conn. Nil when TLS was requested at open.
	Upgrade UpgradeFunc
}

// TunnelClient opens tunnels through an intermediary.
type TunnelClient interface {
	Open(ctx context.Context, address string, useTLS bool) (*Tunnel, error)
}

// Dialer establishes sockets through a TunnelClient.
type Dialer struct {
	Tunnel TunnelClient

	// Disabled rejects every connection attempt with ErrUnsupportedContext.
	Disabled bool
}

// Connect opens a socket to a "host:port" address.
func (d *Dialer) Connect(ctx context.Context, address string, opts Options) (*Socket, error) {
	if err := d.supported(); err != nil {
		return nil, err
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return d.connect(ctx, addr, opts)
}

// ConnectAddress opens a socket to a structured address.
func (d *Dialer) ConnectAddress(ctx context.Context, addr Address, opts Options) (*Socket, error) {
	if err := d.supported(); err != nil {
		return nil, err
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	return d.connect(ctx, addr, opts)
}

func (d *Dialer) supported() error {
	if d == nil || d.Disabled || d.Tunnel == nil {
		return ErrUnsupportedContext
	}
	return nil
}

func (d *Dialer) connect(ctx context.Context, addr Address, opts Options) (*Socket, error) {
	secure := opts.SecureTransport == SecureTransportOn

	t, err := d.Tunnel.Open(ctx, addr.String(), secure)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportRejected, err)
	}

	s := newSocket(socketParams{
		conn:    t.Conn,
		opts:    opts,
		domain:  addr.Hostname,
		secure:  secure,
		upgrade: t.Upgrade,
	})
	if t.Status != nil {
		s.watchTunnelStatus(t.Status)
	} else {
		s.opened.settle(nil)
	}

	s.log.Debug().
		Str("address", addr.String()).
		Str("secure_transport", string(opts.SecureTransport)).
		Bool("allow_half_open", opts.AllowHalfOpen).
		Msg("socket connected")

	return s, nil
}
