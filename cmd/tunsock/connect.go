package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fr13n8/tunsock/socket"
	"github.com/fr13n8/tunsock/tunnel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	connectDialer          dialerFlags
	connectSecureTransport string
	connectStartTLS        bool
	connectServerName      string
	connectAllowHalfOpen   bool
	connectWriteBuffer     int

	connectCmd = &cobra.Command{
		Use:   "connect HOST:PORT",
		Short: "Pipe stdin and stdout through a tunneled socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), args[0])
		},
	}
)

func init() {
	connectDialer.register(connectCmd)
	connectCmd.Flags().StringVarP(&connectSecureTransport, "secure-transport", "s", string(socket.SecureTransportOff), "off, starttls or on")
	connectCmd.Flags().BoolVar(&connectStartTLS, "starttls", false, "upgrade to TLS as soon as the tunnel is open (implies --secure-transport starttls)")
	connectCmd.Flags().StringVar(&connectServerName, "server-name", "", "hostname the upgraded connection is verified against")
	connectCmd.Flags().BoolVar(&connectAllowHalfOpen, "allow-half-open", false, "keep writing after the peer finished sending")
	connectCmd.Flags().IntVar(&connectWriteBuffer, "write-buffer", 0, "buffer writes up to this many bytes")
}

func runConnect(ctx context.Context, address string) error {
	mode, err := socket.ParseSecureTransport(connectSecureTransport)
	if err != nil {
		return err
	}
	if connectStartTLS {
		mode = socket.SecureTransportStartTLS
	}

	conf, err := connectDialer.tunnelDialer()
	if err != nil {
		return err
	}
	client, err := tunnel.NewClient(conf)
	if err != nil {
		return err
	}
	defer client.Close()

	d := &socket.Dialer{Tunnel: client}
	s, err := d.Connect(ctx, address, socket.Options{
		SecureTransport: mode,
		AllowHalfOpen:   connectAllowHalfOpen,
		WriteBufferSize: connectWriteBuffer,
	})
	if err != nil {
		return err
	}

	if connectStartTLS {
		if err := s.Opened().Wait(ctx); err != nil {
			return fmt.Errorf("tunnel not opened: %w", err)
		}
		s, err = s.StartTLS(ctx, socket.TLSOptions{ExpectedServerHostname: connectServerName})
		if err != nil {
			return err
		}
	}

	log.Debug().Str("socket", s.ID()).Str("address", address).Bool("secure", s.Secure()).Msg("connected")
	return pipe(ctx, s, os.Stdin, os.Stdout, connectAllowHalfOpen)
}

// pipe copies stdin to the socket and the socket to stdout, and returns the
// outcome of the socket's closed signal. With allowHalfOpen the socket stays
// writable after the peer finished sending, until stdin runs dry.
func pipe(ctx context.Context, s *socket.Socket, stdin io.Reader, stdout io.Writer, allowHalfOpen bool) error {
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		w := s.WriteHalf()
		if _, err := io.Copy(w, stdin); err != nil {
			log.Debug().Err(err).Msg("stdin copy stopped")
			return
		}
		if err := w.Close(); err != nil && !errors.Is(err, socket.ErrStreamClosed) {
			log.Debug().Err(err).Msg("failed to close write half")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Closed().Done():
		}
	}()

	if _, err := io.Copy(stdout, s.ReadHalf()); err != nil {
		log.Debug().Err(err).Msg("stdout copy stopped")
	}
	if allowHalfOpen {
		select {
		case <-stdinDone:
		case <-s.Closed().Done():
		case <-ctx.Done():
		}
	}
	s.Close()

	return s.Closed().Err()
}
