package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is returned when the target hostname or port fails validation.
	ErrInvalidAddress = errors.New("socket: invalid address")

	// ErrInvalidOption is returned for unrecognized socket options.
	ErrInvalidOption = errors.New("socket: invalid option")

	// ErrInvalidState is returned when StartTLS or Close is called on a socket that
	// cannot accept the operation in its current state.
	ErrInvalidState = errors.New("socket: invalid state")

	// ErrUnsupportedContext is returned when connecting without a tunnel client.
	ErrUnsupportedContext = errors.New("socket: tcp sockets are not available in this context")

	// ErrTransportRejected is returned when the tunnel could not be opened before any
	// status was observed.
	ErrTransportRejected = errors.New("socket: tunnel transport failed")

	// ErrProxyRejected is wrapped by every *ProxyError.
	ErrProxyRejected = errors.New("socket: proxy request failed")

	// ErrRemoteDisconnected is returned by writes after the peer dropped the connection.
	ErrRemoteDisconnected = errors.New("socket: remote disconnected")

	// ErrTLSHandshakeFailed is returned when a STARTTLS upgrade cannot complete.
	ErrTLSHandshakeFailed = errors.New("socket: tls handshake failed")

	// ErrStreamDetached is returned by writes on a half that was handed over to an upgrade.
	ErrStreamDetached = errors.New("socket: stream detached")

	// ErrStreamClosed is returned by writes on an aborted or closed write half.
	ErrStreamClosed = errors.New("socket: stream closed")
)

const genericProxyFailure = "proxy request failed"

// ProxyError represents a non-2xx tunnel status returned by the intermediary.
type ProxyError struct {
	// StatusCode is the status code returned by the proxy.
	StatusCode int

	// Status is the status line (e.g., "403 Forbidden"), if known.
	Status string

	// Message is the diagnostic body sent by the proxy, or a generic message.
	Message string
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("proxy returned %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("proxy returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrProxyRejected.
func (e *ProxyError) Unwrap() error {
	return ErrProxyRejected
}
