package socket

import "fmt"

// SecureTransport selects when, if ever, the socket runs over TLS.
type SecureTransport string

const (
	// SecureTransportOff never uses TLS.
	SecureTransportOff SecureTransport = "off"
	// SecureTransportStartTLS opens in plaintext and allows one StartTLS upgrade.
	SecureTransportStartTLS SecureTransport = "starttls"
	// SecureTransportOn asks the tunnel for TLS at open time.
	SecureTransportOn SecureTransport = "on"
)

// ParseSecureTransport maps a user supplied mode to a SecureTransport.
// The empty string means off.
func ParseSecureTransport(s string) (SecureTransport, error) {
	switch SecureTransport(s) {
	case "", SecureTransportOff:
		return SecureTransportOff, nil
	case SecureTransportStartTLS:
		return SecureTransportStartTLS, nil
	case SecureTransportOn:
		return SecureTransportOn, nil
	}
	return "", fmt.Errorf("%w: secureTransport %q", ErrInvalidOption, s)
}

// Options configures a socket at construction time. They are not changed afterwards.
type Options struct {
	SecureTransport SecureTransport

	// AllowHalfOpen keeps the write half open after the read half reaches EOF.
	AllowHalfOpen bool

	// WriteBufferSize enables buffering on the write half. Zero means every Write
	// goes straight to the connection.
	WriteBufferSize int
}

func (o Options) normalize() (Options, error) {
	mode, err := ParseSecureTransport(string(o.SecureTransport))
	if err != nil {
		return o, err
	}
	o.SecureTransport = mode
	if o.WriteBufferSize < 0 {
		return o, fmt.Errorf("%w: negative write buffer size", ErrInvalidOption)
	}
	return o, nil
}

// TLSOptions configures a StartTLS upgrade.
type TLSOptions struct {
	// ExpectedServerHostname overrides the hostname the certificate is checked
	// against. Defaults to the hostname the socket was connected to.
	ExpectedServerHostname string
}
