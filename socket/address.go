package socket

import (
	"fmt"
	"net"
	"strconv"
)

const maxHostnameLength = 255

// Address is a validated tunnel target.
type Address struct {
	Hostname string
	Port     uint16
}

// String returns the address in host:port form, bracketing IPv6 literals.
func (a Address) String() string {
	return net.JoinHostPort(trimBrackets(a.Hostname), strconv.Itoa(int(a.Port)))
}

// ParseAddress splits a "host:port" string and validates both parts.
func ParseAddress(address string) (Address, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return Address{}, fmt.Errorf("%w: %q: bad port", ErrInvalidAddress, address)
	}

	addr := Address{Hostname: host, Port: uint16(p)}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// Validate applies the hostname syntax check and rejects port zero.
func (a Address) Validate() error {
	if !validHostname(a.Hostname) {
		return fmt.Errorf("%w: hostname %q", ErrInvalidAddress, a.Hostname)
	}
	if a.Port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidAddress)
	}
	return nil
}

// validHostname accepts 1..255 characters drawn from [A-Za-z0-9._:[]-], which
// covers DNS names as well as bracketed or bare IPv6 literals.
func validHostname(host string) bool {
	if len(host) == 0 || len(host) > maxHostnameLength {
		return false
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '[', c == ']', c == '-':
		default:
			return false
		}
	}
	return true
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
