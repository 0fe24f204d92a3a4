package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Policy decides whether a tunnel to target may be opened. A non-nil error
// rejects the tunnel with 403 Forbidden; its text becomes the diagnostic body.
type Policy func(ctx context.Context, target string, header http.Header) error

// AllowAll accepts every tunnel.
func AllowAll(context.Context, string, http.Header) error { return nil }

// DenyHosts rejects tunnels to the given hosts and their subdomains.
func DenyHosts(hosts ...string) Policy {
	denied := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
		if h != "" {
			denied = append(denied, h)
		}
	}
	if len(denied) == 0 {
		return AllowAll
	}

	return func(_ context.Context, target string, _ http.Header) error {
		host, _, err := net.SplitHostPort(target)
		if err != nil {
			return fmt.Errorf("malformed target %q", target)
		}
		host = strings.ToLower(strings.TrimSuffix(host, "."))
		for _, d := range denied {
			if host == d || strings.HasSuffix(host, "."+d) {
				return fmt.Errorf("policy denies %s", host)
			}
		}
		return nil
	}
}

// rejectionBody is the diagnostic body sent with a policy rejection.
func rejectionBody(err error) string {
	return "blocked: " + err.Error()
}
