package proxy

import (
	"context"
	"errors"
	"testing"
)

func TestDenyHosts(t *testing.T) {
	policy := DenyHosts("Blocked.test.", " ", "10.0.0.1")

	tests := []struct {
		target  string
		allowed bool
	}{
		{"blocked.test:443", false},
		{"BLOCKED.TEST:80", false},
		{"api.blocked.test:443", false},
		{"notblocked.test:443", true},
		{"example.com:443", true},
		{"10.0.0.1:22", false},
		{"[::1]:22", true},
		{"missing-port", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			err := policy(context.Background(), tt.target, nil)
			if (err == nil) != tt.allowed {
				t.Errorf("policy(%q) = %v, allowed %v", tt.target, err, tt.allowed)
			}
		})
	}
}

func TestDenyHostsEmpty(t *testing.T) {
	if err := DenyHosts()(context.Background(), "anything.test:1", nil); err != nil {
		t.Fatalf("expected empty deny list to allow, got %v", err)
	}
}

func TestRejectionBody(t *testing.T) {
	got := rejectionBody(errors.New("policy denies blocked.test"))
	if got != "blocked: policy denies blocked.test" {
		t.Errorf("rejectionBody = %q", got)
	}
}
