package tunnel

import (
	"sort"
	"testing"

	"github.com/fr13n8/tunsock/config"
	utls "github.com/refraction-networking/utls"
)

func TestParseFingerprint(t *testing.T) {
	tests := []struct {
		name          string
		fingerprinted bool
		want          utls.ClientHelloID
		wantErr       bool
	}{
		{name: "", fingerprinted: false},
		{name: "chrome", fingerprinted: true, want: utls.HelloChrome_Auto},
		{name: "Firefox", fingerprinted: true, want: utls.HelloFirefox_Auto},
		{name: "randomized", fingerprinted: true, want: utls.HelloRandomizedNoALPN},
		{name: "netscape", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, fingerprinted, err := parseFingerprint(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if fingerprinted != tt.fingerprinted {
				t.Errorf("fingerprinted = %v", fingerprinted)
			}
			if id != tt.want {
				t.Errorf("id = %v, want %v", id, tt.want)
			}
		})
	}
}

func TestFingerprintsSorted(t *testing.T) {
	names := Fingerprints()
	if len(names) != len(fingerprints) {
		t.Fatalf("got %d names", len(names))
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("names not sorted: %v", names)
	}
}

func TestTargetTLSClient(t *testing.T) {
	plain, err := newTargetTLS(config.TargetTLS{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := plain.client(nil, "example.com").(*utls.UConn); ok {
		t.Error("expected crypto/tls client without a fingerprint")
	}

	fp, err := newTargetTLS(config.TargetTLS{Fingerprint: "chrome"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fp.client(nil, "example.com").(*utls.UConn); !ok {
		t.Error("expected uTLS client for a fingerprint")
	}

	if _, err := newTargetTLS(config.TargetTLS{Fingerprint: "bogus"}); err == nil {
		t.Error("expected an error for an unknown fingerprint")
	}
}
