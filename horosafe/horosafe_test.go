package horosafe

import (
	"errors"
	"net"
	"testing"
)

func TestValidateURL_Blocking(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://93.184.216.34/", false},
		{"about:blank", false},
		{"ftp://evil.com/data", true},      // bad scheme
		{"javascript:alert(1)", true},      // bad scheme
		{"http://127.0.0.1/admin", true},   // loopback
		{"http://10.0.0.1/internal", true}, // private
		{"http://192.168.1.1/api", true},   // private
		{"http://[::1]/api", true},         // IPv6 loopback
		{"http://172.16.0.1/secret", true}, // private
		{"http:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url, true)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q, true) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateURL_PrivateAllowed(t *testing.T) {
	// WHAT: Without blocking, intranet dashboards are valid targets.
	// WHY: The default deployment watches internal pages.
	for _, u := range []string{"http://127.0.0.1:3000/", "http://10.0.0.1/grafana", "https://example.org"} {
		if err := ValidateURL(u, false); err != nil {
			t.Errorf("ValidateURL(%q, false): unexpected error %v", u, err)
		}
	}
	if err := ValidateURL("file:///etc/passwd", false); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("file scheme: got %v, want ErrUnsafeScheme", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", tt.ip)
		}
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
