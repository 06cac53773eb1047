package guard

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{
			name:       "direct client, no headers",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted peer cannot spoof via XFF",
			remoteAddr: "203.0.113.7:51234",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "trusted proxy, single XFF hop",
			remoteAddr: "10.0.0.5:8080",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "trusted proxy, XFF chain takes first hop",
			remoteAddr: "192.168.1.1:443",
			xff:        "198.51.100.1, 10.0.0.5, 172.16.0.9",
			want:       "198.51.100.1",
		},
		{
			name:       "trusted proxy, X-Real-IP fallback",
			remoteAddr: "127.0.0.1:3000",
			xri:        "198.51.100.2",
			want:       "198.51.100.2",
		},
		{
			name:       "trusted proxy, garbage XFF falls through to X-Real-IP",
			remoteAddr: "10.1.2.3:1234",
			xff:        "not-an-ip",
			xri:        "198.51.100.3",
			want:       "198.51.100.3",
		},
		{
			name:       "trusted proxy, no headers",
			remoteAddr: "172.16.0.9:9000",
			want:       "172.16.0.9",
		},
		{
			name:       "IPv6 loopback proxy",
			remoteAddr: "[::1]:8443",
			xff:        "2001:db8::1",
			want:       "2001:db8::1",
		},
		{
			name:       "unparseable remote addr used verbatim",
			remoteAddr: "bogus",
			want:       "bogus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/archives", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetTrustedProxies(t *testing.T) {
	orig := trustedProxies
	t.Cleanup(func() { trustedProxies = orig })

	if err := SetTrustedProxies([]string{"203.0.113.0/24"}); err != nil {
		t.Fatalf("SetTrustedProxies: %v", err)
	}

	r := httptest.NewRequest("GET", "/archives", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	if got := ClientIP(r); got != "198.51.100.1" {
		t.Errorf("ClientIP() = %q, want forwarded address from newly trusted range", got)
	}

	// Previously trusted ranges no longer apply after replacement.
	r.RemoteAddr = "10.0.0.5:8080"
	if got := ClientIP(r); got != "10.0.0.5" {
		t.Errorf("ClientIP() = %q, want peer address for untrusted proxy", got)
	}

	if err := SetTrustedProxies([]string{"not-a-cidr"}); err == nil {
		t.Error("SetTrustedProxies accepted an invalid CIDR")
	}
}
