package guard

import (
	"net"
	"net/http"
	"strings"
)

// Forwarding headers are only honored when the direct peer is a trusted
// proxy; otherwise any client could spoof its identifier and dodge every
// per-client limit.
var trustedProxies = mustCIDRs(
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

// SetTrustedProxies replaces the trusted proxy ranges. Call before
// serving traffic; the list is read without locking afterwards.
func SetTrustedProxies(cidrs []string) error {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return err
		}
		nets = append(nets, ipnet)
	}
	trustedProxies = nets
	return nil
}

// ClientIP extracts the client identifier for tracker keys. Proxy
// headers (X-Forwarded-For, X-Real-IP) are used only when RemoteAddr is
// a trusted proxy; the fallback is always the transport peer address.
func ClientIP(r *http.Request) string {
	remote := remoteIP(r)

	peer := net.ParseIP(remote)
	if peer == nil || !isTrustedProxy(peer) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	return remote
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isTrustedProxy(ip net.IP) bool {
	for _, cidr := range trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		nets = append(nets, ipnet)
	}
	return nets
}
