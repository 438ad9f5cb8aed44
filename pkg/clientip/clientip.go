package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RealClientIP returns the client IP from r.RemoteAddr in canonical form.
// Proxy headers are not read here; the server runs chi's RealIP in front,
// which already rewrote RemoteAddr when a trusted proxy set them.
func RealClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimSpace(host)
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	return addr.WithZone("").Unmap().String()
}

// LimitKey is the key in-memory rate limiters bucket a request under. IPv6
// clients are grouped by their /64, since one host usually owns the whole
// prefix.
func LimitKey(r *http.Request) string {
	ip := RealClientIP(r)
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Is4() {
		return ip
	}
	prefix, err := addr.Prefix(64)
	if err != nil {
		return ip
	}
	return prefix.String()
}
