package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from a request. When trustProxy is
// false the connection's remote address is used unconditionally, because
// X-Forwarded-For is attacker-controlled unless a trusted reverse proxy
// strips it. When trustProxy is true, the address trustedProxyCount hops
// from the end of X-Forwarded-For is used. Header values that do not parse
// as IP addresses are discarded: they end up as rate-limiter keys and log
// fields, so arbitrary header text must never pass through.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			ips := strings.Split(xff, ",")
			idx := len(ips) - trustedProxyCount - 1
			if idx < 0 {
				idx = 0
			}
			if ip := strings.TrimSpace(ips[idx]); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
