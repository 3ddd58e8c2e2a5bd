package gateway

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP resolves the client address for access control and rate limiting.
// Proxy headers win over the transport peer: X-Forwarded-For's first entry,
// then X-Real-IP, then RemoteAddr. "unknown" is returned when nothing is
// available; downstream components treat it as an untrackable client.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
