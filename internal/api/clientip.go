package api

import (
	"net"
	"net/http"
	"strings"
)

const unknownClientIP = "unknown"

// getClientIP extracts the caller address. Forwarding headers are honoured
// only when trustProxy is set; otherwise any client could pick its own key.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// X-Forwarded-For can contain multiple IPs, take the first one
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return unknownClientIP
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
