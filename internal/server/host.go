package server

import (
	"net"
	"net/http"
	"os"
	"strings"
)

func trustProxy() bool {
	return os.Getenv("TRUST_PROXY") == "1"
}

// requestIsHTTPS decides the sid cookie's Secure flag.
func requestIsHTTPS(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if trustProxy() {
		return strings.EqualFold(firstForwarded(r.Header.Get("X-Forwarded-Proto")), "https")
	}
	return false
}

// clientIP is the address recorded in the access log.
func clientIP(r *http.Request) string {
	if trustProxy() {
		if ip := firstForwarded(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func firstForwarded(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	first, _, ok := strings.Cut(raw, ",")
	if ok {
		raw = first
	}
	return strings.TrimSpace(raw)
}
