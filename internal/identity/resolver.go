// Package identity works out who is calling: the client IP used for rate
// limiting and whitelisting.
package identity

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

var ErrNoClientIP = errors.New("no client ip found")

// Resolver extracts the client IP from an HTTP request.
type Resolver struct {
	// IPHeader is consulted only when TrustForwarded is set, i.e. when a
	// trusted proxy sits in front of the gateway.
	IPHeader       string
	TrustForwarded bool
}

func NewResolver(trustForwarded bool) *Resolver {
	return &Resolver{
		IPHeader:       "X-Forwarded-For",
		TrustForwarded: trustForwarded,
	}
}

// ClientIP returns the forwarded client address if trusted, else the socket peer.
func (r *Resolver) ClientIP(req *http.Request) (string, error) {
	if req == nil {
		return "", errors.New("nil request")
	}
	if r.TrustForwarded {
		if ip := parseForwardedIP(req.Header.Get(r.IPHeader)); ip != "" {
			return ip, nil
		}
	}
	if ip := parseRemoteIP(req.RemoteAddr); ip != "" {
		return ip, nil
	}
	return "", ErrNoClientIP
}

// ValidIP reports whether s parses as an IPv4 or IPv6 address.
func ValidIP(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}

func parseForwardedIP(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func parseRemoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}
