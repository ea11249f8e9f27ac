package identity

import (
	"errors"
	"net/http"
	"testing"
)

func TestClientIPForwardedWhenTrusted(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	req.RemoteAddr = "192.168.1.1:1234"

	ip, err := NewResolver(true).ClientIP(req)
	if err != nil {
		t.Fatalf("ClientIP failed: %v", err)
	}
	if ip != "10.0.0.1" {
		t.Fatalf("unexpected ip: %s", ip)
	}
}

func TestClientIPIgnoresForwardedWhenUntrusted(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.RemoteAddr = "192.168.1.1:1234"

	ip, err := NewResolver(false).ClientIP(req)
	if err != nil {
		t.Fatalf("ClientIP failed: %v", err)
	}
	if ip != "192.168.1.1" {
		t.Fatalf("unexpected ip: %s", ip)
	}
}

func TestClientIPRemoteAddrWithoutPort(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.RemoteAddr = "::1"

	ip, err := NewResolver(true).ClientIP(req)
	if err != nil || ip != "::1" {
		t.Fatalf("ClientIP = %q, %v", ip, err)
	}
}

func TestClientIPEmpty(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.RemoteAddr = ""

	if _, err := NewResolver(true).ClientIP(req); !errors.Is(err, ErrNoClientIP) {
		t.Fatalf("expected ErrNoClientIP, got %v", err)
	}
	if _, err := NewResolver(true).ClientIP(nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}

func TestValidIP(t *testing.T) {
	for in, want := range map[string]bool{
		"10.0.0.1":    true,
		" 127.0.0.1 ": true,
		"::1":         true,
		"10.0.0":      false,
		"example.com": false,
		"":            false,
	} {
		if got := ValidIP(in); got != want {
			t.Errorf("ValidIP(%q) = %v, want %v", in, got, want)
		}
	}
}
