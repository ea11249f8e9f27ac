package botfilter

import (
	"testing"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/types"
)

func TestCheckUserAgentBlocksScanners(t *testing.T) {
	f := Default()
	for _, ua := range []string{
		"sqlmap/1.5",
		"Nikto/2.1.6",
		"Nessus SOAP",
		"Mozilla/5.0 (Burp Suite)",
		"DirBuster-1.0",
		"gobuster/3.1",
		"nuclei - Open-source",
		"Nmap Scripting Engine",
		"masscan/1.3",
		"Wfuzz/3.1",
	} {
		t.Run(ua, func(t *testing.T) {
			dec, ok := f.CheckUserAgent(ua)
			if !ok || !dec.Blocked || dec.Category != types.CategoryBot {
				t.Fatalf("CheckUserAgent(%q) = %+v, %v", ua, dec, ok)
			}
		})
	}
}

func TestCheckUserAgentAllowsBrowsers(t *testing.T) {
	f := Default()
	for _, ua := range []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		"curl/8.4.0",
		"",
	} {
		if dec, ok := f.CheckUserAgent(ua); ok {
			t.Errorf("CheckUserAgent(%q) blocked: %+v", ua, dec)
		}
	}
}

func TestCheckUserAgentTruncatesReason(t *testing.T) {
	f := Default()
	ua := "sqlmap/1.5 " + string(make([]byte, 200))
	dec, ok := f.CheckUserAgent(ua)
	if !ok {
		t.Fatal("expected block")
	}
	if len(dec.Reason) > len("blocked user-agent: ")+uaSnippetLen {
		t.Fatalf("reason not truncated: %d bytes", len(dec.Reason))
	}
}

func TestCheckHeaders(t *testing.T) {
	f := Default()
	tests := []struct {
		name    string
		headers map[string]string
		blocked bool
	}{
		{name: "forwarded host", headers: map[string]string{"x-forwarded-host": "evil.com"}, blocked: true},
		{name: "original url", headers: map[string]string{"x-original-url": "/admin"}, blocked: true},
		{name: "rewrite url", headers: map[string]string{"x-rewrite-url": "/admin/settings"}, blocked: true},
		{name: "empty value still present", headers: map[string]string{"x-original-url": ""}, blocked: true},
		{name: "clean", headers: map[string]string{"user-agent": "Chrome", "accept": "*/*"}, blocked: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, ok := f.CheckHeaders(&types.Request{Headers: tt.headers})
			if ok != tt.blocked {
				t.Fatalf("CheckHeaders() = %+v, %v; want blocked=%v", dec, ok, tt.blocked)
			}
			if ok && dec.Category != types.CategoryHeaders {
				t.Fatalf("category = %s", dec.Category)
			}
		})
	}
}

func TestNewExtraLists(t *testing.T) {
	f, err := New([]string{"zgrab"}, []string{"X-Debug-Override"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := f.CheckUserAgent("Mozilla/5.0 zgrab/0.x"); !ok {
		t.Fatal("extra signature not applied")
	}
	if _, ok := f.CheckHeaders(&types.Request{Headers: map[string]string{"x-debug-override": "1"}}); !ok {
		t.Fatal("extra header not applied")
	}
	if _, err := New([]string{"("}, nil); err == nil {
		t.Fatal("expected error for invalid signature")
	}
}
