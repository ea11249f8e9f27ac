// Package botfilter rejects known scanner user-agents and headers that enable
// host or path override attacks.
package botfilter

import (
	"fmt"
	"regexp"
	"strings"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/types"
	"github.com/nanjiek/pixiu-gate/internal/util"
)

const uaSnippetLen = 50

// DefaultSignatures are security-scanner user-agent fragments.
var DefaultSignatures = []string{
	"sqlmap", "nikto", "nessus", "w3af", "burp", "havij",
	"nmap", "masscan", "dirbuster", "gobuster", "wfuzz", "nuclei",
}

// DefaultSuspiciousHeaders block on presence alone.
var DefaultSuspiciousHeaders = []string{
	"x-forwarded-host",
	"x-original-url",
	"x-rewrite-url",
}

// Filter holds the compiled signature set. Immutable after New.
type Filter struct {
	signatures []*regexp.Regexp
	headers    []string
}

// New builds a filter from the defaults plus extra signatures and headers.
func New(extraSignatures, extraHeaders []string) (*Filter, error) {
	f := &Filter{}
	for _, sig := range append(append([]string{}, DefaultSignatures...), extraSignatures...) {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + sig)
		if err != nil {
			return nil, fmt.Errorf("bot signature %q: %w", sig, err)
		}
		f.signatures = append(f.signatures, re)
	}
	seen := map[string]struct{}{}
	for _, h := range append(append([]string{}, DefaultSuspiciousHeaders...), extraHeaders...) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		f.headers = append(f.headers, h)
	}
	return f, nil
}

// Default returns a filter with the built-in lists only.
func Default() *Filter {
	f, err := New(nil, nil)
	if err != nil {
		panic(err)
	}
	return f
}

// CheckUserAgent blocks scanner user-agents.
func (f *Filter) CheckUserAgent(ua string) (types.Decision, bool) {
	if ua == "" {
		return types.Decision{}, false
	}
	for _, re := range f.signatures {
		if re.MatchString(ua) {
			return types.Block(types.CategoryBot, "blocked user-agent: "+util.Truncate(ua, uaSnippetLen)), true
		}
	}
	return types.Decision{}, false
}

// CheckHeaders blocks when any suspicious header is present. The value is ignored.
func (f *Filter) CheckHeaders(req *types.Request) (types.Decision, bool) {
	for _, h := range f.headers {
		if req.HasHeader(h) {
			return types.Block(types.CategoryHeaders, "suspicious header: "+h), true
		}
	}
	return types.Decision{}, false
}
