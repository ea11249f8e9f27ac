// Package pattern classifies string values as SQL injection, cross-site
// scripting or path traversal payloads.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/types"
	"github.com/nanjiek/pixiu-gate/internal/util"
)

// SnippetLen bounds the evidence kept from a matched value.
const SnippetLen = 50

// Family is an ordered group of expressions sharing one category.
type Family struct {
	Category types.Category
	Label    string // used in the internal reason, e.g. "SQL injection"
	Patterns []*regexp.Regexp
}

// Result describes the first match.
type Result struct {
	Category types.Category
	Label    string
	Snippet  string
}

// Reason renders the internal (log-only) description of the match.
func (r Result) Reason() string {
	return r.Label + " detected: " + r.Snippet
}

var (
	sqlInjection = Family{
		Category: types.CategorySQLi,
		Label:    "SQL injection",
		Patterns: mustCompileAll(
			`(?i)\b(union\s+select|select\s+.*\s+from|insert\s+into|update\s+.*\s+set|delete\s+from|drop\s+table|alter\s+table)\b`,
			`(?i)(\s--\s|/\*|\*/|\bxp_\w+|\bsp_\w+|;\s*(select|drop|insert|update|delete|alter|create))`,
			`(?i)\b(or|and)\b\s+\d+\s*=\s*\d+`,
			`(?i)'\s*(or|and)\s+'`,
			`(?i)'\s*--`,
			`(?i)(benchmark\s*\(|sleep\s*\(|waitfor\s+delay)`,
			`(?i)(char\s*\(|concat\s*\(|concat_ws\s*\()`,
		),
	}

	crossSiteScripting = Family{
		Category: types.CategoryXSS,
		Label:    "XSS payload",
		Patterns: mustCompileAll(
			`(?i)<\s*script[^>]*>`,
			`(?i)javascript\s*:`,
			`(?i)on(error|load|click|mouseover|submit|focus|blur)\s*=`,
			`(?i)<\s*iframe[^>]*>`,
			`(?i)<\s*object[^>]*>`,
			`(?i)<\s*embed[^>]*>`,
			`(?i)<\s*svg[^>]*on`,
			`(?i)expression\s*\(`,
			`(?i)document\.(cookie|write|domain)`,
			`(?i)window\.(location|open)`,
		),
	}

	pathTraversal = Family{
		Category: types.CategoryTraversal,
		Label:    "path traversal",
		Patterns: mustCompileAll(
			`\.\./`,
			`(?i)\.\.%2f`,
			`(?i)\.\.%5c`,
			`(?i)%2e%2e(%2f|/|%5c)`,
			`(?i)/etc/(passwd|shadow|hosts)`,
			`(?i)/proc/self`,
			`(%00|\\x00|\x00)`,
		),
	}
)

// Builtin returns the default families in evaluation order: SQLi, XSS, Traversal.
func Builtin() []Family {
	return []Family{sqlInjection, crossSiteScripting, pathTraversal}
}

// Matcher evaluates values against an ordered list of families.
// It holds no mutable state and is safe for concurrent use.
type Matcher struct {
	families []Family
}

// NewMatcher builds a matcher over the built-in families followed by extra.
func NewMatcher(extra ...Family) *Matcher {
	fams := Builtin()
	fams = append(fams, extra...)
	return &Matcher{families: fams}
}

// Classify tests a single value. The first family with a matching
// expression wins.
func (m *Matcher) Classify(value string) (Result, bool) {
	if value == "" {
		return Result{}, false
	}
	for _, fam := range m.families {
		for _, re := range fam.Patterns {
			if re.MatchString(value) {
				return Result{
					Category: fam.Category,
					Label:    fam.Label,
					Snippet:  util.Truncate(value, SnippetLen),
				}, true
			}
		}
	}
	return Result{}, false
}

// Match scans values in order and returns the first hit.
func (m *Matcher) Match(values []string) (Result, bool) {
	for _, v := range values {
		if res, ok := m.Classify(v); ok {
			return res, true
		}
	}
	return Result{}, false
}

// CompileFamily builds a custom family from raw expressions. Expressions
// are matched case-insensitively unless they carry their own flags.
func CompileFamily(cat types.Category, label string, exprs []string) (Family, error) {
	fam := Family{Category: cat, Label: label}
	for _, raw := range exprs {
		expr := strings.TrimSpace(raw)
		if expr == "" {
			continue
		}
		if !strings.HasPrefix(expr, "(?") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return Family{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
		fam.Patterns = append(fam.Patterns, re)
	}
	if len(fam.Patterns) == 0 {
		return Family{}, fmt.Errorf("family %q has no patterns", label)
	}
	return fam, nil
}

func mustCompileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}
