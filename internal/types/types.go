package types

import (
	"strings"
)

// Category names the check family that produced a block.
// The string values double as stats keys and metric labels.
type Category string

const (
	CategoryNone      Category = ""
	CategorySQLi      Category = "SQLi"
	CategoryXSS       Category = "XSS"
	CategoryTraversal Category = "Traversal"
	CategoryBot       Category = "Bot"
	CategoryHeaders   Category = "Headers"
	CategoryRate      Category = "Rate"
	CategoryCustom    Category = "Custom"
)

// Categories lists every block category in check order.
var Categories = []Category{
	CategoryBot,
	CategoryHeaders,
	CategoryRate,
	CategorySQLi,
	CategoryXSS,
	CategoryTraversal,
	CategoryCustom,
}

// Decision is the WAF verdict for one request. It is produced once and never persisted.
type Decision struct {
	Blocked  bool     // whether the request must be rejected
	Reason   string   // internal detail, evidence truncated; never sent to the client
	Category Category // check family that matched
}

// Allow is the zero decision.
func Allow() Decision {
	return Decision{}
}

// Block builds a blocking decision.
func Block(cat Category, reason string) Decision {
	return Decision{Blocked: true, Reason: reason, Category: cat}
}

// Request is the decoded, immutable view of an inbound HTTP request
// handed to the pipeline by the HTTP layer.
type Request struct {
	Method      string
	Path        string
	OriginalURL string // path plus raw query string
	ClientIP    string
	Headers     map[string]string // lower-cased header names
	Query       map[string][]string
	Body        any               // decoded JSON tree: map[string]any, []any, string, number, bool, nil
	Params      map[string]string // route params
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	return r.Headers[strings.ToLower(name)]
}

// HasHeader reports whether the header is present, even with an empty value.
func (r *Request) HasHeader(name string) bool {
	if r == nil || r.Headers == nil {
		return false
	}
	if _, ok := r.Headers[name]; ok {
		return true
	}
	_, ok := r.Headers[strings.ToLower(name)]
	return ok
}
