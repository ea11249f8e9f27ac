// Package httpx turns an *http.Request into the descriptor the inspection
// stages work on, and writes their JSON responses.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/identity"
	"github.com/nanjiek/pixiu-gate/internal/types"
)

// DefaultMaxBody caps how much of a request body is buffered for inspection.
const DefaultMaxBody = 1 << 20

var ErrBodyTooLarge = errors.New("request body too large")

// Adapter builds types.Request values.
type Adapter struct {
	Resolver *identity.Resolver
	MaxBody  int64
}

func NewAdapter(resolver *identity.Resolver, maxBody int64) *Adapter {
	if resolver == nil {
		resolver = identity.NewResolver(false)
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Adapter{Resolver: resolver, MaxBody: maxBody}
}

// Describe reads r into a descriptor. The body is buffered and put back on r
// so downstream handlers can read it again. A body that is not valid JSON or
// form data is kept as a raw string.
func (a *Adapter) Describe(r *http.Request) (*types.Request, error) {
	ip, err := a.Resolver.ClientIP(r)
	if err != nil {
		ip = ""
	}

	headers := Headers(r)
	req := &types.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		OriginalURL: r.URL.RequestURI(),
		ClientIP:    ip,
		Headers:     headers,
		Query:       map[string][]string(r.URL.Query()),
		Params:      mux.Vars(r),
	}

	raw, err := a.readBody(r)
	if err != nil {
		return req, err
	}
	if len(raw) > 0 {
		req.Body = decodeBody(r.Header.Get("Content-Type"), raw)
	}
	return req, nil
}

// Headers returns r's headers keyed by lowercase name, with repeated values
// joined by ", " and the host filled in from r.Host.
func Headers(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		if _, ok := headers["host"]; !ok {
			headers["host"] = r.Host
		}
	}
	return headers
}

// readBody buffers at most MaxBody bytes. On failure the bytes already read
// are stitched back in front of the unread remainder.
func (a *Adapter) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	orig := r.Body
	raw, err := io.ReadAll(io.LimitReader(orig, a.MaxBody+1))
	if err != nil || int64(len(raw)) > a.MaxBody {
		r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(raw), orig), orig: orig}
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, a.MaxBody)
	}
	_ = orig.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

func decodeBody(contentType string, raw []byte) any {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return string(raw)
		}
		out := make(map[string]any, len(vals))
		for k, vs := range vals {
			items := make([]any, len(vs))
			for i, v := range vs {
				items[i] = v
			}
			out[k] = items
		}
		return out
	case mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return string(raw)
		}
		return v
	default:
		return string(raw)
	}
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the structured error returned to clients on a block.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
	ResetsAt  string `json:"resetsAt,omitempty"`
}

type ctxKey struct{}

// WithRequest stores an already built descriptor so later stages reuse it.
func WithRequest(ctx context.Context, req *types.Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, req)
}

// FromContext returns the descriptor stored by WithRequest.
func FromContext(ctx context.Context) (*types.Request, bool) {
	req, ok := ctx.Value(ctxKey{}).(*types.Request)
	return req, ok && req != nil
}

// DescribeOnce returns the descriptor stored on r's context, or builds one.
func (a *Adapter) DescribeOnce(r *http.Request) (*types.Request, error) {
	if req, ok := FromContext(r.Context()); ok {
		return req, nil
	}
	return a.Describe(r)
}

type replayBody struct {
	io.Reader
	orig io.ReadCloser
}

func (b *replayBody) Close() error { return b.orig.Close() }
