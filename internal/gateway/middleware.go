package gateway

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/httpx"
	"github.com/nanjiek/pixiu-gate/internal/sanitize"
)

// Middleware applies Process to each request, runs matching transforms and
// sanitises JSON responses.
func (g *Gateway) Middleware(adapter *httpx.Adapter) func(http.Handler) http.Handler {
	if adapter == nil {
		adapter = httpx.NewAdapter(nil, 0)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := adapter.DescribeOnce(r)
			if err != nil && req == nil {
				g.log.Debug("gateway could not describe request", "path", r.URL.Path, "err", err)
				next.ServeHTTP(w, r)
				return
			}

			out := g.Process(req, time.Now())
			for k, v := range out.Headers {
				w.Header().Set(k, v)
			}
			if !out.Continue {
				httpx.WriteJSON(w, out.Status, out.Body)
				return
			}

			transformed := false
			for _, t := range g.opts.Transforms {
				if t.Match != nil && t.Match(req) && t.Apply != nil {
					t.Apply(r)
					transformed = true
				}
			}
			if transformed {
				cp := *req
				cp.Headers = httpx.Headers(r)
				req = &cp
			}

			r = r.WithContext(httpx.WithRequest(r.Context(), req))
			if !g.opts.SanitizeResponses {
				next.ServeHTTP(w, r)
				return
			}
			sw := &sanitizingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.finish() {
				g.sanitized.Add(1)
				g.metrics.Sanitized()
			}
		})
	}
}

// sanitizingWriter buffers JSON bodies, and bodies with no Content-Type, and
// rewrites them through the sanitizer once the handler returns. Other content
// types stream through.
type sanitizingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buffering   bool
	untyped     bool
	buf         bytes.Buffer
}

func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.Contains(ct, "+json")
}

func (s *sanitizingWriter) WriteHeader(status int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = status
	ct := s.Header().Get("Content-Type")
	s.untyped = ct == ""
	s.buffering = (s.untyped || isJSON(ct)) && status != http.StatusNoContent && status != http.StatusNotModified
	if !s.buffering {
		s.ResponseWriter.WriteHeader(status)
	}
}

func (s *sanitizingWriter) Write(p []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	if s.buffering {
		return s.buf.Write(p)
	}
	return s.ResponseWriter.Write(p)
}

// finish writes the buffered body and reports whether it was sanitised.
func (s *sanitizingWriter) finish() bool {
	if !s.buffering {
		return false
	}
	body := s.buf.Bytes()
	h := s.Header()
	if len(body) == 0 {
		s.ResponseWriter.WriteHeader(s.status)
		return false
	}
	clean, err := sanitize.JSON(body)
	sanitized := err == nil
	if sanitized {
		body = append(clean, '\n')
		if s.untyped {
			h.Set("Content-Type", "application/json")
		}
	} else if s.untyped {
		h.Set("Content-Type", http.DetectContentType(body))
	}
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	s.ResponseWriter.WriteHeader(s.status)
	_, _ = s.ResponseWriter.Write(body)
	return sanitized
}
