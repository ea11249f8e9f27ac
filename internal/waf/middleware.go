package waf

import (
	"errors"
	"net/http"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/httpx"
)

const (
	blockedMessage = "Request blocked by security policy"
	blockedCode    = "WAF_BLOCKED"
)

// Middleware rejects blocked requests with a generic 403 and passes the
// request descriptor on to later stages through the context.
func (f *Firewall) Middleware(adapter *httpx.Adapter) func(http.Handler) http.Handler {
	if adapter == nil {
		adapter = httpx.NewAdapter(nil, 0)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, err := adapter.DescribeOnce(r)
			if err != nil {
				if errors.Is(err, httpx.ErrBodyTooLarge) {
					httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, httpx.ErrorBody{
						Error: "Request body too large",
						Code:  "PAYLOAD_TOO_LARGE",
					})
					return
				}
				f.log.Debug("request body unreadable", "path", r.URL.Path, "err", err)
			}

			if dec := f.Inspect(req, time.Now()); dec.Blocked {
				httpx.WriteJSON(w, http.StatusForbidden, httpx.ErrorBody{
					Error:     blockedMessage,
					Code:      blockedCode,
					RequestID: requestID(r),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(httpx.WithRequest(r.Context(), req)))
		})
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}
