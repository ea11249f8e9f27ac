// Package gateway is the API policy stage: API key validation, tenant quota,
// request transforms and response sanitising.
package gateway

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/apikey"
	"github.com/nanjiek/pixiu-gate/internal/audit"
	"github.com/nanjiek/pixiu-gate/internal/httpx"
	"github.com/nanjiek/pixiu-gate/internal/metrics"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/router"
	"github.com/nanjiek/pixiu-gate/internal/types"
)

const (
	CodeMissingKey    = "MISSING_API_KEY"
	CodeInvalidKey    = "INVALID_API_KEY"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"

	AnonymousTenant = "anonymous"
)

// DefaultQuotaExempt are path prefixes never charged against a quota.
var DefaultQuotaExempt = []string{"/health", "/auth/", "/public/"}

// Transform mutates matching requests before they reach the handler.
type Transform struct {
	Name  string
	Match func(req *types.Request) bool
	Apply func(r *http.Request)
}

// Options configures a Gateway.
type Options struct {
	RequireAPIKey     bool
	EnforceQuota      bool
	SanitizeResponses bool
	QuotaExempt       []string // nil means DefaultQuotaExempt
	APIKeyHeader      string
	TenantHeader      string
	TrustTenantHeader bool // honour TenantHeader on keyless requests; set only behind a proxy that authenticates it
	DefaultPlan       string
	Transforms        []Transform

	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Outcome is the gateway decision for one request.
type Outcome struct {
	Continue bool
	Status   int
	Body     httpx.ErrorBody
	Headers  map[string]string
	Key      *apikey.Validation
	Tenant   string
}

// Stats summarises gateway activity.
type Stats struct {
	TotalRequests uint64                    `json:"totalRequests"`
	QuotaBlocked  uint64                    `json:"quotaBlocked"`
	KeyBlocked    uint64                    `json:"keyBlocked"`
	Sanitized     uint64                    `json:"sanitized"`
	Keys          apikey.Stats              `json:"keys"`
	Quota         map[string]quota.Snapshot `json:"quota"`
}

// Gateway sequences the policy checks.
type Gateway struct {
	opts    Options
	keys    *apikey.Registry
	quotas  *quota.Manager
	exempt  *router.PrefixSet
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *slog.Logger

	total, quotaBlocked, keyBlocked, sanitized atomic.Uint64
}

// New wires a gateway around a key registry and quota manager.
func New(keys *apikey.Registry, quotas *quota.Manager, opts Options) *Gateway {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.TenantHeader == "" {
		opts.TenantHeader = "X-Tenant-Id"
	}
	if opts.DefaultPlan == "" {
		opts.DefaultPlan = quota.FallbackPlan
	}
	if opts.QuotaExempt == nil {
		opts.QuotaExempt = DefaultQuotaExempt
	}
	g := &Gateway{
		opts:    opts,
		keys:    keys,
		quotas:  quotas,
		exempt:  router.NewPrefixSet(opts.QuotaExempt...),
		audit:   opts.Audit,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if g.audit == nil {
		g.audit = audit.Nop{}
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Keys returns the key registry.
func (g *Gateway) Keys() *apikey.Registry { return g.keys }

// Quotas returns the quota manager.
func (g *Gateway) Quotas() *quota.Manager { return g.quotas }

// Process validates the key and charges the quota. It stops at the first failing stage.
func (g *Gateway) Process(req *types.Request, now time.Time) Outcome {
	g.total.Add(1)
	out := Outcome{Continue: true, Headers: map[string]string{}}

	key := req.Header(g.opts.APIKeyHeader)
	if key != "" || g.opts.RequireAPIKey {
		if key == "" {
			return g.reject(out, http.StatusUnauthorized, httpx.ErrorBody{Error: "API key required", Code: CodeMissingKey})
		}
		v := g.keys.Validate(key, req.ClientIP, now)
		if !v.Valid {
			return g.reject(out, http.StatusUnauthorized, httpx.ErrorBody{Error: v.Error, Code: CodeInvalidKey})
		}
		out.Key = &v
	}

	tenant, plan := g.tenant(req, out.Key)
	out.Tenant = tenant

	if g.opts.EnforceQuota && !g.exempt.Contains(req.Path) {
		res := g.quotas.Check(tenant, plan, now)
		if !res.Allowed {
			g.quotaBlocked.Add(1)
			g.metrics.QuotaRejected(res.Window)
			out.Headers["Retry-After"] = strconv.FormatInt(retryAfterSeconds(res.ResetsAt, now), 10)
			out.Headers["X-RateLimit-Limit"] = strconv.FormatInt(res.Limit, 10)
			out.Headers["X-RateLimit-Remaining"] = "0"
			out.Continue = false
			out.Status = http.StatusTooManyRequests
			out.Body = httpx.ErrorBody{
				Error:    res.Reason,
				Code:     CodeQuotaExceeded,
				ResetsAt: res.ResetsAt.UTC().Format(time.RFC3339),
			}
			g.metrics.GatewayOutcome(CodeQuotaExceeded)
			return out
		}
		out.Headers["X-RateLimit-Limit"] = strconv.FormatInt(res.Daily.Limit, 10)
		out.Headers["X-RateLimit-Remaining"] = strconv.FormatInt(res.Daily.Remaining, 10)
		g.audit.Emit(audit.Event{
			Kind:   audit.KindUsage,
			Time:   now,
			Tenant: tenant,
			Plan:   plan,
			Method: req.Method,
			Path:   req.Path,
			Used:   res.Daily.Used,
			Limit:  res.Daily.Limit,
		})
	}

	g.metrics.GatewayOutcome("OK")
	return out
}

func (g *Gateway) reject(out Outcome, status int, body httpx.ErrorBody) Outcome {
	g.keyBlocked.Add(1)
	g.metrics.GatewayOutcome(body.Code)
	out.Continue = false
	out.Status = status
	out.Body = body
	return out
}

// tenant picks the quota subject: the key's tenant, then the tenant header
// when it is trusted, then the shared anonymous bucket.
func (g *Gateway) tenant(req *types.Request, v *apikey.Validation) (string, string) {
	if v != nil {
		return v.TenantID, v.Plan
	}
	if !g.opts.TrustTenantHeader {
		return AnonymousTenant, g.opts.DefaultPlan
	}
	if t := req.Header(g.opts.TenantHeader); t != "" {
		return t, g.opts.DefaultPlan
	}
	return AnonymousTenant, g.opts.DefaultPlan
}

func retryAfterSeconds(resetsAt, now time.Time) int64 {
	secs := int64(math.Ceil(resetsAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Stats returns counters plus key and quota snapshots.
func (g *Gateway) Stats(now time.Time) Stats {
	keys := g.keys.Stats(now)
	g.metrics.SetActiveKeys(keys.ActiveKeys)
	return Stats{
		TotalRequests: g.total.Load(),
		QuotaBlocked:  g.quotaBlocked.Load(),
		KeyBlocked:    g.keyBlocked.Load(),
		Sanitized:     g.sanitized.Load(),
		Keys:          keys,
		Quota:         g.quotas.Snapshot(),
	}
}
