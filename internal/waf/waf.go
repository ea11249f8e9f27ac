// Package waf is the firewall stage: whitelist, bot and header filters, the
// per IP x endpoint rate limit, payload classification and custom rules, in
// that order.
package waf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/audit"
	"github.com/nanjiek/pixiu-gate/internal/botfilter"
	"github.com/nanjiek/pixiu-gate/internal/extract"
	"github.com/nanjiek/pixiu-gate/internal/metrics"
	"github.com/nanjiek/pixiu-gate/internal/pattern"
	"github.com/nanjiek/pixiu-gate/internal/ratelimit"
	"github.com/nanjiek/pixiu-gate/internal/rcu"
	"github.com/nanjiek/pixiu-gate/internal/router"
	"github.com/nanjiek/pixiu-gate/internal/types"
	"github.com/nanjiek/pixiu-gate/internal/util"
)

// DefaultRatePerMinute applies when Options.RatePerMinute is not positive.
const DefaultRatePerMinute = 120

// Options configures a Firewall. Nil dependencies get defaults.
type Options struct {
	Enabled       bool
	LogBlocked    bool
	RatePerMinute int
	Whitelist     []string
	Rules         []Rule

	Bots    *botfilter.Filter
	Limiter *ratelimit.Limiter
	Matcher *pattern.Matcher
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Firewall holds the shared state of the firewall stage.
type Firewall struct {
	enabled    bool
	logBlocked bool

	bots    *botfilter.Filter
	limiter *ratelimit.Limiter
	matcher *pattern.Matcher
	audit   audit.Sink
	metrics *metrics.Metrics
	log     *slog.Logger

	static    []string
	whitelist *rcu.Snapshot[rcu.Set]

	rulesMu sync.Mutex
	rules   []Rule
	routes  *router.Matcher[Rule]

	stats counters
}

// New builds a firewall. Call Start to run the rate limiter sweep and Stop to end it.
func New(opts Options) *Firewall {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = DefaultRatePerMinute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	f := &Firewall{
		enabled:    opts.Enabled,
		logBlocked: opts.LogBlocked,
		bots:       opts.Bots,
		limiter:    opts.Limiter,
		matcher:    opts.Matcher,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        log,
		static:     append([]string(nil), opts.Whitelist...),
		whitelist:  rcu.NewSnapshot(rcu.NewSet(opts.Whitelist...)),
		routes:     router.NewMatcher[Rule](nil),
	}
	if f.bots == nil {
		f.bots = botfilter.Default()
	}
	if f.limiter == nil {
		f.limiter = ratelimit.New(opts.RatePerMinute, ratelimit.WithLogger(log))
	}
	if f.matcher == nil {
		f.matcher = pattern.NewMatcher()
	}
	if f.audit == nil {
		f.audit = audit.Nop{}
	}
	for _, r := range opts.Rules {
		f.AddRule(r)
	}
	f.metrics.SetWhitelistSize(f.whitelist.Load().Len())
	return f
}

// Start runs the rate limiter sweep until ctx is done or Stop is called.
func (f *Firewall) Start(ctx context.Context) {
	f.limiter.Start(ctx)
}

// Stop ends background work.
func (f *Firewall) Stop() {
	f.limiter.Stop()
}

// Enabled reports whether inspection is on.
func (f *Firewall) Enabled() bool { return f.enabled }

// Inspect is the full per-request decision: whitelist bypass, ordered checks,
// stats, logging and audit. A panic inside a check is logged and the request
// is allowed.
func (f *Firewall) Inspect(req *types.Request, now time.Time) (dec types.Decision) {
	if !f.enabled {
		return types.Allow()
	}
	f.stats.total.Add(1)
	f.metrics.WAFRequest()

	if f.whitelist.Load().Has(req.ClientIP) {
		return types.Allow()
	}

	defer func() {
		if p := recover(); p != nil {
			f.stats.internalErrors.Add(1)
			f.metrics.WAFInternalError()
			f.log.Error("waf check panicked, allowing request",
				"panic", fmt.Sprint(p), "ip", req.ClientIP, "method", req.Method, "path", req.Path)
			dec = types.Allow()
		}
	}()

	dec = f.Check(req, now)
	if dec.Blocked {
		f.recordBlock(req, dec, now)
	}
	return dec
}

// Check runs the ordered checks without whitelist or bookkeeping. The first
// blocking check wins.
func (f *Firewall) Check(req *types.Request, now time.Time) types.Decision {
	if dec, hit := f.bots.CheckUserAgent(req.Header("user-agent")); hit {
		return dec
	}
	if dec, hit := f.bots.CheckHeaders(req); hit {
		return dec
	}

	endpoint := req.Method + ":" + stripQuery(req.Path)
	if res := f.limiter.Check(req.ClientIP, endpoint, now); !res.Allowed {
		return types.Block(types.CategoryRate, "rate limit exceeded for "+endpoint)
	}

	values := extract.Values(req)
	if res, hit := f.matcher.Match(values); hit {
		return types.Block(res.Category, res.Reason())
	}

	for _, rule := range f.routes.Match(req.Method, req.Path) {
		if reason, hit := rule.Check(req, values); hit {
			if reason == "" {
				reason = "custom rule violation: " + rule.Name
			}
			return types.Block(types.CategoryCustom, reason)
		}
	}
	return types.Allow()
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

func (f *Firewall) recordBlock(req *types.Request, dec types.Decision, now time.Time) {
	f.stats.block(dec.Category)
	f.metrics.WAFBlocked(string(dec.Category))

	reason := util.Truncate(dec.Reason, 120)
	if f.logBlocked {
		f.log.Warn("waf blocked request",
			"category", string(dec.Category),
			"reason", reason,
			"ip", req.ClientIP,
			"method", req.Method,
			"path", req.Path)
	}
	f.audit.Emit(audit.Event{
		Kind:      audit.KindBlock,
		Time:      now,
		RequestID: req.Header("x-request-id"),
		Category:  string(dec.Category),
		Reason:    reason,
		IP:        req.ClientIP,
		Method:    req.Method,
		Path:      req.Path,
	})
}

// AddWhitelist lets ip bypass every check.
func (f *Firewall) AddWhitelist(ip string) {
	next := f.whitelist.Update(func(cur *rcu.Set) *rcu.Set { return cur.With(ip) })
	f.metrics.SetWhitelistSize(next.Len())
}

// RemoveWhitelist revokes a bypass.
func (f *Firewall) RemoveWhitelist(ip string) {
	next := f.whitelist.Update(func(cur *rcu.Set) *rcu.Set { return cur.Without(ip) })
	f.metrics.SetWhitelistSize(next.Len())
}

// ReplaceWhitelist swaps the whitelist for the configured entries plus ips.
func (f *Firewall) ReplaceWhitelist(ips []string) {
	all := make([]string, 0, len(f.static)+len(ips))
	all = append(all, f.static...)
	all = append(all, ips...)
	next := rcu.NewSet(all...)
	f.whitelist.Replace(next)
	f.metrics.SetWhitelistSize(next.Len())
}

// Whitelisted reports whether ip bypasses the firewall.
func (f *Firewall) Whitelisted(ip string) bool {
	return f.whitelist.Load().Has(ip)
}

// AddRule appends a custom rule. Rules run after the built-in checks in the
// order they were added.
func (f *Firewall) AddRule(r Rule) {
	f.rulesMu.Lock()
	defer f.rulesMu.Unlock()
	f.rules = append(f.rules, r)
	b := router.NewBuilder[Rule]()
	for _, rule := range f.rules {
		b.Add(rule.Match, rule.Methods, rule)
	}
	f.routes.Replace(b.Build())
}
