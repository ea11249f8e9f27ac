package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/allowlist"
	"github.com/nanjiek/pixiu-gate/internal/api"
	"github.com/nanjiek/pixiu-gate/internal/apikey"
	"github.com/nanjiek/pixiu-gate/internal/audit"
	"github.com/nanjiek/pixiu-gate/internal/botfilter"
	"github.com/nanjiek/pixiu-gate/internal/config"
	"github.com/nanjiek/pixiu-gate/internal/gateway"
	"github.com/nanjiek/pixiu-gate/internal/metrics"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/ratelimit"
	"github.com/nanjiek/pixiu-gate/internal/repo"
	"github.com/nanjiek/pixiu-gate/internal/types"
	"github.com/nanjiek/pixiu-gate/internal/waf"
)

// app is the wired process. Everything is built here and passed down; no
// package keeps global state.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	redis    *repo.RedisRepo
	stream   *audit.Stream
	firewall *waf.Firewall
	gateway  *gateway.Gateway
	poller   *allowlist.Poller
	server   *api.Server

	issued []issuedKey
}

// issuedKey is a bootstrap key minted at startup. The secret is shown once on
// stdout and never logged.
type issuedKey struct {
	Tenant string
	Plan   string
	Key    string
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// printIssuedKeys writes each bootstrap key to w, one per line.
func (a *app) printIssuedKeys(w io.Writer) {
	for _, k := range a.issued {
		fmt.Fprintf(w, "bootstrap api key tenant=%s plan=%s key=%s\n", k.Tenant, k.Plan, k.Key)
	}
}

func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	if cfg.Redis.Enabled() {
		rdb, err := repo.NewRedis(cfg.Redis, repo.WithLogger(log))
		if err != nil {
			return nil, err
		}
		a.redis = rdb
	}

	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Mode == "redis_stream" && a.redis != nil {
		opts := audit.Options{
			Stream:  cfg.Audit.Stream,
			MaxLen:  cfg.Audit.MaxLen,
			Buffer:  cfg.Audit.Buffer,
			Logger:  log,
			Metrics: a.metrics,
		}
		if cfg.Audit.Breaker.Enabled {
			guard, err := audit.NewSentinelGuard(cfg.Audit.Breaker)
			if err != nil {
				a.close()
				return nil, err
			}
			opts.Guard = guard
		}
		a.stream = audit.NewStream(a.redis, opts)
		sink = a.stream
	}

	fw, err := buildFirewall(cfg, log, a.metrics, sink)
	if err != nil {
		a.close()
		return nil, err
	}
	a.firewall = fw

	if cfg.Gateway.Enabled {
		gw, issued, err := buildGateway(cfg, log, a.metrics, sink)
		if err != nil {
			a.close()
			return nil, err
		}
		a.gateway = gw
		a.issued = issued
	}

	if cfg.Allowlist.Enabled && a.redis != nil {
		a.poller = allowlist.NewPoller(a.redis, fw, allowlist.Config{
			Interval:   cfg.Allowlist.PollInterval(),
			FailPolicy: cfg.Allowlist.FailPolicy,
		}, allowlist.WithLogger(log))
	}

	deps := api.Deps{
		Firewall: fw,
		Gateway:  a.gateway,
		Metrics:  a.metrics,
		Logger:   log,
	}
	if a.redis != nil && a.poller != nil {
		deps.Whitelist = a.redis
	}
	a.server = api.NewServer(cfg.Server, deps)
	return a, nil
}

func buildFirewall(cfg *config.Config, log *slog.Logger, m *metrics.Metrics, sink audit.Sink) (*waf.Firewall, error) {
	bots, err := botfilter.New(cfg.WAF.ExtraBotSignatures, cfg.WAF.ExtraSuspiciousHeaders)
	if err != nil {
		return nil, fmt.Errorf("bot filter: %w", err)
	}
	rules, err := waf.PatternRules(cfg.WAF.CustomRules)
	if err != nil {
		return nil, err
	}
	return waf.New(waf.Options{
		Enabled:       cfg.WAF.Enabled,
		LogBlocked:    cfg.WAF.LogBlocked,
		RatePerMinute: cfg.WAF.RatePerMinute,
		Whitelist:     cfg.WAF.Whitelist,
		Rules:         rules,
		Bots:          bots,
		Limiter:       ratelimit.New(cfg.WAF.RatePerMinute, ratelimit.WithLogger(log)),
		Audit:         sink,
		Metrics:       m,
		Logger:        log,
	}), nil
}

func buildGateway(cfg *config.Config, log *slog.Logger, m *metrics.Metrics, sink audit.Sink) (*gateway.Gateway, []issuedKey, error) {
	quotas := quota.NewManager(cfg.Plans, quota.WithLogger(log))
	keys := apikey.NewRegistry(apikey.WithPlanCheck(api.PlanChecker(quotas)))
	var issued []issuedKey
	for _, k := range cfg.BootstrapKeys {
		key, err := keys.Register(k.Tenant, apikey.Options{
			Plan:        k.Plan,
			Scopes:      k.Scopes,
			IPWhitelist: k.IPWhitelist,
			IPBlacklist: k.IPBlacklist,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap key for %q: %w", k.Tenant, err)
		}
		log.Info("bootstrap api key issued", "tenant", k.Tenant, "plan", k.Plan, "key_prefix", keyPrefix(key))
		issued = append(issued, issuedKey{Tenant: k.Tenant, Plan: k.Plan, Key: key})
	}

	g := cfg.Gateway
	return gateway.New(keys, quotas, gateway.Options{
		RequireAPIKey:     g.RequireAPIKey,
		EnforceQuota:      g.EnforceQuota,
		SanitizeResponses: g.SanitizeResponses,
		QuotaExempt:       g.QuotaExempt,
		APIKeyHeader:      g.APIKeyHeader,
		TenantHeader:      g.TenantHeader,
		TrustTenantHeader: g.TrustTenantHeader,
		DefaultPlan:       g.DefaultPlan,
		Transforms:        []gateway.Transform{requestIDTransform()},
		Audit:             sink,
		Metrics:           m,
		Logger:            log,
	}), issued, nil
}

// requestIDTransform stamps X-Request-Id on requests that arrive without one
// so the upstream and the logs share an id.
func requestIDTransform() gateway.Transform {
	return gateway.Transform{
		Name:  "request-id",
		Match: func(req *types.Request) bool { return !req.HasHeader("x-request-id") },
		Apply: func(r *http.Request) { r.Header.Set("X-Request-Id", uuid.NewString()) },
	}
}

// start launches background work: the rate bucket sweep and the allow-list poller.
func (a *app) start(ctx context.Context) error {
	if a.poller != nil {
		if err := a.poller.SyncOnce(ctx); err != nil {
			if a.cfg.Allowlist.FailPolicy == allowlist.FailClosed {
				return fmt.Errorf("failed to load shared whitelist: %w", err)
			}
			a.log.Warn("shared whitelist pull failed, continuing with static entries", "err", err)
		}
		a.poller.Start(ctx)
	}
	a.firewall.Start(ctx)
	return nil
}

// close stops background work and flushes the audit queue. Safe on a
// partially built app.
func (a *app) close() {
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.firewall != nil {
		a.firewall.Stop()
	}
	if a.stream != nil {
		a.stream.Close()
		st := a.stream.Stats()
		a.log.Info("audit stream closed", "sent", st.Sent, "dropped", st.Dropped, "failed", st.Failed, "rejected", st.Rejected)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.server.Shutdown(ctx)
	a.close()
	return err
}
