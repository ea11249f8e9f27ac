package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/identity"
	"github.com/nanjiek/pixiu-gate/internal/pattern"
	"github.com/nanjiek/pixiu-gate/internal/quota"
	"github.com/nanjiek/pixiu-gate/internal/types"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// ServerCfg HTTP listener and admin surface.
type ServerCfg struct {
	HTTPAddr       string `yaml:"httpAddr"`       // e.g. ":8080"
	AdminToken     string `yaml:"adminToken"`     // X-Admin-Token for /v1/admin; required in production
	TrustForwarded bool   `yaml:"trustForwarded"` // take the client ip from X-Forwarded-For
	MaxBodyBytes   int64  `yaml:"maxBodyBytes"`   // inspected body cap
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"`
}

// LogCfg slog handler selection.
type LogCfg struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// PatternRule is a custom firewall rule made of regular expressions, checked
// against every extracted value of requests whose path matches Match.
type PatternRule struct {
	Name     string   `yaml:"name"`
	Match    string   `yaml:"match"`   // route pattern: exact, "/prefix/*" or "*"
	Methods  []string `yaml:"methods"` // empty means all
	Patterns []string `yaml:"patterns"`
}

// WAFCfg firewall stage.
type WAFCfg struct {
	Enabled                bool          `yaml:"enabled"`
	LogBlocked             bool          `yaml:"logBlocked"`
	RatePerMinute          int           `yaml:"ratePerMinute"`
	Whitelist              []string      `yaml:"whitelist"`
	ExtraBotSignatures     []string      `yaml:"extraBotSignatures"`
	ExtraSuspiciousHeaders []string      `yaml:"extraSuspiciousHeaders"`
	CustomRules            []PatternRule `yaml:"customRules"`
}

// GatewayCfg API gateway policy stage.
type GatewayCfg struct {
	Enabled           bool     `yaml:"enabled"`
	RequireAPIKey     bool     `yaml:"requireApiKey"`
	EnforceQuota      bool     `yaml:"enforceQuota"`
	SanitizeResponses bool     `yaml:"sanitizeResponses"`
	QuotaExempt       []string `yaml:"quotaExempt"`
	APIKeyHeader      string   `yaml:"apiKeyHeader"`
	TenantHeader      string   `yaml:"tenantHeader"`
	TrustTenantHeader bool     `yaml:"trustTenantHeader"` // only behind a proxy that sets it
	DefaultPlan       string   `yaml:"defaultPlan"`
}

// KeyCfg is an API key issued at startup.
type KeyCfg struct {
	Tenant      string   `yaml:"tenant"`
	Plan        string   `yaml:"plan"`
	Scopes      []string `yaml:"scopes"`
	IPWhitelist []string `yaml:"ipWhitelist"`
	IPBlacklist []string `yaml:"ipBlacklist"`
}

// RedisCfg Redis connection and namespace.
type RedisCfg struct {
	Addr           string   `yaml:"addr"`           // "127.0.0.1:6379", comma separated for cluster
	Addrs          []string `yaml:"addrs"`          // optional explicit address list
	Password       string   `yaml:"password"`
	DB             int      `yaml:"db"`
	Prefix         string   `yaml:"prefix"`         // key prefix
	UpdatesChannel string   `yaml:"updatesChannel"` // pub/sub channel for whitelist changes
	PoolSize       int      `yaml:"poolSize"`
	MinIdleConns   int      `yaml:"minIdleConns"`
	MaxRetries     int      `yaml:"maxRetries"`
	ReadTimeoutMs  int      `yaml:"readTimeoutMs"`
	WriteTimeoutMs int      `yaml:"writeTimeoutMs"`
	DialTimeoutMs  int      `yaml:"dialTimeoutMs"`
}

// Enabled reports whether any address is configured.
func (r RedisCfg) Enabled() bool {
	return strings.TrimSpace(r.Addr) != "" || len(r.Addrs) > 0
}

// BreakerCfg circuit breaker around audit writes.
type BreakerCfg struct {
	Enabled        bool   `yaml:"enabled"`
	ErrorThreshold uint64 `yaml:"errorThreshold"` // errors per stat interval that open the breaker
	MinRequests    uint64 `yaml:"minRequests"`
	StatIntervalMs uint32 `yaml:"statIntervalMs"`
	RetryTimeoutMs uint32 `yaml:"retryTimeoutMs"` // open state duration before a probe
}

// AuditCfg block and usage event sink.
type AuditCfg struct {
	Mode    string     `yaml:"mode"`   // "redis_stream" | "none"
	Stream  string     `yaml:"stream"` // stream key suffix
	MaxLen  int64      `yaml:"maxLen"` // approximate stream cap
	Buffer  int        `yaml:"buffer"` // in-process queue size
	Breaker BreakerCfg `yaml:"breaker"`
}

// AllowlistCfg shared whitelist sync from Redis.
type AllowlistCfg struct {
	Enabled        bool   `yaml:"enabled"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	FailPolicy     string `yaml:"failPolicy"` // fail-open | fail-closed
}

// PollInterval returns the poll period, 5s when unset.
func (a AllowlistCfg) PollInterval() time.Duration {
	if a.PollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.PollIntervalMs) * time.Millisecond
}

// Config is the full startup configuration. It is not reloaded at runtime.
type Config struct {
	Environment   string                `yaml:"environment"`
	Server        ServerCfg             `yaml:"server"`
	Log           LogCfg                `yaml:"log"`
	WAF           WAFCfg                `yaml:"waf"`
	Gateway       GatewayCfg            `yaml:"gateway"`
	Plans         map[string]quota.Plan `yaml:"plans"`
	BootstrapKeys []KeyCfg              `yaml:"bootstrapKeys"`
	Redis         RedisCfg              `yaml:"redis"`
	Audit         AuditCfg              `yaml:"audit"`
	Allowlist     AllowlistCfg          `yaml:"allowlist"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerCfg{
			HTTPAddr:       ":8080",
			MaxBodyBytes:   1 << 20,
			ReadTimeoutMs:  5000,
			WriteTimeoutMs: 10000,
		},
		Log: LogCfg{Level: "info", Format: "json"},
		WAF: WAFCfg{
			Enabled:       true,
			LogBlocked:    true,
			RatePerMinute: 120,
		},
		Gateway: GatewayCfg{
			Enabled:           true,
			EnforceQuota:      true,
			SanitizeResponses: true,
			QuotaExempt:       []string{"/health", "/auth/", "/public/"},
			APIKeyHeader:      "X-API-Key",
			TenantHeader:      "X-Tenant-Id",
			DefaultPlan:       quota.FallbackPlan,
		},
		Redis: RedisCfg{
			Prefix:         "pixiu:gate",
			UpdatesChannel: "pixiu_gate_updates",
		},
		Audit: AuditCfg{
			Mode:   "none",
			Stream: "audit",
			MaxLen: 100000,
			Buffer: 1024,
			Breaker: BreakerCfg{
				Enabled:        true,
				ErrorThreshold: 20,
				MinRequests:    10,
				StatIntervalMs: 10000,
				RetryTimeoutMs: 5000,
			},
		},
	}
}

// Load reads the YAML file at path over Default, expanding ${VAR} references,
// then applies PIXIU_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		expanded := os.ExpandEnv(string(b))
		if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if len(c.Plans) == 0 {
		c.Plans = quota.DefaultPlans()
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PIXIU_ENV", &c.Environment)
	str("PIXIU_HTTP_ADDR", &c.Server.HTTPAddr)
	str("PIXIU_ADMIN_TOKEN", &c.Server.AdminToken)
	str("PIXIU_LOG_LEVEL", &c.Log.Level)
	str("PIXIU_LOG_FORMAT", &c.Log.Format)
	str("PIXIU_REDIS_ADDR", &c.Redis.Addr)
	str("PIXIU_REDIS_PASSWORD", &c.Redis.Password)
	str("PIXIU_AUDIT_MODE", &c.Audit.Mode)

	if v, ok := lookup("PIXIU_WAF_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PIXIU_WAF_ENABLED: %w", err)
		}
		c.WAF.Enabled = b
	}
	if v, ok := lookup("PIXIU_WAF_RATE_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIXIU_WAF_RATE_PER_MINUTE: %w", err)
		}
		c.WAF.RatePerMinute = n
	}
	if v, ok := lookup("PIXIU_WAF_WHITELIST"); ok && v != "" {
		c.WAF.Whitelist = splitList(v)
	}
	if v, ok := lookup("PIXIU_REQUIRE_API_KEY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PIXIU_REQUIRE_API_KEY: %w", err)
		}
		c.Gateway.RequireAPIKey = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Production reports whether strict checks apply.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

var errAdminToken = errors.New("server.adminToken is required in production")

// Validate checks the configuration. Secrets missing in development only
// produce warnings on log; everything else is an error in every environment.
func (c *Config) Validate(log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(c.Environment) {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment %q: must be %s or %s", c.Environment, EnvDevelopment, EnvProduction)
	}

	if c.Server.AdminToken == "" {
		if c.Production() {
			return errAdminToken
		}
		log.Warn("server.adminToken not set, admin routes are unauthenticated (development only)")
	}

	if c.WAF.RatePerMinute <= 0 {
		return fmt.Errorf("waf.ratePerMinute must be positive, got %d", c.WAF.RatePerMinute)
	}
	for _, ip := range c.WAF.Whitelist {
		if !identity.ValidIP(ip) {
			return fmt.Errorf("waf.whitelist: invalid ip %q", ip)
		}
	}
	for i, r := range c.WAF.CustomRules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("waf.customRules[%d]: name is required", i)
		}
		if len(r.Patterns) == 0 {
			return fmt.Errorf("waf.customRules[%d] %q: at least one pattern is required", i, r.Name)
		}
		if _, err := pattern.CompileFamily(types.CategoryCustom, r.Name, r.Patterns); err != nil {
			return fmt.Errorf("waf.customRules[%d]: %w", i, err)
		}
	}

	if err := quota.ValidatePlans(c.Plans); err != nil {
		return fmt.Errorf("plans: %w", err)
	}
	if free, starter, ok := planPair(c.Plans, "free", "starter"); ok &&
		(free.DailyLimit > starter.DailyLimit || free.MonthlyLimit > starter.MonthlyLimit) {
		log.Warn("plan free allows more than starter; check the plans table",
			"free_daily", free.DailyLimit, "starter_daily", starter.DailyLimit)
	}
	if _, ok := c.Plans[c.Gateway.DefaultPlan]; !ok {
		return fmt.Errorf("gateway.defaultPlan %q: %w", c.Gateway.DefaultPlan, quota.ErrUnknownPlan)
	}
	for i, k := range c.BootstrapKeys {
		if strings.TrimSpace(k.Tenant) == "" {
			return fmt.Errorf("bootstrapKeys[%d]: tenant is required", i)
		}
		if k.Plan != "" {
			if _, ok := c.Plans[k.Plan]; !ok {
				return fmt.Errorf("bootstrapKeys[%d] plan %q: %w", i, k.Plan, quota.ErrUnknownPlan)
			}
		}
	}
	if c.Gateway.APIKeyHeader == "" {
		return errors.New("gateway.apiKeyHeader must not be empty")
	}

	switch c.Audit.Mode {
	case "", "none":
	case "redis_stream":
		if !c.Redis.Enabled() {
			return errors.New("audit.mode redis_stream requires redis.addr")
		}
	default:
		return fmt.Errorf("audit.mode %q: must be redis_stream or none", c.Audit.Mode)
	}
	if c.Allowlist.Enabled && !c.Redis.Enabled() {
		return errors.New("allowlist.enabled requires redis.addr")
	}
	switch c.Allowlist.FailPolicy {
	case "", "fail-open", "fail-closed":
	default:
		return fmt.Errorf("allowlist.failPolicy must be fail-open or fail-closed, got %q", c.Allowlist.FailPolicy)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q: must be json or text", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func planPair(plans map[string]quota.Plan, a, b string) (quota.Plan, quota.Plan, bool) {
	pa, okA := plans[a]
	pb, okB := plans[b]
	return pa, pb, okA && okB
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return lvl, nil
}
