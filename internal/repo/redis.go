package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/config"
)

// Key templates
const (
	keyWhitelist  = "%s:whitelist:ip"
	keyStreamTmpl = "%s:stream:%s"
	updateAddTmpl = "whitelist:add:%s"
	updateDelTmpl = "whitelist:del:%s"
)

// Repo is the Redis surface used by the allow-list poller, the audit sink and
// the admin API. Nothing on the request path talks to Redis.
type Repo interface {
	KeyWhitelistIP() string
	KeyStream(name string) string
	WhitelistMembers(ctx context.Context) ([]string, error)
	AddWhitelistIP(ctx context.Context, ip string) error
	RemoveWhitelistIP(ctx context.Context, ip string) error
	AppendStream(ctx context.Context, name string, maxLen int64, fields map[string]any) (string, error)
	PublishUpdate(ctx context.Context, msg string) error
	Subscribe(ctx context.Context) *redis.PubSub
	Ping(ctx context.Context) error
	Close() error
}

type RedisRepo struct {
	Prefix         string
	UpdateChannel  string
	Cli            redis.UniversalClient
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option pattern for custom configurations
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *RedisRepo) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis connects to a single node or, with several addresses, a cluster,
// and pings it.
func NewRedis(cfg config.RedisCfg, opts ...Option) (*RedisRepo, error) {
	addrs := normalizeAddrs(cfg)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}
	r := NewWithClient(redis.NewUniversalClient(buildOptions(cfg)), cfg.Prefix, cfg.UpdatesChannel, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		r.logger.Error("redis ping failed", "addrs", addrs, "err", err)
		_ = r.Cli.Close()
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return r, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli redis.UniversalClient, prefix, channel string, opts ...Option) *RedisRepo {
	r := &RedisRepo{
		Prefix:         prefix,
		UpdateChannel:  channel,
		Cli:            cli,
		logger:         slog.Default(),
		defaultTimeout: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (r *RedisRepo) KeyWhitelistIP() string {
	return fmt.Sprintf(keyWhitelist, r.Prefix)
}

func (r *RedisRepo) KeyStream(name string) string {
	return fmt.Sprintf(keyStreamTmpl, r.Prefix, name)
}

// WhitelistMembers returns the shared whitelist set.
func (r *RedisRepo) WhitelistMembers(parentCtx context.Context) ([]string, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	members, err := r.Cli.SMembers(ctx, r.KeyWhitelistIP()).Result()
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return members, nil
}

// AddWhitelistIP adds ip to the shared set and notifies subscribers.
func (r *RedisRepo) AddWhitelistIP(parentCtx context.Context, ip string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.SAdd(ctx, r.KeyWhitelistIP(), ip).Err(); err != nil {
		return fmt.Errorf("whitelist add %s: %w", ip, err)
	}
	return r.PublishUpdate(parentCtx, fmt.Sprintf(updateAddTmpl, ip))
}

// RemoveWhitelistIP removes ip from the shared set and notifies subscribers.
func (r *RedisRepo) RemoveWhitelistIP(parentCtx context.Context, ip string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.SRem(ctx, r.KeyWhitelistIP(), ip).Err(); err != nil {
		return fmt.Errorf("whitelist remove %s: %w", ip, err)
	}
	return r.PublishUpdate(parentCtx, fmt.Sprintf(updateDelTmpl, ip))
}

// AppendStream XADDs fields to the named stream, trimming it to about maxLen entries.
func (r *RedisRepo) AppendStream(parentCtx context.Context, name string, maxLen int64, fields map[string]any) (string, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: r.KeyStream(name),
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.Cli.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}

// PublishUpdate
func (r *RedisRepo) PublishUpdate(parentCtx context.Context, msg string) error {
	if r.UpdateChannel == "" {
		return nil
	}
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.Publish(ctx, r.UpdateChannel, msg).Err(); err != nil {
		return fmt.Errorf("publish update %q failed: %w", msg, err)
	}
	return nil
}

// Subscribe listens on the update channel. The caller closes the PubSub.
func (r *RedisRepo) Subscribe(ctx context.Context) *redis.PubSub {
	return r.Cli.Subscribe(ctx, r.UpdateChannel)
}

func (r *RedisRepo) Ping(parentCtx context.Context) error {
	ctx, cancel := r.withTimeout(parentCtx, time.Second)
	defer cancel()
	return r.Cli.Ping(ctx).Err()
}

// Close
func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

// Helper functions
func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// buildOptions yields a cluster client when more than one address is given.
func buildOptions(cfg config.RedisCfg) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        normalizeAddrs(cfg),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     atLeast(cfg.PoolSize, 20),
		MinIdleConns: atLeast(cfg.MinIdleConns, 2),
		DialTimeout:  durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:   atLeast(cfg.MaxRetries, 2),
	}
}

func atLeast(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
