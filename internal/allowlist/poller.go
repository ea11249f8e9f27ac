// Package allowlist keeps the firewall whitelist in step with the shared
// Redis set. Members are pulled on a timer and on every update notification.
package allowlist

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/identity"
	"github.com/nanjiek/pixiu-gate/internal/util"
)

const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Source is the shared whitelist store.
type Source interface {
	WhitelistMembers(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context) *redis.PubSub
}

// Target receives the pulled set.
type Target interface {
	ReplaceWhitelist(ips []string)
}

// Config controls the pull loop.
type Config struct {
	Interval   time.Duration
	FailPolicy string // fail-open keeps the last set, fail-closed drops it
}

// Poller mirrors the shared set into a Target.
type Poller struct {
	source     Source
	target     Target
	interval   time.Duration
	failPolicy string
	log        *slog.Logger

	mu      sync.Mutex
	lastSum string
	synced  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPoller(src Source, target Target, cfg Config, opts ...Option) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p := &Poller{
		source:     src,
		target:     target,
		interval:   interval,
		failPolicy: strings.ToLower(strings.TrimSpace(cfg.FailPolicy)),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SyncOnce pulls the set once and applies it when it changed.
func (p *Poller) SyncOnce(ctx context.Context) error {
	_, err := p.pull(ctx)
	return err
}

// Start pulls once, then runs the timer and the update subscription in the
// background until ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	if _, err := p.pull(ctx); err != nil {
		p.log.Warn("whitelist pull failed on startup", "error", err)
	}

	go func() {
		defer close(p.done)
		p.loop(ctx)
	}()
}

// Stop ends the loop and waits for it. Safe to call more than once.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) loop(ctx context.Context) {
	sub := p.source.Subscribe(ctx)
	defer sub.Close()
	updates := sub.Channel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.pull(ctx); err != nil {
				p.log.Warn("whitelist pull failed", "error", err)
			}
		case msg, ok := <-updates:
			if !ok {
				p.log.Warn("pubsub channel closed, falling back to polling")
				updates = nil
				continue
			}
			p.log.Debug("whitelist update received", "payload", msg.Payload)
			if _, err := p.pull(ctx); err != nil {
				p.log.Warn("whitelist pull failed", "error", err)
			}
		}
	}
}

// pull reports whether the target was replaced.
func (p *Poller) pull(ctx context.Context) (bool, error) {
	members, err := p.source.WhitelistMembers(ctx)
	if err != nil {
		p.handleFailure()
		return false, err
	}

	valid := make([]string, 0, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if !identity.ValidIP(m) {
			p.log.Warn("ignoring invalid whitelist entry", "entry", m)
			continue
		}
		valid = append(valid, m)
	}
	sort.Strings(valid)
	sum := util.FNV64(strings.Join(valid, ","))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.synced && sum == p.lastSum {
		return false, nil
	}
	p.target.ReplaceWhitelist(valid)
	p.lastSum = sum
	p.synced = true
	p.log.Info("whitelist synced", "entries", len(valid))
	return true, nil
}

func (p *Poller) handleFailure() {
	if p.failPolicy != FailClosed {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target.ReplaceWhitelist(nil)
	p.synced = false
}
