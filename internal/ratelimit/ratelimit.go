// Package ratelimit implements the per client IP x endpoint fixed window
// limiter used by the firewall.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/util"
)

const (
	// DefaultWindow is the fixed window length.
	DefaultWindow = time.Minute
	// DefaultIdleTTL is how long a bucket may sit untouched before the sweep evicts it.
	DefaultIdleTTL = 2 * time.Minute
	// DefaultSweepInterval is the period of the background sweep.
	DefaultSweepInterval = time.Minute

	shardCount = 64
)

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
}

type bucket struct {
	count       int
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a fixed window counter keyed by ip:METHOD:path.
type Limiter struct {
	limit    int
	window   time.Duration
	idleTTL  time.Duration
	interval time.Duration
	log      *slog.Logger

	shards [shardCount]shard

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithIdleTTL overrides the eviction threshold.
func WithIdleTTL(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTTL = d
		}
	}
}

// WithSweepInterval overrides the sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger used by the sweep loop.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a limiter allowing limit requests per window and key.
func New(limit int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:    limit,
		window:   DefaultWindow,
		idleTTL:  DefaultIdleTTL,
		interval: DefaultSweepInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// Key builds the bucket key for an ip and an endpoint of the form "METHOD:path".
func Key(ip, endpoint string) string {
	return ip + ":" + endpoint
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int { return l.limit }

// Check counts one request and reports whether it is within the limit.
func (l *Limiter) Check(ip, endpoint string, now time.Time) Result {
	key := Key(ip, endpoint)
	sh := &l.shards[util.Shard(key, shardCount)]

	sh.mu.Lock()
	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		sh.buckets[key] = b
	} else if now.Sub(b.windowStart) > l.window {
		b.count = 0
		b.windowStart = now
	}
	b.count++
	count := b.count
	sh.mu.Unlock()

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= l.limit,
		Remaining: remaining,
		Limit:     l.limit,
	}
}

// Sweep evicts buckets idle for longer than the idle TTL and returns how many
// were removed. Shards are locked one at a time.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if now.Sub(b.windowStart) > l.idleTTL {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Start launches the background sweep. It stops when ctx is cancelled or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Limiter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Sweep(now); n > 0 {
				l.log.Debug("rate buckets swept", "removed", n)
			}
		}
	}
}

// Stop cancels the sweep loop and waits for it to exit. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
