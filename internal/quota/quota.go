// Package quota tracks per-tenant daily and monthly request quotas.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DailyWindow   = 24 * time.Hour
	MonthlyWindow = 30 * 24 * time.Hour

	// FallbackPlan is used for plan names missing from the table.
	FallbackPlan = "free"

	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Plan is the request allowance of one billing tier.
type Plan struct {
	DailyLimit   int64 `yaml:"dailyLimit" json:"dailyLimit"`
	MonthlyLimit int64 `yaml:"monthlyLimit" json:"monthlyLimit"`
}

// DefaultPlans returns the reference plan table. Note that free is more
// generous than starter; operators override it through config.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"free":         {DailyLimit: 10000, MonthlyLimit: 100000},
		"starter":      {DailyLimit: 1000, MonthlyLimit: 20000},
		"professional": {DailyLimit: 10000, MonthlyLimit: 200000},
		"enterprise":   {DailyLimit: 100000, MonthlyLimit: 2000000},
	}
}

// ValidatePlans rejects tables without the fallback plan or with non-positive limits.
func ValidatePlans(plans map[string]Plan) error {
	if _, ok := plans[FallbackPlan]; !ok {
		return fmt.Errorf("plan table must define %q: %w", FallbackPlan, ErrUnknownPlan)
	}
	for name, p := range plans {
		if p.DailyLimit <= 0 || p.MonthlyLimit <= 0 {
			return fmt.Errorf("plan %q: limits must be positive (daily=%d monthly=%d)", name, p.DailyLimit, p.MonthlyLimit)
		}
	}
	return nil
}

// Usage is the state of one window after a successful check.
type Usage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
}

// Result of Check. On denial Reason, Limit, Used, ResetsAt and Window describe
// the exhausted window.
type Result struct {
	Allowed bool
	Daily   Usage
	Monthly Usage

	Reason   string
	Limit    int64
	Used     int64
	ResetsAt time.Time
	Window   string
}

type window struct {
	count   int64
	resetAt time.Time
}

func (w *window) roll(now time.Time, span time.Duration) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(span)
	}
}

type entry struct {
	mu      sync.Mutex
	plan    string
	daily   window
	monthly window
}

// Snapshot is a read-only copy of a tenant's counters.
type Snapshot struct {
	Plan           string    `json:"plan"`
	DailyUsed      int64     `json:"dailyUsed"`
	DailyResetAt   time.Time `json:"dailyResetAt"`
	MonthlyUsed    int64     `json:"monthlyUsed"`
	MonthlyResetAt time.Time `json:"monthlyResetAt"`
}

// Manager holds all tenant counters in memory.
type Manager struct {
	plans map[string]Plan
	log   *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*entry

	warnMu sync.Mutex
	warned map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager copies plans; a nil or empty table means DefaultPlans.
func NewManager(plans map[string]Plan, opts ...Option) *Manager {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	m := &Manager{
		plans:   make(map[string]Plan, len(plans)),
		log:     slog.Default(),
		tenants: make(map[string]*entry),
		warned:  make(map[string]struct{}),
	}
	for k, v := range plans {
		m.plans[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Plans returns a copy of the plan table.
func (m *Manager) Plans() map[string]Plan {
	out := make(map[string]Plan, len(m.plans))
	for k, v := range m.plans {
		out[k] = v
	}
	return out
}

// Lookup returns the plan, or ErrUnknownPlan.
func (m *Manager) Lookup(name string) (Plan, error) {
	p, ok := m.plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return p, nil
}

func (m *Manager) resolve(name string) (string, Plan) {
	if p, ok := m.plans[name]; ok {
		return name, p
	}
	m.warnMu.Lock()
	if _, seen := m.warned[name]; !seen {
		m.warned[name] = struct{}{}
		m.log.Warn("unknown plan, using fallback", "plan", name, "fallback", FallbackPlan)
	}
	m.warnMu.Unlock()
	return FallbackPlan, m.plans[FallbackPlan]
}

func (m *Manager) entry(tenantID string) *entry {
	m.mu.RLock()
	e, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.tenants[tenantID]; ok {
		return e
	}
	e = &entry{}
	m.tenants[tenantID] = e
	return e
}

// Check consumes one request from both windows if both have room.
func (m *Manager) Check(tenantID, plan string, now time.Time) Result {
	planName, p := m.resolve(plan)
	e := m.entry(tenantID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.plan = planName
	e.daily.roll(now, DailyWindow)
	e.monthly.roll(now, MonthlyWindow)

	if e.daily.count >= p.DailyLimit {
		return denied("daily API quota exceeded", WindowDaily, p.DailyLimit, &e.daily)
	}
	if e.monthly.count >= p.MonthlyLimit {
		return denied("monthly API quota exceeded", WindowMonthly, p.MonthlyLimit, &e.monthly)
	}

	e.daily.count++
	e.monthly.count++
	return Result{
		Allowed: true,
		Daily:   usage(e.daily.count, p.DailyLimit),
		Monthly: usage(e.monthly.count, p.MonthlyLimit),
	}
}

func denied(reason, win string, limit int64, w *window) Result {
	return Result{
		Reason:   reason,
		Limit:    limit,
		Used:     w.count,
		ResetsAt: w.resetAt,
		Window:   win,
	}
}

func usage(used, limit int64) Usage {
	rem := limit - used
	if rem < 0 {
		rem = 0
	}
	return Usage{Used: used, Limit: limit, Remaining: rem}
}

// Usage returns the counters of one tenant.
func (m *Manager) Usage(tenantID string) (Snapshot, bool) {
	m.mu.RLock()
	e, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns the counters of every tenant seen so far.
func (m *Manager) Snapshot() map[string]Snapshot {
	m.mu.RLock()
	entries := make(map[string]*entry, len(m.tenants))
	for k, v := range m.tenants {
		entries[k] = v
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(entries))
	for k, e := range entries {
		out[k] = e.snapshot()
	}
	return out
}

// Tenants returns the known tenant IDs, sorted.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tenants))
	for k := range m.tenants {
		ids = append(ids, k)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Plan:           e.plan,
		DailyUsed:      e.daily.count,
		DailyResetAt:   e.daily.resetAt,
		MonthlyUsed:    e.monthly.count,
		MonthlyResetAt: e.monthly.resetAt,
	}
}
