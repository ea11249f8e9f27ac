// Package apikey is the in-memory API key registry: issuing, validating,
// scoping and revoking tenant keys.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// Prefix marks every issued key.
	Prefix = "tc_"
	// ScopeAdmin satisfies every scope requirement.
	ScopeAdmin = "admin"

	DefaultPlan  = "free"
	DefaultScope = "read"

	keyBytes     = 24
	activeWithin = 24 * time.Hour
)

var (
	ErrEmptyTenant = errors.New("tenant id is required")
	ErrUnknownPlan = errors.New("unknown plan")
)

// Validation error messages, surfaced to clients in the 401 body.
const (
	MsgInvalidKey     = "invalid API key"
	MsgNotWhitelisted = "IP not in whitelist"
	MsgBlacklisted    = "IP is blacklisted"
)

// Options for Register. Zero values take the defaults.
type Options struct {
	Plan        string
	Scopes      []string
	IPWhitelist []string
	IPBlacklist []string
}

// Validation is the result of Validate.
type Validation struct {
	Valid    bool
	TenantID string
	Plan     string
	Scopes   []string
	Error    string
}

// Stats summarises the registry.
type Stats struct {
	TotalKeys  int `json:"totalKeys"`
	ActiveKeys int `json:"activeKeys"`
}

type entry struct {
	mu           sync.Mutex
	tenantID     string
	plan         string
	scopes       map[string]struct{}
	ipWhitelist  map[string]struct{}
	ipBlacklist  map[string]struct{}
	createdAt    time.Time
	lastUsed     time.Time
	requestCount int64
}

// Registry maps keys to tenants.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]*entry

	// seams for tests
	rand      io.Reader
	now       func() time.Time
	planKnown func(string) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithPlanCheck makes Register reject plans for which known returns false.
func WithPlanCheck(known func(string) bool) Option {
	return func(r *Registry) { r.planKnown = known }
}

// WithRandom overrides the key entropy source.
func WithRandom(src io.Reader) Option {
	return func(r *Registry) { r.rand = src }
}

// WithClock overrides the creation timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		keys: make(map[string]*entry),
		rand: rand.Reader,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register issues a new key for tenantID.
func (r *Registry) Register(tenantID string, opts Options) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrEmptyTenant
	}
	plan := opts.Plan
	if plan == "" {
		plan = DefaultPlan
	}
	if r.planKnown != nil && !r.planKnown(plan) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	buf := make([]byte, keyBytes)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := Prefix + hex.EncodeToString(buf)

	e := &entry{
		tenantID:    tenantID,
		plan:        plan,
		scopes:      toSet(scopes),
		ipWhitelist: toSet(opts.IPWhitelist),
		ipBlacklist: toSet(opts.IPBlacklist),
		createdAt:   r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.keys[key]; dup {
		return "", fmt.Errorf("generate api key: collision")
	}
	r.keys[key] = e
	return key, nil
}

func (r *Registry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.keys[key]
	r.mu.RUnlock()
	return e, ok
}

// Validate checks key against the registry and the caller ip. A successful
// validation records usage.
func (r *Registry) Validate(key, ip string, now time.Time) Validation {
	e, ok := r.lookup(key)
	if !ok {
		return Validation{Error: MsgInvalidKey}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ipWhitelist) > 0 {
		if _, ok := e.ipWhitelist[ip]; !ok {
			return Validation{Error: MsgNotWhitelisted}
		}
	}
	if _, banned := e.ipBlacklist[ip]; banned {
		return Validation{Error: MsgBlacklisted}
	}

	e.lastUsed = now
	e.requestCount++
	return Validation{
		Valid:    true,
		TenantID: e.tenantID,
		Plan:     e.plan,
		Scopes:   sortedSet(e.scopes),
	}
}

// CheckScope reports whether key carries scope, or admin.
func (r *Registry) CheckScope(key, scope string) bool {
	e, ok := r.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok = e.scopes[scope]
	return ok
}

// Revoke removes key. It reports whether the key existed.
func (r *Registry) Revoke(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; !ok {
		return false
	}
	delete(r.keys, key)
	return true
}

// AddIPWhitelist restricts key to ip (plus any already listed).
func (r *Registry) AddIPWhitelist(key, ip string) bool {
	return r.mutate(key, func(e *entry) { e.ipWhitelist[ip] = struct{}{} })
}

// AddIPBlacklist denies ip for key.
func (r *Registry) AddIPBlacklist(key, ip string) bool {
	return r.mutate(key, func(e *entry) { e.ipBlacklist[ip] = struct{}{} })
}

func (r *Registry) mutate(key string, fn func(*entry)) bool {
	e, ok := r.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
	return true
}

// Usage returns the request count and last use of key.
func (r *Registry) Usage(key string) (count int64, lastUsed time.Time, ok bool) {
	e, ok := r.lookup(key)
	if !ok {
		return 0, time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestCount, e.lastUsed, true
}

// Stats counts keys, and keys used within the last 24h as active.
func (r *Registry) Stats(now time.Time) Stats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.keys))
	for _, e := range r.keys {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	st := Stats{TotalKeys: len(entries)}
	for _, e := range entries {
		e.mu.Lock()
		if !e.lastUsed.IsZero() && now.Sub(e.lastUsed) < activeWithin {
			st.ActiveKeys++
		}
		e.mu.Unlock()
	}
	return st
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
