package router

import (
	"strings"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/rcu"
)

// Matcher serves lookups from an Index that can be swapped at runtime.
type Matcher[V any] struct {
	snap *rcu.Snapshot[Index[V]]
}

func NewMatcher[V any](initial *Index[V]) *Matcher[V] {
	if initial == nil {
		initial = NewBuilder[V]().Build()
	}
	return &Matcher[V]{snap: rcu.NewSnapshot(initial)}
}

func (m *Matcher[V]) Replace(idx *Index[V]) {
	if idx == nil {
		idx = NewBuilder[V]().Build()
	}
	m.snap.Replace(idx)
}

// Match returns matching values in registration order.
func (m *Matcher[V]) Match(method, path string) []V {
	return m.snap.Load().Match(method, path)
}

// Len returns the number of routes in the current index.
func (m *Matcher[V]) Len() int {
	return m.snap.Load().Len()
}

// PrefixSet answers whether a path starts with any of a fixed list of prefixes.
type PrefixSet struct {
	idx *Index[struct{}]
}

// NewPrefixSet indexes prefixes, ignoring blanks.
func NewPrefixSet(prefixes ...string) *PrefixSet {
	b := NewBuilder[struct{}]()
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			b.AddPrefix(p, struct{}{})
		}
	}
	return &PrefixSet{idx: b.Build()}
}

// Contains reports whether path has one of the prefixes.
func (s *PrefixSet) Contains(path string) bool {
	if s == nil {
		return false
	}
	return len(s.idx.prefix.match(path)) > 0
}

func matchMethod(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "*" || m == method {
			return true
		}
	}
	return false
}
