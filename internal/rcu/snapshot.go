package rcu

import (
	"sync"
	"sync/atomic"
)

// Snapshot is a copy-on-write container. Readers call Load without locking and
// always see a complete value; writers publish a fresh copy.
//
// Values handed to Replace or returned from an Update function must not be
// modified afterwards.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
	wmu sync.Mutex
}

// NewSnapshot returns a snapshot holding init.
func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

// Load returns the current value.
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace publishes next unconditionally.
func (s *Snapshot[T]) Replace(next *T) {
	s.wmu.Lock()
	s.ptr.Store(next)
	s.wmu.Unlock()
}

// Update derives the next value from the current one. Writers are serialised
// so concurrent read-modify-write cycles do not lose updates.
func (s *Snapshot[T]) Update(fn func(cur *T) *T) *T {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	next := fn(s.ptr.Load())
	s.ptr.Store(next)
	return next
}

// Set is an immutable string set meant to live inside a Snapshot.
type Set map[string]struct{}

// NewSet builds a set from items, skipping empty strings.
func NewSet(items ...string) *Set {
	s := make(Set, len(items))
	for _, it := range items {
		if it != "" {
			s[it] = struct{}{}
		}
	}
	return &s
}

// Has reports membership. A nil set is empty.
func (s *Set) Has(item string) bool {
	if s == nil {
		return false
	}
	_, ok := (*s)[item]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(*s)
}

// With returns a copy of s plus item.
func (s *Set) With(item string) *Set {
	next := s.clone(1)
	(*next)[item] = struct{}{}
	return next
}

// Without returns a copy of s minus item.
func (s *Set) Without(item string) *Set {
	next := s.clone(0)
	delete(*next, item)
	return next
}

// Items returns the members in no particular order.
func (s *Set) Items() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(*s))
	for k := range *s {
		out = append(out, k)
	}
	return out
}

func (s *Set) clone(extra int) *Set {
	next := make(Set, s.Len()+extra)
	if s != nil {
		for k := range *s {
			next[k] = struct{}{}
		}
	}
	return &next
}
