package router

import (
	"sort"
	"strings"
)

// Index is an immutable route index. Patterns are exact paths, prefixes
// ending in "*", or "*" / "" for every path.
type Index[V any] struct {
	exact    map[string][]entry[V]
	prefix   *trieNode[V]
	wildcard []entry[V]
	size     int
}

type entry[V any] struct {
	seq     int
	methods []string
	value   V
}

type trieNode[V any] struct {
	children map[rune]*trieNode[V]
	entries  []entry[V]
}

func newTrie[V any]() *trieNode[V] {
	return &trieNode[V]{children: make(map[rune]*trieNode[V])}
}

func (t *trieNode[V]) insert(prefix string, e entry[V]) {
	node := t
	for _, ch := range prefix {
		if node.children == nil {
			node.children = make(map[rune]*trieNode[V])
		}
		next := node.children[ch]
		if next == nil {
			next = &trieNode[V]{children: make(map[rune]*trieNode[V])}
			node.children[ch] = next
		}
		node = next
	}
	node.entries = append(node.entries, e)
}

func (t *trieNode[V]) match(path string) []entry[V] {
	if t == nil {
		return nil
	}
	node := t
	var out []entry[V]
	for _, ch := range path {
		if node == nil {
			break
		}
		if len(node.entries) > 0 {
			out = append(out, node.entries...)
		}
		node = node.children[ch]
	}
	if node != nil && len(node.entries) > 0 {
		out = append(out, node.entries...)
	}
	return out
}

// Builder accumulates routes for an Index.
type Builder[V any] struct {
	idx *Index[V]
}

// NewBuilder returns an empty builder.
func NewBuilder[V any]() *Builder[V] {
	return &Builder[V]{idx: &Index[V]{
		exact:  make(map[string][]entry[V]),
		prefix: newTrie[V](),
	}}
}

// Add registers v under pattern, limited to methods (empty means any).
func (b *Builder[V]) Add(pattern string, methods []string, v V) *Builder[V] {
	e := entry[V]{seq: b.idx.size, methods: methods, value: v}
	b.idx.size++

	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "" || pattern == "*":
		b.idx.wildcard = append(b.idx.wildcard, e)
	case strings.HasSuffix(pattern, "*"):
		b.idx.prefix.insert(strings.TrimSuffix(pattern, "*"), e)
	default:
		b.idx.exact[pattern] = append(b.idx.exact[pattern], e)
	}
	return b
}

// AddPrefix registers v for every path starting with prefix.
func (b *Builder[V]) AddPrefix(prefix string, v V) *Builder[V] {
	return b.Add(strings.TrimSpace(prefix)+"*", nil, v)
}

// Build returns the index. The builder must not be reused.
func (b *Builder[V]) Build() *Index[V] {
	idx := b.idx
	b.idx = nil
	return idx
}

// Len returns the number of registered routes.
func (x *Index[V]) Len() int {
	if x == nil {
		return 0
	}
	return x.size
}

// Match returns the values whose pattern covers path and whose method list
// accepts method, in registration order.
func (x *Index[V]) Match(method, path string) []V {
	if x == nil {
		return nil
	}
	var hits []entry[V]
	hits = append(hits, x.exact[path]...)
	hits = append(hits, x.prefix.match(path)...)
	hits = append(hits, x.wildcard...)

	out := make([]V, 0, len(hits))
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	for _, e := range hits {
		if matchMethod(e.methods, method) {
			out = append(out, e.value)
		}
	}
	return out
}

// Any reports whether at least one route accepts method and path.
func (x *Index[V]) Any(method, path string) bool {
	return len(x.Match(method, path)) > 0
}
