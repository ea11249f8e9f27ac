// Package extract flattens a request into the list of string values the
// pattern matcher scans.
//
// Body traversal is bounded to MaxDepth levels of object/array nesting.
// Anything nested deeper is skipped without error, so a payload hidden below
// that depth is not detected. The bound keeps adversarial nesting from
// costing unbounded CPU.
package extract

import (
	"sort"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/types"
)

// MaxDepth is the body nesting budget.
const MaxDepth = 5

// Values returns every string leaf of req in scan order: the raw URL,
// query values, body strings, then route params.
func Values(req *types.Request) []string {
	if req == nil {
		return nil
	}
	out := make([]string, 0, 8)

	raw := req.OriginalURL
	if raw == "" {
		raw = req.Path
	}
	out = append(out, raw)

	for _, k := range sortedKeys(req.Query) {
		out = append(out, req.Query[k]...)
	}

	switch body := req.Body.(type) {
	case string:
		out = append(out, body)
	case map[string]any, []any:
		out = Walk(body, MaxDepth, out)
	}

	for _, k := range sortedKeys(req.Params) {
		out = append(out, req.Params[k])
	}
	return out
}

// Walk appends the string leaves of v to out, descending at most depth
// container levels. Strings sitting directly in an array are collected at the
// array's own level; nested containers consume one level each.
func Walk(v any, depth int, out []string) []string {
	if depth <= 0 {
		return out
	}
	switch node := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(node) {
			out = walkChild(node[k], depth, out)
		}
	case []any:
		for _, item := range node {
			out = walkChild(item, depth, out)
		}
	}
	return out
}

func walkChild(v any, depth int, out []string) []string {
	switch child := v.(type) {
	case string:
		return append(out, child)
	case []any:
		for _, item := range child {
			switch elem := item.(type) {
			case string:
				out = append(out, elem)
			case map[string]any, []any:
				out = Walk(elem, depth-1, out)
			}
		}
		return out
	case map[string]any:
		return Walk(child, depth-1, out)
	default:
		return out
	}
}

// sortedKeys keeps extraction order deterministic across runs.
func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
