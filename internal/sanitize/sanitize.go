// Package sanitize strips sensitive fields from outbound JSON values.
package sanitize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var denied = map[string]struct{}{
	"password_hash": {},
	"passwordHash":  {},
	"password":      {},
	"mfa_secret":    {},
	"mfaSecret":     {},
	"totp_secret":   {},
	"api_secret":    {},
	"apiSecret":     {},
	"refresh_token": {},
	"token":         {},
	"secret":        {},
	"internal_id":   {},
	"internalId":    {},
	"_prisma":       {},
	"stack":         {},
	"stack_trace":   {},
	"stackTrace":    {},
	"sql":           {},
	"query":         {},
	"__v":           {},
	"$__":           {},
	"$isNew":        {},
}

// Denied reports whether key is removed from objects.
func Denied(key string) bool {
	if _, ok := denied[key]; ok {
		return true
	}
	return strings.HasPrefix(key, "_") && key != "_id"
}

// Value returns a copy of v with denied keys removed at every level. Maps and
// slices are rebuilt; v itself is never modified.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if Denied(k) {
				continue
			}
			out[k] = Value(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Value(child)
		}
		return out
	default:
		return v
	}
}

// JSON sanitises an encoded JSON document. Numbers keep their original text.
func JSON(b []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("sanitize: trailing data after JSON value")
	}
	out, err := json.Marshal(Value(v))
	if err != nil {
		return nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, nil
}
