// Package discovery searches untyped status payloads for numeric progress
// fields. It never fails: malformed or non-numeric values are skipped.
package discovery

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// MaxDepth bounds how far Find descends into nested mappings and sequences.
// Anything nested deeper is ignored.
const MaxDepth = 50

// Sample is a numeric value found under one of the candidate keys.
type Sample struct {
	// Key is the lower-cased key the value was found under.
	Key string
	// Value is the coerced numeric value.
	Value float64
	// Depth is the nesting level of the key; 0 is the top level.
	Depth int
}

// Find returns every numeric value stored under one of keys anywhere in
// payload. Keys match case-insensitively. The walk is depth-first pre-order,
// mapping keys are visited in lexicographic order and sequence elements in
// index order, so the result order is stable for a given payload.
func Find(payload any, keys ...string) []Sample {
	if len(keys) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[strings.ToLower(k)] = struct{}{}
	}
	var out []Sample
	walk(payload, want, 0, &out)
	return out
}

func walk(node any, want map[string]struct{}, depth int, out *[]Sample) {
	if depth > MaxDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		for _, k := range sortedKeys(v) {
			child := v[k]
			lower := strings.ToLower(k)
			if _, ok := want[lower]; ok {
				if num, ok := Number(child); ok {
					*out = append(*out, Sample{Key: lower, Value: num, Depth: depth})
				}
			}
			walk(child, want, depth+1, out)
		}
	case []any:
		for _, child := range v {
			walk(child, want, depth+1, out)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TopLevel returns the numeric value stored directly under key in payload.
// An exact match wins; otherwise the first case-insensitive match in sorted
// key order is used.
func TopLevel(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	if v, ok := payload[key]; ok {
		return Number(v)
	}
	lower := strings.ToLower(key)
	for _, k := range sortedKeys(payload) {
		if strings.ToLower(k) == lower {
			return Number(payload[k])
		}
	}
	return 0, false
}

// String returns the trimmed string stored directly under key in payload.
func String(payload map[string]any, key string) (string, bool) {
	if payload == nil {
		return "", false
	}
	s, ok := payload[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Number coerces a decoded JSON value into a finite float64. Numbers and
// numeric strings are accepted; booleans, mappings, sequences and nil are not.
func Number(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case nil, bool, map[string]any, []any:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err = cast.ToFloat64E(s)
	case json.Number:
		f, err = t.Float64()
	default:
		f, err = cast.ToFloat64E(t)
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
