package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// getPath resolves a dotted path ("a.b.c") against nested maps, the same
// flattening convention Mongo's own dot-notation queries use.
func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setPath writes value at a dotted path, creating intermediate maps as
// needed — the inverse of getPath, used by the projection compiler to
// un-flatten a watch projection's dotted keys back into a nested document.
func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare orders two scalar values numerically if both convert cleanly,
// falling back to a byte-wise string comparison otherwise. When either side
// is a time.Time, the other side may be a time.Time or an RFC3339 string (the
// form a time takes after a JSON round-trip) and the two compare as instants.
func compare(a, b any) (int, bool) {
	at, atok := a.(time.Time)
	bt, btok := b.(time.Time)
	if atok || btok {
		if s, ok := a.(string); ok && !atok {
			parsed, err := time.Parse(time.RFC3339Nano, s)
			at, atok = parsed, err == nil
		}
		if s, ok := b.(string); ok && !btok {
			parsed, err := time.Parse(time.RFC3339Nano, s)
			bt, btok = parsed, err == nil
		}
		if atok && btok {
			return at.Compare(bt), true
		}
		return 0, false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok2 := a.(string)
	bs, bok2 := b.(string)
	if aok2 && bok2 {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
