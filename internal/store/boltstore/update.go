package boltstore

import "github.com/swarmguard/reactivetask/internal/store"

// applyUpdate interprets the small subset of Mongo update operators the
// reactive task core actually emits: $set, $unset, $inc, and $setOnInsert.
// Anything else is treated as a replacement document, mirroring Mongo's own
// behavior when an update document's top-level keys don't start with "$".
func applyUpdate(doc, update store.Doc) store.Doc {
	out := store.Doc{}
	for k, v := range doc {
		out[k] = v
	}

	hasOperators := false
	for k := range update {
		if len(k) > 0 && k[0] == '$' {
			hasOperators = true
			break
		}
	}
	if !hasOperators {
		for k, v := range update {
			out[k] = v
		}
		return out
	}

	if set, ok := update["$set"].(store.Doc); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	if setOnInsert, ok := update["$setOnInsert"].(store.Doc); ok {
		if _, existed := doc["_id"]; !existed {
			for k, v := range setOnInsert {
				out[k] = v
			}
		}
	}
	if unset, ok := update["$unset"].(store.Doc); ok {
		for k := range unset {
			delete(out, k)
		}
	}
	if inc, ok := update["$inc"].(store.Doc); ok {
		for k, v := range inc {
			out[k] = addNumeric(out[k], v)
		}
	}
	return out
}

func addNumeric(existing, delta any) any {
	e := toFloat(existing)
	d := toFloat(delta)
	return e + d
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
