package nanodb

import (
	"encoding/json"
	"reflect"
)

// Comparison operators.
const (
	OpEq  = "$eq"
	OpIn  = "$in"
	OpGte = "$gte"
)

// QueryFilter is a predicate over a document's JSON object form.
type QueryFilter interface {
	Matches(doc map[string]any) bool
}

// Comparison matches a single top-level field against a value.
type Comparison struct {
	Path  string
	Op    string
	Value any
}

// Matches implements QueryFilter.
func (c Comparison) Matches(doc map[string]any) bool {
	field, ok := doc[c.Path]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return jsonEqual(field, c.Value)
	case OpIn:
		values := reflect.ValueOf(c.Value)
		if values.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < values.Len(); i++ {
			if jsonEqual(field, values.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpGte:
		fv, fok := asFloat(field)
		cv, cok := asFloat(c.Value)
		return fok && cok && fv >= cv
	default:
		return false
	}
}

// And matches when every sub-expression matches.
type And struct {
	Expressions []QueryFilter
}

// Matches implements QueryFilter.
func (a And) Matches(doc map[string]any) bool {
	for _, expr := range a.Expressions {
		if !expr.Matches(doc) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values in their normalized JSON form, so typed
// values (custom string types, ints) compare equal to their decoded
// counterparts (strings, float64).
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
