// Package records defines the flat record shape that flows from the remote
// source into the warehouse, and the tagged Reference value that relational
// fields are normalized into at the extraction boundary.
package records

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Record is one flat row: field name to scalar value.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record's field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reference is a relational value as returned by the remote source: either a
// present (id, label) pair or absent.
type Reference struct {
	ID    int64
	Label string
	Valid bool
}

// Present builds a present Reference.
func Present(id int64, label string) Reference {
	return Reference{ID: id, Label: label, Valid: true}
}

// Absent builds an absent Reference.
func Absent() Reference { return Reference{} }

// Value returns the referenced id, or nil when absent.
func (r Reference) Value() any {
	if !r.Valid {
		return nil
	}
	return r.ID
}

// LabelValue returns the display label, or nil when absent.
func (r Reference) LabelValue() any {
	if !r.Valid {
		return nil
	}
	return r.Label
}

// ParseReference decodes the wire forms of a relational field: a two element
// [id, label] array, a bare id, or false/nil for absent. ok is false when v
// has none of these shapes.
func ParseReference(v any) (ref Reference, ok bool) {
	switch t := v.(type) {
	case nil:
		return Absent(), true
	case bool:
		if t {
			return Reference{}, false
		}
		return Absent(), true
	case []any:
		if len(t) == 0 {
			return Absent(), true
		}
		id, ok := AsInt64(t[0])
		if !ok {
			return Reference{}, false
		}
		label := ""
		if len(t) > 1 {
			if s, isStr := t[1].(string); isStr {
				label = s
			}
		}
		return Present(id, label), true
	default:
		id, ok := AsInt64(v)
		if !ok {
			return Reference{}, false
		}
		return Present(id, ""), true
	}
}

// AsInt64 converts the numeric forms produced by JSON decoding into int64.
// Fractional floats are rejected.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// IDs extracts the integer value of field from every record, skipping records
// where it is missing or not an integer.
func IDs(recs []Record, field string) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		if id, ok := AsInt64(r[field]); ok {
			out = append(out, id)
		}
	}
	return out
}

// NormalizeReferences returns a copy of r with relational values flattened to
// scalars. Fields in refs must hold a reference: they become the referenced
// id, or nil when absent. Fields in labels become the display label instead.
// Any other field holding an [id, "label"] pair is flattened to its id; other
// lists, such as many2many id lists, are left as they are.
func NormalizeReferences(r Record, refs, labels []string) (Record, error) {
	out := r.Clone()
	declared := make(map[string]bool, len(refs)+len(labels))
	for _, f := range refs {
		declared[f] = false
	}
	for _, f := range labels {
		declared[f] = true
	}
	for field, wantLabel := range declared {
		v, ok := out[field]
		if !ok {
			continue
		}
		ref, ok := ParseReference(v)
		if !ok {
			return nil, fmt.Errorf("records: field %q: %v is not a reference", field, v)
		}
		if wantLabel {
			out[field] = ref.LabelValue()
		} else {
			out[field] = ref.Value()
		}
	}
	for field, v := range out {
		if _, ok := declared[field]; ok {
			continue
		}
		if ref, ok := labeledPair(v); ok {
			out[field] = ref.Value()
		}
	}
	return out, nil
}

// labeledPair matches the [id, "label"] shape of a many2one value.
func labeledPair(v any) (Reference, bool) {
	pair, isList := v.([]any)
	if !isList || len(pair) != 2 {
		return Reference{}, false
	}
	label, isStr := pair[1].(string)
	if !isStr {
		return Reference{}, false
	}
	id, ok := AsInt64(pair[0])
	if !ok {
		return Reference{}, false
	}
	return Present(id, label), true
}
