package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the shape of an attribute lookup result.
type Kind int

const (
	KindAbsent Kind = iota
	KindNull
	KindScalar
	KindMapping
	KindSequence
	KindComputed
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	case KindComputed:
		return "computed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is the result of an attribute path lookup. Absent ("field not set")
// and Null ("field set to null") are distinct kinds.
type Value struct {
	Kind Kind
	Raw  any
}

// Absent returns the marker for a path that does not exist.
func Absent() Value { return Value{Kind: KindAbsent} }

// Computed returns the marker for a value unknown until apply.
func Computed() Value { return Value{Kind: KindComputed} }

// FromRaw wraps a normalized value.
func FromRaw(raw any) Value {
	switch raw.(type) {
	case nil:
		return Value{Kind: KindNull}
	case map[string]any:
		return Value{Kind: KindMapping, Raw: raw}
	case []any:
		return Value{Kind: KindSequence, Raw: raw}
	default:
		return Value{Kind: KindScalar, Raw: raw}
	}
}

func (v Value) IsAbsent() bool   { return v.Kind == KindAbsent }
func (v Value) IsComputed() bool { return v.Kind == KindComputed }

// Str returns the string scalar.
func (v Value) Str() (string, bool) {
	s, ok := v.Raw.(string)
	return s, ok && v.Kind == KindScalar
}

// Bool returns the boolean scalar.
func (v Value) Bool() (bool, bool) {
	b, ok := v.Raw.(bool)
	return b, ok && v.Kind == KindScalar
}

// Number returns a numeric scalar. Numeric strings are accepted because
// providers frequently encode numbers as strings.
func (v Value) Number() (float64, bool) {
	if v.Kind != KindScalar {
		return 0, false
	}
	switch x := v.Raw.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// Items returns the elements of a sequence, or the value itself for a scalar.
func (v Value) Items() []Value {
	switch v.Kind {
	case KindSequence:
		raw := v.Raw.([]any)
		out := make([]Value, len(raw))
		for i, e := range raw {
			out[i] = FromRaw(e)
		}
		return out
	case KindScalar, KindMapping:
		return []Value{v}
	default:
		return nil
	}
}

// Len returns the length of a sequence, mapping or string.
func (v Value) Len() (int, bool) {
	switch x := v.Raw.(type) {
	case []any:
		return len(x), true
	case map[string]any:
		return len(x), true
	case string:
		return len(x), true
	}
	return 0, false
}

// Truthy reports whether the value is set to something other than
// null, false, zero, or an empty string/collection.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindAbsent, KindNull, KindComputed:
		return false
	}
	switch x := v.Raw.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// Canonical returns a stable key used for equality and indexing.
func (v Value) Canonical() string {
	switch v.Kind {
	case KindAbsent:
		return "<absent>"
	case KindComputed:
		return "<computed>"
	case KindNull:
		return "null"
	}
	data, err := json.Marshal(v.Raw)
	if err != nil {
		return fmt.Sprintf("%v", v.Raw)
	}
	return string(data)
}

// String renders the value for violation messages.
func (v Value) String() string {
	if s, ok := v.Str(); ok {
		return strconv.Quote(s)
	}
	return v.Canonical()
}

// Equal compares two values structurally. Absent and computed values never compare equal.
func Equal(a, b Value) bool {
	if a.Kind == KindAbsent || b.Kind == KindAbsent || a.Kind == KindComputed || b.Kind == KindComputed {
		return false
	}
	if a.Kind != b.Kind {
		return false
	}
	return a.Canonical() == b.Canonical()
}

// Equivalent is the equality rules apply: Equal, or two non-boolean scalars
// that read as the same number, so "443" matches 443.
func Equivalent(a, b Value) bool {
	if Equal(a, b) {
		return true
	}
	x, ok1 := a.number()
	y, ok2 := b.number()
	return ok1 && ok2 && x == y
}

// EquivalenceKey returns a string shared by exactly the values Equivalent
// to v. Absent and computed values have keys but are never Equivalent.
func (v Value) EquivalenceKey() string {
	if x, ok := v.number(); ok {
		return "#" + strconv.FormatFloat(x, 'g', -1, 64)
	}
	return v.Canonical()
}

// number is Number restricted to non-boolean scalars; NaN never compares.
func (v Value) number() (float64, bool) {
	if _, isBool := v.Raw.(bool); isBool {
		return 0, false
	}
	x, ok := v.Number()
	if !ok || math.IsNaN(x) {
		return 0, false
	}
	if x == 0 {
		x = 0 // -0
	}
	return x, true
}
