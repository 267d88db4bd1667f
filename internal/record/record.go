// Package record defines the schemaless record shape exchanged with the accounting API.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is a decoded JSON object. Values are scalars, nil, nested Records,
// or ordered slices of values.
type Record map[string]any

// Decode parses a JSON object into a Record, keeping numbers as json.Number.
func Decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return From(raw), nil
}

// DecodeList parses a JSON array of objects. Non-object elements are skipped.
func DecodeList(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, v := range raw {
		if rec, ok := AsRecord(v); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// From converts a generic decoded map (and any nested maps) into Records.
func From(m map[string]any) Record {
	if m == nil {
		return nil
	}
	out := make(Record, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return From(t)
	case Record:
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []Record:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// AsRecord reports whether v is an object and returns it as a Record.
func AsRecord(v any) (Record, bool) {
	switch t := v.(type) {
	case Record:
		return t, true
	case map[string]any:
		return From(t), true
	default:
		return nil, false
	}
}

// AsList reports whether v is an ordered sequence and returns its elements.
func AsList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []Record:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = From(e)
		}
		return out, true
	default:
		return nil, false
	}
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if rec, ok := AsRecord(v); ok {
		return rec.Clone()
	}
	if list, ok := AsList(v); ok {
		out := make([]any, len(list))
		for i, e := range list {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// Lookup follows a path of object keys and returns the value found, if any.
// A nil value counts as absent.
func (r Record) Lookup(path ...string) (any, bool) {
	var cur any = r
	for _, key := range path {
		obj, ok := AsRecord(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// String returns the field as a string when it holds a string or number.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	return Text(v)
}

// Text renders scalar v as a string. Objects, lists and nil are rejected.
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// Float interprets v as a number. Numeric strings are accepted.
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// IsNumericZero reports whether v is a number (not a string) equal to zero.
func IsNumericZero(v any) bool {
	if _, isString := v.(string); isString {
		return false
	}
	f, ok := Float(v)
	return ok && f == 0
}

// SameScalar compares two scalar identifiers loosely, so 12, "12" and
// json.Number("12") are equal.
func SameScalar(a, b any) bool {
	as, okA := Text(a)
	bs, okB := Text(b)
	if !okA || !okB {
		return false
	}
	if as == bs {
		return true
	}
	ai, okA := exactInt(as)
	bi, okB := exactInt(bs)
	if okA && okB {
		return ai == bi
	}
	af, okA := Float(as)
	bf, okB := Float(bs)
	return okA && okB && af == bf
}

// Key renders an identifier value as a map key. Integral values share one
// key whatever their spelling, so 12, "12" and 12.0 map to "12".
func Key(v any) string {
	s, ok := Text(v)
	if !ok {
		return ""
	}
	if n, ok := exactInt(s); ok {
		return strconv.FormatInt(n, 10)
	}
	return s
}

// maxExactFloat is 2^53; integral floats beyond it no longer name one integer.
const maxExactFloat = 1 << 53

// exactInt parses s as an integer without going through float64 unless s is
// written with a fraction, like "12.0".
func exactInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return 0, false
	}
	return int64(f), true
}
