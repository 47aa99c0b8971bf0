// Package payload converts decoded JSON into a typed value tree and walks it
// with a visitor.
package payload

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/osa-gateway/internal/model"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a JSON value as a tagged union.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
}

// Null returns the JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Array wraps a list of values.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object wraps a map of fields.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Numeric returns the value as a number. Numeric strings are parsed with
// ParseNumeric.
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		return ParseNumeric(v.str)
	default:
		return 0, false
	}
}

// Field returns the named field of an object value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.obj[key]
	return f, ok
}

// FromPayload converts a widget payload into a Value tree.
func FromPayload(p model.Payload) Value {
	if p == nil {
		return Null()
	}
	return FromAny(map[string]any(p))
}

// FromAny converts the output of encoding/json decoding (or an equivalent
// Go literal) into a Value. Unsupported Go types become null.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Array(items...)
	case model.Payload:
		return FromAny(map[string]any(t))
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromAny(item)
		}
		return Object(fields)
	default:
		return Null()
	}
}

// Visitor receives leaves of a Value tree with their dotted paths.
// Array elements are addressed by index ("metrics.items.0.value").
type Visitor interface {
	Null(path string)
	Bool(path string, b bool)
	Number(path string, n float64)
	String(path string, s string)
}

// Walk visits every leaf in v in deterministic (sorted key) order.
func Walk(v Value, visitor Visitor) {
	walk("", v, visitor)
}

func walk(path string, v Value, visitor Visitor) {
	switch v.kind {
	case KindNull:
		visitor.Null(path)
	case KindBool:
		visitor.Bool(path, v.b)
	case KindNumber:
		visitor.Number(path, v.num)
	case KindString:
		visitor.String(path, v.str)
	case KindArray:
		for i, item := range v.arr {
			walk(join(path, strconv.Itoa(i)), item, visitor)
		}
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(join(path, k), v.obj[k], visitor)
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// decimalPattern is plain decimal notation with an optional exponent.
// ParseFloat alone would also take NaN, Inf and hex floats.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseNumeric interprets s as a finite decimal number, accepting
// surrounding whitespace, thousands separators and a trailing percent sign.
func ParseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
