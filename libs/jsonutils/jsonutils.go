// Package jsonutils models the dynamic JSON values used for config entries
// and entity metadata. Accessors decode explicitly and report presence,
// never silently coercing types.
package jsonutils

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
)

// JSONStringArray is a wrapper around a string array for sql serialization purposes
type JSONStringArray []string

// Scan the src sql type into the passed JSONStringArray
func (arr *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return errors.New("failed to scan JSONStringArray, not byte slice")
	}
	return json.Unmarshal(b, arr)
}

// Value the driver.Value representation
func (arr JSONStringArray) Value() (driver.Value, error) {
	return json.Marshal([]string(arr))
}

// Value is an arbitrary decoded JSON value
type Value struct {
	raw     interface{}
	present bool
}

// NewValue wraps a decoded JSON value
func NewValue(raw interface{}) Value {
	return Value{raw: raw, present: raw != nil}
}

// ParseValue decodes raw JSON bytes into a Value
func ParseValue(data []byte) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, err
	}
	return NewValue(raw), nil
}

// IsPresent reports whether the value holds anything
func (v Value) IsPresent() bool {
	return v.present
}

// Raw returns the underlying decoded value
func (v Value) Raw() interface{} {
	return v.raw
}

// String returns the value as a string when it is one
func (v Value) String() (string, bool) {
	s, ok := v.raw.(string)
	return s, ok
}

// Bool returns the value as a bool when it is one
func (v Value) Bool() (bool, bool) {
	b, ok := v.raw.(bool)
	return b, ok
}

// Int64 returns the value as an int64 when it is a whole JSON number
func (v Value) Int64() (int64, bool) {
	f, ok := v.raw.(float64)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// Float64 returns the value as a float64 when it is a JSON number
func (v Value) Float64() (float64, bool) {
	f, ok := v.raw.(float64)
	return f, ok
}

// Object returns the value as a map when it is a JSON object
func (v Value) Object() (map[string]interface{}, bool) {
	m, ok := v.raw.(map[string]interface{})
	return m, ok
}

// At walks a dotted path into nested JSON objects
func (v Value) At(path string) Value {
	cur := v.raw
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return Value{}
		}
		cur, ok = m[seg]
		if !ok {
			return Value{}
		}
	}
	return NewValue(cur)
}

// Redact returns a deep copy of the value with the given dotted paths
// replaced by "[REDACTED]". Used when summarizing config entries that
// declare sensitive paths.
func (v Value) Redact(paths []string) Value {
	if len(paths) == 0 || !v.present {
		return v
	}
	cp := deepCopy(v.raw)
	for _, p := range paths {
		redactPath(cp, strings.Split(p, "."))
	}
	return NewValue(cp)
}

func deepCopy(in interface{}) interface{} {
	switch t := in.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return in
	}
}

func redactPath(in interface{}, segs []string) {
	m, ok := in.(map[string]interface{})
	if !ok || len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		if _, ok := m[segs[0]]; ok {
			m[segs[0]] = "[REDACTED]"
		}
		return
	}
	redactPath(m[segs[0]], segs[1:])
}
