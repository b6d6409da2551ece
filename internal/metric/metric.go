// Package metric defines the metric and entity data model: metric
// definitions, the kind-tagged value type, and the decode rules used by
// the cache tier.
package metric

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCacheTTL is the shared-cache entry lifetime used when a metric
// does not declare one.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Kind indicates the declared value kind of a metric.
type Kind int

const (
	// KindFloat is a floating point measurement.
	KindFloat Kind = iota
	// KindInt is an integer measurement.
	KindInt
	// KindBool is a boolean flag (e.g. link up/down).
	KindBool
	// KindString is an opaque text value (e.g. firmware version).
	KindString
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseKind parses a kind name as stored in the registry.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "float":
		return KindFloat, nil
	case "int":
		return KindInt, nil
	case "bool":
		return KindBool, nil
	case "string", "str":
		return KindString, nil
	default:
		return KindFloat, fmt.Errorf("unknown metric kind %q", s)
	}
}

// Metric is a named, typed time-series definition shared across all
// entities. Parameter is the globally unique join key between the cache
// tier, the archive path, and external callers; it is immutable after
// creation.
type Metric struct {
	Parameter string
	Name      string
	Kind      Kind
	Unit      string

	// Archived enables write-through to the series store.
	Archived bool

	// Heartbeat is the maximum number of seconds between expected
	// samples before a gap is recorded in the archive.
	Heartbeat int

	// CacheTTL is the shared-cache entry lifetime in seconds.
	// Zero means DefaultCacheTTL.
	CacheTTL int

	// Display attributes
	GraphColor string
	GraphOrder int
}

// TTL returns the shared-cache lifetime for this metric's entries.
func (m *Metric) TTL() time.Duration {
	if m.CacheTTL > 0 {
		return time.Duration(m.CacheTTL) * time.Second
	}
	return DefaultCacheTTL
}

// nonSummableUnits are units whose values are never summed across
// entities.
var nonSummableUnits = map[string]bool{
	"%": true, "°": true, "°C": true, "°F": true,
}

// Summable reports whether values of this metric may be meaningfully
// summed across entities.
func (m *Metric) Summable() bool {
	if m.Kind != KindFloat && m.Kind != KindInt {
		return false
	}
	return !nonSummableUnits[m.Unit]
}

// Entity is an addressable object a metric's samples are recorded
// against: an opaque primary key plus a type discriminator.
type Entity struct {
	Type string
	Key  string
}

// CleanKey returns the entity key with reserved separators removed.
// Colons collide with shared-cache key syntax and slashes with archive
// paths. Stripping (rather than escaping) matches the historical
// behavior callers depend on.
func (e Entity) CleanKey() string {
	k := strings.ReplaceAll(e.Key, ":", "")
	return strings.ReplaceAll(k, "/", "")
}

// Value is a closed kind-tagged variant: at most one of the payload
// fields is meaningful, selected by kind, unless null is set.
type Value struct {
	kind Kind
	null bool
	b    bool
	i    int64
	f    float64
	s    string
}

// Null returns the null value of the given kind.
func Null(kind Kind) Value {
	return Value{kind: kind, null: true}
}

// BoolValue wraps a bool.
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }

// IntValue wraps an int64.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// FloatValue wraps a float64.
func FloatValue(v float64) Value { return Value{kind: KindFloat, f: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// Kind returns the value's kind tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null (cached miss or failed
// non-strict decode).
func (v Value) IsNull() bool { return v.null }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return !v.null && v.b }

// Int returns the integer payload.
func (v Value) Int() int64 {
	if v.null {
		return 0
	}
	return v.i
}

// Float returns the float payload.
func (v Value) Float() float64 {
	if v.null {
		return 0
	}
	return v.f
}

// Str returns the string payload.
func (v Value) Str() string {
	if v.null {
		return ""
	}
	return v.s
}

// Float64 returns a numeric view of the value for summation.
// Booleans count as 0/1; strings and nulls are not numeric.
func (v Value) Float64() (float64, bool) {
	if v.null {
		return 0, false
	}
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Encode returns the raw text form stored in the shared cache.
// Null values encode as the empty string.
func (v Value) Encode() string {
	if v.null {
		return ""
	}
	switch v.kind {
	case KindBool:
		if v.b {
			return "1"
		}
		return "0"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return v.s
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.null {
		return "<null>"
	}
	return v.Encode()
}

// Decode converts the raw shared-cache text into a Value of the given
// kind.
//
// Numeric kinds return the kind's zero value on parse failure when
// strict is true, null when strict is false. The boolean kind maps
// "1"/"True" to true and anything else to false, never null, regardless
// of strict: this asymmetry with the numeric kinds is intentional and
// load-bearing for callers.
func Decode(raw string, kind Kind, strict bool) Value {
	switch kind {
	case KindBool:
		return BoolValue(raw == "1" || raw == "True")
	case KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			if strict {
				return IntValue(0)
			}
			return Null(KindInt)
		}
		return IntValue(n)
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			if strict {
				return FloatValue(0)
			}
			return Null(KindFloat)
		}
		return FloatValue(f)
	default:
		return StringValue(raw)
	}
}
