package metric

import (
	"fmt"
	"math"
)

// SI prefixes ordered so that negative exponents wrap from the end,
// mirroring the historical lookup: index -1 is "m", -2 is "µ".
var siPrefixes = []string{
	"", "k", "M", "G", "T", "P", "E", "Z", "Y",
	"y", "z", "a", "f", "p", "n", "µ", "m",
}

// rawUnits are rendered without SI scaling.
var rawUnits = map[string]bool{
	"%": true, "°": true, "°C": true, "°F": true, "dBm": true,
}

// FormatWithPrefix formats a float with the appropriate SI prefix.
// Byte-like units (b, B) use base 1024 and binary prefixes.
func FormatWithPrefix(value float64, unit string) string {
	base := 1000.0
	prefixes := siPrefixes
	if unit == "b" || unit == "B" {
		base = 1024.0
		prefixes = make([]string, len(siPrefixes))
		for i, p := range siPrefixes {
			if p != "" {
				p += "i"
			}
			prefixes[i] = p
		}
	}

	var exp float64
	if value != 0 {
		exp = math.Log(math.Abs(value)) / math.Log(base)
		exp = math.Max(-8, math.Min(exp, 8))
	}
	idx := int(math.Floor(exp))
	if exp >= 0 {
		idx = int(exp)
	}
	scaled := value / math.Pow(base, float64(idx))
	if idx < 0 {
		idx += len(prefixes)
	}
	return fmt.Sprintf("%.1f %s%s", scaled, prefixes[idx], unit)
}

// FormatValue renders a value with its unit for graph legends.
// Null values render as the empty string.
func FormatValue(v Value, unit string) string {
	if v.IsNull() {
		return ""
	}

	switch v.Kind() {
	case KindBool, KindString:
		if unit != "" {
			return fmt.Sprintf("%s %s", v.Encode(), unit)
		}
		return v.Encode()

	case KindFloat:
		if rawUnits[unit] {
			return fmt.Sprintf("%.1f %s", v.Float(), unit)
		}
		return FormatWithPrefix(v.Float(), unit)

	case KindInt:
		n := v.Int()
		if rawUnits[unit] {
			return fmt.Sprintf("%d %s", n, unit)
		}
		if n < 1000 && n > -1000 {
			if unit != "" {
				return fmt.Sprintf("%d %s", n, unit)
			}
			return fmt.Sprintf("%d", n)
		}
		return FormatWithPrefix(float64(n), unit)
	}

	return ""
}
