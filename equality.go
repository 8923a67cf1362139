package pagetap

import (
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Values compared here are either plain Go scalars handed in by a script or
// whatever encoding/json produced from a page result: nil, bool, float64,
// string, []any or map[string]any.

// looseEqual compares a and b the way the page's == operator would. Numbers,
// strings, booleans and null coerce; composite values are never equal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isComposite(a) || isComposite(b) {
		return false
	}

	if ab, ok := a.(bool); ok {
		return looseEqual(boolNumber(ab), b)
	}
	if bb, ok := b.(bool); ok {
		return looseEqual(a, boolNumber(bb))
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}

	an, aNum := toFloat(a)
	bn, bNum := toFloat(b)
	switch {
	case aNum && bNum:
		return an == bn
	case aNum && bStr:
		return an == stringNumber(bs)
	case aStr && bNum:
		return stringNumber(as) == bn
	}
	return false
}

// truthy reports whether v would pass an if-test in the page.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// jsString renders v the way string concatenation in the page would.
func jsString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			if e != nil {
				parts[i] = jsString(e)
			}
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	}
	if f, ok := toFloat(v); ok {
		return formatNumber(f)
	}
	return "[object Object]"
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		// 1e+21 style, without the zero padding Go adds to the exponent.
		return strings.Replace(strings.Replace(s, "e+0", "e+", 1), "e-0", "e-", 1)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// toFloat converts any Go numeric kind to float64.
func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// isPrimitive reports whether v may cross into the page unchanged.
func isPrimitive(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

func isComposite(v any) bool {
	switch v.(type) {
	case nil, string, bool:
		return false
	}
	_, ok := toFloat(v)
	return !ok
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// stringNumber converts s to a number using the page's rules: surrounding
// whitespace is ignored, the empty string is zero, anything unparsable is NaN.
func stringNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	for _, prefix := range []string{"0x", "0o", "0b"} {
		if strings.HasPrefix(lower, prefix) {
			n, err := strconv.ParseUint(s[2:], map[string]int{"0x": 16, "0o": 8, "0b": 2}[prefix], 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}
	for _, r := range lower {
		if (r < '0' || r > '9') && r != '.' && r != 'e' && r != '+' && r != '-' {
			return math.NaN()
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return f
}
