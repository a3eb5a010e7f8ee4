package topology

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// number coerces v the way a loose numeric conversion would: null, false and
// "" are 0, true is 1, numeric strings parse, a single-element array takes
// its element. Anything else, including a missing value, is fallback.
func number(v gjson.Result, fallback float64) float64 {
	if !v.Exists() {
		return fallback
	}
	switch v.Type {
	case gjson.Null, gjson.False:
		return 0
	case gjson.True:
		return 1
	case gjson.Number:
		return finite(v.Num, fallback)
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fallback
		}
		return finite(f, fallback)
	}
	if v.IsArray() {
		items := v.Array()
		switch {
		case len(items) == 0:
			return 0
		case len(items) == 1 && items[0].Type == gjson.Null:
			return 0
		case len(items) == 1 && !items[0].IsArray() && !items[0].IsObject():
			return number(items[0], fallback)
		}
	}
	return fallback
}

func finite(f, fallback float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

// integer is number truncated toward zero and clamped to the int range.
func integer(v gjson.Result, fallback int) int {
	f := math.Trunc(number(v, float64(fallback)))
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

// boolean accepts JSON booleans and the strings "true" and "false".
func boolean(v gjson.Result, fallback bool) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		switch v.Str {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return fallback
}

// array returns the elements of v, or nil when v is not an array.
func array(v gjson.Result) []gjson.Result {
	if !v.IsArray() {
		return nil
	}
	return v.Array()
}

// truthy mirrors loose truthiness: missing, null, false, 0 and "" are false.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case gjson.String:
		return v.Str != ""
	case gjson.True, gjson.JSON:
		return true
	}
	return false
}

// text renders v as a string; strings are returned unquoted, anything else
// as its raw JSON.
func text(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	return v.String()
}

// nullish reports a missing or null value.
func nullish(v gjson.Result) bool {
	return !v.Exists() || v.Type == gjson.Null
}
