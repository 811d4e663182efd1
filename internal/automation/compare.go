package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// CompareValues applies one condition operator. Unknown operators compare to
// false so a malformed automation can never accidentally fire.
func CompareValues(left any, operator string, right any) bool {
	switch operator {
	case "equals", "==":
		return looseEqual(left, right)
	case "not_equals", "!=":
		return !looseEqual(left, right)
	case "greater_than", ">":
		l, r, ok := bothNumeric(left, right)
		return ok && l > r
	case "less_than", "<":
		l, r, ok := bothNumeric(left, right)
		return ok && l < r
	case "gte", ">=":
		l, r, ok := bothNumeric(left, right)
		return ok && l >= r
	case "lte", "<=":
		l, r, ok := bothNumeric(left, right)
		return ok && l <= r
	case "between":
		return betweenInclusive(left, right)
	case "contains":
		return strings.Contains(stringify(left), stringify(right))
	case "in":
		return inList(left, right)
	case "regex":
		pattern, ok := right.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(stringify(left))
	default:
		return false
	}
}

// looseEqual compares numerically when both sides coerce to numbers, so a
// sensor reporting 21 matches a rule written against 21.0 or "21".
func looseEqual(left, right any) bool {
	if l, r, ok := bothNumeric(left, right); ok {
		return l == r
	}
	if reflect.DeepEqual(left, right) {
		return true
	}
	return stringify(left) == stringify(right)
}

func bothNumeric(left, right any) (float64, float64, bool) {
	l, lok := toFloat(left)
	r, rok := toFloat(right)
	return l, r, lok && rok
}

func toFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// betweenInclusive expects right to carry min and max bounds, either as a
// {"min": x, "max": y} map or a two-element list. Both bounds are inclusive.
func betweenInclusive(left, right any) bool {
	l, ok := toFloat(left)
	if !ok {
		return false
	}
	var minV, maxV any
	switch bounds := right.(type) {
	case map[string]any:
		minV, maxV = bounds["min"], bounds["max"]
	case []any:
		if len(bounds) != 2 {
			return false
		}
		minV, maxV = bounds[0], bounds[1]
	default:
		return false
	}
	lo, lok := toFloat(minV)
	hi, hok := toFloat(maxV)
	return lok && hok && l >= lo && l <= hi
}

func inList(left, right any) bool {
	list := reflect.ValueOf(right)
	if !list.IsValid() || (list.Kind() != reflect.Slice && list.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < list.Len(); i++ {
		if looseEqual(left, list.Index(i).Interface()) {
			return true
		}
	}
	return false
}
