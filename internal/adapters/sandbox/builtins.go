package sandbox

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// builtin is a host function exposed to expressions. Builtins receive the
// evaluator so they can enforce the same resource ceilings as operators.
type builtin func(e *evaluator, pos int, args []interface{}) (interface{}, error)

var builtinTable = map[string]builtin{
	"len":       builtinLen,
	"keys":      builtinKeys,
	"values":    builtinValues,
	"contains":  builtinContains,
	"upper":     builtinUpper,
	"lower":     builtinLower,
	"trim":      builtinTrim,
	"split":     builtinSplit,
	"join":      builtinJoin,
	"replace":   builtinReplace,
	"substring": builtinSubstring,
	"abs":       builtinAbs,
	"floor":     builtinFloor,
	"ceil":      builtinCeil,
	"round":     builtinRound,
	"min":       builtinMin,
	"max":       builtinMax,
	"range":     builtinRange,
	"append":    builtinAppend,
	"first":     builtinFirst,
	"last":      builtinLast,
	"str":       builtinStr,
	"num":       builtinNum,
	"now":       builtinNow,
}

func arity(e *evaluator, pos int, name string, args []interface{}, want int) error {
	if len(args) != want {
		return e.typeError(pos, fmt.Sprintf("%s expects %d argument(s), got %d", name, want, len(args)))
	}
	return nil
}

func builtinLen(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return float64(len(v)), nil
	case []interface{}:
		return float64(len(v)), nil
	case map[string]interface{}:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	}
	return nil, e.typeError(pos, "len expects a string, array, or object")
}

func builtinKeys(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "keys", args, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, e.typeError(pos, "keys expects an object")
	}
	out := make([]interface{}, 0, len(m))
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, k)
	}
	return out, nil
}

func builtinValues(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "values", args, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return nil, e.typeError(pos, "values expects an object")
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]interface{}, 0, len(m))
	for _, k := range names {
		out = append(out, m[k])
	}
	return out, nil
}

func builtinContains(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "contains", args, 2); err != nil {
		return nil, err
	}
	switch haystack := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, e.typeError(pos, "contains on a string expects a string needle")
		}
		return strings.Contains(haystack, needle), nil
	case []interface{}:
		for _, elem := range haystack {
			if looseEqual(elem, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		key, ok := args[1].(string)
		if !ok {
			return nil, e.typeError(pos, "contains on an object expects a string key")
		}
		_, exists := haystack[key]
		return exists, nil
	}
	return nil, e.typeError(pos, "contains expects a string, array, or object")
}

func builtinUpper(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "upper", args, 1); err != nil {
		return nil, err
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, e.typeError(pos, "upper expects a string")
	}
	return strings.ToUpper(s), nil
}

func builtinLower(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "lower", args, 1); err != nil {
		return nil, err
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, e.typeError(pos, "lower expects a string")
	}
	return strings.ToLower(s), nil
}

func builtinTrim(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "trim", args, 1); err != nil {
		return nil, err
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, e.typeError(pos, "trim expects a string")
	}
	return strings.TrimSpace(s), nil
}

func builtinSplit(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "split", args, 2); err != nil {
		return nil, err
	}
	s, sok := args[0].(string)
	sep, pok := args[1].(string)
	if !sok || !pok {
		return nil, e.typeError(pos, "split expects (string, string)")
	}
	parts := strings.Split(s, sep)
	if len(parts) > e.limits.MaxArrayLen {
		return nil, e.resourceError(pos, "split result exceeds array ceiling")
	}
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func builtinJoin(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "join", args, 2); err != nil {
		return nil, err
	}
	arr, aok := args[0].([]interface{})
	sep, sok := args[1].(string)
	if !aok || !sok {
		return nil, e.typeError(pos, "join expects (array, string)")
	}
	parts := make([]string, len(arr))
	total := 0
	for i, elem := range arr {
		parts[i] = stringify(elem)
		total += len(parts[i]) + len(sep)
		if total > e.limits.MaxStringLen {
			return nil, e.resourceError(pos, "join result exceeds string ceiling")
		}
	}
	return strings.Join(parts, sep), nil
}

func builtinReplace(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "replace", args, 3); err != nil {
		return nil, err
	}
	s, sok := args[0].(string)
	old, ook := args[1].(string)
	new_, nok := args[2].(string)
	if !sok || !ook || !nok {
		return nil, e.typeError(pos, "replace expects (string, string, string)")
	}
	if old == "" {
		return s, nil
	}
	out := strings.ReplaceAll(s, old, new_)
	if len(out) > e.limits.MaxStringLen {
		return nil, e.resourceError(pos, "replace result exceeds string ceiling")
	}
	return out, nil
}

func builtinSubstring(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "substring", args, 3); err != nil {
		return nil, err
	}
	s, sok := args[0].(string)
	start, aok := asNumber(args[1])
	end, bok := asNumber(args[2])
	if !sok || !aok || !bok {
		return nil, e.typeError(pos, "substring expects (string, number, number)")
	}
	lo, hi := int(start), int(end)
	if lo < 0 {
		lo = 0
	}
	if hi > len(s) {
		hi = len(s)
	}
	if lo >= hi {
		return "", nil
	}
	return s[lo:hi], nil
}

func builtinAbs(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "abs", args, 1); err != nil {
		return nil, err
	}
	n, ok := asNumber(args[0])
	if !ok {
		return nil, e.typeError(pos, "abs expects a number")
	}
	return math.Abs(n), nil
}

func builtinFloor(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "floor", args, 1); err != nil {
		return nil, err
	}
	n, ok := asNumber(args[0])
	if !ok {
		return nil, e.typeError(pos, "floor expects a number")
	}
	return math.Floor(n), nil
}

func builtinCeil(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "ceil", args, 1); err != nil {
		return nil, err
	}
	n, ok := asNumber(args[0])
	if !ok {
		return nil, e.typeError(pos, "ceil expects a number")
	}
	return math.Ceil(n), nil
}

func builtinRound(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "round", args, 1); err != nil {
		return nil, err
	}
	n, ok := asNumber(args[0])
	if !ok {
		return nil, e.typeError(pos, "round expects a number")
	}
	return math.Round(n), nil
}

func builtinMin(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, e.typeError(pos, "min expects at least one argument")
	}
	best := math.Inf(1)
	for _, arg := range args {
		n, ok := asNumber(arg)
		if !ok {
			return nil, e.typeError(pos, "min expects numbers")
		}
		if n < best {
			best = n
		}
	}
	return best, nil
}

func builtinMax(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, e.typeError(pos, "max expects at least one argument")
	}
	best := math.Inf(-1)
	for _, arg := range args {
		n, ok := asNumber(arg)
		if !ok {
			return nil, e.typeError(pos, "max expects numbers")
		}
		if n > best {
			best = n
		}
	}
	return best, nil
}

func builtinRange(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "range", args, 2); err != nil {
		return nil, err
	}
	lo, aok := asNumber(args[0])
	hi, bok := asNumber(args[1])
	if !aok || !bok {
		return nil, e.typeError(pos, "range expects (number, number)")
	}
	if hi < lo {
		return []interface{}{}, nil
	}
	n := int(hi) - int(lo)
	if n > e.limits.MaxArrayLen {
		return nil, e.resourceError(pos, "range result exceeds array ceiling")
	}
	out := make([]interface{}, 0, n)
	for i := int(lo); i < int(hi); i++ {
		out = append(out, float64(i))
	}
	return out, nil
}

func builtinAppend(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "append", args, 2); err != nil {
		return nil, err
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, e.typeError(pos, "append expects an array")
	}
	if len(arr)+1 > e.limits.MaxArrayLen {
		return nil, e.resourceError(pos, "append result exceeds array ceiling")
	}
	out := make([]interface{}, len(arr), len(arr)+1)
	copy(out, arr)
	return append(out, args[1]), nil
}

func builtinFirst(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "first", args, 1); err != nil {
		return nil, err
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, e.typeError(pos, "first expects an array")
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[0], nil
}

func builtinLast(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "last", args, 1); err != nil {
		return nil, err
	}
	arr, ok := args[0].([]interface{})
	if !ok {
		return nil, e.typeError(pos, "last expects an array")
	}
	if len(arr) == 0 {
		return nil, nil
	}
	return arr[len(arr)-1], nil
}

func builtinStr(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "str", args, 1); err != nil {
		return nil, err
	}
	out := stringify(args[0])
	if len(out) > e.limits.MaxStringLen {
		return nil, e.resourceError(pos, "str result exceeds string ceiling")
	}
	return out, nil
}

func builtinNum(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "num", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		var n float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &n); err != nil {
			return nil, e.typeError(pos, fmt.Sprintf("cannot convert %q to a number", v))
		}
		return n, nil
	case nil:
		return float64(0), nil
	}
	return nil, e.typeError(pos, "num expects a number, string, or bool")
}

func builtinNow(e *evaluator, pos int, args []interface{}) (interface{}, error) {
	if err := arity(e, pos, "now", args, 0); err != nil {
		return nil, err
	}
	return time.Now().UTC().Format(time.RFC3339), nil
}
