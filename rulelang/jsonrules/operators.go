package jsonrules

import (
	"fmt"
	"regexp"
	"strings"
)

// Supported comparison operators
const (
	opEqual            = "eq"
	opNotEqual         = "ne"
	opLessThan         = "lt"
	opLessThanEqual    = "lte"
	opGreaterThan      = "gt"
	opGreaterThanEqual = "gte"

	opContains   = "contains"
	opStartsWith = "starts_with"
	opEndsWith   = "ends_with"
	opRegex      = "regex"
)

// Logic operators
const (
	logicAnd = "and"
	logicOr  = "or"
)

// operatorFunc compares a fact value against the condition's literal
type operatorFunc func(factValue, compareValue any) (bool, error)

var operators = map[string]operatorFunc{
	opEqual:            operatorEqual,
	opNotEqual:         operatorNotEqual,
	opLessThan:         operatorLessThan,
	opLessThanEqual:    operatorLessThanEqual,
	opGreaterThan:      operatorGreaterThan,
	opGreaterThanEqual: operatorGreaterThanEqual,
	opContains:         operatorContains,
	opStartsWith:       operatorStartsWith,
	opEndsWith:         operatorEndsWith,
	opRegex:            nil, // replaced with a precompiled pattern at compile time
}

func operatorEqual(factValue, compareValue any) (bool, error) {
	return compareValues(factValue, compareValue) == 0, nil
}

func operatorNotEqual(factValue, compareValue any) (bool, error) {
	return compareValues(factValue, compareValue) != 0, nil
}

func operatorLessThan(factValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(factValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp < 0, nil
}

func operatorLessThanEqual(factValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(factValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp <= 0, nil
}

func operatorGreaterThan(factValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(factValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

func operatorGreaterThanEqual(factValue, compareValue any) (bool, error) {
	cmp, err := compareOrdered(factValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}

func operatorContains(factValue, compareValue any) (bool, error) {
	return strings.Contains(asString(factValue), asString(compareValue)), nil
}

func operatorStartsWith(factValue, compareValue any) (bool, error) {
	return strings.HasPrefix(asString(factValue), asString(compareValue)), nil
}

func operatorEndsWith(factValue, compareValue any) (bool, error) {
	return strings.HasSuffix(asString(factValue), asString(compareValue)), nil
}

// regexOperator wraps a pattern compiled at deploy time
func regexOperator(re *regexp.Regexp) operatorFunc {
	return func(factValue, _ any) (bool, error) {
		return re.MatchString(asString(factValue)), nil
	}
}

// compareValues orders two values, preferring numeric comparison and
// falling back to string form
func compareValues(a, b any) int {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)

	if aIsNum && bIsNum {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		default:
			return 0
		}
	}

	aStr, bStr := asString(a), asString(b)
	switch {
	case aStr < bStr:
		return -1
	case aStr > bStr:
		return 1
	default:
		return 0
	}
}

// compareOrdered is compareValues for operators that require numeric
// operands; booleans and mismatched types raise
func compareOrdered(a, b any) (int, error) {
	if _, ok := a.(bool); ok {
		return 0, fmt.Errorf("ordered comparison on boolean value")
	}
	if _, ok := b.(bool); ok {
		return 0, fmt.Errorf("ordered comparison on boolean value")
	}
	return compareValues(a, b), nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
