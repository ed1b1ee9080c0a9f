package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

func compare(op Operator, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(op, left, right)
	case OpContains:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, fmt.Errorf("contains: operands must be strings, got %T and %T", left, right)
		}
		return strings.Contains(ls, rs), nil
	case OpMatches:
		s, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("matches: left operand must be a string, got %T", left)
		}
		re, ok := right.(*regexp.Regexp)
		if !ok {
			return false, fmt.Errorf("matches: pattern was not compiled")
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

func equal(left, right any) bool {
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		return ok && l == r
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}
	return false
}

// ordered compares numbers numerically and strings lexically.
func ordered(op Operator, left, right any) (bool, error) {
	var c int
	switch l := left.(type) {
	case float64:
		r, ok := right.(float64)
		if !ok {
			return false, fmt.Errorf("operator %s: cannot compare %T with %T", op, left, right)
		}
		switch {
		case l < r:
			c = -1
		case l > r:
			c = 1
		}
	case string:
		r, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("operator %s: cannot compare %T with %T", op, left, right)
		}
		c = strings.Compare(l, r)
	default:
		return false, fmt.Errorf("operator %s requires numeric or string operands, got %T", op, left)
	}
	switch op {
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	case OpLt:
		return c < 0, nil
	default:
		return c <= 0, nil
	}
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matches: invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
