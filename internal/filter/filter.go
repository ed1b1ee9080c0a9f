// Package filter parses and evaluates the boolean expressions subscribers use
// to narrow a live event stream, e.g.
//
//	event_type == "purchase" AND amount >= 100
//	NOT (user_id matches "^test-")
package filter

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/eventhub/internal/event"
)

var fields = map[string]func(event.Event) any{
	"id":         func(e event.Event) any { return e.ID },
	"user_id":    func(e event.Event) any { return e.UserID },
	"event_type": func(e event.Event) any { return e.EventType },
	"amount":     func(e event.Event) any { return e.Amount },
	"timestamp":  func(e event.Event) any { return float64(e.Timestamp.Unix()) },
}

// Filter is a compiled expression. The zero value and nil both match
// everything.
type Filter struct {
	src  string
	root Expr
}

// Parse compiles expr. A blank expression yields a match-all filter.
func Parse(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return &Filter{}, nil
	}
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("parse filter: unexpected %q at position %d", t.val, t.pos)
	}
	return &Filter{src: expr, root: root}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

// Match reports whether ev satisfies the filter. Comparisons between
// mismatched types evaluate to false.
func (f *Filter) Match(ev event.Event) bool {
	if f == nil || f.root == nil {
		return true
	}
	ok, err := eval(f.root, ev)
	return err == nil && ok
}

func eval(expr Expr, ev event.Event) (bool, error) {
	switch e := expr.(type) {
	case *LogicalExpr:
		left, err := eval(e.Left, ev)
		if err != nil {
			return false, err
		}
		if e.Op == "AND" && !left {
			return false, nil
		}
		if e.Op == "OR" && left {
			return true, nil
		}
		return eval(e.Right, ev)
	case *NotExpr:
		v, err := eval(e.Expr, ev)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *Comparison:
		return compare(e.Op, resolve(e.Left, ev), resolve(e.Right, ev))
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func resolve(op Operand, ev event.Event) any {
	switch o := op.(type) {
	case *Literal:
		return o.Value
	case *Field:
		return fields[o.Name](ev)
	}
	return nil
}
