package filter

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

func (p *parser) expect(kind tokenKind, val string) error {
	t := p.peek()
	if t.kind != kind {
		return fmt.Errorf("expected %q at position %d but got %q", val, t.pos, t.val)
	}
	p.consume()
	return nil
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &LogicalExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// and_expr = not_expr ( "AND" not_expr )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.consume()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &LogicalExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

// not_expr = "NOT" not_expr | "(" or_expr ")" | comparison
func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.consume()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = operand operator operand
func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	var op Operator
	switch {
	case t.kind == tokOp:
		op = Operator(t.val)
	case t.kind == tokWord && strings.EqualFold(t.val, "contains"):
		op = OpContains
	case t.kind == tokWord && strings.EqualFold(t.val, "matches"):
		op = OpMatches
	default:
		return nil, fmt.Errorf("expected comparison operator at position %d, got %q", t.pos, t.val)
	}
	p.consume()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	cmp := &Comparison{Left: left, Op: op, Right: right}
	if err := checkComparison(cmp); err != nil {
		return nil, err
	}
	return cmp, nil
}

// operand = field | literal
func (p *parser) parseOperand() (Operand, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.consume()
		return &Literal{Value: t.val}, nil
	case tokNumber:
		p.consume()
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.val)
		}
		return &Literal{Value: f}, nil
	case tokBool:
		p.consume()
		return &Literal{Value: t.val == "true"}, nil
	case tokWord:
		p.consume()
		name := strings.ToLower(t.val)
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("unknown field %q", t.val)
		}
		return &Field{Name: name}, nil
	default:
		return nil, fmt.Errorf("expected operand at position %d, got %q", t.pos, t.val)
	}
}

// checkComparison rejects comparisons that could never be evaluated, so a
// subscriber learns about them before the stream opens.
func checkComparison(c *Comparison) error {
	_, lf := c.Left.(*Field)
	_, rf := c.Right.(*Field)
	if !lf && !rf {
		return fmt.Errorf("comparison %s needs at least one field", c.Op)
	}
	if c.Op == OpMatches {
		lit, ok := c.Right.(*Literal)
		if !ok {
			return fmt.Errorf("matches: pattern must be a string literal")
		}
		pat, ok := lit.Value.(string)
		if !ok {
			return fmt.Errorf("matches: pattern must be a string literal")
		}
		re, err := compilePattern(pat)
		if err != nil {
			return err
		}
		lit.Value = re
	}
	return nil
}
