package filter

// Expr is a node of a parsed filter.
type Expr interface {
	exprNode()
}

// LogicalExpr joins two expressions with AND / OR.
type LogicalExpr struct {
	Op    string // "AND" | "OR"
	Left  Expr
	Right Expr
}

func (*LogicalExpr) exprNode() {}

// NotExpr negates its operand.
type NotExpr struct {
	Expr Expr
}

func (*NotExpr) exprNode() {}

// Comparison is <field> <operator> <literal> (either side may be the field).
type Comparison struct {
	Left  Operand
	Op    Operator
	Right Operand
}

func (*Comparison) exprNode() {}

// Operand is a literal or an event field reference.
type Operand interface {
	operandNode()
}

// Literal holds a string, float64 or bool constant.
type Literal struct {
	Value any
}

func (*Literal) operandNode() {}

// Field names one of the event fields.
type Field struct {
	Name string
}

func (*Field) operandNode() {}
