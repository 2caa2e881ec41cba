package physical

import (
	"fmt"
	"strconv"
)

// ExpressionType represents the type of expression in the physical plan.
type ExpressionType uint32

const (
	_ ExpressionType = iota // zero-value is an invalid type

	ExprTypeUnary
	ExprTypeBinary
	ExprTypeLiteral
	ExprTypeColumn
)

// String returns the string representation of the [ExpressionType].
func (t ExpressionType) String() string {
	switch t {
	case ExprTypeUnary:
		return "UnaryExpression"
	case ExprTypeBinary:
		return "BinaryExpression"
	case ExprTypeLiteral:
		return "LiteralExpression"
	case ExprTypeColumn:
		return "ColumnExpression"
	default:
		panic(fmt.Sprintf("unknown expression type %d", t))
	}
}

// UnaryOp is an operator applied to a single expression.
type UnaryOp uint32

const (
	_ UnaryOp = iota

	UnaryOpNot
	UnaryOpNeg
)

func (op UnaryOp) String() string {
	switch op {
	case UnaryOpNot:
		return "NOT"
	case UnaryOpNeg:
		return "NEG"
	default:
		return fmt.Sprintf("UnaryOp(%d)", uint32(op))
	}
}

// BinaryOp is an operator applied to two expressions.
type BinaryOp uint32

const (
	_ BinaryOp = iota

	BinaryOpEq
	BinaryOpNeq
	BinaryOpGt
	BinaryOpGte
	BinaryOpLt
	BinaryOpLte
	BinaryOpAnd
	BinaryOpOr
)

func (op BinaryOp) String() string {
	switch op {
	case BinaryOpEq:
		return "EQ"
	case BinaryOpNeq:
		return "NEQ"
	case BinaryOpGt:
		return "GT"
	case BinaryOpGte:
		return "GTE"
	case BinaryOpLt:
		return "LT"
	case BinaryOpLte:
		return "LTE"
	case BinaryOpAnd:
		return "AND"
	case BinaryOpOr:
		return "OR"
	default:
		return fmt.Sprintf("BinaryOp(%d)", uint32(op))
	}
}

// Expression is the common interface for all expressions in a physical plan.
type Expression interface {
	fmt.Stringer
	Type() ExpressionType
	isExpr()
}

// UnaryExpr applies a [UnaryOp] to an expression.
type UnaryExpr struct {
	// Left is the expression being operated on
	Left Expression
	// Op is the unary operator to apply to the expression
	Op UnaryOp
}

func (*UnaryExpr) isExpr() {}

func (e *UnaryExpr) String() string {
	return fmt.Sprintf("%s(%s)", e.Op, e.Left)
}

// Type returns the type of the [UnaryExpr].
func (*UnaryExpr) Type() ExpressionType {
	return ExprTypeUnary
}

// BinaryExpr applies a [BinaryOp] to two expressions.
type BinaryExpr struct {
	Left, Right Expression
	Op          BinaryOp
}

func (*BinaryExpr) isExpr() {}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("%s(%s, %s)", e.Op, e.Left, e.Right)
}

// Type returns the type of the [BinaryExpr].
func (*BinaryExpr) Type() ExpressionType {
	return ExprTypeBinary
}

// LiteralExpr is a constant value. A nil Value is the NULL literal.
type LiteralExpr struct {
	Value any
}

func (*LiteralExpr) isExpr() {}

func (e *LiteralExpr) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(v)
	default:
		return fmt.Sprint(v)
	}
}

// Type returns the type of the [LiteralExpr].
func (*LiteralExpr) Type() ExpressionType {
	return ExprTypeLiteral
}

// NewLiteral returns a literal expression holding value.
func NewLiteral(value any) *LiteralExpr {
	return &LiteralExpr{Value: value}
}

// ColumnExpr references a column of the input by name.
type ColumnExpr struct {
	Name string
}

func (*ColumnExpr) isExpr() {}

func (e *ColumnExpr) String() string {
	return e.Name
}

// Type returns the type of the [ColumnExpr].
func (*ColumnExpr) Type() ExpressionType {
	return ExprTypeColumn
}

// NewColumn returns a column expression referencing name.
func NewColumn(name string) *ColumnExpr {
	return &ColumnExpr{Name: name}
}

// Not negates a predicate.
func Not(e Expression) Expression {
	return &UnaryExpr{Left: e, Op: UnaryOpNot}
}

// And combines predicates into a single conjunction. It returns nil if no
// predicates are given.
func And(exprs ...Expression) Expression {
	var res Expression
	for _, e := range exprs {
		if res == nil {
			res = e
			continue
		}
		res = &BinaryExpr{Left: res, Right: e, Op: BinaryOpAnd}
	}
	return res
}
