package expr

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"lakekernel/kernelerr"
	"lakekernel/schema"
)

var compareOps = map[string]Op{
	operators.Equals:        OpEq,
	operators.NotEquals:     OpNe,
	operators.Less:          OpLt,
	operators.LessEquals:    OpLe,
	operators.Greater:       OpGt,
	operators.GreaterEquals: OpGe,
}

// ParseCEL parses a predicate written in CEL syntax, for example
//
//	region == "eu" && (ts >= timestamp("2024-01-01 00:00:00") || id in [1, 2])
//
// Identifiers and field selections name columns. date("...") and
// timestamp("...") produce literals that are typed when the predicate is bound.
// Comparing with null produces an IS NULL test.
func ParseCEL(src string) (Expr, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	parsed, issues := env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, &kernelerr.InvalidPredicateError{Reason: fmt.Sprintf("parse cel expression: %v", issues.Err())}
	}
	return fromCEL(parsed.NativeRep().Expr())
}

func fromCEL(e celast.Expr) (Expr, error) {
	switch e.Kind() {
	case celast.IdentKind:
		return &Column{Path: []string{e.AsIdent()}}, nil
	case celast.SelectKind:
		path, err := selectPath(e)
		if err != nil {
			return nil, err
		}
		return &Column{Path: path}, nil
	case celast.LiteralKind:
		s, err := celLiteral(e.AsLiteral())
		if err != nil {
			return nil, err
		}
		return &Literal{Value: s}, nil
	case celast.CallKind:
		return celCall(e.AsCall())
	}
	return nil, unsupported("expression kind %v", e.Kind())
}

func celCall(call celast.CallExpr) (Expr, error) {
	name, args := call.FunctionName(), call.Args()

	if op, ok := compareOps[name]; ok {
		l, err := fromCEL(args[0])
		if err != nil {
			return nil, err
		}
		r, err := fromCEL(args[1])
		if err != nil {
			return nil, err
		}
		if (op == OpEq || op == OpNe) && (isNullLit(l) || isNullLit(r)) {
			operand := l
			if isNullLit(l) {
				operand = r
			}
			if op == OpEq {
				return IsNullOf(operand), nil
			}
			return IsNotNullOf(operand), nil
		}
		return &Compare{Op: op, Left: l, Right: r}, nil
	}

	switch name {
	case operators.LogicalAnd, operators.LogicalOr:
		terms, err := celArgs(args)
		if err != nil {
			return nil, err
		}
		if name == operators.LogicalAnd {
			return &And{Terms: terms}, nil
		}
		return &Or{Terms: terms}, nil
	case operators.LogicalNot:
		inner, err := fromCEL(args[0])
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	case operators.In:
		value, err := fromCEL(args[0])
		if err != nil {
			return nil, err
		}
		if args[1].Kind() != celast.ListKind {
			return nil, unsupported("right side of 'in' must be a list")
		}
		list, err := celArgs(args[1].AsList().Elements())
		if err != nil {
			return nil, err
		}
		return &In{Value: value, List: list}, nil
	case operators.Negate:
		if args[0].Kind() == celast.LiteralKind {
			switch v := args[0].AsLiteral().(type) {
			case types.Int:
				return &Literal{Value: Long(-int64(v))}, nil
			case types.Double:
				return &Literal{Value: Double(-float64(v))}, nil
			}
		}
		return nil, unsupported("negation of non-numeric literal")
	case "date", "timestamp":
		if call.IsMemberFunction() || len(args) != 1 || args[0].Kind() != celast.LiteralKind {
			return nil, unsupported("%s() takes one string literal", name)
		}
		v, ok := args[0].AsLiteral().(types.String)
		if !ok {
			return nil, unsupported("%s() takes one string literal", name)
		}
		return &Literal{Value: String(string(v))}, nil
	}
	return nil, unsupported("function %q", name)
}

func celArgs(args []celast.Expr) ([]Expr, error) {
	out := make([]Expr, 0, len(args))
	for _, a := range args {
		x, err := fromCEL(a)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

func selectPath(e celast.Expr) ([]string, error) {
	var rev []string
	for e.Kind() == celast.SelectKind {
		sel := e.AsSelect()
		if sel.IsTestOnly() {
			return nil, unsupported("has() macro")
		}
		rev = append(rev, sel.FieldName())
		e = sel.Operand()
	}
	if e.Kind() != celast.IdentKind {
		return nil, unsupported("field selection on a non-column")
	}
	path := []string{e.AsIdent()}
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
	}
	return path, nil
}

func celLiteral(v ref.Val) (Scalar, error) {
	switch x := v.(type) {
	case types.Int:
		return Long(int64(x)), nil
	case types.Uint:
		if uint64(x) > math.MaxInt64 {
			return Scalar{}, unsupported("unsigned literal %du exceeds the long range", uint64(x))
		}
		return Long(int64(x)), nil
	case types.Double:
		return Double(float64(x)), nil
	case types.String:
		return String(string(x)), nil
	case types.Bool:
		return Bool(bool(x)), nil
	case types.Bytes:
		return Binary([]byte(x)), nil
	case types.Null:
		return Null(schema.DataType{}), nil
	}
	return Scalar{}, unsupported("literal of type %s", v.Type().TypeName())
}

func isNullLit(e Expr) bool {
	l, ok := e.(*Literal)
	return ok && l.Value.Null
}

func unsupported(format string, args ...any) error {
	return &kernelerr.InvalidPredicateError{Reason: "unsupported in predicate: " + strings.TrimSpace(fmt.Sprintf(format, args...))}
}
