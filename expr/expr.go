// Package expr holds scan predicates and their evaluation over partition
// values and file statistics.
package expr

import (
	"fmt"
	"strings"

	"lakekernel/kernelerr"
	"lakekernel/schema"
)

// Expr is a predicate or value expression.
type Expr interface {
	isExpr()
	String() string
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opSymbols = [...]string{"=", "!=", "<", "<=", ">", ">="}

func (o Op) String() string { return opSymbols[o] }

// Column references a (possibly nested) column by logical path. Binding fills
// in the column type and the physical path used by partition values and stats.
type Column struct {
	Path     []string
	Type     schema.DataType
	Physical []string
	bound    bool
}

// Literal is a constant value.
type Literal struct {
	Value Scalar
}

// Compare is a binary comparison.
type Compare struct {
	Op          Op
	Left, Right Expr
}

// And is a conjunction. An empty And is true.
type And struct {
	Terms []Expr
}

// Or is a disjunction. An empty Or is false.
type Or struct {
	Terms []Expr
}

// Not negates a predicate.
type Not struct {
	Inner Expr
}

// IsNull tests a value for null.
type IsNull struct {
	Inner Expr
}

// In tests membership in a literal list, with SQL null semantics.
type In struct {
	Value Expr
	List  []Expr
}

func (*Column) isExpr()  {}
func (*Literal) isExpr() {}
func (*Compare) isExpr() {}
func (*And) isExpr()     {}
func (*Or) isExpr()      {}
func (*Not) isExpr()     {}
func (*IsNull) isExpr()  {}
func (*In) isExpr()      {}

func (c *Column) String() string  { return strings.Join(c.Path, ".") }
func (l *Literal) String() string { return l.Value.String() }
func (c *Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}
func (a *And) String() string { return junction(" AND ", a.Terms, "TRUE") }
func (o *Or) String() string  { return junction(" OR ", o.Terms, "FALSE") }
func (n *Not) String() string { return "NOT (" + n.Inner.String() + ")" }
func (n *IsNull) String() string {
	return n.Inner.String() + " IS NULL"
}
func (i *In) String() string {
	items := make([]string, len(i.List))
	for k, e := range i.List {
		items[k] = e.String()
	}
	return fmt.Sprintf("%s IN (%s)", i.Value, strings.Join(items, ", "))
}

func junction(sep string, terms []Expr, empty string) string {
	if len(terms) == 0 {
		return empty
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = "(" + t.String() + ")"
	}
	return strings.Join(parts, sep)
}

// Name is the dotted logical column name.
func (c *Column) Name() string { return strings.Join(c.Path, ".") }

// Col references a column by dotted name.
func Col(name string) *Column {
	return &Column{Path: strings.Split(name, ".")}
}

// Lit builds a literal from a Go value or a Scalar. It panics on unsupported types.
func Lit(v any) *Literal {
	s, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return &Literal{Value: s}
}

func Eq(l, r Expr) Expr { return &Compare{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Expr { return &Compare{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Expr { return &Compare{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Expr { return &Compare{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Expr { return &Compare{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Expr { return &Compare{Op: OpGe, Left: l, Right: r} }

func AndOf(terms ...Expr) Expr { return &And{Terms: terms} }
func OrOf(terms ...Expr) Expr  { return &Or{Terms: terms} }
func NotOf(e Expr) Expr        { return &Not{Inner: e} }
func IsNullOf(e Expr) Expr     { return &IsNull{Inner: e} }
func IsNotNullOf(e Expr) Expr  { return &Not{Inner: &IsNull{Inner: e}} }

// InOf builds value IN (list...).
func InOf(value Expr, list ...Expr) Expr { return &In{Value: value, List: list} }

// Columns returns the distinct columns referenced by e, in first-reference order.
func Columns(e Expr) []*Column {
	var out []*Column
	seen := map[string]bool{}
	Walk(e, func(x Expr) {
		if c, ok := x.(*Column); ok && !seen[c.Name()] {
			seen[c.Name()] = true
			out = append(out, c)
		}
	})
	return out
}

// Walk visits e and its children, parents first.
func Walk(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch x := e.(type) {
	case *Compare:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *And:
		for _, t := range x.Terms {
			Walk(t, fn)
		}
	case *Or:
		for _, t := range x.Terms {
			Walk(t, fn)
		}
	case *Not:
		Walk(x.Inner, fn)
	case *IsNull:
		Walk(x.Inner, fn)
	case *In:
		Walk(x.Value, fn)
		for _, t := range x.List {
			Walk(t, fn)
		}
	}
}

// Bind resolves every column of e against the table schema and coerces
// literals compared with a column to the column's type. The input is not modified.
func Bind(e Expr, s *schema.StructType, mode schema.ColumnMappingMode) (Expr, error) {
	switch x := e.(type) {
	case *Column:
		f, physical, err := s.Resolve(x.Path, mode)
		if err != nil {
			return nil, &kernelerr.InvalidPredicateError{Column: x.Name(), Reason: err.Error()}
		}
		if !f.Type.IsPrimitive() {
			return nil, &kernelerr.InvalidPredicateError{Column: x.Name(), Reason: "column has non-primitive type " + f.Type.String()}
		}
		return &Column{Path: x.Path, Type: f.Type, Physical: physical, bound: true}, nil
	case *Literal:
		return x, nil
	case *Compare:
		l, err := Bind(x.Left, s, mode)
		if err != nil {
			return nil, err
		}
		r, err := Bind(x.Right, s, mode)
		if err != nil {
			return nil, err
		}
		l, r, err = coercePair(l, r)
		if err != nil {
			return nil, err
		}
		return &Compare{Op: x.Op, Left: l, Right: r}, nil
	case *And:
		terms, err := bindAll(x.Terms, s, mode)
		if err != nil {
			return nil, err
		}
		return &And{Terms: terms}, nil
	case *Or:
		terms, err := bindAll(x.Terms, s, mode)
		if err != nil {
			return nil, err
		}
		return &Or{Terms: terms}, nil
	case *Not:
		inner, err := Bind(x.Inner, s, mode)
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	case *IsNull:
		inner, err := Bind(x.Inner, s, mode)
		if err != nil {
			return nil, err
		}
		return &IsNull{Inner: inner}, nil
	case *In:
		v, err := Bind(x.Value, s, mode)
		if err != nil {
			return nil, err
		}
		list := make([]Expr, len(x.List))
		for i, item := range x.List {
			b, err := Bind(item, s, mode)
			if err != nil {
				return nil, err
			}
			if list[i], err = coerceTo(b, v); err != nil {
				return nil, err
			}
		}
		return &In{Value: v, List: list}, nil
	}
	return nil, &kernelerr.InvalidPredicateError{Reason: fmt.Sprintf("unsupported expression %T", e)}
}

func bindAll(terms []Expr, s *schema.StructType, mode schema.ColumnMappingMode) ([]Expr, error) {
	out := make([]Expr, len(terms))
	for i, t := range terms {
		b, err := Bind(t, s, mode)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func coercePair(l, r Expr) (Expr, Expr, error) {
	if c, ok := l.(*Column); ok {
		nr, err := coerceTo(r, c)
		return l, nr, err
	}
	if c, ok := r.(*Column); ok {
		nl, err := coerceTo(l, c)
		return nl, r, err
	}
	return l, r, nil
}

// coerceTo converts e to the type of target when e is a literal and target a column.
func coerceTo(e Expr, target Expr) (Expr, error) {
	lit, ok := e.(*Literal)
	col, isCol := target.(*Column)
	if !ok || !isCol {
		return e, nil
	}
	v, err := Coerce(lit.Value, col.Type)
	if err != nil {
		return nil, &kernelerr.InvalidPredicateError{Column: col.Name(), Reason: err.Error()}
	}
	return &Literal{Value: v}, nil
}

// Substitute replaces columns for which fn returns a value with literals.
// Used to fold partition values into a predicate before statistics evaluation.
func Substitute(e Expr, fn func(*Column) (Scalar, bool)) Expr {
	switch x := e.(type) {
	case *Column:
		if v, ok := fn(x); ok {
			return &Literal{Value: v}
		}
		return x
	case *Compare:
		return &Compare{Op: x.Op, Left: Substitute(x.Left, fn), Right: Substitute(x.Right, fn)}
	case *And:
		return &And{Terms: substituteAll(x.Terms, fn)}
	case *Or:
		return &Or{Terms: substituteAll(x.Terms, fn)}
	case *Not:
		return &Not{Inner: Substitute(x.Inner, fn)}
	case *IsNull:
		return &IsNull{Inner: Substitute(x.Inner, fn)}
	case *In:
		return &In{Value: Substitute(x.Value, fn), List: substituteAll(x.List, fn)}
	}
	return e
}

func substituteAll(terms []Expr, fn func(*Column) (Scalar, bool)) []Expr {
	out := make([]Expr, len(terms))
	for i, t := range terms {
		out[i] = Substitute(t, fn)
	}
	return out
}
