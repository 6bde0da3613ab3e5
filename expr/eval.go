package expr

import (
	"strings"

	"lakekernel/schema"
)

// Outcome is a set of SQL truth values a predicate may take over a group of rows.
type Outcome uint8

const (
	OutTrue Outcome = 1 << iota
	OutFalse
	OutNull

	OutAny = OutTrue | OutFalse | OutNull
)

func (o Outcome) Has(x Outcome) bool { return o&x != 0 }

// CanMatch reports whether some row may satisfy a WHERE clause.
func (o Outcome) CanMatch() bool { return o.Has(OutTrue) }

func (o Outcome) String() string {
	if o == 0 {
		return "{}"
	}
	var parts []string
	if o.Has(OutTrue) {
		parts = append(parts, "TRUE")
	}
	if o.Has(OutFalse) {
		parts = append(parts, "FALSE")
	}
	if o.Has(OutNull) {
		parts = append(parts, "NULL")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (o Outcome) not() Outcome {
	out := o & OutNull
	if o.Has(OutTrue) {
		out |= OutFalse
	}
	if o.Has(OutFalse) {
		out |= OutTrue
	}
	return out
}

// Kleene truth tables over single values.
func and3(a, b Outcome) Outcome {
	switch {
	case a == OutFalse || b == OutFalse:
		return OutFalse
	case a == OutNull || b == OutNull:
		return OutNull
	}
	return OutTrue
}

func or3(a, b Outcome) Outcome {
	switch {
	case a == OutTrue || b == OutTrue:
		return OutTrue
	case a == OutNull || b == OutNull:
		return OutNull
	}
	return OutFalse
}

// lift applies a single-value operator pointwise over two outcome sets.
func lift(a, b Outcome, op func(x, y Outcome) Outcome) Outcome {
	var out Outcome
	for _, x := range [...]Outcome{OutTrue, OutFalse, OutNull} {
		if !a.Has(x) {
			continue
		}
		for _, y := range [...]Outcome{OutTrue, OutFalse, OutNull} {
			if b.Has(y) {
				out |= op(x, y)
			}
		}
	}
	return out
}

// ColumnDomain describes the values a column takes over a group of rows.
// A domain with neither MayBeNull nor MayBeNonNull covers no rows.
type ColumnDomain struct {
	Min, Max       Scalar
	HasMin, HasMax bool
	MayBeNull      bool
	MayBeNonNull   bool
}

// Exact is the domain of a single known value.
func Exact(v Scalar) ColumnDomain {
	if v.Null {
		return ColumnDomain{MayBeNull: true}
	}
	return ColumnDomain{Min: v, Max: v, HasMin: true, HasMax: true, MayBeNonNull: true}
}

// UnknownDomain admits every value, including null.
func UnknownDomain() ColumnDomain {
	return ColumnDomain{MayBeNull: true, MayBeNonNull: true}
}

func (d ColumnDomain) empty() bool { return !d.MayBeNull && !d.MayBeNonNull }

// Domains supplies the domain of each bound column.
type Domains func(c *Column) ColumnDomain

// Outcomes returns the set of truth values e may take over rows whose columns
// lie in the given domains. The result over-approximates: every value a row can
// produce is in the set.
func Outcomes(e Expr, dom Domains) Outcome {
	switch x := e.(type) {
	case *Literal:
		return Exact(x.Value).truth()
	case *Column:
		d := dom(x)
		if x.Type.Name != schema.TypeBoolean && x.Type.Name != "" {
			return OutAny
		}
		return d.truth()
	case *Compare:
		return compareDomains(x.Op, domainOf(x.Left, dom), domainOf(x.Right, dom))
	case *And:
		out := OutTrue
		for _, t := range x.Terms {
			out = lift(out, Outcomes(t, dom), and3)
		}
		return out
	case *Or:
		out := OutFalse
		for _, t := range x.Terms {
			out = lift(out, Outcomes(t, dom), or3)
		}
		return out
	case *Not:
		return Outcomes(x.Inner, dom).not()
	case *IsNull:
		d := domainOf(x.Inner, dom)
		var out Outcome
		if d.MayBeNull {
			out |= OutTrue
		}
		if d.MayBeNonNull {
			out |= OutFalse
		}
		return out
	case *In:
		terms := make([]Expr, len(x.List))
		for i, item := range x.List {
			terms[i] = &Compare{Op: OpEq, Left: x.Value, Right: item}
		}
		return Outcomes(&Or{Terms: terms}, dom)
	}
	return OutAny
}

// truth is the outcome set of a boolean-valued domain.
func (d ColumnDomain) truth() Outcome {
	var out Outcome
	if d.MayBeNull {
		out |= OutNull
	}
	if !d.MayBeNonNull {
		return out
	}
	if d.HasMin && d.HasMax && familyOf(d.Min.Type) != famBool {
		return out | OutTrue | OutFalse
	}
	if !d.HasMax || d.Max.v == true {
		out |= OutTrue
	}
	if !d.HasMin || d.Min.v == false {
		out |= OutFalse
	}
	return out
}

// domainOf returns the value domain of an operand. Predicates used as values
// are described by their outcome set.
func domainOf(e Expr, dom Domains) ColumnDomain {
	switch x := e.(type) {
	case *Literal:
		return Exact(x.Value)
	case *Column:
		return dom(x)
	case *Compare, *And, *Or, *Not, *IsNull, *In:
		o := Outcomes(x, dom)
		d := ColumnDomain{MayBeNull: o.Has(OutNull), MayBeNonNull: o.Has(OutTrue | OutFalse)}
		if d.MayBeNonNull {
			d.Min, d.HasMin = Bool(!o.Has(OutFalse)), true
			d.Max, d.HasMax = Bool(o.Has(OutTrue)), true
		}
		return d
	}
	return UnknownDomain()
}

// order compares two optional bounds; ok is false if either is missing or they are incomparable.
func order(a Scalar, hasA bool, b Scalar, hasB bool) (int, bool) {
	if !hasA || !hasB {
		return 0, false
	}
	return CompareScalars(a, b)
}

// possible evaluates "a rel b" on bounds, treating an unknown ordering as possible.
func possible(a Scalar, hasA bool, b Scalar, hasB bool, rel func(int) bool) bool {
	c, ok := order(a, hasA, b, hasB)
	return !ok || rel(c)
}

func compareDomains(op Op, l, r ColumnDomain) Outcome {
	if l.empty() || r.empty() {
		return 0
	}
	var out Outcome
	if l.MayBeNull || r.MayBeNull {
		out |= OutNull
	}
	if !l.MayBeNonNull || !r.MayBeNonNull {
		return out
	}

	lt := func(c int) bool { return c < 0 }
	le := func(c int) bool { return c <= 0 }
	gt := func(c int) bool { return c > 0 }
	ge := func(c int) bool { return c >= 0 }

	overlap := possible(l.Min, l.HasMin, r.Max, r.HasMax, le) &&
		possible(r.Min, r.HasMin, l.Max, l.HasMax, le)
	single := allEqual(l, r)

	var canTrue, canFalse bool
	switch op {
	case OpLt:
		canTrue = possible(l.Min, l.HasMin, r.Max, r.HasMax, lt)
		canFalse = possible(l.Max, l.HasMax, r.Min, r.HasMin, ge)
	case OpLe:
		canTrue = possible(l.Min, l.HasMin, r.Max, r.HasMax, le)
		canFalse = possible(l.Max, l.HasMax, r.Min, r.HasMin, gt)
	case OpGt:
		canTrue = possible(l.Max, l.HasMax, r.Min, r.HasMin, gt)
		canFalse = possible(l.Min, l.HasMin, r.Max, r.HasMax, le)
	case OpGe:
		canTrue = possible(l.Max, l.HasMax, r.Min, r.HasMin, ge)
		canFalse = possible(l.Min, l.HasMin, r.Max, r.HasMax, lt)
	case OpEq:
		canTrue, canFalse = overlap, !single
	case OpNe:
		canTrue, canFalse = !single, overlap
	}
	if canTrue {
		out |= OutTrue
	}
	if canFalse {
		out |= OutFalse
	}
	return out
}

// allEqual reports whether both domains pin the same single value.
func allEqual(l, r ColumnDomain) bool {
	if !l.HasMin || !l.HasMax || !r.HasMin || !r.HasMax {
		return false
	}
	return Equal(l.Min, l.Max) && Equal(l.Max, r.Min) && Equal(r.Min, r.Max)
}

// EvalPartition evaluates e with exact values for the columns known to values.
// Columns it does not know about are unconstrained.
func EvalPartition(e Expr, values func(*Column) (Scalar, bool)) Outcome {
	return Outcomes(e, func(c *Column) ColumnDomain {
		if v, ok := values(c); ok {
			return Exact(v)
		}
		return UnknownDomain()
	})
}

// EvalRow evaluates e on a single row. The result has exactly one member
// unless the row holds incomparable values.
func EvalRow(e Expr, row map[string]Scalar) Outcome {
	return EvalPartition(e, func(c *Column) (Scalar, bool) {
		v, ok := row[c.Name()]
		return v, ok
	})
}
