package expr

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakekernel/action"
	"lakekernel/schema"
)

var testSchema = &schema.StructType{Fields: []schema.Field{
	{Name: "a", Type: schema.Primitive(schema.TypeLong), Nullable: true},
	{Name: "b", Type: schema.Primitive(schema.TypeString), Nullable: true},
	{Name: "ts", Type: schema.Primitive(schema.TypeTimestamp), Nullable: true},
	{Name: "flag", Type: schema.Primitive(schema.TypeBoolean), Nullable: true},
	{Name: "geo", Type: schema.DataType{Name: schema.TypeStruct, Fields: []schema.Field{
		{Name: "lat", Type: schema.Primitive(schema.TypeDouble), Nullable: true},
	}}, Nullable: true},
}}

func mustBind(t testing.TB, e Expr) Expr {
	t.Helper()
	b, err := Bind(e, testSchema, schema.MappingNone)
	require.NoError(t, err)
	return b
}

func num(v int64) json.Number { return json.Number(strconv.FormatInt(v, 10)) }

func i64(v int64) *int64 { return &v }

func TestKleene(t *testing.T) {
	row := map[string]Scalar{
		"a": Long(1),
		"b": Null(schema.Primitive(schema.TypeString)),
	}
	cases := []struct {
		name string
		e    Expr
		want Outcome
	}{
		{"null_and_false_is_false", AndOf(Eq(Col("b"), Lit("x")), Eq(Col("a"), Lit(2))), OutFalse},
		{"null_and_true_is_null", AndOf(Eq(Col("b"), Lit("x")), Eq(Col("a"), Lit(1))), OutNull},
		{"null_or_true_is_true", OrOf(Eq(Col("b"), Lit("x")), Eq(Col("a"), Lit(1))), OutTrue},
		{"null_or_false_is_null", OrOf(Eq(Col("b"), Lit("x")), Eq(Col("a"), Lit(2))), OutNull},
		{"not_null_is_null", NotOf(Eq(Col("b"), Lit("x"))), OutNull},
		{"is_null", IsNullOf(Col("b")), OutTrue},
		{"is_not_null", IsNotNullOf(Col("a")), OutTrue},
		{"in_hit", InOf(Col("a"), Lit(3), Lit(1)), OutTrue},
		{"in_miss_with_null", InOf(Col("a"), Lit(3), Lit(nil)), OutNull},
		{"in_miss", InOf(Col("a"), Lit(3), Lit(4)), OutFalse},
		{"empty_and", AndOf(), OutTrue},
		{"empty_or", OrOf(), OutFalse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvalRow(mustBind(t, tc.e), row))
		})
	}
}

func TestIncomparableIsUnknown(t *testing.T) {
	// string column compared with a bool literal cannot be bound
	_, err := Bind(Eq(Col("b"), Lit(true)), testSchema, schema.MappingNone)
	assert.Error(t, err)

	// unbound comparisons of different types are possible either way
	out := EvalRow(Eq(Lit(1), Lit("1")), nil)
	assert.True(t, out.Has(OutTrue))
	assert.True(t, out.Has(OutFalse))
}

func TestBind(t *testing.T) {
	t.Run("types_columns_and_literals", func(t *testing.T) {
		b := mustBind(t, Ge(Col("ts"), Lit("2024-01-01 00:00:00")))
		cmp := b.(*Compare)
		assert.Equal(t, schema.TypeTimestamp, cmp.Left.(*Column).Type.Name)
		assert.Equal(t, schema.TypeTimestamp, cmp.Right.(*Literal).Value.Type.Name)
	})

	t.Run("nested", func(t *testing.T) {
		b := mustBind(t, Lt(Col("geo.lat"), Lit(1.5)))
		assert.Equal(t, []string{"geo", "lat"}, b.(*Compare).Left.(*Column).Physical)
	})

	t.Run("unknown_column", func(t *testing.T) {
		_, err := Bind(Eq(Col("missing"), Lit(1)), testSchema, schema.MappingNone)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("struct_column", func(t *testing.T) {
		_, err := Bind(IsNullOf(Col("geo")), testSchema, schema.MappingNone)
		assert.Error(t, err)
	})

	t.Run("unparseable_literal", func(t *testing.T) {
		_, err := Bind(Eq(Col("a"), Lit("ten")), testSchema, schema.MappingNone)
		assert.Error(t, err)
	})
}

func TestStatsEvaluator(t *testing.T) {
	stats := &action.Stats{
		NumRecords: i64(10),
		MinValues:  map[string]any{"a": num(5), "b": "apple", "ts": "2024-01-01T00:00:00.000Z"},
		MaxValues:  map[string]any{"a": num(9), "b": "melon", "ts": "2024-01-01T00:00:00.000Z"},
		NullCount:  map[string]any{"a": num(0), "b": num(2), "ts": num(0)},
	}
	eval := DefaultStatsEvaluator{}
	cases := []struct {
		name string
		e    Expr
		want Tri
	}{
		{"below_range", Lt(Col("a"), Lit(5)), False},
		{"touches_min", Le(Col("a"), Lit(5)), Unknown},
		{"above_range", Gt(Col("a"), Lit(9)), False},
		{"covers_all", Ge(Col("a"), Lit(5)), True},
		{"eq_outside", Eq(Col("a"), Lit(12)), False},
		{"eq_inside", Eq(Col("a"), Lit(7)), Unknown},
		{"string_outside", Eq(Col("b"), Lit("zebra")), False},
		{"nullable_string_never_true", Ge(Col("b"), Lit("apple")), Unknown},
		{"no_nulls", IsNullOf(Col("a")), False},
		{"some_nulls", IsNullOf(Col("b")), Unknown},
		{"timestamp_widened", Eq(Col("ts"), Lit("2024-01-01 00:00:00.0005")), Unknown},
		{"timestamp_beyond_widening", Eq(Col("ts"), Lit("2024-01-01 00:00:00.001")), False},
		{"missing_column_stats", Eq(Col("flag"), Lit(true)), Unknown},
		{"not", NotOf(Lt(Col("a"), Lit(5))), True},
		{"or_prunes_when_both_prune", OrOf(Lt(Col("a"), Lit(0)), Gt(Col("a"), Lit(100))), False},
		{"and_prunes_when_one_prunes", AndOf(Eq(Col("b"), Lit("kiwi")), Gt(Col("a"), Lit(100))), False},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, eval.Evaluate(mustBind(t, tc.e), stats))
		})
	}

	t.Run("nil_stats", func(t *testing.T) {
		assert.Equal(t, Unknown, eval.Evaluate(mustBind(t, Eq(Col("a"), Lit(1))), nil))
	})

	t.Run("all_null_column", func(t *testing.T) {
		s := &action.Stats{NumRecords: i64(3), NullCount: map[string]any{"a": num(3)}}
		assert.Equal(t, False, eval.Evaluate(mustBind(t, Eq(Col("a"), Lit(1))), s))
		assert.Equal(t, True, eval.Evaluate(mustBind(t, IsNullOf(Col("a"))), s))
	})

	t.Run("empty_file", func(t *testing.T) {
		s := &action.Stats{NumRecords: i64(0)}
		assert.Equal(t, False, eval.Evaluate(mustBind(t, IsNullOf(Col("a"))), s))
	})

	t.Run("truncated_string_max", func(t *testing.T) {
		long := "mmmmmmmmmmmmmmmmmmmmmmmmmmmmmmmm"
		s := &action.Stats{
			NumRecords: i64(2),
			MinValues:  map[string]any{"b": "a"},
			MaxValues:  map[string]any{"b": long},
			NullCount:  map[string]any{"b": num(0)},
		}
		assert.Equal(t, Unknown, eval.Evaluate(mustBind(t, Eq(Col("b"), Lit(long+"zz"))), s))
	})
}

type fileRows struct {
	rows []map[string]Scalar
}

func randomRows(r *rand.Rand) fileRows {
	n := 1 + r.Intn(6)
	out := fileRows{rows: make([]map[string]Scalar, n)}
	for i := range out.rows {
		row := map[string]Scalar{
			"a": Null(schema.Primitive(schema.TypeLong)),
			"b": Null(schema.Primitive(schema.TypeString)),
		}
		if r.Intn(4) != 0 {
			row["a"] = Long(int64(r.Intn(11) - 5))
		}
		if r.Intn(4) != 0 {
			row["b"] = String(string(rune('a' + r.Intn(5))))
		}
		out.rows[i] = row
	}
	return out
}

// stats summarises the rows the way a writer records them.
func (f fileRows) stats() *action.Stats {
	s := &action.Stats{
		NumRecords: i64(int64(len(f.rows))),
		MinValues:  map[string]any{},
		MaxValues:  map[string]any{},
		NullCount:  map[string]any{},
	}
	var nullsA, nullsB int64
	for _, row := range f.rows {
		if a := row["a"]; a.Null {
			nullsA++
		} else {
			v := a.Value().(int64)
			if cur, ok := s.MinValues["a"]; !ok || v < mustInt(cur) {
				s.MinValues["a"] = num(v)
			}
			if cur, ok := s.MaxValues["a"]; !ok || v > mustInt(cur) {
				s.MaxValues["a"] = num(v)
			}
		}
		if b := row["b"]; b.Null {
			nullsB++
		} else {
			v := b.Value().(string)
			if cur, ok := s.MinValues["b"]; !ok || v < cur.(string) {
				s.MinValues["b"] = v
			}
			if cur, ok := s.MaxValues["b"]; !ok || v > cur.(string) {
				s.MaxValues["b"] = v
			}
		}
	}
	s.NullCount["a"] = num(nullsA)
	s.NullCount["b"] = num(nullsB)
	return s
}

func mustInt(v any) int64 {
	n, _ := v.(json.Number).Int64()
	return n
}

func randomLiteral(r *rand.Rand, col string) Expr {
	if r.Intn(10) == 0 {
		return Lit(nil)
	}
	if col == "a" {
		return Lit(int64(r.Intn(13) - 6))
	}
	return Lit(string(rune('a' + r.Intn(6))))
}

func randomPredicate(r *rand.Rand, depth int) Expr {
	col := []string{"a", "b"}[r.Intn(2)]
	if depth == 0 || r.Intn(3) == 0 {
		switch r.Intn(4) {
		case 0:
			return IsNullOf(Col(col))
		case 1:
			return InOf(Col(col), randomLiteral(r, col), randomLiteral(r, col))
		default:
			op := Op(r.Intn(6))
			if r.Intn(2) == 0 {
				return &Compare{Op: op, Left: Col(col), Right: randomLiteral(r, col)}
			}
			return &Compare{Op: op, Left: randomLiteral(r, col), Right: Col(col)}
		}
	}
	switch r.Intn(3) {
	case 0:
		return AndOf(randomPredicate(r, depth-1), randomPredicate(r, depth-1))
	case 1:
		return OrOf(randomPredicate(r, depth-1), randomPredicate(r, depth-1))
	}
	return NotOf(randomPredicate(r, depth-1))
}

// checkSound fails if the oracle excludes a file holding a matching row, or
// answers True while some row does not match.
func checkSound(t testing.TB, r *rand.Rand) {
	f := randomRows(r)
	pred := mustBind(t, randomPredicate(r, 3))
	answer := DefaultStatsEvaluator{}.Evaluate(pred, f.stats())

	for _, row := range f.rows {
		out := EvalRow(pred, row)
		if out.CanMatch() && answer == False {
			t.Fatalf("pruned a matching row: pred=%s row=%v", pred, row)
		}
		if out != OutTrue && answer == True {
			t.Fatalf("claimed all rows match: pred=%s row=%v outcome=%s", pred, row, out)
		}
	}
}

func TestStatsPruningIsSound(t *testing.T) {
	r := rand.New(rand.NewSource(20240301))
	for i := 0; i < 5000; i++ {
		checkSound(t, r)
	}
}

func FuzzStatsPruningIsSound(f *testing.F) {
	for _, seed := range []int64{1, 7, 42, 1 << 40} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, seed int64) {
		checkSound(t, rand.New(rand.NewSource(seed)))
	})
}

func TestRowEvaluationIsExact(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	for i := 0; i < 2000; i++ {
		pred := mustBind(t, randomPredicate(r, 3))
		row := randomRows(r).rows[0]
		out := EvalRow(pred, row)
		switch out {
		case OutTrue, OutFalse, OutNull:
		default:
			t.Fatalf("row evaluation of %s gave %s", pred, out)
		}
	}
}

func TestPartitionEvaluation(t *testing.T) {
	pred := mustBind(t, AndOf(Eq(Col("b"), Lit("eu")), Gt(Col("a"), Lit(3))))
	values := func(b Scalar) func(*Column) (Scalar, bool) {
		return func(c *Column) (Scalar, bool) {
			if c.Name() == "b" {
				return b, true
			}
			return Scalar{}, false
		}
	}

	assert.True(t, EvalPartition(pred, values(String("eu"))).CanMatch())
	assert.False(t, EvalPartition(pred, values(String("us"))).CanMatch())
	// NULL = 'eu' is NULL, which a WHERE clause drops
	assert.False(t, EvalPartition(pred, values(Null(schema.Primitive(schema.TypeString)))).CanMatch())
}

func TestOutcomeTri(t *testing.T) {
	assert.Equal(t, True, OutTrue.Tri())
	assert.Equal(t, False, OutFalse.Tri())
	assert.Equal(t, False, (OutFalse | OutNull).Tri())
	assert.Equal(t, False, Outcome(0).Tri())
	assert.Equal(t, Unknown, (OutTrue | OutNull).Tri())
	assert.Equal(t, "{TRUE,NULL}", (OutTrue | OutNull).String())
}
