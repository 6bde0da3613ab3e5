package scan

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakekernel/action"
	"lakekernel/engine"
	"lakekernel/expr"
	"lakekernel/kernelerr"
	"lakekernel/kerneltest"
	"lakekernel/logsegment"
	"lakekernel/schema"
	"lakekernel/snapshot"
)

func stats(minID, maxID, records, nulls int) string {
	if nulls == records {
		return fmt.Sprintf(`{"numRecords":%d,"nullCount":{"id":%d}}`, records, nulls)
	}
	return fmt.Sprintf(`{"numRecords":%d,"minValues":{"id":%d},"maxValues":{"id":%d},"nullCount":{"id":%d}}`, records, minID, maxID, nulls)
}

// table holds five files:
//
//	a  region=eu  day=2024-03-01  id 1..10
//	b  region=us  day=2024-03-01  id 11..20
//	c  region=eu  day=2024-03-02  id 21..30
//	d  region=-   day=2024-03-02  no stats
//	e  region=us  day=2024-03-03  id all null
func table(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	tbl := kerneltest.NewTable(t, "t")
	tbl.Commit(kerneltest.Protocol(1, 2), kerneltest.Metadata(kerneltest.Schema("id:long", "region:string", "day:date"), []string{"region", "day"}, nil))
	tbl.Commit(
		kerneltest.Add("a", stats(1, 10, 10, 0), "region", "eu", "day", "2024-03-01"),
		kerneltest.Add("b", stats(11, 20, 10, 0), "region", "us", "day", "2024-03-01"),
		kerneltest.Add("c", stats(21, 30, 10, 0), "region", "eu", "day", "2024-03-02"),
	)
	tbl.Commit(
		kerneltest.Add("d", "", "region", "", "day", "2024-03-02"),
		kerneltest.Add("e", stats(0, 0, 5, 5), "region", "us", "day", "2024-03-03"),
	)
	snap, err := snapshot.Build(context.Background(), engine.NewDefault(tbl.Store, engine.Options{}), tbl.Root, logsegment.Latest)
	require.NoError(t, err)
	return snap
}

func plan(t *testing.T, s *Scan) ([]string, PlanStats) {
	t.Helper()
	files, st, err := s.Plan(context.Background())
	require.NoError(t, err)
	out := []string{}
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out, st
}

func mustScan(t *testing.T, b *Builder) *Scan {
	t.Helper()
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestPartitionPruningIsExact(t *testing.T) {
	snap := table(t)
	files, err := snap.Files()
	require.NoError(t, err)
	tableSchema := snap.Schema()

	preds := []struct {
		name string
		pred expr.Expr
		want []string
	}{
		{"eq", expr.Eq(expr.Col("region"), expr.Lit("eu")), []string{"a", "c"}},
		{"ne_drops_null", expr.Ne(expr.Col("region"), expr.Lit("eu")), []string{"b", "e"}},
		{"is_null", expr.IsNullOf(expr.Col("region")), []string{"d"}},
		{"date_range", expr.Ge(expr.Col("day"), expr.Lit("2024-03-02")), []string{"c", "d", "e"}},
		{"or", expr.OrOf(expr.Eq(expr.Col("region"), expr.Lit("eu")), expr.Eq(expr.Col("day"), expr.Lit("2024-03-03"))), []string{"a", "c", "e"}},
		{"not", expr.NotOf(expr.Eq(expr.Col("region"), expr.Lit("us"))), []string{"a", "c"}},
		{"in", expr.InOf(expr.Col("region"), expr.Lit("us"), expr.Lit("apac")), []string{"b", "e"}},
		{"nothing", expr.AndOf(expr.Eq(expr.Col("region"), expr.Lit("eu")), expr.Eq(expr.Col("region"), expr.Lit("us"))), []string{}},
	}
	for _, tc := range preds {
		t.Run(tc.name, func(t *testing.T) {
			s := mustScan(t, NewBuilder(snap).WithPredicate(tc.pred))
			got, st := plan(t, s)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, 5-len(tc.want), st.PartitionPruned)
			assert.Zero(t, st.StatsSkipped)

			// Exactly the files whose partition values cannot satisfy the predicate are pruned.
			bound, err := expr.Bind(tc.pred, tableSchema, schema.MappingNone)
			require.NoError(t, err)
			want := []string{}
			for _, f := range files {
				row := map[string]expr.Scalar{}
				for _, c := range []string{"region", "day"} {
					fld, _ := tableSchema.Field(c)
					v, err := expr.ParsePartitionValue(f.PartitionValues[c], fld.Type)
					require.NoError(t, err)
					row[c] = v
				}
				if expr.EvalRow(bound, row).CanMatch() {
					want = append(want, f.Path)
				}
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestStatsSkipping(t *testing.T) {
	snap := table(t)

	t.Run("range", func(t *testing.T) {
		got, st := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(expr.Gt(expr.Col("id"), expr.Lit(15)))))
		assert.Equal(t, []string{"b", "c", "d"}, got)
		assert.Equal(t, PlanStats{Total: 5, StatsSkipped: 2, Emitted: 3}, st)
	})

	t.Run("partition_then_stats", func(t *testing.T) {
		pred := expr.AndOf(expr.Lt(expr.Col("id"), expr.Lit(5)), expr.Eq(expr.Col("region"), expr.Lit("eu")))
		got, st := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(pred)))
		assert.Equal(t, []string{"a"}, got)
		assert.Equal(t, PlanStats{Total: 5, PartitionPruned: 3, StatsSkipped: 1, Emitted: 1}, st)
	})

	t.Run("is_null_uses_null_counts", func(t *testing.T) {
		got, _ := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(expr.IsNullOf(expr.Col("id")))))
		assert.Equal(t, []string{"d", "e"}, got)
	})

	t.Run("no_predicate_emits_everything", func(t *testing.T) {
		got, st := plan(t, mustScan(t, NewBuilder(snap)))
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
		assert.Equal(t, 5, st.Emitted)
	})
}

// oracle answers a fixed value and records the predicates it was asked about.
type oracle struct {
	mu     sync.Mutex
	answer expr.Tri
	asked  []expr.Expr
}

func (o *oracle) Evaluate(pred expr.Expr, _ *action.Stats) expr.Tri {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.asked = append(o.asked, pred)
	return o.answer
}

func TestStatsOracle(t *testing.T) {
	snap := table(t)
	pred := expr.AndOf(expr.Gt(expr.Col("id"), expr.Lit(15)), expr.Eq(expr.Col("region"), expr.Lit("us")))

	t.Run("false_excludes", func(t *testing.T) {
		o := &oracle{answer: expr.False}
		got, st := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(pred).WithStatsEvaluator(o)))
		assert.Empty(t, got)
		assert.Equal(t, 3, st.PartitionPruned)
		assert.Equal(t, 2, st.StatsSkipped)
	})

	t.Run("unknown_includes", func(t *testing.T) {
		o := &oracle{answer: expr.Unknown}
		got, _ := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(pred).WithStatsEvaluator(o)))
		assert.Equal(t, []string{"b", "e"}, got)
	})

	t.Run("true_includes", func(t *testing.T) {
		o := &oracle{answer: expr.True}
		got, _ := plan(t, mustScan(t, NewBuilder(snap).WithPredicate(pred).WithStatsEvaluator(o)))
		assert.Equal(t, []string{"b", "e"}, got)
	})

	t.Run("partition_values_are_folded", func(t *testing.T) {
		o := &oracle{answer: expr.Unknown}
		plan(t, mustScan(t, NewBuilder(snap).WithPredicate(pred).WithStatsEvaluator(o)))
		require.Len(t, o.asked, 2)
		for _, p := range o.asked {
			for _, c := range expr.Columns(p) {
				assert.Equal(t, "id", c.Name())
			}
		}
	})
}

func TestScanFile(t *testing.T) {
	snap := table(t)
	s := mustScan(t, NewBuilder(snap).WithPredicate(expr.Eq(expr.Col("day"), expr.Lit("2024-03-01"))))

	var got []ScanFile
	for f, err := range s.Files(context.Background()) {
		require.NoError(t, err)
		got = append(got, f)
	}
	require.Len(t, got, 2)
	a := got[0]
	assert.Equal(t, "a", a.Path)
	assert.Equal(t, int64(1024), a.Size)
	require.NotNil(t, a.NumRecords)
	assert.Equal(t, int64(10), *a.NumRecords)
	assert.True(t, expr.Equal(expr.String("eu"), a.PartitionValues["region"]))
	assert.True(t, expr.Equal(expr.Date(19783), a.PartitionValues["day"]))

	t.Run("iteration_restarts", func(t *testing.T) {
		n := 0
		for _, err := range s.Files(context.Background()) {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 2, n)
	})

	t.Run("early_stop", func(t *testing.T) {
		n := 0
		for range s.Files(context.Background()) {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := s.Plan(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("null_partition_value", func(t *testing.T) {
		nulls := mustScan(t, NewBuilder(snap).WithPredicate(expr.IsNullOf(expr.Col("region"))))
		var d []ScanFile
		for f, err := range nulls.Files(context.Background()) {
			require.NoError(t, err)
			d = append(d, f)
		}
		require.Len(t, d, 1)
		assert.True(t, d[0].PartitionValues["region"].Null)
		assert.Nil(t, d[0].NumRecords)
	})
}

func TestBuildValidation(t *testing.T) {
	snap := table(t)

	t.Run("projection", func(t *testing.T) {
		s := mustScan(t, NewBuilder(snap).WithColumns("region", "id"))
		assert.Equal(t, []string{"region", "id"}, s.LogicalSchema().Names())
		assert.Equal(t, []string{"id"}, s.PhysicalSchema().Names())
	})

	t.Run("default_projection", func(t *testing.T) {
		s := mustScan(t, NewBuilder(snap))
		assert.Equal(t, []string{"id", "region", "day"}, s.LogicalSchema().Names())
		assert.Equal(t, []string{"id"}, s.PhysicalSchema().Names())
		assert.Nil(t, s.Predicate())
	})

	t.Run("unknown_projected_column", func(t *testing.T) {
		_, err := NewBuilder(snap).WithColumns("nope").Build()
		var invalid *kernelerr.InvalidPredicateError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "nope", invalid.Column)
	})

	t.Run("unknown_predicate_column", func(t *testing.T) {
		_, err := NewBuilder(snap).WithPredicate(expr.Eq(expr.Col("nope"), expr.Lit(1))).Build()
		var invalid *kernelerr.InvalidPredicateError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("literal_of_wrong_type", func(t *testing.T) {
		_, err := NewBuilder(snap).WithPredicate(expr.Eq(expr.Col("day"), expr.Lit("soon"))).Build()
		var invalid *kernelerr.InvalidPredicateError
		require.ErrorAs(t, err, &invalid)
	})
}

func TestColumnMapping(t *testing.T) {
	const mapped = `{"type":"struct","fields":[` +
		`{"name":"id","type":"long","nullable":true,"metadata":{"delta.columnMapping.id":1,"delta.columnMapping.physicalName":"col-1a"}},` +
		`{"name":"region","type":"string","nullable":true,"metadata":{"delta.columnMapping.id":2,"delta.columnMapping.physicalName":"col-2b"}}]}`

	tbl := kerneltest.NewTable(t, "mapped")
	tbl.Commit(kerneltest.Protocol(2, 5), kerneltest.Metadata(mapped, []string{"region"}, map[string]string{snapshot.PropColumnMappingMode: "name"}))
	tbl.Commit(
		kerneltest.Add("x", `{"numRecords":2,"minValues":{"col-1a":1},"maxValues":{"col-1a":2},"nullCount":{"col-1a":0}}`, "col-2b", "eu"),
		kerneltest.Add("y", `{"numRecords":2,"minValues":{"col-1a":50},"maxValues":{"col-1a":60},"nullCount":{"col-1a":0}}`, "col-2b", "us"),
	)
	snap, err := snapshot.Build(context.Background(), engine.NewDefault(tbl.Store, engine.Options{}), tbl.Root, logsegment.Latest)
	require.NoError(t, err)

	s := mustScan(t, NewBuilder(snap).WithPredicate(expr.Gt(expr.Col("id"), expr.Lit(10))))
	got, _ := plan(t, s)
	assert.Equal(t, []string{"y"}, got)
	assert.Equal(t, []string{"col-1a"}, s.PhysicalSchema().Names())

	files, _, err := mustScan(t, NewBuilder(snap).WithPredicate(expr.Eq(expr.Col("region"), expr.Lit("eu")))).Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "x", files[0].Path)
	assert.True(t, expr.Equal(expr.String("eu"), files[0].PartitionValues["region"]))
}

func TestConcurrentScans(t *testing.T) {
	snap := table(t)
	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := NewBuilder(snap).WithPredicate(expr.Eq(expr.Col("region"), expr.Lit("eu"))).Build()
			if err != nil {
				return
			}
			files, _, err := s.Plan(context.Background())
			if err != nil {
				return
			}
			for _, f := range files {
				results[i] = append(results[i], f.Path)
			}
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, []string{"a", "c"}, r)
	}
}
