// Package scan plans which data files of a snapshot a query must read.
//
// Files are pruned first on their exact partition values and then on their
// column statistics. A file is dropped only when the predicate provably holds
// for none of its rows; every other file is emitted.
package scan

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lakekernel/action"
	"lakekernel/expr"
	"lakekernel/kernelerr"
	"lakekernel/metrics"
	"lakekernel/schema"
	"lakekernel/snapshot"
)

var tracer = otel.Tracer("lakekernel/scan")

// ScanFile is a data file selected by a scan.
type ScanFile struct {
	Path             string
	Size             int64
	ModificationTime int64
	// PartitionValues holds the typed partition value of every partition
	// column, keyed by logical column name. Null values are null scalars.
	PartitionValues map[string]expr.Scalar
	// NumRecords is the row count from the file statistics, if recorded.
	NumRecords              *int64
	DeletionVector          *action.DeletionVectorDescriptor
	BaseRowID               *int64
	DefaultRowCommitVersion *int64
}

// PlanStats counts the outcome of a scan over every live file.
type PlanStats struct {
	Total           int
	PartitionPruned int
	StatsSkipped    int
	Emitted         int
}

// Builder configures a Scan.
type Builder struct {
	snap      *snapshot.Snapshot
	predicate expr.Expr
	columns   []string
	evaluator expr.StatsEvaluator
	logger    *slog.Logger
}

// NewBuilder starts a scan over snap that reads every column and every file.
func NewBuilder(snap *snapshot.Snapshot) *Builder {
	return &Builder{snap: snap}
}

// WithPredicate restricts the scan to files that may hold rows matching p.
func (b *Builder) WithPredicate(p expr.Expr) *Builder {
	b.predicate = p
	return b
}

// WithColumns projects the scan to the named top-level columns.
func (b *Builder) WithColumns(columns ...string) *Builder {
	b.columns = columns
	return b
}

// WithStatsEvaluator replaces the statistics oracle.
func (b *Builder) WithStatsEvaluator(e expr.StatsEvaluator) *Builder {
	b.evaluator = e
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

type partitionColumn struct {
	name string
	typ  schema.DataType
}

// Build validates the projection and predicate against the table schema.
func (b *Builder) Build() (*Scan, error) {
	tableSchema := b.snap.Schema()
	mode := b.snap.ColumnMappingMode()

	logical := tableSchema
	if len(b.columns) > 0 {
		for _, c := range b.columns {
			if _, ok := tableSchema.Field(c); !ok {
				return nil, &kernelerr.InvalidPredicateError{Column: c, Reason: "column not found in table schema"}
			}
		}
		var err error
		if logical, err = tableSchema.Project(b.columns); err != nil {
			return nil, &kernelerr.InvalidPredicateError{Reason: err.Error()}
		}
	}

	partitions := map[string]partitionColumn{}
	isPartition := map[string]bool{}
	for _, name := range b.snap.PartitionColumns() {
		f, ok := tableSchema.Field(name)
		if !ok {
			continue
		}
		partitions[f.PhysicalName(mode)] = partitionColumn{name: f.Name, typ: f.Type}
		isPartition[f.Name] = true
	}

	physical := &schema.StructType{}
	for _, f := range logical.Fields {
		if !isPartition[f.Name] {
			physical.Fields = append(physical.Fields, f)
		}
	}
	physical = physical.Physical(mode)

	var bound expr.Expr
	if b.predicate != nil {
		var err error
		if bound, err = expr.Bind(b.predicate, tableSchema, mode); err != nil {
			return nil, err
		}
	}

	evaluator := b.evaluator
	if evaluator == nil {
		evaluator = expr.DefaultStatsEvaluator{}
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scan{
		snap:       b.snap,
		predicate:  bound,
		logical:    logical,
		physical:   physical,
		partitions: partitions,
		evaluator:  evaluator,
		logger:     logger.With("component", "scan"),
	}, nil
}

// Scan is a planned read of one snapshot. It is immutable; many scans may
// share a snapshot, and Files may be iterated any number of times.
type Scan struct {
	snap       *snapshot.Snapshot
	predicate  expr.Expr
	logical    *schema.StructType
	physical   *schema.StructType
	partitions map[string]partitionColumn
	evaluator  expr.StatsEvaluator
	logger     *slog.Logger
}

func (s *Scan) Snapshot() *snapshot.Snapshot { return s.snap }

// Predicate returns the bound predicate, or nil.
func (s *Scan) Predicate() expr.Expr { return s.predicate }

// LogicalSchema is the projected table schema, partition columns included.
func (s *Scan) LogicalSchema() *schema.StructType { return s.logical }

// PhysicalSchema is the schema to read from data files: the projection
// without partition columns, under physical column names.
func (s *Scan) PhysicalSchema() *schema.StructType { return s.physical }

// Files yields the selected files in path order.
func (s *Scan) Files(ctx context.Context) iter.Seq2[ScanFile, error] {
	return func(yield func(ScanFile, error) bool) {
		s.run(ctx, yield, nil)
	}
}

// Plan collects the selected files and reports how the rest were excluded.
func (s *Scan) Plan(ctx context.Context) ([]ScanFile, PlanStats, error) {
	ctx, span := tracer.Start(ctx, "lakekernel.scan.plan", trace.WithAttributes(
		attribute.String("lakekernel.table", s.snap.TableRoot()),
		attribute.Int64("lakekernel.version", s.snap.Version()),
	))
	defer span.End()

	var (
		out     []ScanFile
		stats   PlanStats
		planErr error
	)
	s.run(ctx, func(f ScanFile, err error) bool {
		if err != nil {
			planErr = err
			return false
		}
		out = append(out, f)
		return true
	}, &stats)
	if planErr != nil {
		span.RecordError(planErr)
		span.SetStatus(codes.Error, planErr.Error())
		return nil, stats, planErr
	}

	span.SetAttributes(
		attribute.Int("lakekernel.scan.files.total", stats.Total),
		attribute.Int("lakekernel.scan.files.emitted", stats.Emitted),
	)
	s.logger.Debug("scan planned",
		"version", s.snap.Version(),
		"predicate", predicateString(s.predicate),
		"total", stats.Total,
		"partition_pruned", stats.PartitionPruned,
		"stats_skipped", stats.StatsSkipped,
		"emitted", stats.Emitted,
	)
	return out, stats, nil
}

func (s *Scan) run(ctx context.Context, yield func(ScanFile, error) bool, stats *PlanStats) {
	if stats == nil {
		stats = &PlanStats{}
	}
	files, err := s.snap.Files()
	if err != nil {
		yield(ScanFile{}, err)
		return
	}
	for i := range files {
		if err := ctx.Err(); err != nil {
			yield(ScanFile{}, err)
			return
		}
		f := &files[i]
		stats.Total++

		var parsed *action.Stats
		values, v, err := s.prune(s.snap.Version(), f.Path, f.PartitionValues, func() *action.Stats {
			// Unreadable statistics leave the file unconstrained.
			parsed, _ = f.ParsedStats()
			return parsed
		})
		if err != nil {
			yield(ScanFile{}, err)
			return
		}
		if !stats.record(v) {
			continue
		}
		if parsed == nil {
			parsed, _ = f.ParsedStats()
		}

		sf := ScanFile{
			Path:                    f.Path,
			Size:                    f.Size,
			ModificationTime:        f.ModificationTime,
			PartitionValues:         values,
			DeletionVector:          f.DeletionVector,
			BaseRowID:               f.BaseRowID,
			DefaultRowCommitVersion: f.DefaultRowCommitVersion,
		}
		if n, ok := parsed.Records(); ok {
			sf.NumRecords = &n
		}
		if !yield(sf, nil) {
			return
		}
	}
}

type verdict int

const (
	keep verdict = iota
	partitionPruned
	statsSkipped
)

// record counts a pruning outcome and reports whether the file is emitted.
func (p *PlanStats) record(v verdict) bool {
	switch v {
	case partitionPruned:
		p.PartitionPruned++
		metrics.ScanFiles.WithLabelValues("partition_pruned").Inc()
		return false
	case statsSkipped:
		p.StatsSkipped++
		metrics.ScanFiles.WithLabelValues("stats_skipped").Inc()
		return false
	}
	p.Emitted++
	metrics.ScanFiles.WithLabelValues("emitted").Inc()
	return true
}

// prune parses the partition values of a file and decides whether the
// predicate can hold for any of its rows. stats is only called once the
// partition values leave the file in play. A nil raw map on a partitioned
// table means the values were not recorded; such a file is kept.
func (s *Scan) prune(version int64, path string, raw map[string]string, stats func() *action.Stats) (map[string]expr.Scalar, verdict, error) {
	if raw == nil && len(s.partitions) > 0 {
		return nil, keep, nil
	}
	values, err := s.partitionValues(version, path, raw)
	if err != nil {
		return nil, keep, err
	}
	if s.predicate == nil {
		return values, keep, nil
	}

	lookup := func(c *expr.Column) (expr.Scalar, bool) {
		if len(c.Physical) != 1 {
			return expr.Scalar{}, false
		}
		pc, ok := s.partitions[c.Physical[0]]
		if !ok {
			return expr.Scalar{}, false
		}
		return values[pc.name], true
	}
	if len(s.partitions) > 0 && !expr.EvalPartition(s.predicate, lookup).CanMatch() {
		return values, partitionPruned, nil
	}
	residual := expr.Substitute(s.predicate, lookup)
	if s.evaluator.Evaluate(residual, stats()) == expr.False {
		return values, statsSkipped, nil
	}
	return values, keep, nil
}

// partitionValues parses the partition values of a file. Replay has already
// checked that every value of a live file is present and well typed.
func (s *Scan) partitionValues(version int64, path string, raw map[string]string) (map[string]expr.Scalar, error) {
	values := make(map[string]expr.Scalar, len(s.partitions))
	for physical, pc := range s.partitions {
		v, err := expr.ParsePartitionValue(raw[physical], pc.typ)
		if err != nil {
			return nil, &kernelerr.MalformedActionError{
				Version: version, Path: path,
				Reason: "invalid value for partition column " + pc.name, Err: err,
			}
		}
		values[pc.name] = v
	}
	return values, nil
}

func predicateString(e expr.Expr) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.String())
}
