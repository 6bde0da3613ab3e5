package scan

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lakekernel/action"
	"lakekernel/engine"
	"lakekernel/expr"
	"lakekernel/kernelerr"
	"lakekernel/logsegment"
	"lakekernel/protocol"
	"lakekernel/snapshot"
)

// ChangeType says how the rows of a change file entered the change feed.
type ChangeType string

const (
	// ChangeAdd rows were inserted by the commit.
	ChangeAdd ChangeType = "add"
	// ChangeRemove rows were deleted by the commit.
	ChangeRemove ChangeType = "remove"
	// ChangeCDC files carry explicit change rows written by the commit.
	ChangeCDC ChangeType = "cdc"
)

// ChangeFile is a file holding change rows of one commit.
type ChangeFile struct {
	Type ChangeType
	Path string
	Size int64
	// PartitionValues is nil for a remove that did not record them.
	PartitionValues map[string]expr.Scalar
	DeletionVector  *action.DeletionVectorDescriptor
	// RemovedDeletionVector is set on an add that replaced the deletion vector
	// of the same path within the commit. Only rows whose deletion state
	// differs between the two vectors changed.
	RemovedDeletionVector *action.DeletionVectorDescriptor
	CommitVersion         int64
	CommitTimestamp       time.Time
}

// ChangesBuilder configures a change feed read over a range of versions.
type ChangesBuilder struct {
	eng        engine.Engine
	tableRoot  string
	start, end int64
	predicate  expr.Expr
	columns    []string
	evaluator  expr.StatsEvaluator
	negotiator *protocol.Negotiator
	logger     *slog.Logger
}

// NewChangesBuilder starts a change feed read of versions start through end,
// both inclusive. end may be logsegment.Latest.
func NewChangesBuilder(eng engine.Engine, tableRoot string, start, end int64) *ChangesBuilder {
	return &ChangesBuilder{eng: eng, tableRoot: tableRoot, start: start, end: end}
}

// WithPredicate restricts the read to files that may hold rows matching p.
// The predicate may only reference table columns.
func (b *ChangesBuilder) WithPredicate(p expr.Expr) *ChangesBuilder {
	b.predicate = p
	return b
}

func (b *ChangesBuilder) WithColumns(columns ...string) *ChangesBuilder {
	b.columns = columns
	return b
}

func (b *ChangesBuilder) WithStatsEvaluator(e expr.StatsEvaluator) *ChangesBuilder {
	b.evaluator = e
	return b
}

func (b *ChangesBuilder) WithNegotiator(n *protocol.Negotiator) *ChangesBuilder {
	b.negotiator = n
	return b
}

func (b *ChangesBuilder) WithLogger(l *slog.Logger) *ChangesBuilder {
	b.logger = l
	return b
}

// Build resolves the commit range and checks that the change feed was
// enabled, under one schema, at both ends of it.
func (b *ChangesBuilder) Build(ctx context.Context) (*Changes, error) {
	negotiator := b.negotiator
	if negotiator == nil {
		negotiator = protocol.Default()
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := b.eng.ListLogEntries(ctx, b.tableRoot)
	if err != nil {
		return nil, err
	}
	commits, err := logsegment.CommitRange(entries, b.start, b.end)
	if err != nil {
		return nil, err
	}
	endVersion := commits[len(commits)-1].Version

	opts := []snapshot.Option{snapshot.WithNegotiator(negotiator), snapshot.WithLogger(logger)}
	endSnap, err := snapshot.Build(ctx, b.eng, b.tableRoot, endVersion, opts...)
	if err != nil {
		return nil, err
	}
	startSnap := endSnap
	if b.start != endVersion {
		if startSnap, err = snapshot.Build(ctx, b.eng, b.tableRoot, b.start, opts...); err != nil {
			return nil, err
		}
	}
	for _, snap := range []*snapshot.Snapshot{startSnap, endSnap} {
		if !snap.TableConfig().EnableChangeDataFeed {
			return nil, &kernelerr.ChangeFeedError{Version: snap.Version(), Reason: snapshot.PropEnableChangeDataFeed + " is not enabled"}
		}
	}
	if !startSnap.Schema().AsType().Equal(endSnap.Schema().AsType()) {
		return nil, &kernelerr.ChangeFeedError{Version: endVersion, Reason: fmt.Sprintf("schema changed since version %d", b.start)}
	}

	s, err := NewBuilder(endSnap).
		WithPredicate(b.predicate).
		WithColumns(b.columns...).
		WithStatsEvaluator(b.evaluator).
		WithLogger(logger).
		Build()
	if err != nil {
		return nil, err
	}
	return &Changes{
		eng:        b.eng,
		scan:       s,
		start:      b.start,
		commits:    commits,
		negotiator: negotiator,
		logger:     logger.With("component", "changes"),
	}, nil
}

// Changes is a planned change feed read. Like Scan it is immutable and Files
// may be iterated any number of times.
type Changes struct {
	eng        engine.Engine
	scan       *Scan
	start      int64
	commits    []logsegment.FileRef
	negotiator *protocol.Negotiator
	logger     *slog.Logger
}

func (c *Changes) StartVersion() int64 { return c.start }

func (c *Changes) EndVersion() int64 { return c.commits[len(c.commits)-1].Version }

// EndSnapshot is the table state at the end of the range. Its schema is the
// schema of every change row.
func (c *Changes) EndSnapshot() *snapshot.Snapshot { return c.scan.snap }

// Predicate returns the bound predicate, or nil.
func (c *Changes) Predicate() expr.Expr { return c.scan.predicate }

// Files yields the change files commit by commit, in ascending version order.
func (c *Changes) Files(ctx context.Context) iter.Seq2[ChangeFile, error] {
	return func(yield func(ChangeFile, error) bool) {
		c.run(ctx, yield, nil)
	}
}

// Plan collects the change files and reports how the rest were excluded.
func (c *Changes) Plan(ctx context.Context) ([]ChangeFile, PlanStats, error) {
	ctx, span := tracer.Start(ctx, "lakekernel.changes.plan", trace.WithAttributes(
		attribute.String("lakekernel.table", c.scan.snap.TableRoot()),
		attribute.Int64("lakekernel.version.start", c.start),
		attribute.Int64("lakekernel.version.end", c.EndVersion()),
	))
	defer span.End()

	var (
		out     []ChangeFile
		stats   PlanStats
		planErr error
	)
	c.run(ctx, func(f ChangeFile, err error) bool {
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
	c.logger.Debug("changes planned",
		"start", c.start,
		"end", c.EndVersion(),
		"predicate", predicateString(c.scan.predicate),
		"total", stats.Total,
		"partition_pruned", stats.PartitionPruned,
		"stats_skipped", stats.StatsSkipped,
		"emitted", stats.Emitted,
	)
	return out, stats, nil
}

func (c *Changes) run(ctx context.Context, yield func(ChangeFile, error) bool, stats *PlanStats) {
	if stats == nil {
		stats = &PlanStats{}
	}
	for _, ref := range c.commits {
		files, err := c.commitFiles(ctx, ref)
		if err != nil {
			yield(ChangeFile{}, err)
			return
		}
		for _, cf := range files {
			stats.Total++
			values, v, err := c.scan.prune(ref.Version, cf.file.Path, cf.partitionValues, cf.stats)
			if err != nil {
				yield(ChangeFile{}, err)
				return
			}
			if !stats.record(v) {
				continue
			}
			cf.file.PartitionValues = values
			if !yield(cf.file, nil) {
				return
			}
		}
	}
}

type candidate struct {
	file            ChangeFile
	partitionValues map[string]string
	stats           func() *action.Stats
}

func noStats() *action.Stats { return nil }

// commitFiles reads one commit and returns its change files before pruning.
// A commit that wrote cdc files is described by them alone; otherwise its
// data changing adds and removes are the change.
func (c *Changes) commitFiles(ctx context.Context, ref logsegment.FileRef) ([]candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var actions []action.Action
	for a, err := range c.eng.ReadActions(ctx, ref) {
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	ts := ref.ModTime
	var (
		cdcs    []*action.AddCDCFile
		adds    []*action.AddFile
		removes []*action.RemoveFile
	)
	for _, a := range actions {
		switch v := a.(type) {
		case *action.Protocol:
			if err := c.negotiator.EnsureReadSupported(v); err != nil {
				return nil, err
			}
		case *action.Metadata:
			if err := c.checkMetadata(ref, v); err != nil {
				return nil, err
			}
		case *action.CommitInfo:
			if v.InCommitTimestamp != nil {
				ts = time.UnixMilli(*v.InCommitTimestamp).UTC()
			}
		case *action.AddCDCFile:
			cdcs = append(cdcs, v)
		case *action.AddFile:
			if v.DataChange {
				adds = append(adds, v)
			}
		case *action.RemoveFile:
			if v.DataChange {
				removes = append(removes, v)
			}
		}
	}

	var out []candidate
	base := ChangeFile{CommitVersion: ref.Version, CommitTimestamp: ts}
	if len(cdcs) > 0 {
		for _, f := range cdcs {
			cf := base
			cf.Type, cf.Path, cf.Size = ChangeCDC, f.Path, f.Size
			out = append(out, candidate{file: cf, partitionValues: f.PartitionValues, stats: noStats})
		}
		return out, nil
	}

	// A remove and an add of the same path rewrite its deletion vector. The
	// pair becomes one add that carries both vectors.
	replaced := map[string]*action.DeletionVectorDescriptor{}
	for _, r := range removes {
		if r.DeletionVector != nil {
			replaced[r.Path] = r.DeletionVector
		}
	}
	paired := map[string]bool{}
	for _, a := range adds {
		if _, ok := replaced[a.Path]; ok && a.DeletionVector != nil {
			paired[a.Path] = true
		}
	}

	for _, r := range removes {
		if paired[r.Path] {
			continue
		}
		cf := base
		cf.Type, cf.Path, cf.DeletionVector = ChangeRemove, r.Path, r.DeletionVector
		if r.Size != nil {
			cf.Size = *r.Size
		}
		out = append(out, candidate{file: cf, partitionValues: r.PartitionValues, stats: noStats})
	}
	for _, a := range adds {
		cf := base
		cf.Type, cf.Path, cf.Size, cf.DeletionVector = ChangeAdd, a.Path, a.Size, a.DeletionVector
		if paired[a.Path] {
			cf.RemovedDeletionVector = replaced[a.Path]
		}
		out = append(out, candidate{file: cf, partitionValues: a.PartitionValues, stats: func() *action.Stats {
			// Unreadable statistics leave the file unconstrained.
			parsed, _ := a.ParsedStats()
			return parsed
		}})
	}
	return out, nil
}

// checkMetadata fails when a commit inside the range disabled the change feed
// or changed the schema.
func (c *Changes) checkMetadata(ref logsegment.FileRef, m *action.Metadata) error {
	version := ref.Version
	tc, err := snapshot.ParseTableConfig(m.Configuration)
	if err != nil {
		return &kernelerr.MalformedActionError{Version: version, Path: ref.Location, Reason: "invalid table configuration", Err: err}
	}
	if !tc.EnableChangeDataFeed {
		return &kernelerr.ChangeFeedError{Version: version, Reason: snapshot.PropEnableChangeDataFeed + " is not enabled"}
	}
	s, err := m.Schema()
	if err != nil {
		return &kernelerr.MalformedActionError{Version: version, Path: ref.Location, Reason: "unparseable schema", Err: err}
	}
	if !s.AsType().Equal(c.scan.snap.Schema().AsType()) {
		return &kernelerr.ChangeFeedError{Version: version, Reason: "schema differs from the schema at the end of the range"}
	}
	return nil
}
