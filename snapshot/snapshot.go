// Package snapshot builds immutable views of a table at one version.
package snapshot

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lakekernel/action"
	"lakekernel/engine"
	"lakekernel/kernelerr"
	"lakekernel/logsegment"
	"lakekernel/metrics"
	"lakekernel/protocol"
	"lakekernel/replay"
	"lakekernel/schema"
)

var tracer = otel.Tracer("lakekernel/snapshot")

type options struct {
	negotiator *protocol.Negotiator
	logger     *slog.Logger
}

// Option configures a snapshot build.
type Option func(*options)

// WithNegotiator sets the protocol negotiator. The default accepts every feature this module implements.
func WithNegotiator(n *protocol.Negotiator) Option {
	return func(o *options) { o.negotiator = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{negotiator: protocol.Default(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "snapshot")
	return o
}

// Snapshot is the state of a table at one version. It is immutable and safe
// for concurrent use.
type Snapshot struct {
	segment *logsegment.LogSegment
	state   *replay.State
	schema  *schema.StructType
	config  TableConfig
	opts    options

	filesOnce sync.Once
	files     []action.AddFile
}

// Build lists the table log and builds the snapshot at version, or at the
// latest version when version is logsegment.Latest.
func Build(ctx context.Context, eng engine.Engine, tableRoot string, version int64, opts ...Option) (*Snapshot, error) {
	o := buildOptions(opts)
	ctx, span := tracer.Start(ctx, "lakekernel.snapshot.build", trace.WithAttributes(
		attribute.String("lakekernel.table", tableRoot),
		attribute.Int64("lakekernel.version.requested", version),
	))
	defer span.End()

	seg, err := resolve(ctx, eng, tableRoot, version)
	if err != nil {
		return nil, spanError(span, err)
	}
	snap, err := fromSegment(ctx, eng, seg, nil, o)
	if err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.Int64("lakekernel.version", snap.Version()))
	return snap, nil
}

// FromSegment builds the snapshot described by an already resolved log segment.
func FromSegment(ctx context.Context, eng engine.Engine, seg *logsegment.LogSegment, opts ...Option) (*Snapshot, error) {
	return fromSegment(ctx, eng, seg, nil, buildOptions(opts))
}

// Update returns the snapshot at version, replaying only the commits after
// this snapshot when the log allows it. The receiver is not modified.
func (s *Snapshot) Update(ctx context.Context, eng engine.Engine, version int64) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "lakekernel.snapshot.update", trace.WithAttributes(
		attribute.String("lakekernel.table", s.segment.TableRoot),
		attribute.Int64("lakekernel.version.base", s.Version()),
		attribute.Int64("lakekernel.version.requested", version),
	))
	defer span.End()

	seg, err := resolve(ctx, eng, s.segment.TableRoot, version)
	if err != nil {
		return nil, spanError(span, err)
	}
	if seg.Version == s.Version() {
		return s, nil
	}

	var base *replay.State
	if seg.Version > s.Version() && seg.CheckpointVersion <= s.Version() {
		base = s.state
	}
	snap, err := fromSegment(ctx, eng, seg, base, s.opts)
	if err != nil {
		return nil, spanError(span, err)
	}
	return snap, nil
}

func resolve(ctx context.Context, eng engine.Engine, tableRoot string, version int64) (*logsegment.LogSegment, error) {
	entries, err := eng.ListLogEntries(ctx, tableRoot)
	if err != nil {
		return nil, err
	}
	return logsegment.Resolve(tableRoot, entries, version)
}

func fromSegment(ctx context.Context, eng engine.Engine, seg *logsegment.LogSegment, base *replay.State, o options) (*Snapshot, error) {
	start := time.Now()
	st, err := replay.Reconcile(ctx, eng, seg, replay.Options{
		Negotiator: o.negotiator,
		Base:       base,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, err
	}

	tableSchema, err := st.Metadata.Schema()
	if err != nil {
		return nil, &kernelerr.MalformedActionError{Version: st.Version, Reason: "invalid table schema", Err: err}
	}
	tc, err := ParseTableConfig(st.Metadata.Configuration)
	if err != nil {
		return nil, &kernelerr.MalformedActionError{Version: st.Version, Reason: "invalid table configuration", Err: err}
	}
	if err := tableSchema.ValidateMapping(tc.ColumnMappingMode); err != nil {
		return nil, &kernelerr.MalformedActionError{Version: st.Version, Reason: "invalid column mapping", Err: err}
	}

	mode := "full"
	if base != nil {
		mode = "incremental"
	}
	metrics.SnapshotsBuilt.WithLabelValues(mode).Inc()
	metrics.SnapshotBuildDuration.Observe(time.Since(start).Seconds())
	for name, n := range st.Counts.Actions {
		metrics.ActionsReplayed.WithLabelValues(name).Add(float64(n))
	}
	metrics.ActionsSuperseded.Add(float64(st.Counts.Superseded))

	o.logger.Debug("snapshot built",
		"table", seg.TableRoot,
		"version", st.Version,
		"mode", mode,
		"checkpoint_version", seg.CheckpointVersion,
		"live_files", len(st.Files),
		"elapsed", time.Since(start),
	)
	return &Snapshot{segment: seg, state: st, schema: tableSchema, config: tc, opts: o}, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Snapshot) Version() int64 { return s.state.Version }

func (s *Snapshot) TableRoot() string { return s.segment.TableRoot }

// LogSegment returns the log files the snapshot was built from.
func (s *Snapshot) LogSegment() *logsegment.LogSegment { return s.segment }

// Schema returns the logical table schema.
func (s *Snapshot) Schema() *schema.StructType { return s.schema }

func (s *Snapshot) PartitionColumns() []string {
	return slices.Clone(s.state.Metadata.PartitionColumns)
}

// Protocol returns the table protocol. The result must not be modified.
func (s *Snapshot) Protocol() *action.Protocol { return s.state.Protocol }

// Metadata returns the table metadata. The result must not be modified.
func (s *Snapshot) Metadata() *action.Metadata { return s.state.Metadata }

// Configuration returns a copy of the raw table properties.
func (s *Snapshot) Configuration() map[string]string {
	return maps.Clone(s.state.Metadata.Configuration)
}

func (s *Snapshot) TableConfig() TableConfig { return s.config }

func (s *Snapshot) ColumnMappingMode() schema.ColumnMappingMode { return s.config.ColumnMappingMode }

// Timestamp is the in-commit timestamp of the snapshot version when the table
// records them, and the modification time of the newest log file otherwise.
func (s *Snapshot) Timestamp() time.Time {
	if s.config.EnableInCommitTimestamps && s.state.InCommitTimestamp != nil {
		return time.UnixMilli(*s.state.InCommitTimestamp).UTC()
	}
	return s.segment.LastModified
}

// TxnVersion returns the last version committed by an application.
func (s *Snapshot) TxnVersion(appID string) (int64, bool) {
	t, ok := s.state.Txns[appID]
	return t.Version, ok
}

// Txns returns the application transactions ordered by application id.
func (s *Snapshot) Txns() []action.Txn {
	out := slices.Collect(maps.Values(s.state.Txns))
	slices.SortFunc(out, func(a, b action.Txn) int { return strings.Compare(a.AppID, b.AppID) })
	return out
}

// DomainMetadata returns the configuration of a domain that has not been removed.
func (s *Snapshot) DomainMetadata(domain string) (string, bool) {
	d, ok := s.state.Domains[domain]
	return d.Configuration, ok
}

// Domains returns the live domain metadata ordered by domain.
func (s *Snapshot) Domains() []action.DomainMetadata {
	out := slices.Collect(maps.Values(s.state.Domains))
	slices.SortFunc(out, func(a, b action.DomainMetadata) int { return strings.Compare(a.Domain, b.Domain) })
	return out
}

// ReplayCounts reports what the build consumed from the log.
func (s *Snapshot) ReplayCounts() replay.Counts { return s.state.Counts }

// Files returns the live data files ordered by path, then deletion vector.
// The slice is computed once and shared; callers must not modify it.
func (s *Snapshot) Files() ([]action.AddFile, error) {
	s.filesOnce.Do(func() {
		sorted := s.state.SortedFiles()
		s.files = make([]action.AddFile, len(sorted))
		for i, f := range sorted {
			s.files[i] = *f
		}
	})
	return s.files, nil
}
