// Package replay reconciles the actions of a log segment into table state.
//
// Files are replayed newest first and the first sighting of a file key or a
// singleton slot decides its final value. Each commit is applied as a unit with
// its removes before its adds. The checkpoint, or the state of an earlier
// snapshot, is the lowest-priority layer.
package replay

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"lakekernel/action"
	"lakekernel/expr"
	"lakekernel/kernelerr"
	"lakekernel/logsegment"
	"lakekernel/protocol"
	"lakekernel/schema"
)

// ActionSource reads the actions of one log file in file order.
type ActionSource interface {
	ReadActions(ctx context.Context, file logsegment.FileRef) iter.Seq2[action.Action, error]
}

// CheckpointSource is implemented by sources that read every part of a
// checkpoint in one call. Actions are yielded in part order.
type CheckpointSource interface {
	ReadCheckpoint(ctx context.Context, parts []logsegment.FileRef) iter.Seq2[action.Action, error]
}

// Options configure a replay.
type Options struct {
	// Negotiator gates the table protocol. Defaults to protocol.Default().
	Negotiator *protocol.Negotiator
	// Base replaces the checkpoint layer with previously reconciled state.
	// Only commits after Base.Version are replayed.
	Base   *State
	Logger *slog.Logger
}

type accumulator struct {
	negotiator *protocol.Negotiator
	state      *State

	seen       map[action.FileKey]bool
	seenTxn    map[string]bool
	seenDomain map[string]bool
	// addedAt records the version whose add made a file live.
	addedAt map[action.FileKey]int64
}

// Reconcile replays seg and returns the resulting state.
func Reconcile(ctx context.Context, src ActionSource, seg *logsegment.LogSegment, opts Options) (*State, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	negotiator := opts.Negotiator
	if negotiator == nil {
		negotiator = protocol.Default()
	}
	acc := &accumulator{
		negotiator: negotiator,
		state: &State{
			Version: seg.Version,
			Files:   map[action.FileKey]*action.AddFile{},
			Txns:    map[string]action.Txn{},
			Domains: map[string]action.DomainMetadata{},
			Counts:  Counts{Actions: map[string]int{}},
		},
		seen:       map[action.FileKey]bool{},
		seenTxn:    map[string]bool{},
		seenDomain: map[string]bool{},
		addedAt:    map[action.FileKey]int64{},
	}

	commits := seg.Commits
	if opts.Base != nil {
		if opts.Base.Version < seg.CheckpointVersion {
			return nil, errors.New("replay: base state is older than the segment checkpoint")
		}
		commits = seg.CommitsAfter(opts.Base.Version)
	}

	for i := len(commits) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := commits[i]
		actions, err := collect(ctx, src, c)
		if err != nil {
			return nil, err
		}
		if err := acc.applyCommit(c.Version, actions, i == len(commits)-1); err != nil {
			return nil, err
		}
		acc.state.Counts.Commits++
	}

	if opts.Base != nil {
		if err := acc.applyBase(opts.Base); err != nil {
			return nil, err
		}
	} else if cs, ok := src.(CheckpointSource); ok && len(seg.Checkpoint) > 0 {
		if err := acc.applyCheckpoint(cs.ReadCheckpoint(ctx, seg.Checkpoint), seg.Checkpoint[0]); err != nil {
			return nil, err
		}
		acc.state.Counts.CheckpointParts = len(seg.Checkpoint)
	} else {
		for _, part := range seg.Checkpoint {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := acc.applyCheckpoint(src.ReadActions(ctx, part), part); err != nil {
				return nil, err
			}
			acc.state.Counts.CheckpointParts++
		}
	}

	if err := acc.finish(); err != nil {
		return nil, err
	}
	logger.Debug("log segment reconciled",
		"version", seg.Version,
		"commits", acc.state.Counts.Commits,
		"checkpoint_parts", acc.state.Counts.CheckpointParts,
		"live_files", len(acc.state.Files),
		"superseded", acc.state.Counts.Superseded,
	)
	return acc.state, nil
}

func collect(ctx context.Context, src ActionSource, f logsegment.FileRef) ([]action.Action, error) {
	var out []action.Action
	for a, err := range src.ReadActions(ctx, f) {
		if err != nil {
			return nil, classify(err, f)
		}
		out = append(out, a)
	}
	return out, nil
}

// classify passes typed kernel errors through and wraps anything else as an I/O failure.
func classify(err error, f logsegment.FileRef) error {
	var malformed *kernelerr.MalformedActionError
	var ioErr *kernelerr.IOError
	if errors.As(err, &malformed) || errors.As(err, &ioErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &kernelerr.IOError{Op: "read actions", Path: f.Location, Err: err}
}

func (a *accumulator) count(x action.Action) {
	a.state.Counts.Actions[action.Name(x)]++
}

func (a *accumulator) applyCommit(version int64, actions []action.Action, newest bool) error {
	for _, x := range actions {
		a.count(x)
		switch v := x.(type) {
		case *action.Protocol:
			if err := a.protocol(v, version); err != nil {
				return err
			}
		case *action.Metadata:
			a.metadata(v)
		case *action.Txn:
			a.txn(*v)
		case *action.DomainMetadata:
			a.domain(*v)
		case *action.CommitInfo:
			if newest && v.InCommitTimestamp != nil && a.state.InCommitTimestamp == nil {
				ts := *v.InCommitTimestamp
				a.state.InCommitTimestamp = &ts
			}
		}
	}
	// The commit is one atomic step: every remove in it is sighted before any add.
	for _, x := range actions {
		if r, ok := x.(*action.RemoveFile); ok {
			if err := checkPath(r.Path, version); err != nil {
				return err
			}
			a.remove(r.Key())
		}
	}
	for _, x := range actions {
		if add, ok := x.(*action.AddFile); ok {
			if err := checkPath(add.Path, version); err != nil {
				return err
			}
			a.add(add, version)
		}
	}
	return nil
}

func (a *accumulator) applyCheckpoint(actions iter.Seq2[action.Action, error], part logsegment.FileRef) error {
	for x, err := range actions {
		if err != nil {
			return classify(err, part)
		}
		a.count(x)
		switch v := x.(type) {
		case *action.Protocol:
			if err := a.protocol(v, part.Version); err != nil {
				return err
			}
		case *action.Metadata:
			a.metadata(v)
		case *action.Txn:
			a.txn(*v)
		case *action.DomainMetadata:
			a.domain(*v)
		case *action.AddFile:
			if err := checkPath(v.Path, part.Version); err != nil {
				return err
			}
			a.add(v, part.Version)
		case *action.RemoveFile:
			// Tombstones kept in a checkpoint are already reflected in its adds.
		case *action.Sidecar:
			return kernelerr.Malformed(part.Version, part.Location, "sidecar %s was not resolved by the engine", v.Path)
		}
	}
	return nil
}

func (a *accumulator) applyBase(base *State) error {
	if base.Protocol != nil {
		if err := a.protocol(base.Protocol, base.Version); err != nil {
			return err
		}
	}
	if base.Metadata != nil {
		a.metadata(base.Metadata)
	}
	for _, t := range base.Txns {
		a.txn(t)
	}
	for _, d := range base.Domains {
		a.domain(d)
	}
	for _, f := range base.SortedFiles() {
		a.add(f, base.Version)
	}
	if a.state.Counts.Commits == 0 {
		a.state.InCommitTimestamp = base.InCommitTimestamp
	}
	return nil
}

func (a *accumulator) protocol(p *action.Protocol, version int64) error {
	if a.state.Protocol != nil {
		a.state.Counts.Superseded++
		return nil
	}
	if err := a.negotiator.Check(p); err != nil {
		var malformed *kernelerr.MalformedActionError
		if errors.As(err, &malformed) && malformed.Version < 0 {
			malformed.Version = version
		}
		return err
	}
	a.state.Protocol = p
	return nil
}

func (a *accumulator) metadata(m *action.Metadata) {
	if a.state.Metadata != nil {
		a.state.Counts.Superseded++
		return
	}
	a.state.Metadata = m
}

func (a *accumulator) txn(t action.Txn) {
	if a.seenTxn[t.AppID] {
		a.state.Counts.Superseded++
		return
	}
	a.seenTxn[t.AppID] = true
	a.state.Txns[t.AppID] = t
}

func (a *accumulator) domain(d action.DomainMetadata) {
	if a.seenDomain[d.Domain] {
		a.state.Counts.Superseded++
		return
	}
	a.seenDomain[d.Domain] = true
	if !d.Removed {
		a.state.Domains[d.Domain] = d
	}
}

func (a *accumulator) remove(key action.FileKey) {
	if a.seen[key] {
		a.state.Counts.Superseded++
		return
	}
	a.seen[key] = true
}

func (a *accumulator) add(f *action.AddFile, version int64) {
	key := f.Key()
	if a.seen[key] {
		a.state.Counts.Superseded++
		return
	}
	a.seen[key] = true
	a.state.Files[key] = f
	a.addedAt[key] = version
}

func checkPath(p string, version int64) error {
	if p == "" {
		return kernelerr.Malformed(version, "", "file action without a path")
	}
	return nil
}

// finish checks that the singleton slots are filled and that every live file
// carries a parseable value for each partition column.
func (a *accumulator) finish() error {
	st := a.state
	if st.Protocol == nil {
		return kernelerr.Malformed(st.Version, "", "no protocol action in log segment")
	}
	if st.Metadata == nil {
		return kernelerr.Malformed(st.Version, "", "no metaData action in log segment")
	}
	tableSchema, err := st.Metadata.Schema()
	if err != nil {
		return &kernelerr.MalformedActionError{Version: st.Version, Reason: "invalid table schema", Err: err}
	}
	mode, err := schema.ParseColumnMappingMode(st.Metadata.Configuration[ConfigColumnMappingMode])
	if err != nil {
		return &kernelerr.MalformedActionError{Version: st.Version, Reason: "invalid column mapping mode", Err: err}
	}

	type partitionColumn struct {
		name     string
		physical string
		typ      schema.DataType
	}
	columns := make([]partitionColumn, 0, len(st.Metadata.PartitionColumns))
	for _, name := range st.Metadata.PartitionColumns {
		f, ok := tableSchema.Field(name)
		if !ok {
			return kernelerr.Malformed(st.Version, "", "partition column %q is not in the schema", name)
		}
		if !f.Type.IsPrimitive() {
			return kernelerr.Malformed(st.Version, "", "partition column %q has non-primitive type %s", name, f.Type)
		}
		columns = append(columns, partitionColumn{name: f.Name, physical: f.PhysicalName(mode), typ: f.Type})
	}

	for key, f := range st.Files {
		for _, c := range columns {
			raw, ok := f.PartitionValues[c.physical]
			if !ok {
				return kernelerr.Malformed(a.addedAt[key], f.Path, "missing value for partition column %q", c.name)
			}
			if _, err := expr.ParsePartitionValue(raw, c.typ); err != nil {
				return &kernelerr.MalformedActionError{
					Version: a.addedAt[key], Path: f.Path,
					Reason: "invalid value for partition column " + c.name, Err: err,
				}
			}
		}
	}
	return nil
}

// ConfigColumnMappingMode is the table property selecting the column mapping mode.
const ConfigColumnMappingMode = "delta.columnMapping.mode"
