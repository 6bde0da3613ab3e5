// Package engine provides the I/O collaborator the kernel reads a table's log
// through, and a default implementation over an object store.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"lakekernel/action"
	"lakekernel/checkpoint"
	"lakekernel/kernelerr"
	"lakekernel/logsegment"
	"lakekernel/metrics"
	"lakekernel/storage"
)

// Engine lists and reads the log files of a table.
type Engine interface {
	// ListLogEntries lists every object in the table's log directory.
	ListLogEntries(ctx context.Context, tableRoot string) ([]logsegment.Entry, error)
	// ReadActions yields the actions of one log file in file order.
	ReadActions(ctx context.Context, file logsegment.FileRef) iter.Seq2[action.Action, error]
}

// DefaultCheckpointReadConcurrency bounds parallel checkpoint part reads.
const DefaultCheckpointReadConcurrency = 4

const checkpointBatchSize = 256

// Options configure the default engine.
type Options struct {
	CheckpointReadConcurrency int
	Logger                    *slog.Logger
}

// Default reads JSON commits and parquet or JSON checkpoints from a Storage.
// Sidecars of V2 checkpoints are read with the checkpoint that references them.
type Default struct {
	store       storage.Storage
	concurrency int
	logger      *slog.Logger
}

// NewDefault returns an engine reading from store. Table roots are paths within the store.
func NewDefault(store storage.Storage, opts Options) *Default {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.CheckpointReadConcurrency
	if concurrency <= 0 {
		concurrency = DefaultCheckpointReadConcurrency
	}
	return &Default{
		store:       store,
		concurrency: concurrency,
		logger:      logger.With("component", "engine"),
	}
}

func (d *Default) ListLogEntries(ctx context.Context, tableRoot string) ([]logsegment.Entry, error) {
	prefix := logsegment.Dir(tableRoot)
	objects, err := d.store.List(ctx, prefix)
	if err != nil {
		return nil, &kernelerr.IOError{Op: "list log", Path: prefix, Err: err}
	}
	entries := make([]logsegment.Entry, 0, len(objects))
	for _, o := range objects {
		// Only direct children of the log directory belong to the log.
		if strings.Contains(strings.TrimPrefix(o.Path, prefix), "/") {
			continue
		}
		entries = append(entries, logsegment.Entry{Location: o.Path, Size: o.Size, ModTime: o.ModTime})
	}
	d.logger.Debug("listed log", "prefix", prefix, "entries", len(entries))
	return entries, nil
}

func (d *Default) ReadActions(ctx context.Context, file logsegment.FileRef) iter.Seq2[action.Action, error] {
	return func(yield func(action.Action, error) bool) {
		actions, err := d.readFile(ctx, file)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, a := range actions {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// ReadCheckpoint reads the parts of a checkpoint concurrently and yields their
// actions in part order.
func (d *Default) ReadCheckpoint(ctx context.Context, parts []logsegment.FileRef) iter.Seq2[action.Action, error] {
	return func(yield func(action.Action, error) bool) {
		results := make([][]action.Action, len(parts))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.concurrency)
		for i, part := range parts {
			g.Go(func() error {
				actions, err := d.readFile(gctx, part)
				if err != nil {
					return err
				}
				results[i] = actions
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			yield(nil, err)
			return
		}
		for _, actions := range results {
			for _, a := range actions {
				if !yield(a, nil) {
					return
				}
			}
		}
	}
}

func (d *Default) readFile(ctx context.Context, file logsegment.FileRef) ([]action.Action, error) {
	data, err := d.fetch(ctx, file.Location)
	if err != nil {
		return nil, err
	}
	metrics.LogFilesRead.WithLabelValues(file.Kind.String()).Inc()

	var actions []action.Action
	if file.Format == logsegment.FormatParquet {
		if actions, err = decodeParquet(data); err != nil {
			return nil, &kernelerr.MalformedActionError{Version: file.Version, Path: file.Location, Reason: "undecodable checkpoint", Err: err}
		}
	} else if actions, err = decodeJSON(data); err != nil {
		return nil, &kernelerr.MalformedActionError{Version: file.Version, Path: file.Location, Reason: "undecodable action", Err: err}
	}
	if file.Kind == logsegment.KindCheckpoint {
		return d.expandSidecars(ctx, file, actions)
	}
	return actions, nil
}

// expandSidecars replaces the sidecar references of a V2 checkpoint with the
// add and remove actions of the referenced files, in reference order.
func (d *Default) expandSidecars(ctx context.Context, file logsegment.FileRef, actions []action.Action) ([]action.Action, error) {
	out := make([]action.Action, 0, len(actions))
	for _, a := range actions {
		sc, ok := a.(*action.Sidecar)
		if !ok {
			out = append(out, a)
			continue
		}
		location, err := logsegment.SidecarLocation(file.Location, sc.Path)
		if err != nil {
			return nil, &kernelerr.MalformedActionError{Version: file.Version, Path: file.Location, Reason: "invalid sidecar reference", Err: err}
		}
		data, err := d.fetch(ctx, location)
		if err != nil {
			return nil, err
		}
		metrics.LogFilesRead.WithLabelValues("sidecar").Inc()

		var fileActions []action.Action
		if strings.HasSuffix(location, "."+string(logsegment.FormatJSON)) {
			fileActions, err = decodeJSON(data)
		} else {
			fileActions, err = decodeParquet(data)
		}
		if err != nil {
			return nil, &kernelerr.MalformedActionError{Version: file.Version, Path: location, Reason: "undecodable sidecar", Err: err}
		}
		for _, fa := range fileActions {
			switch fa.(type) {
			case *action.AddFile, *action.RemoveFile:
				out = append(out, fa)
			default:
				return nil, kernelerr.Malformed(file.Version, location, "sidecar holds a %s action", action.Name(fa))
			}
		}
		d.logger.Debug("read checkpoint sidecar", "checkpoint", file.Location, "sidecar", location, "actions", len(fileActions))
	}
	return out, nil
}

func (d *Default) fetch(ctx context.Context, location string) ([]byte, error) {
	rc, err := d.store.Read(ctx, location)
	if err != nil {
		return nil, &kernelerr.IOError{Op: "read log file", Path: location, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &kernelerr.IOError{Op: "read log file", Path: location, Err: err}
	}
	return data, nil
}

func decodeJSON(data []byte) ([]action.Action, error) {
	dec := action.NewDecoder(bytes.NewReader(data))
	var out []action.Action
	for {
		a, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
}

func decodeParquet(data []byte) ([]action.Action, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening parquet: %w", err)
	}
	r := parquet.NewGenericReader[checkpoint.Row](f)
	defer r.Close()

	var out []action.Action
	rows := make([]checkpoint.Row, checkpointBatchSize)
	read := 0
	for {
		// Reset the batch so decoded values never alias a previous batch.
		clear(rows)
		n, err := r.Read(rows)
		for i := range rows[:n] {
			a, convErr := rows[i].Action()
			if convErr != nil {
				return nil, fmt.Errorf("row %d: %w", read+i, convErr)
			}
			if a != nil {
				out = append(out, a)
			}
		}
		read += n
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
