package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"lakekernel/action"
	"lakekernel/logsegment"
	"lakekernel/metrics"
	"lakekernel/protocol"
	"lakekernel/storage"
)

// Source is the reconciled table state a checkpoint is written from.
type Source interface {
	Version() int64
	Protocol() *action.Protocol
	Metadata() *action.Metadata
	Txns() []action.Txn
	Domains() []action.DomainMetadata
	Files() ([]action.AddFile, error)
}

// Layout selects how checkpoint files are named.
type Layout int

const (
	// LayoutClassic writes <version>.checkpoint.parquet, or numbered parts.
	LayoutClassic Layout = iota
	// LayoutUUID writes a single <version>.checkpoint.<uuid>.<format> file.
	LayoutUUID
)

// Options configure a checkpoint write.
type Options struct {
	Layout Layout
	// Parts splits a classic checkpoint into this many files. Values below 2 write one file.
	Parts int
	// Format of a UUID-named checkpoint. Classic checkpoints are always parquet.
	Format logsegment.Format
	// Sidecars moves the file actions of a UUID-named checkpoint into this many
	// parquet sidecar files. Zero keeps them in the checkpoint file.
	Sidecars int
	// SkipLastCheckpoint leaves the _last_checkpoint hint untouched.
	SkipLastCheckpoint bool
	// Negotiator gates the write on the table protocol. Defaults to protocol.Default().
	Negotiator *protocol.Negotiator
	Logger     *slog.Logger
}

// Result describes a written checkpoint.
type Result struct {
	Version int64
	// Files are the checkpoint files in part order.
	Files []string
	// Sidecars are the sidecar files referenced by a V2 checkpoint.
	Sidecars []string
	// Actions counts the table state actions written, excluding sidecar references.
	Actions int
	Size    int64
}

type lastCheckpoint struct {
	Version int64 `json:"version"`
	Size    int   `json:"size"`
	Parts   int   `json:"parts,omitempty"`
}

// Write checkpoints src into the log of tableRoot.
func Write(ctx context.Context, store storage.Storage, tableRoot string, src Source, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "checkpoint")

	files, err := src.Files()
	if err != nil {
		return nil, fmt.Errorf("listing live files: %w", err)
	}
	if src.Protocol() == nil || src.Metadata() == nil {
		return nil, fmt.Errorf("checkpoint at version %d: missing protocol or metadata", src.Version())
	}
	negotiator := opts.Negotiator
	if negotiator == nil {
		negotiator = protocol.Default()
	}
	if err := negotiator.EnsureWriteSupported(src.Protocol()); err != nil {
		return nil, fmt.Errorf("checkpoint at version %d: %w", src.Version(), err)
	}

	head := []action.Action{src.Protocol(), src.Metadata()}
	for _, t := range src.Txns() {
		head = append(head, &t)
	}
	for _, d := range src.Domains() {
		head = append(head, &d)
	}

	dir := logsegment.Dir(tableRoot)
	res := &Result{Version: src.Version(), Actions: len(head) + len(files)}
	buf := storage.NewBuffer()

	parts := 1
	if opts.Layout == LayoutClassic && opts.Parts > 1 {
		parts = opts.Parts
	}
	var chunks [][]action.Action
	if opts.Layout == LayoutUUID && opts.Sidecars > 0 {
		refs, err := writeSidecars(ctx, store, dir, buf, files, opts.Sidecars, res)
		if err != nil {
			return nil, err
		}
		head = append([]action.Action{&action.CheckpointMetadata{Version: src.Version()}}, head...)
		chunks = [][]action.Action{append(head, refs...)}
	} else {
		chunks = split(head, files, parts)
	}

	for i, chunk := range chunks {
		name := logsegment.CheckpointName(src.Version(), i+1, parts)
		format := logsegment.FormatParquet
		if opts.Layout == LayoutUUID {
			if opts.Format != "" {
				format = opts.Format
			}
			name = logsegment.UUIDCheckpointName(src.Version(), uuid.NewString(), format)
		}

		if format == logsegment.FormatJSON {
			err = action.Encode(buf, chunk...)
		} else {
			err = EncodeParquet(buf, chunk)
		}
		if err != nil {
			return nil, fmt.Errorf("encoding checkpoint part %d: %w", i+1, err)
		}

		location := path.Join(dir, name)
		n, err := buf.Flush(ctx, store, location)
		if err != nil {
			return nil, fmt.Errorf("writing checkpoint part %d: %w", i+1, err)
		}
		res.Files = append(res.Files, location)
		res.Size += n
	}

	if !opts.SkipLastCheckpoint {
		hint := lastCheckpoint{Version: src.Version(), Size: res.Actions}
		if parts > 1 {
			hint.Parts = parts
		}
		data, err := json.Marshal(hint)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", logsegment.LastCheckpointName, err)
		}
		if err := store.Write(ctx, path.Join(dir, logsegment.LastCheckpointName), strings.NewReader(string(data))); err != nil {
			return nil, fmt.Errorf("writing %s: %w", logsegment.LastCheckpointName, err)
		}
	}

	metrics.CheckpointsWritten.Inc()
	logger.Info("checkpoint written", "version", res.Version, "files", len(res.Files), "sidecars", len(res.Sidecars), "actions", res.Actions, "bytes", res.Size)
	return res, nil
}

// writeSidecars spreads files over n sidecar files and returns the sidecar
// actions referencing them. Empty sidecars are not written.
func writeSidecars(ctx context.Context, store storage.Storage, dir string, buf *storage.Buffer, files []action.AddFile, n int, res *Result) ([]action.Action, error) {
	var refs []action.Action
	for i, chunk := range split(nil, files, n) {
		if len(chunk) == 0 {
			continue
		}
		if err := EncodeParquet(buf, chunk); err != nil {
			return nil, fmt.Errorf("encoding sidecar %d: %w", i+1, err)
		}
		name := uuid.NewString() + "." + string(logsegment.FormatParquet)
		location := path.Join(dir, logsegment.SidecarDir, name)
		size := buf.Size()
		if _, err := buf.Flush(ctx, store, location); err != nil {
			return nil, fmt.Errorf("writing sidecar %d: %w", i+1, err)
		}
		res.Sidecars = append(res.Sidecars, location)
		res.Size += size
		refs = append(refs, &action.Sidecar{Path: name, SizeInBytes: size, ModificationTime: time.Now().UnixMilli()})
	}
	return refs, nil
}

// split places the non-file actions in the first part and spreads the files
// evenly over all parts, keeping their order.
func split(head []action.Action, files []action.AddFile, parts int) [][]action.Action {
	chunks := make([][]action.Action, parts)
	chunks[0] = append(chunks[0], head...)
	per := (len(files) + parts - 1) / parts
	for i := range files {
		p := 0
		if per > 0 {
			p = i / per
		}
		chunks[p] = append(chunks[p], &files[i])
	}
	return chunks
}

// EncodeParquet writes actions as one parquet checkpoint file.
func EncodeParquet(w io.Writer, actions []action.Action) error {
	rows := make([]Row, 0, len(actions))
	for _, a := range actions {
		row, err := RowOf(a)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	pw := parquet.NewGenericWriter[Row](w, parquet.Compression(&parquet.Snappy))
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}
