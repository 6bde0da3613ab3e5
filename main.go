package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"lakekernel/action"
	"lakekernel/checkpoint"
	"lakekernel/config"
	"lakekernel/engine"
	"lakekernel/expr"
	"lakekernel/logsegment"
	"lakekernel/protocol"
	"lakekernel/scan"
	"lakekernel/snapshot"
	"lakekernel/storage"
	"lakekernel/tracing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs once the config is loaded.
type app struct {
	configPath string
	tableRoot  string
	version    int64

	cfg        *config.Config
	logger     *slog.Logger
	store      storage.Storage
	eng        *engine.Default
	negotiator *protocol.Negotiator
	shutdown   func()
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "lakekernel",
		Short: "Inspect and plan reads over transaction-log tables",
		Long: `lakekernel reads the _delta_log of a table, reconciles it into a
snapshot and plans which data files a query has to read.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.shutdown != nil {
				a.shutdown()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&a.tableRoot, "table", "", "Table root, overrides table.root")
	rootCmd.PersistentFlags().Int64Var(&a.version, "version", logsegment.Latest, "Table version to read (-1 for latest)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Show the protocol, schema and configuration of a table version",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "files",
		Short: "List the live data files of a table version",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.snapshot(cmd.Context())
			if err != nil {
				return err
			}
			files, err := snap.Files()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for i := range files {
				if err := enc.Encode(&files[i]); err != nil {
					return err
				}
			}
			return nil
		},
	})

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Plan the files a filtered read has to open",
		RunE: func(cmd *cobra.Command, args []string) error {
			where, _ := cmd.Flags().GetString("where")
			columns, _ := cmd.Flags().GetStringSlice("columns")
			return a.scan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), where, columns)
		},
	}
	scanCmd.Flags().String("where", "", "Predicate in CEL syntax, e.g. region == \"eu\" && id > 10")
	scanCmd.Flags().StringSlice("columns", nil, "Columns to project (all when empty)")
	rootCmd.AddCommand(scanCmd)

	changesCmd := &cobra.Command{
		Use:   "changes",
		Short: "Plan the change feed files of a version range",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, _ := cmd.Flags().GetInt64("start")
			end, _ := cmd.Flags().GetInt64("end")
			where, _ := cmd.Flags().GetString("where")
			return a.changes(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), start, end, where)
		},
	}
	changesCmd.Flags().Int64("start", 0, "First version of the range")
	changesCmd.Flags().Int64("end", logsegment.Latest, "Last version of the range (-1 for latest)")
	changesCmd.Flags().String("where", "", "Predicate in CEL syntax over table columns")
	rootCmd.AddCommand(changesCmd)

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write a checkpoint of a table version",
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, _ := cmd.Flags().GetInt("parts")
			uuidNamed, _ := cmd.Flags().GetBool("uuid")
			format, _ := cmd.Flags().GetString("format")
			sidecars, _ := cmd.Flags().GetInt("sidecars")
			opts := checkpoint.Options{Parts: parts, Negotiator: a.negotiator, Logger: a.logger}
			if uuidNamed {
				opts.Layout = checkpoint.LayoutUUID
				opts.Format = logsegment.Format(format)
				opts.Sidecars = sidecars
			} else if sidecars > 0 {
				return fmt.Errorf("--sidecars requires --uuid")
			}
			switch opts.Format {
			case "", logsegment.FormatParquet, logsegment.FormatJSON:
			default:
				return fmt.Errorf("unknown checkpoint format %q", format)
			}

			snap, err := a.snapshot(cmd.Context())
			if err != nil {
				return err
			}
			res, err := checkpoint.Write(cmd.Context(), a.store, snap.TableRoot(), snap, opts)
			if err != nil {
				return err
			}
			for _, f := range res.Files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			for _, f := range res.Sidecars {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	checkpointCmd.Flags().Int("parts", 1, "Number of classic checkpoint parts")
	checkpointCmd.Flags().Bool("uuid", false, "Write a single UUID-named checkpoint")
	checkpointCmd.Flags().String("format", string(logsegment.FormatParquet), "UUID checkpoint format: parquet or json")
	checkpointCmd.Flags().Int("sidecars", 0, "Move file actions of a UUID checkpoint into this many sidecar files")
	rootCmd.AddCommand(checkpointCmd)

	return rootCmd
}

func (a *app) setup(ctx context.Context) error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(a.configPath); err != nil {
			return err
		}
	}
	if a.tableRoot != "" {
		cfg.Table.Root = a.tableRoot
	}
	a.cfg = cfg

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	a.logger = slog.New(handler)
	slog.SetDefault(a.logger)

	_, shutdown, err := tracing.Setup(tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      os.Stderr,
	}, a.logger)
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	switch cfg.Storage.Type {
	case config.StorageS3:
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
		})
		if err != nil {
			return err
		}
		a.store = storage.NewS3Storage(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
	default:
		a.store = storage.NewLocalStorage(cfg.Storage.Path)
	}

	a.eng = engine.NewDefault(a.store, engine.Options{
		CheckpointReadConcurrency: cfg.Engine.CheckpointReadConcurrency,
		Logger:                    a.logger,
	})
	a.negotiator = protocol.New(protocol.DefaultCapabilities().Without(cfg.Protocol.DisabledFeatures...))
	return nil
}

func (a *app) snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return snapshot.Build(ctx, a.eng, a.cfg.Table.Root, a.version,
		snapshot.WithNegotiator(a.negotiator),
		snapshot.WithLogger(a.logger),
	)
}

func (a *app) scan(ctx context.Context, out, errOut io.Writer, where string, columns []string) error {
	snap, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	b := scan.NewBuilder(snap).WithLogger(a.logger)
	if where != "" {
		pred, err := expr.ParseCEL(where)
		if err != nil {
			return err
		}
		b = b.WithPredicate(pred)
	}
	if len(columns) > 0 {
		b = b.WithColumns(columns...)
	}
	s, err := b.Build()
	if err != nil {
		return err
	}
	files, stats, err := s.Plan(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, f := range files {
		if err := enc.Encode(scanLine(f)); err != nil {
			return err
		}
	}
	fmt.Fprintf(errOut, "files: %d total, %d partition-pruned, %d stats-skipped, %d emitted\n",
		stats.Total, stats.PartitionPruned, stats.StatsSkipped, stats.Emitted)
	return nil
}

func (a *app) changes(ctx context.Context, out, errOut io.Writer, start, end int64, where string) error {
	b := scan.NewChangesBuilder(a.eng, a.cfg.Table.Root, start, end).
		WithNegotiator(a.negotiator).
		WithLogger(a.logger)
	if where != "" {
		pred, err := expr.ParseCEL(where)
		if err != nil {
			return err
		}
		b = b.WithPredicate(pred)
	}
	c, err := b.Build(ctx)
	if err != nil {
		return err
	}
	files, stats, err := c.Plan(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, f := range files {
		if err := enc.Encode(changeLine(f)); err != nil {
			return err
		}
	}
	fmt.Fprintf(errOut, "versions %d..%d: %d total, %d partition-pruned, %d stats-skipped, %d emitted\n",
		c.StartVersion(), c.EndVersion(), stats.Total, stats.PartitionPruned, stats.StatsSkipped, stats.Emitted)
	return nil
}

type changeFileLine struct {
	Type                  string                           `json:"type"`
	Version               int64                            `json:"version"`
	Timestamp             int64                            `json:"timestamp"`
	Path                  string                           `json:"path"`
	Size                  int64                            `json:"size"`
	PartitionValues       map[string]string                `json:"partitionValues,omitempty"`
	DeletionVector        *action.DeletionVectorDescriptor `json:"deletionVector,omitempty"`
	RemovedDeletionVector *action.DeletionVectorDescriptor `json:"removedDeletionVector,omitempty"`
}

func changeLine(f scan.ChangeFile) changeFileLine {
	return changeFileLine{
		Type:                  string(f.Type),
		Version:               f.CommitVersion,
		Timestamp:             f.CommitTimestamp.UnixMilli(),
		Path:                  f.Path,
		Size:                  f.Size,
		PartitionValues:       partitionStrings(f.PartitionValues),
		DeletionVector:        f.DeletionVector,
		RemovedDeletionVector: f.RemovedDeletionVector,
	}
}

func partitionStrings(values map[string]expr.Scalar) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v.String()
	}
	return out
}

type scanFileLine struct {
	Path             string                           `json:"path"`
	Size             int64                            `json:"size"`
	ModificationTime int64                            `json:"modificationTime"`
	PartitionValues  map[string]string                `json:"partitionValues,omitempty"`
	NumRecords       *int64                           `json:"numRecords,omitempty"`
	DeletionVector   *action.DeletionVectorDescriptor `json:"deletionVector,omitempty"`
}

func scanLine(f scan.ScanFile) scanFileLine {
	return scanFileLine{
		Path:             f.Path,
		Size:             f.Size,
		ModificationTime: f.ModificationTime,
		PartitionValues:  partitionStrings(f.PartitionValues),
		NumRecords:       f.NumRecords,
		DeletionVector:   f.DeletionVector,
	}
}

func printSnapshot(w io.Writer, snap *snapshot.Snapshot) error {
	files, err := snap.Files()
	if err != nil {
		return err
	}
	p := snap.Protocol()
	seg := snap.LogSegment()
	counts := snap.ReplayCounts()

	fmt.Fprintf(w, "table:      %s\n", snap.TableRoot())
	fmt.Fprintf(w, "version:    %d\n", snap.Version())
	fmt.Fprintf(w, "timestamp:  %s\n", snap.Timestamp().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(w, "protocol:   reader=%d writer=%d\n", p.MinReaderVersion, p.MinWriterVersion)
	if fs := protocol.ReaderFeatures(p); len(fs) > 0 {
		fmt.Fprintf(w, "  reader features: %s\n", strings.Join(fs, ", "))
	}
	if fs := protocol.WriterFeatures(p); len(fs) > 0 {
		fmt.Fprintf(w, "  writer features: %s\n", strings.Join(fs, ", "))
	}
	fmt.Fprintf(w, "table id:   %s\n", snap.Metadata().ID)
	fmt.Fprintf(w, "schema:     %s\n", snap.Schema())
	if cols := snap.PartitionColumns(); len(cols) > 0 {
		fmt.Fprintf(w, "partitions: %s\n", strings.Join(cols, ", "))
	}
	conf := snap.Configuration()
	for _, k := range slices.Sorted(maps.Keys(conf)) {
		fmt.Fprintf(w, "  %s = %s\n", k, conf[k])
	}
	if seg.HasCheckpoint() {
		fmt.Fprintf(w, "checkpoint: %d (%d parts)\n", seg.CheckpointVersion, len(seg.Checkpoint))
	}
	fmt.Fprintf(w, "commits:    %d replayed, %d actions superseded\n", counts.Commits, counts.Superseded)
	fmt.Fprintf(w, "files:      %d live\n", len(files))
	for _, t := range snap.Txns() {
		fmt.Fprintf(w, "txn:        %s = %d\n", t.AppID, t.Version)
	}
	for _, d := range snap.Domains() {
		fmt.Fprintf(w, "domain:     %s\n", d.Domain)
	}
	return nil
}
