// Package kerneltest builds table logs in memory for tests.
package kerneltest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lakekernel/action"
	"lakekernel/logsegment"
	"lakekernel/storage"
)

// Table is a table log held in a MemoryStorage.
type Table struct {
	t     testing.TB
	Store *storage.MemoryStorage
	Root  string
	next  int64
	clock time.Time
}

// NewTable returns an empty table under root. Commit modification times start
// at a fixed instant and advance by one second per write.
func NewTable(t testing.TB, root string) *Table {
	tb := &Table{
		t:     t,
		Store: storage.NewMemoryStorage(),
		Root:  root,
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	tb.Store.SetClock(func() time.Time {
		tb.clock = tb.clock.Add(time.Second)
		return tb.clock
	})
	return tb
}

// LogPath returns the storage path of a log file name.
func (tb *Table) LogPath(name string) string {
	return path.Join(logsegment.Dir(tb.Root), name)
}

// Commit writes the next commit and returns its version.
func (tb *Table) Commit(actions ...action.Action) int64 {
	tb.t.Helper()
	v := tb.next
	tb.CommitAt(v, actions...)
	return v
}

// CommitAt writes the commit for version. Later Commit calls continue after it.
func (tb *Table) CommitAt(version int64, actions ...action.Action) {
	tb.t.Helper()
	var buf bytes.Buffer
	require.NoError(tb.t, action.Encode(&buf, actions...))
	tb.WriteRaw(logsegment.CommitName(version), buf.String())
	if version >= tb.next {
		tb.next = version + 1
	}
}

// WriteRaw writes a log file verbatim.
func (tb *Table) WriteRaw(name, content string) {
	tb.t.Helper()
	require.NoError(tb.t, tb.Store.Write(context.Background(), tb.LogPath(name), strings.NewReader(content)))
}

// Delete removes a log file, as log cleanup would.
func (tb *Table) Delete(name string) {
	tb.Store.Delete(tb.LogPath(name))
}

// Next is the version the next Commit writes.
func (tb *Table) Next() int64 { return tb.next }

// Schema builds a schema string from "name:type" column specs.
func Schema(columns ...string) string {
	fields := make([]string, len(columns))
	for i, c := range columns {
		name, typ, ok := strings.Cut(c, ":")
		if !ok {
			panic(fmt.Sprintf("kerneltest: column spec %q is not name:type", c))
		}
		fields[i] = fmt.Sprintf(`{"name":%q,"type":%q,"nullable":true,"metadata":{}}`, name, typ)
	}
	return `{"type":"struct","fields":[` + strings.Join(fields, ",") + `]}`
}

// Protocol returns a legacy protocol action.
func Protocol(reader, writer int) *action.Protocol {
	return &action.Protocol{MinReaderVersion: reader, MinWriterVersion: writer}
}

// FeatureProtocol returns a table-features protocol listing the given features
// as writer features, and as reader features when reader is true.
func FeatureProtocol(reader bool, features ...string) *action.Protocol {
	p := &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 7, WriterFeatures: append([]string{}, features...)}
	if reader {
		p.MinReaderVersion = 3
		p.ReaderFeatures = append([]string{}, features...)
	}
	return p
}

// Metadata returns a metaData action with a fresh table id.
func Metadata(schemaString string, partitionColumns []string, configuration map[string]string) *action.Metadata {
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	if configuration == nil {
		configuration = map[string]string{}
	}
	created := int64(1704067200000)
	return &action.Metadata{
		ID:               uuid.NewString(),
		Format:           action.Format{Provider: "parquet", Options: map[string]string{}},
		SchemaString:     schemaString,
		PartitionColumns: partitionColumns,
		Configuration:    configuration,
		CreatedTime:      &created,
	}
}

// Add returns an add action. Partition values are given as alternating key, value pairs.
func Add(p string, stats string, partition ...string) *action.AddFile {
	values := map[string]string{}
	for i := 0; i+1 < len(partition); i += 2 {
		values[partition[i]] = partition[i+1]
	}
	return &action.AddFile{
		Path:             p,
		PartitionValues:  values,
		Size:             1024,
		ModificationTime: 1704067200000,
		DataChange:       true,
		Stats:            stats,
	}
}

// Remove returns a remove action.
func Remove(p string) *action.RemoveFile {
	ts := int64(1704067200000)
	return &action.RemoveFile{Path: p, DeletionTimestamp: &ts, DataChange: true}
}

// CommitInfo returns a commitInfo action, with an in-commit timestamp when ict is non-zero.
func CommitInfo(operation string, ict int64) *action.CommitInfo {
	ci := &action.CommitInfo{Operation: operation, EngineInfo: "kerneltest"}
	if ict != 0 {
		ci.InCommitTimestamp = &ict
	}
	return ci
}
