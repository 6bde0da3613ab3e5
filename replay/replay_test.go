package replay

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakekernel/action"
	"lakekernel/kernelerr"
	"lakekernel/logsegment"
	"lakekernel/protocol"
)

// memLog is an in-memory log keyed by file base name.
type memLog struct {
	files map[string][]action.Action
	reads []string
	fail  map[string]error
}

func newMemLog() *memLog {
	return &memLog{files: map[string][]action.Action{}, fail: map[string]error{}}
}

func (m *memLog) commit(version int64, actions ...action.Action) {
	m.files[logsegment.CommitName(version)] = actions
}

func (m *memLog) checkpoint(version int64, part, parts int, actions ...action.Action) {
	m.files[logsegment.CheckpointName(version, part, parts)] = actions
}

func (m *memLog) ReadActions(_ context.Context, f logsegment.FileRef) iter.Seq2[action.Action, error] {
	return func(yield func(action.Action, error) bool) {
		m.reads = append(m.reads, f.Location)
		if err := m.fail[f.Location]; err != nil {
			yield(nil, err)
			return
		}
		for _, a := range m.files[f.Location] {
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (m *memLog) segment(t *testing.T, version int64) *logsegment.LogSegment {
	t.Helper()
	entries := make([]logsegment.Entry, 0, len(m.files))
	for name := range m.files {
		entries = append(entries, logsegment.Entry{Location: name})
	}
	seg, err := logsegment.Resolve("mem://t", entries, version)
	require.NoError(t, err)
	return seg
}

const testSchema = `{"type":"struct","fields":[{"name":"id","type":"long","nullable":true,"metadata":{}},{"name":"region","type":"string","nullable":true,"metadata":{}}]}`

func metadata(partitionColumns ...string) *action.Metadata {
	if partitionColumns == nil {
		partitionColumns = []string{}
	}
	return &action.Metadata{
		ID:               "tbl",
		Format:           action.Format{Provider: "parquet"},
		SchemaString:     testSchema,
		PartitionColumns: partitionColumns,
		Configuration:    map[string]string{},
	}
}

func proto() *action.Protocol {
	return &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}
}

func add(path string) *action.AddFile {
	return &action.AddFile{Path: path, PartitionValues: map[string]string{}, Size: 10, DataChange: true}
}

func remove(path string) *action.RemoveFile {
	return &action.RemoveFile{Path: path, DataChange: true}
}

func paths(st *State) []string {
	var out []string
	for _, f := range st.SortedFiles() {
		out = append(out, f.Path)
	}
	return out
}

func reconcile(t *testing.T, log *memLog, version int64) (*State, error) {
	t.Helper()
	return Reconcile(context.Background(), log, log.segment(t, version), Options{})
}

func TestReverseOrder(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata())
	for v := int64(1); v <= 10; v++ {
		switch v {
		case 5:
			log.commit(v, add("f"))
		case 7:
			log.commit(v, remove("f"))
		default:
			log.commit(v, add("other-"+string(rune('a'+v))))
		}
	}

	st, err := reconcile(t, log, 10)
	require.NoError(t, err)
	assert.NotContains(t, paths(st), "f")

	st, err = reconcile(t, log, 6)
	require.NoError(t, err)
	assert.Contains(t, paths(st), "f")

	st, err = reconcile(t, log, 4)
	require.NoError(t, err)
	assert.NotContains(t, paths(st), "f")
}

func TestReAddAfterRemove(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata(), add("a"))
	log.commit(1, remove("a"))
	log.commit(2, add("a"))

	st, err := reconcile(t, log, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, paths(st))
	assert.Equal(t, 2, st.Counts.Superseded, "remove@1 and add@0 are shadowed")
}

func TestSameCommitRemoveWins(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata())
	log.commit(1, add("x"), remove("x"), add("y"))

	st, err := reconcile(t, log, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, paths(st))
}

func TestDeletionVectorIdentity(t *testing.T) {
	dv := &action.DeletionVectorDescriptor{StorageType: action.DVStorageInline, PathOrInlineDv: "abc", SizeInBytes: 3, Cardinality: 1}
	withDV := add("f")
	withDV.DeletionVector = dv
	oldDV := &action.RemoveFile{Path: "f", DataChange: true}

	log := newMemLog()
	log.commit(0, proto(), metadata(), add("f"))
	log.commit(1, oldDV, withDV)

	st, err := reconcile(t, log, 1)
	require.NoError(t, err)
	require.Len(t, st.Files, 1)
	assert.Equal(t, dv, st.SortedFiles()[0].DeletionVector)
}

func TestSingletonSlots(t *testing.T) {
	newer := metadata()
	newer.ID = "newer"
	newProto := &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 4}

	log := newMemLog()
	log.commit(0, proto(), metadata(),
		&action.Txn{AppID: "app", Version: 1},
		&action.DomainMetadata{Domain: "d1", Configuration: "{}"},
		&action.DomainMetadata{Domain: "d2", Configuration: "{}"},
	)
	log.commit(1, newer, newProto, &action.Txn{AppID: "app", Version: 2},
		&action.DomainMetadata{Domain: "d2", Removed: true})

	st, err := reconcile(t, log, 1)
	require.NoError(t, err)
	assert.Equal(t, "newer", st.Metadata.ID)
	assert.Equal(t, 4, st.Protocol.MinWriterVersion)
	assert.Equal(t, int64(2), st.Txns["app"].Version)
	assert.Contains(t, st.Domains, "d1")
	assert.NotContains(t, st.Domains, "d2")
	assert.Equal(t, 2, st.Counts.Commits)
	assert.Equal(t, 3, st.Counts.Actions["domainMetadata"])
}

func TestInCommitTimestamp(t *testing.T) {
	ts1, ts2 := int64(1000), int64(2000)
	log := newMemLog()
	log.commit(0, &action.CommitInfo{InCommitTimestamp: &ts1}, proto(), metadata())
	log.commit(1, &action.CommitInfo{InCommitTimestamp: &ts2}, add("a"))

	st, err := reconcile(t, log, 1)
	require.NoError(t, err)
	require.NotNil(t, st.InCommitTimestamp)
	assert.Equal(t, ts2, *st.InCommitTimestamp)
}

func TestCheckpointLayer(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata(), add("a"), add("b"))
	log.commit(1, remove("a"), add("c"))
	log.commit(2, add("d"))
	// checkpoint at 2 carries a tombstone for "a" which must not matter
	log.checkpoint(2, 1, 2, proto(), metadata(), add("b"), remove("a"))
	log.checkpoint(2, 2, 2, add("c"), add("d"))
	log.commit(3, remove("b"), add("e"))

	fromCheckpoint, err := reconcile(t, log, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, paths(fromCheckpoint))
	assert.Equal(t, 2, fromCheckpoint.Counts.CheckpointParts)
	assert.NotContains(t, log.reads, logsegment.CommitName(0), "commits before the checkpoint are not read")

	delete(log.files, logsegment.CheckpointName(2, 1, 2))
	delete(log.files, logsegment.CheckpointName(2, 2, 2))
	fromCommits, err := reconcile(t, log, 3)
	require.NoError(t, err)
	assert.Equal(t, paths(fromCommits), paths(fromCheckpoint))
}

func TestUnresolvedSidecar(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata(), add("a"))
	log.checkpoint(0, 1, 1, &action.CheckpointMetadata{Version: 0}, proto(), metadata(), &action.Sidecar{Path: "s1.parquet", SizeInBytes: 10})

	_, err := reconcile(t, log, 0)
	var malformed *kernelerr.MalformedActionError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, int64(0), malformed.Version)
	assert.Contains(t, malformed.Reason, "s1.parquet")
}

func TestBaseState(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata(), add("a"), add("b"))
	log.commit(1, remove("a"))

	base, err := reconcile(t, log, 1)
	require.NoError(t, err)

	log.commit(2, add("c"))
	log.commit(3, remove("b"), &action.Txn{AppID: "app", Version: 9})
	log.reads = nil

	st, err := Reconcile(context.Background(), log, log.segment(t, 3), Options{Base: base})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, paths(st))
	assert.Equal(t, int64(9), st.Txns["app"].Version)
	assert.ElementsMatch(t, []string{logsegment.CommitName(2), logsegment.CommitName(3)}, log.reads)

	full, err := reconcile(t, log, 3)
	require.NoError(t, err)
	assert.Equal(t, paths(full), paths(st))
	assert.Equal(t, []string{"b"}, paths(base), "base state is not modified")
}

func TestProtocolGating(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata(), add("a"))
	log.commit(1, &action.Protocol{MinReaderVersion: 1, MinWriterVersion: 7, WriterFeatures: []string{"someFutureFeature"}})
	log.commit(2, add("b"))

	_, err := reconcile(t, log, 2)
	var unsupported *kernelerr.UnsupportedProtocolError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "someFutureFeature", unsupported.Feature)
	assert.NotContains(t, log.reads, logsegment.CommitName(0), "replay stops at the gating protocol")

	_, err = reconcile(t, log, 0)
	assert.NoError(t, err, "older versions stay readable")

	caps := protocol.DefaultCapabilities()
	caps.WriterFeatures = append(caps.WriterFeatures, "someFutureFeature")
	_, err = Reconcile(context.Background(), log, log.segment(t, 2), Options{Negotiator: protocol.New(caps)})
	assert.NoError(t, err)
}

func TestMalformed(t *testing.T) {
	t.Run("missing_protocol", func(t *testing.T) {
		log := newMemLog()
		log.commit(0, metadata(), add("a"))
		_, err := reconcile(t, log, 0)
		var malformed *kernelerr.MalformedActionError
		require.ErrorAs(t, err, &malformed)
		assert.Contains(t, malformed.Reason, "protocol")
	})

	t.Run("missing_metadata", func(t *testing.T) {
		log := newMemLog()
		log.commit(0, proto())
		_, err := reconcile(t, log, 0)
		var malformed *kernelerr.MalformedActionError
		require.ErrorAs(t, err, &malformed)
	})

	t.Run("missing_partition_value", func(t *testing.T) {
		log := newMemLog()
		log.commit(0, proto(), metadata("region"))
		log.commit(1, add("a"))
		_, err := reconcile(t, log, 1)
		var malformed *kernelerr.MalformedActionError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, int64(1), malformed.Version)
		assert.Equal(t, "a", malformed.Path)
	})

	t.Run("unparseable_partition_value", func(t *testing.T) {
		f := add("a")
		f.PartitionValues = map[string]string{"id": "not-a-number"}
		log := newMemLog()
		log.commit(0, proto(), metadata("id"), f)
		_, err := reconcile(t, log, 0)
		var malformed *kernelerr.MalformedActionError
		require.ErrorAs(t, err, &malformed)
		assert.Error(t, malformed.Err)
	})

	t.Run("null_partition_value_is_valid", func(t *testing.T) {
		f := add("a")
		f.PartitionValues = map[string]string{"id": ""}
		log := newMemLog()
		log.commit(0, proto(), metadata("id"), f)
		_, err := reconcile(t, log, 0)
		assert.NoError(t, err)
	})

	t.Run("removed_file_is_not_validated", func(t *testing.T) {
		log := newMemLog()
		log.commit(0, proto(), metadata("region"))
		log.commit(1, add("a"))
		log.commit(2, remove("a"))
		_, err := reconcile(t, log, 2)
		assert.NoError(t, err)
	})

	t.Run("unknown_partition_column", func(t *testing.T) {
		log := newMemLog()
		log.commit(0, proto(), metadata("nope"))
		_, err := reconcile(t, log, 0)
		var malformed *kernelerr.MalformedActionError
		assert.ErrorAs(t, err, &malformed)
	})
}

func TestIOErrors(t *testing.T) {
	log := newMemLog()
	log.commit(0, proto(), metadata())
	log.commit(1, add("a"))
	cause := errors.New("connection reset")
	log.fail[logsegment.CommitName(1)] = cause

	_, err := reconcile(t, log, 1)
	var ioErr *kernelerr.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, cause)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Reconcile(ctx, log, log.segment(t, 1), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
