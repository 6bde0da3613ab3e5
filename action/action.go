// Package action defines the records of a table's transaction log.
//
// Action is a closed sum type: every variant is defined in this package and
// replay dispatches over them with a type switch.
package action

import (
	"fmt"

	"lakekernel/schema"
)

// Action is one record of the transaction log.
type Action interface {
	isAction()
}

// AddFile asserts that a data file is part of the table as of its commit.
type AddFile struct {
	Path                    string                    `json:"path"`
	PartitionValues         map[string]string         `json:"partitionValues"`
	Size                    int64                     `json:"size"`
	ModificationTime        int64                     `json:"modificationTime"`
	DataChange              bool                      `json:"dataChange"`
	Stats                   string                    `json:"stats,omitempty"`
	Tags                    map[string]string         `json:"tags,omitempty"`
	DeletionVector          *DeletionVectorDescriptor `json:"deletionVector,omitempty"`
	BaseRowID               *int64                    `json:"baseRowId,omitempty"`
	DefaultRowCommitVersion *int64                    `json:"defaultRowCommitVersion,omitempty"`
}

// RemoveFile tombstones a previously added data file.
type RemoveFile struct {
	Path                 string                    `json:"path"`
	DeletionTimestamp    *int64                    `json:"deletionTimestamp,omitempty"`
	DataChange           bool                      `json:"dataChange"`
	ExtendedFileMetadata bool                      `json:"extendedFileMetadata,omitempty"`
	PartitionValues      map[string]string         `json:"partitionValues,omitempty"`
	Size                 *int64                    `json:"size,omitempty"`
	DeletionVector       *DeletionVectorDescriptor `json:"deletionVector,omitempty"`
}

// AddCDCFile is a change data file written by a commit. It never affects the
// table state, only the change feed of its commit.
type AddCDCFile struct {
	Path            string            `json:"path"`
	PartitionValues map[string]string `json:"partitionValues"`
	Size            int64             `json:"size"`
	DataChange      bool              `json:"dataChange"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Format describes the encoding of the table's data files.
type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options"`
}

// Metadata carries the table schema and configuration.
type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration"`
	CreatedTime      *int64            `json:"createdTime,omitempty"`
}

// Protocol declares the capabilities a client needs to read or write the table.
// Feature lists are nil for legacy protocol versions.
type Protocol struct {
	MinReaderVersion int      `json:"minReaderVersion"`
	MinWriterVersion int      `json:"minWriterVersion"`
	ReaderFeatures   []string `json:"readerFeatures"`
	WriterFeatures   []string `json:"writerFeatures"`
}

// Txn records the latest version committed by an application, for idempotent writes.
type Txn struct {
	AppID       string `json:"appId"`
	Version     int64  `json:"version"`
	LastUpdated *int64 `json:"lastUpdated,omitempty"`
}

// DomainMetadata is a named configuration blob owned by a writer or a table feature.
type DomainMetadata struct {
	Domain        string `json:"domain"`
	Configuration string `json:"configuration"`
	Removed       bool   `json:"removed"`
}

// CommitInfo is provenance information. It does not affect table state.
type CommitInfo struct {
	Timestamp           *int64         `json:"timestamp,omitempty"`
	InCommitTimestamp   *int64         `json:"inCommitTimestamp,omitempty"`
	Operation           string         `json:"operation,omitempty"`
	OperationParameters map[string]any `json:"operationParameters,omitempty"`
	EngineInfo          string         `json:"engineInfo,omitempty"`
	TxnID               string         `json:"txnId,omitempty"`
}

// Sidecar references a file under _delta_log/_sidecars that holds part of the
// add and remove actions of a V2 checkpoint. Path is relative to that directory.
type Sidecar struct {
	Path             string            `json:"path"`
	SizeInBytes      int64             `json:"sizeInBytes"`
	ModificationTime int64             `json:"modificationTime"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// CheckpointMetadata describes a V2 checkpoint. It does not affect table state.
type CheckpointMetadata struct {
	Version int64             `json:"version"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func (*AddFile) isAction()            {}
func (*RemoveFile) isAction()         {}
func (*AddCDCFile) isAction()         {}
func (*Metadata) isAction()           {}
func (*Protocol) isAction()           {}
func (*Txn) isAction()                {}
func (*DomainMetadata) isAction()     {}
func (*CommitInfo) isAction()         {}
func (*Sidecar) isAction()            {}
func (*CheckpointMetadata) isAction() {}

// FileKey identifies a logical file: the same path with a different deletion
// vector is a different file.
type FileKey struct {
	Path string
	DVID string
}

func (k FileKey) String() string {
	if k.DVID == "" {
		return k.Path
	}
	return k.Path + "#" + k.DVID
}

// Key returns the replay identity of the added file.
func (a *AddFile) Key() FileKey {
	return FileKey{Path: a.Path, DVID: a.DeletionVector.UniqueID()}
}

// Key returns the replay identity of the removed file.
func (r *RemoveFile) Key() FileKey {
	return FileKey{Path: r.Path, DVID: r.DeletionVector.UniqueID()}
}

// ParsedStats decodes the file statistics. A nil result means no statistics were recorded.
func (a *AddFile) ParsedStats() (*Stats, error) {
	if a.Stats == "" {
		return nil, nil
	}
	return ParseStats(a.Stats)
}

// Schema parses the table schema.
func (m *Metadata) Schema() (*schema.StructType, error) {
	s, err := schema.Parse(m.SchemaString)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", m.ID, err)
	}
	return s, nil
}

// Name returns the log key of an action variant.
func Name(a Action) string {
	switch a.(type) {
	case *AddFile:
		return "add"
	case *RemoveFile:
		return "remove"
	case *AddCDCFile:
		return "cdc"
	case *Metadata:
		return "metaData"
	case *Protocol:
		return "protocol"
	case *Txn:
		return "txn"
	case *DomainMetadata:
		return "domainMetadata"
	case *CommitInfo:
		return "commitInfo"
	case *Sidecar:
		return "sidecar"
	case *CheckpointMetadata:
		return "checkpointMetadata"
	}
	return "unknown"
}
