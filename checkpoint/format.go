// Package checkpoint defines the parquet layout of log checkpoints and writes
// checkpoints from reconciled table state.
package checkpoint

import (
	"fmt"
	"maps"
	"slices"

	"lakekernel/action"
)

// Row is one row of a parquet checkpoint. Exactly one of its columns is set.
type Row struct {
	Txn            *TxnRow      `parquet:"txn"`
	Add            *AddRow      `parquet:"add"`
	Remove         *RemoveRow   `parquet:"remove"`
	MetaData       *MetadataRow `parquet:"metaData"`
	Protocol       *ProtocolRow `parquet:"protocol"`
	DomainMetadata *DomainRow   `parquet:"domainMetadata"`

	Sidecar            *SidecarRow            `parquet:"sidecar"`
	CheckpointMetadata *CheckpointMetadataRow `parquet:"checkpointMetadata"`
}

type TxnRow struct {
	AppID       string `parquet:"appId"`
	Version     int64  `parquet:"version"`
	LastUpdated *int64 `parquet:"lastUpdated"`
}

type DeletionVectorRow struct {
	StorageType    string `parquet:"storageType"`
	PathOrInlineDv string `parquet:"pathOrInlineDv"`
	Offset         *int32 `parquet:"offset"`
	SizeInBytes    int32  `parquet:"sizeInBytes"`
	Cardinality    int64  `parquet:"cardinality"`
}

type AddRow struct {
	Path                    string             `parquet:"path"`
	PartitionValues         map[string]string  `parquet:"partitionValues"`
	Size                    int64              `parquet:"size"`
	ModificationTime        int64              `parquet:"modificationTime"`
	DataChange              bool               `parquet:"dataChange"`
	Stats                   string             `parquet:"stats,optional"`
	Tags                    map[string]string  `parquet:"tags"`
	DeletionVector          *DeletionVectorRow `parquet:"deletionVector"`
	BaseRowID               *int64             `parquet:"baseRowId"`
	DefaultRowCommitVersion *int64             `parquet:"defaultRowCommitVersion"`
}

type RemoveRow struct {
	Path                 string             `parquet:"path"`
	DeletionTimestamp    *int64             `parquet:"deletionTimestamp"`
	DataChange           bool               `parquet:"dataChange"`
	ExtendedFileMetadata bool               `parquet:"extendedFileMetadata"`
	PartitionValues      map[string]string  `parquet:"partitionValues"`
	Size                 *int64             `parquet:"size"`
	DeletionVector       *DeletionVectorRow `parquet:"deletionVector"`
}

type FormatRow struct {
	Provider string            `parquet:"provider"`
	Options  map[string]string `parquet:"options"`
}

type MetadataRow struct {
	ID               string            `parquet:"id"`
	Name             string            `parquet:"name,optional"`
	Description      string            `parquet:"description,optional"`
	Format           FormatRow         `parquet:"format"`
	SchemaString     string            `parquet:"schemaString"`
	PartitionColumns []string          `parquet:"partitionColumns,list"`
	Configuration    map[string]string `parquet:"configuration"`
	CreatedTime      *int64            `parquet:"createdTime"`
}

type ProtocolRow struct {
	MinReaderVersion int32    `parquet:"minReaderVersion"`
	MinWriterVersion int32    `parquet:"minWriterVersion"`
	ReaderFeatures   []string `parquet:"readerFeatures,list"`
	WriterFeatures   []string `parquet:"writerFeatures,list"`
}

type DomainRow struct {
	Domain        string `parquet:"domain"`
	Configuration string `parquet:"configuration"`
	Removed       bool   `parquet:"removed"`
}

type SidecarRow struct {
	Path             string            `parquet:"path"`
	SizeInBytes      int64             `parquet:"sizeInBytes"`
	ModificationTime int64             `parquet:"modificationTime"`
	Tags             map[string]string `parquet:"tags"`
}

type CheckpointMetadataRow struct {
	Version int64             `parquet:"version"`
	Tags    map[string]string `parquet:"tags"`
}

func dvRow(dv *action.DeletionVectorDescriptor) *DeletionVectorRow {
	if dv == nil {
		return nil
	}
	return &DeletionVectorRow{
		StorageType:    dv.StorageType,
		PathOrInlineDv: dv.PathOrInlineDv,
		Offset:         dv.Offset,
		SizeInBytes:    dv.SizeInBytes,
		Cardinality:    dv.Cardinality,
	}
}

func (r *DeletionVectorRow) descriptor() *action.DeletionVectorDescriptor {
	if r == nil {
		return nil
	}
	return &action.DeletionVectorDescriptor{
		StorageType:    r.StorageType,
		PathOrInlineDv: r.PathOrInlineDv,
		Offset:         clonePtr(r.Offset),
		SizeInBytes:    r.SizeInBytes,
		Cardinality:    r.Cardinality,
	}
}

// RowOf encodes an action as a checkpoint row. Commit info is never checkpointed.
func RowOf(a action.Action) (Row, error) {
	switch v := a.(type) {
	case *action.AddFile:
		return Row{Add: &AddRow{
			Path:                    v.Path,
			PartitionValues:         v.PartitionValues,
			Size:                    v.Size,
			ModificationTime:        v.ModificationTime,
			DataChange:              v.DataChange,
			Stats:                   v.Stats,
			Tags:                    v.Tags,
			DeletionVector:          dvRow(v.DeletionVector),
			BaseRowID:               v.BaseRowID,
			DefaultRowCommitVersion: v.DefaultRowCommitVersion,
		}}, nil
	case *action.RemoveFile:
		return Row{Remove: &RemoveRow{
			Path:                 v.Path,
			DeletionTimestamp:    v.DeletionTimestamp,
			DataChange:           v.DataChange,
			ExtendedFileMetadata: v.ExtendedFileMetadata,
			PartitionValues:      v.PartitionValues,
			Size:                 v.Size,
			DeletionVector:       dvRow(v.DeletionVector),
		}}, nil
	case *action.Metadata:
		return Row{MetaData: &MetadataRow{
			ID:               v.ID,
			Name:             v.Name,
			Description:      v.Description,
			Format:           FormatRow{Provider: v.Format.Provider, Options: v.Format.Options},
			SchemaString:     v.SchemaString,
			PartitionColumns: v.PartitionColumns,
			Configuration:    v.Configuration,
			CreatedTime:      v.CreatedTime,
		}}, nil
	case *action.Protocol:
		return Row{Protocol: &ProtocolRow{
			MinReaderVersion: int32(v.MinReaderVersion),
			MinWriterVersion: int32(v.MinWriterVersion),
			ReaderFeatures:   v.ReaderFeatures,
			WriterFeatures:   v.WriterFeatures,
		}}, nil
	case *action.Txn:
		return Row{Txn: &TxnRow{AppID: v.AppID, Version: v.Version, LastUpdated: v.LastUpdated}}, nil
	case *action.DomainMetadata:
		return Row{DomainMetadata: &DomainRow{Domain: v.Domain, Configuration: v.Configuration, Removed: v.Removed}}, nil
	case *action.Sidecar:
		return Row{Sidecar: &SidecarRow{Path: v.Path, SizeInBytes: v.SizeInBytes, ModificationTime: v.ModificationTime, Tags: v.Tags}}, nil
	case *action.CheckpointMetadata:
		return Row{CheckpointMetadata: &CheckpointMetadataRow{Version: v.Version, Tags: v.Tags}}, nil
	}
	return Row{}, fmt.Errorf("action %s cannot be checkpointed", action.Name(a))
}

// Action decodes the row. Values are copied so the row may be reused. A row
// holding only action kinds this package does not model decodes to nil.
func (r *Row) Action() (action.Action, error) {
	set := 0
	for _, present := range []bool{
		r.Txn != nil, r.Add != nil, r.Remove != nil, r.MetaData != nil, r.Protocol != nil, r.DomainMetadata != nil,
		r.Sidecar != nil, r.CheckpointMetadata != nil,
	} {
		if present {
			set++
		}
	}
	switch set {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("checkpoint row has %d actions", set)
	}

	switch {
	case r.Add != nil:
		v := r.Add
		return &action.AddFile{
			Path:                    v.Path,
			PartitionValues:         cloneMap(v.PartitionValues),
			Size:                    v.Size,
			ModificationTime:        v.ModificationTime,
			DataChange:              v.DataChange,
			Stats:                   v.Stats,
			Tags:                    nonEmpty(v.Tags),
			DeletionVector:          v.DeletionVector.descriptor(),
			BaseRowID:               clonePtr(v.BaseRowID),
			DefaultRowCommitVersion: clonePtr(v.DefaultRowCommitVersion),
		}, nil
	case r.Remove != nil:
		v := r.Remove
		return &action.RemoveFile{
			Path:                 v.Path,
			DeletionTimestamp:    clonePtr(v.DeletionTimestamp),
			DataChange:           v.DataChange,
			ExtendedFileMetadata: v.ExtendedFileMetadata,
			PartitionValues:      nonEmpty(v.PartitionValues),
			Size:                 clonePtr(v.Size),
			DeletionVector:       v.DeletionVector.descriptor(),
		}, nil
	case r.MetaData != nil:
		v := r.MetaData
		return &action.Metadata{
			ID:               v.ID,
			Name:             v.Name,
			Description:      v.Description,
			Format:           action.Format{Provider: v.Format.Provider, Options: cloneMap(v.Format.Options)},
			SchemaString:     v.SchemaString,
			PartitionColumns: cloneList(v.PartitionColumns, true),
			Configuration:    cloneMap(v.Configuration),
			CreatedTime:      clonePtr(v.CreatedTime),
		}, nil
	case r.Protocol != nil:
		v := r.Protocol
		// Parquet does not distinguish an empty feature list from a missing one.
		return &action.Protocol{
			MinReaderVersion: int(v.MinReaderVersion),
			MinWriterVersion: int(v.MinWriterVersion),
			ReaderFeatures:   cloneList(v.ReaderFeatures, v.MinReaderVersion >= 3),
			WriterFeatures:   cloneList(v.WriterFeatures, v.MinWriterVersion >= 7),
		}, nil
	case r.Txn != nil:
		return &action.Txn{AppID: r.Txn.AppID, Version: r.Txn.Version, LastUpdated: clonePtr(r.Txn.LastUpdated)}, nil
	case r.Sidecar != nil:
		v := r.Sidecar
		return &action.Sidecar{Path: v.Path, SizeInBytes: v.SizeInBytes, ModificationTime: v.ModificationTime, Tags: nonEmpty(v.Tags)}, nil
	case r.CheckpointMetadata != nil:
		return &action.CheckpointMetadata{Version: r.CheckpointMetadata.Version, Tags: nonEmpty(r.CheckpointMetadata.Tags)}, nil
	default:
		d := r.DomainMetadata
		return &action.DomainMetadata{Domain: d.Domain, Configuration: d.Configuration, Removed: d.Removed}, nil
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

func cloneList(l []string, keepEmpty bool) []string {
	if len(l) == 0 {
		if keepEmpty {
			return []string{}
		}
		return nil
	}
	return slices.Clone(l)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
