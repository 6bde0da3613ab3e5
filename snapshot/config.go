package snapshot

import (
	"fmt"
	"strconv"

	"lakekernel/replay"
	"lakekernel/schema"
)

// Table properties read by the kernel.
const (
	PropAppendOnly                 = "delta.appendOnly"
	PropCheckpointInterval         = "delta.checkpointInterval"
	PropColumnMappingMode          = replay.ConfigColumnMappingMode
	PropDataSkippingNumIndexedCols = "delta.dataSkippingNumIndexedCols"
	PropEnableChangeDataFeed       = "delta.enableChangeDataFeed"
	PropEnableDeletionVectors      = "delta.enableDeletionVectors"
	PropEnableInCommitTimestamps   = "delta.enableInCommitTimestamps"
)

// TableConfig is the typed view of the table properties.
type TableConfig struct {
	AppendOnly                 bool
	CheckpointInterval         int
	ColumnMappingMode          schema.ColumnMappingMode
	DataSkippingNumIndexedCols int
	EnableChangeDataFeed       bool
	EnableDeletionVectors      bool
	EnableInCommitTimestamps   bool
}

// ParseTableConfig reads the known properties from a metadata configuration,
// applying their defaults when absent.
func ParseTableConfig(conf map[string]string) (TableConfig, error) {
	tc := TableConfig{
		CheckpointInterval:         10,
		ColumnMappingMode:          schema.MappingNone,
		DataSkippingNumIndexedCols: 32,
	}
	var err error
	if tc.AppendOnly, err = boolProp(conf, PropAppendOnly); err != nil {
		return tc, err
	}
	if tc.EnableChangeDataFeed, err = boolProp(conf, PropEnableChangeDataFeed); err != nil {
		return tc, err
	}
	if tc.EnableDeletionVectors, err = boolProp(conf, PropEnableDeletionVectors); err != nil {
		return tc, err
	}
	if tc.EnableInCommitTimestamps, err = boolProp(conf, PropEnableInCommitTimestamps); err != nil {
		return tc, err
	}
	if v, ok := conf[PropCheckpointInterval]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return tc, fmt.Errorf("table property %s: %q is not a positive integer", PropCheckpointInterval, v)
		}
		tc.CheckpointInterval = n
	}
	if v, ok := conf[PropDataSkippingNumIndexedCols]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			return tc, fmt.Errorf("table property %s: %q is not an integer >= -1", PropDataSkippingNumIndexedCols, v)
		}
		tc.DataSkippingNumIndexedCols = n
	}
	if tc.ColumnMappingMode, err = schema.ParseColumnMappingMode(conf[PropColumnMappingMode]); err != nil {
		return tc, fmt.Errorf("table property %s: %w", PropColumnMappingMode, err)
	}
	return tc, nil
}

func boolProp(conf map[string]string, key string) (bool, error) {
	v, ok := conf[key]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("table property %s: %q is not a boolean", key, v)
	}
	return b, nil
}
