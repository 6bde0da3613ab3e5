package schema

import (
	"fmt"
	"strconv"
)

// ColumnMappingMode is the value of the delta.columnMapping.mode table property.
type ColumnMappingMode string

const (
	MappingNone ColumnMappingMode = "none"
	MappingName ColumnMappingMode = "name"
	MappingID   ColumnMappingMode = "id"
)

// ParseColumnMappingMode parses a table property value. Empty means none.
func ParseColumnMappingMode(s string) (ColumnMappingMode, error) {
	switch ColumnMappingMode(s) {
	case "", MappingNone:
		return MappingNone, nil
	case MappingName, MappingID:
		return ColumnMappingMode(s), nil
	}
	return "", fmt.Errorf("unknown column mapping mode %q", s)
}

// PhysicalName is the name the column has in data files, partition values and statistics.
func (f Field) PhysicalName(mode ColumnMappingMode) string {
	if mode == MappingNone || mode == "" {
		return f.Name
	}
	if v, ok := f.Metadata[MetaPhysicalName].(string); ok && v != "" {
		return v
	}
	return f.Name
}

// ColumnID returns the column mapping id, if present.
func (f Field) ColumnID() (int64, bool) {
	switch v := f.Metadata[MetaColumnID].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}

// ValidateMapping checks that every field carries column mapping metadata when the mode requires it.
func (s *StructType) ValidateMapping(mode ColumnMappingMode) error {
	if mode == MappingNone || mode == "" {
		return nil
	}
	return validateMapping(s.Fields, mode, "")
}

func validateMapping(fields []Field, mode ColumnMappingMode, prefix string) error {
	for _, f := range fields {
		name := prefix + f.Name
		if _, ok := f.Metadata[MetaPhysicalName].(string); !ok {
			return fmt.Errorf("column %q has no physical name under column mapping mode %s", name, mode)
		}
		if _, ok := f.ColumnID(); !ok {
			return fmt.Errorf("column %q has no column mapping id under mode %s", name, mode)
		}
		if f.Type.Name == TypeStruct {
			if err := validateMapping(f.Type.Fields, mode, name+"."); err != nil {
				return err
			}
		}
	}
	return nil
}

// Physical returns the schema with fields renamed to their physical names.
func (s *StructType) Physical(mode ColumnMappingMode) *StructType {
	if mode == MappingNone || mode == "" {
		return s
	}
	return &StructType{Fields: physicalFields(s.Fields, mode)}
}

func physicalFields(fields []Field, mode ColumnMappingMode) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		pf := f
		pf.Name = f.PhysicalName(mode)
		if f.Type.Name == TypeStruct {
			pf.Type.Fields = physicalFields(f.Type.Fields, mode)
		}
		out[i] = pf
	}
	return out
}
