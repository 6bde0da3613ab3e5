package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Primitive type names as they appear in a schema string.
const (
	TypeString       = "string"
	TypeLong         = "long"
	TypeInteger      = "integer"
	TypeShort        = "short"
	TypeByte         = "byte"
	TypeFloat        = "float"
	TypeDouble       = "double"
	TypeBoolean      = "boolean"
	TypeBinary       = "binary"
	TypeDate         = "date"
	TypeTimestamp    = "timestamp"
	TypeTimestampNtz = "timestamp_ntz"
	TypeDecimal      = "decimal"

	TypeStruct = "struct"
	TypeArray  = "array"
	TypeMap    = "map"
)

// Field metadata keys used by column mapping.
const (
	MetaPhysicalName = "delta.columnMapping.physicalName"
	MetaColumnID     = "delta.columnMapping.id"
)

// DataType is a primitive or nested column type.
type DataType struct {
	Name string

	// decimal
	Precision int
	Scale     int

	// struct
	Fields []Field

	// array
	ElementType  *DataType
	ContainsNull bool

	// map
	KeyType           *DataType
	ValueType         *DataType
	ValueContainsNull bool
}

// Field is a named column of a struct.
type Field struct {
	Name     string         `json:"name"`
	Type     DataType       `json:"type"`
	Nullable bool           `json:"nullable"`
	Metadata map[string]any `json:"metadata"`
}

// StructType is the top-level table schema.
type StructType struct {
	Fields []Field
}

// Primitive returns a primitive type by name.
func Primitive(name string) DataType {
	return DataType{Name: name}
}

// Decimal returns a decimal type.
func Decimal(precision, scale int) DataType {
	return DataType{Name: TypeDecimal, Precision: precision, Scale: scale}
}

// IsPrimitive reports whether the type has no children.
func (t DataType) IsPrimitive() bool {
	switch t.Name {
	case TypeStruct, TypeArray, TypeMap:
		return false
	}
	return true
}

func (t DataType) String() string {
	switch t.Name {
	case TypeDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	case TypeStruct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Name + ":" + f.Type.String()
		}
		return "struct<" + strings.Join(parts, ",") + ">"
	case TypeArray:
		return "array<" + t.ElementType.String() + ">"
	case TypeMap:
		return "map<" + t.KeyType.String() + "," + t.ValueType.String() + ">"
	}
	return t.Name
}

// Equal compares two types structurally, ignoring field metadata.
func (t DataType) Equal(o DataType) bool {
	if t.Name != o.Name {
		return false
	}
	switch t.Name {
	case TypeDecimal:
		return t.Precision == o.Precision && t.Scale == o.Scale
	case TypeStruct:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			a, b := t.Fields[i], o.Fields[i]
			if a.Name != b.Name || a.Nullable != b.Nullable || !a.Type.Equal(b.Type) {
				return false
			}
		}
		return true
	case TypeArray:
		return t.ContainsNull == o.ContainsNull && t.ElementType.Equal(*o.ElementType)
	case TypeMap:
		return t.ValueContainsNull == o.ValueContainsNull && t.KeyType.Equal(*o.KeyType) && t.ValueType.Equal(*o.ValueType)
	}
	return true
}

type complexType struct {
	Type              string    `json:"type"`
	Fields            []Field   `json:"fields,omitempty"`
	ElementType       *DataType `json:"elementType,omitempty"`
	ContainsNull      *bool     `json:"containsNull,omitempty"`
	KeyType           *DataType `json:"keyType,omitempty"`
	ValueType         *DataType `json:"valueType,omitempty"`
	ValueContainsNull *bool     `json:"valueContainsNull,omitempty"`
}

func (t *DataType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return t.parsePrimitive(name)
	}

	var ct complexType
	if err := json.Unmarshal(data, &ct); err != nil {
		return fmt.Errorf("decoding type: %w", err)
	}
	switch ct.Type {
	case TypeStruct:
		*t = DataType{Name: TypeStruct, Fields: ct.Fields}
	case TypeArray:
		if ct.ElementType == nil {
			return fmt.Errorf("array type without elementType")
		}
		*t = DataType{Name: TypeArray, ElementType: ct.ElementType, ContainsNull: ct.ContainsNull == nil || *ct.ContainsNull}
	case TypeMap:
		if ct.KeyType == nil || ct.ValueType == nil {
			return fmt.Errorf("map type without keyType or valueType")
		}
		*t = DataType{Name: TypeMap, KeyType: ct.KeyType, ValueType: ct.ValueType, ValueContainsNull: ct.ValueContainsNull == nil || *ct.ValueContainsNull}
	default:
		return fmt.Errorf("unknown complex type %q", ct.Type)
	}
	return nil
}

func (t *DataType) parsePrimitive(name string) error {
	switch name {
	case TypeString, TypeLong, TypeInteger, TypeShort, TypeByte, TypeFloat, TypeDouble,
		TypeBoolean, TypeBinary, TypeDate, TypeTimestamp, TypeTimestampNtz:
		*t = DataType{Name: name}
		return nil
	}
	if strings.HasPrefix(name, "decimal(") && strings.HasSuffix(name, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(name, "decimal("), ")")
		p, s, ok := strings.Cut(inner, ",")
		if !ok {
			return fmt.Errorf("invalid decimal type %q", name)
		}
		precision, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid decimal precision in %q: %w", name, err)
		}
		scale, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid decimal scale in %q: %w", name, err)
		}
		if precision < 1 || precision > 38 || scale < 0 || scale > precision {
			return fmt.Errorf("decimal(%d,%d) out of range", precision, scale)
		}
		*t = Decimal(precision, scale)
		return nil
	}
	if name == TypeDecimal {
		*t = Decimal(10, 0)
		return nil
	}
	return fmt.Errorf("unknown primitive type %q", name)
}

func (t DataType) MarshalJSON() ([]byte, error) {
	switch t.Name {
	case TypeStruct:
		fields := t.Fields
		if fields == nil {
			fields = []Field{}
		}
		return json.Marshal(complexType{Type: TypeStruct, Fields: fields})
	case TypeArray:
		cn := t.ContainsNull
		return json.Marshal(complexType{Type: TypeArray, ElementType: t.ElementType, ContainsNull: &cn})
	case TypeMap:
		vcn := t.ValueContainsNull
		return json.Marshal(complexType{Type: TypeMap, KeyType: t.KeyType, ValueType: t.ValueType, ValueContainsNull: &vcn})
	}
	return json.Marshal(t.String())
}

// Parse decodes a schema string as stored in a Metadata action.
func Parse(schemaString string) (*StructType, error) {
	var t DataType
	if err := json.Unmarshal([]byte(schemaString), &t); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	if t.Name != TypeStruct {
		return nil, fmt.Errorf("parsing schema: top-level type is %s, not struct", t.Name)
	}
	st := &StructType{Fields: t.Fields}
	if err := st.validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *StructType) validate() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("parsing schema: empty field name")
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("parsing schema: duplicate field %q", f.Name)
		}
		seen[key] = true
	}
	return nil
}

// String renders the schema back to its JSON schema string.
func (s *StructType) String() string {
	data, err := json.Marshal(DataType{Name: TypeStruct, Fields: s.Fields})
	if err != nil {
		return ""
	}
	return string(data)
}

// AsType returns the schema as a struct DataType.
func (s *StructType) AsType() DataType {
	return DataType{Name: TypeStruct, Fields: s.Fields}
}

// Field looks up a top-level field. Exact matches win over case-insensitive ones.
func (s *StructType) Field(name string) (Field, bool) {
	return lookup(s.Fields, name)
}

func lookup(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Resolve walks a nested column path and returns the leaf field along with its
// physical path under the given column mapping mode.
func (s *StructType) Resolve(path []string, mode ColumnMappingMode) (Field, []string, error) {
	if len(path) == 0 {
		return Field{}, nil, fmt.Errorf("empty column path")
	}
	fields := s.Fields
	physical := make([]string, 0, len(path))
	var f Field
	for i, name := range path {
		var ok bool
		f, ok = lookup(fields, name)
		if !ok {
			return Field{}, nil, fmt.Errorf("column %q not found", strings.Join(path[:i+1], "."))
		}
		physical = append(physical, f.PhysicalName(mode))
		if i < len(path)-1 {
			if f.Type.Name != TypeStruct {
				return Field{}, nil, fmt.Errorf("column %q is not a struct", strings.Join(path[:i+1], "."))
			}
			fields = f.Type.Fields
		}
	}
	return f, physical, nil
}

// Project returns a schema with only the named top-level columns, in the given order.
func (s *StructType) Project(names []string) (*StructType, error) {
	out := &StructType{Fields: make([]Field, 0, len(names))}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out.Fields = append(out.Fields, f)
	}
	return out, nil
}

// Names returns the top-level column names.
func (s *StructType) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
