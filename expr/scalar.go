package expr

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"lakekernel/schema"
)

// Scalar is a typed, possibly null, literal value.
//
// Integral types, dates (days since epoch) and timestamps (microseconds since
// epoch) are held as int64, float and double as float64, decimals as *big.Rat.
type Scalar struct {
	Type schema.DataType
	Null bool
	v    any
}

// Null returns a null of the given type. An empty type name means an untyped null.
func Null(t schema.DataType) Scalar {
	return Scalar{Type: t, Null: true}
}

func Long(v int64) Scalar       { return Scalar{Type: schema.Primitive(schema.TypeLong), v: v} }
func Integer(v int32) Scalar    { return Scalar{Type: schema.Primitive(schema.TypeInteger), v: int64(v)} }
func Double(v float64) Scalar   { return Scalar{Type: schema.Primitive(schema.TypeDouble), v: v} }
func String(v string) Scalar    { return Scalar{Type: schema.Primitive(schema.TypeString), v: v} }
func Bool(v bool) Scalar        { return Scalar{Type: schema.Primitive(schema.TypeBoolean), v: v} }
func Binary(v []byte) Scalar    { return Scalar{Type: schema.Primitive(schema.TypeBinary), v: v} }
func Date(days int64) Scalar    { return Scalar{Type: schema.Primitive(schema.TypeDate), v: days} }
func Timestamp(us int64) Scalar { return Scalar{Type: schema.Primitive(schema.TypeTimestamp), v: us} }

// TimestampNtz returns a timestamp without time zone in microseconds since epoch.
func TimestampNtz(us int64) Scalar {
	return Scalar{Type: schema.Primitive(schema.TypeTimestampNtz), v: us}
}

// DecimalScalar returns a decimal with the given type holding r.
func DecimalScalar(r *big.Rat, precision, scale int) Scalar {
	return Scalar{Type: schema.Decimal(precision, scale), v: new(big.Rat).Set(r)}
}

// Value returns the Go value: int64, float64, string, []byte, bool or *big.Rat. Nil for null.
func (s Scalar) Value() any {
	if s.Null {
		return nil
	}
	return s.v
}

func (s Scalar) String() string {
	if s.Null {
		return "null"
	}
	switch v := s.v.(type) {
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("x'%x'", v)
	case *big.Rat:
		return v.FloatString(s.Type.Scale)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		switch s.Type.Name {
		case schema.TypeDate:
			return time.Unix(v*86400, 0).UTC().Format(time.DateOnly)
		case schema.TypeTimestamp, schema.TypeTimestampNtz:
			return time.UnixMicro(v).UTC().Format("2006-01-02 15:04:05.999999")
		}
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprint(s.v)
}

type family int

const (
	famNone family = iota
	famNumeric
	famString
	famBinary
	famBool
	famDate
	famTimestamp
	famTimestampNtz
)

func familyOf(t schema.DataType) family {
	switch t.Name {
	case schema.TypeByte, schema.TypeShort, schema.TypeInteger, schema.TypeLong,
		schema.TypeFloat, schema.TypeDouble, schema.TypeDecimal:
		return famNumeric
	case schema.TypeString:
		return famString
	case schema.TypeBinary:
		return famBinary
	case schema.TypeBoolean:
		return famBool
	case schema.TypeDate:
		return famDate
	case schema.TypeTimestamp:
		return famTimestamp
	case schema.TypeTimestampNtz:
		return famTimestampNtz
	}
	return famNone
}

// CompareScalars orders two non-null scalars. ok is false when the values are
// incomparable: a null, different type families, or a NaN.
func CompareScalars(a, b Scalar) (cmp int, ok bool) {
	if a.Null || b.Null {
		return 0, false
	}
	fa, fb := familyOf(a.Type), familyOf(b.Type)
	if fa != fb || fa == famNone {
		return 0, false
	}
	switch fa {
	case famNumeric:
		return compareNumeric(a.v, b.v)
	case famString:
		return strings.Compare(a.v.(string), b.v.(string)), true
	case famBinary:
		return bytes.Compare(a.v.([]byte), b.v.([]byte)), true
	case famBool:
		x, y := a.v.(bool), b.v.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	default:
		return cmpInt(a.v.(int64), b.v.(int64)), true
	}
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareNumeric(a, b any) (int, bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpInt(x, y), true
		case float64:
			return cmpFloat(float64(x), y)
		case *big.Rat:
			return new(big.Rat).SetInt64(x).Cmp(y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpFloat(x, float64(y))
		case float64:
			return cmpFloat(x, y)
		case *big.Rat:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				if math.IsNaN(x) {
					return 0, false
				}
				if x > 0 {
					return 1, true
				}
				return -1, true
			}
			return new(big.Rat).SetFloat64(x).Cmp(y), true
		}
	case *big.Rat:
		c, ok := compareNumeric(b, a)
		return -c, ok
	}
	return 0, false
}

func cmpFloat(x, y float64) (int, bool) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

// Equal reports whether two scalars are comparable and equal.
func Equal(a, b Scalar) bool {
	c, ok := CompareScalars(a, b)
	return ok && c == 0
}

// ParsePartitionValue parses the string form of a partition value. An empty
// string is a null partition value.
func ParsePartitionValue(raw string, t schema.DataType) (Scalar, error) {
	if raw == "" {
		return Null(t), nil
	}
	s, err := parseTyped(raw, t)
	if err != nil {
		return Scalar{}, fmt.Errorf("parsing %q as %s: %w", raw, t, err)
	}
	return s, nil
}

func parseTyped(raw string, t schema.DataType) (Scalar, error) {
	out := Scalar{Type: t}
	switch t.Name {
	case schema.TypeString:
		out.v = raw
	case schema.TypeBinary:
		out.v = []byte(raw)
	case schema.TypeByte, schema.TypeShort, schema.TypeInteger, schema.TypeLong:
		bits := map[string]int{schema.TypeByte: 8, schema.TypeShort: 16, schema.TypeInteger: 32, schema.TypeLong: 64}[t.Name]
		v, err := strconv.ParseInt(raw, 10, bits)
		if err != nil {
			return Scalar{}, err
		}
		out.v = v
	case schema.TypeFloat, schema.TypeDouble:
		bits := 64
		if t.Name == schema.TypeFloat {
			bits = 32
		}
		v, err := strconv.ParseFloat(raw, bits)
		if err != nil {
			return Scalar{}, err
		}
		out.v = v
	case schema.TypeBoolean:
		switch {
		case strings.EqualFold(raw, "true"):
			out.v = true
		case strings.EqualFold(raw, "false"):
			out.v = false
		default:
			return Scalar{}, fmt.Errorf("not a boolean")
		}
	case schema.TypeDate:
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return Scalar{}, err
		}
		out.v = d.Unix() / 86400
	case schema.TypeTimestamp, schema.TypeTimestampNtz:
		ts, err := time.Parse("2006-01-02 15:04:05.999999999", raw)
		if err != nil && t.Name == schema.TypeTimestamp {
			ts, err = time.Parse(time.RFC3339Nano, raw)
		}
		if err != nil {
			return Scalar{}, err
		}
		out.v = ts.UnixMicro()
	case schema.TypeDecimal:
		r, ok := new(big.Rat).SetString(raw)
		if !ok {
			return Scalar{}, fmt.Errorf("not a decimal")
		}
		if err := fitsDecimal(r, t.Precision, t.Scale); err != nil {
			return Scalar{}, err
		}
		out.v = r
	default:
		return Scalar{}, fmt.Errorf("type %s cannot hold a literal", t)
	}
	return out, nil
}

func fitsDecimal(r *big.Rat, precision, scale int) error {
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)))
	if !scaled.IsInt() {
		return fmt.Errorf("more than %d fractional digits", scale)
	}
	digits := len(new(big.Int).Abs(scaled.Num()).String())
	if scaled.Num().Sign() != 0 && digits > precision {
		return fmt.Errorf("more than %d digits", precision)
	}
	return nil
}

// Coerce converts a literal so it can be compared with a column of type t.
func Coerce(s Scalar, t schema.DataType) (Scalar, error) {
	if s.Null {
		return Null(t), nil
	}
	from, to := familyOf(s.Type), familyOf(t)
	if from == to {
		if from == famNumeric && t.Name == schema.TypeDecimal {
			if _, isRat := s.v.(*big.Rat); !isRat {
				if f, isFloat := s.v.(float64); isFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
					return s, nil
				}
				return Scalar{Type: t, v: toRat(s.v)}, nil
			}
		}
		return s, nil
	}
	if from == famString {
		return parseTyped(s.v.(string), t)
	}
	return Scalar{}, fmt.Errorf("cannot compare %s with %s", s.Type, t)
}

func toRat(v any) *big.Rat {
	switch x := v.(type) {
	case int64:
		return new(big.Rat).SetInt64(x)
	case float64:
		return new(big.Rat).SetFloat64(x)
	case *big.Rat:
		return x
	}
	return new(big.Rat)
}

// FromGo builds a scalar from a Go value.
func FromGo(v any) (Scalar, error) {
	switch x := v.(type) {
	case nil:
		return Null(schema.DataType{}), nil
	case Scalar:
		return x, nil
	case int:
		return Long(int64(x)), nil
	case int32:
		return Integer(x), nil
	case int64:
		return Long(x), nil
	case float64:
		return Double(x), nil
	case float32:
		return Double(float64(x)), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case []byte:
		return Binary(x), nil
	case time.Time:
		return Timestamp(x.UnixMicro()), nil
	}
	return Scalar{}, fmt.Errorf("unsupported literal type %T", v)
}
