// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rowjson converts database rows into the canonical JSONL form
// stored in archive objects.
package rowjson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
)

// Error is the class for serialization failures.
var Error = errs.Class("serialize")

// Kind tags the variant held by a Value.
type Kind byte

// Value variants.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindBytes
	KindTimestamp
	KindDate
	KindTimeOfDay
	KindUUID
	KindList
	KindMap
	KindUnknown
)

// String returns the tag name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindDate:
		return "date"
	case KindTimeOfDay:
		return "time"
	case KindUUID:
		return "uuid"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged variant covering every column type the serializer
// understands. Values are immutable once constructed.
type Value struct {
	kind Kind

	b      bool
	i      int64
	f      float64
	s      string
	bytes  []byte
	t      time.Time
	naive  bool
	u      uuid.UUID
	list   []Value
	fields []Field
}

// Field is a single named value inside a Row or a map Value.
type Field struct {
	Name  string
	Value Value
}

// Row is an ordered mapping of column name to value.
type Row struct {
	Fields []Field
}

// Get returns the value for a column, if present.
func (r Row) Get(name string) (Value, bool) {
	for _, field := range r.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return Value{}, false
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Decimal returns an arbitrary precision decimal value. The decimal string
// is preserved verbatim through serialization.
func Decimal(d decimal.Decimal) Value { return Value{kind: KindDecimal, s: d.String()} }

// DecimalString returns a decimal value backed by an already formatted
// decimal string.
func DecimalString(s string) Value { return Value{kind: KindDecimal, s: s} }

// String returns a text value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte blob value; it serializes as base64.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// Timestamp returns a timezone-aware timestamp value.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }

// NaiveTimestamp returns a timestamp without zone information. Naive
// timestamps serialize with a trailing "Z" and are treated as UTC; the
// wall-clock value itself is left unchanged.
func NaiveTimestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t, naive: true} }

// Date returns a calendar date value.
func Date(t time.Time) Value { return Value{kind: KindDate, t: t} }

// TimeOfDay returns a time-of-day value.
func TimeOfDay(t time.Time) Value { return Value{kind: KindTimeOfDay, t: t} }

// UUID returns a uuid value; it serializes in canonical lowercase form.
func UUID(u uuid.UUID) Value { return Value{kind: KindUUID, u: u} }

// List returns a homogeneous array value.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map returns a nested structured value with ordered fields.
func Map(fields ...Field) Value { return Value{kind: KindMap, fields: fields} }

// Unknown returns the fallback variant carrying the value's string form.
func Unknown(text string) Value { return Value{kind: KindUnknown, s: text} }

// Time returns the time carried by timestamp, date and time-of-day values.
func (v Value) Time() (t time.Time, ok bool) {
	switch v.kind {
	case KindTimestamp, KindDate, KindTimeOfDay:
		return v.t, true
	}
	return time.Time{}, false
}

// Driver returns the native Go value handed to the database driver when the
// value is used as a query argument.
func (v Value) Driver() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindDecimal, KindString, KindUnknown:
		return v.s
	case KindBytes:
		return v.bytes
	case KindTimestamp, KindDate, KindTimeOfDay:
		return v.t
	case KindUUID:
		return v.u.String()
	default:
		return v.String()
	}
}

// String returns a canonical text form, primarily for primary keys and log
// output.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindDecimal, KindString, KindUnknown:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.bytes)
	case KindTimestamp:
		return v.formatTimestamp()
	case KindDate:
		return v.t.Format("2006-01-02")
	case KindTimeOfDay:
		return v.t.Format("15:04:05.999999999")
	case KindUUID:
		return v.u.String()
	default:
		data, err := v.MarshalJSON()
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func (v Value) formatTimestamp() string {
	if v.naive {
		return v.t.Format("2006-01-02T15:04:05.999999999") + "Z"
	}
	return v.t.Format(time.RFC3339Nano)
}

// MarshalJSON implements json.Marshaler with the canonical wire encoding.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return json.Marshal(strconv.FormatFloat(v.f, 'g', -1, 64))
		}
		return json.Marshal(v.f)
	case KindDecimal, KindString, KindUnknown:
		return json.Marshal(v.s)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.bytes))
	case KindTimestamp:
		return json.Marshal(v.formatTimestamp())
	case KindDate:
		return json.Marshal(v.t.Format("2006-01-02"))
	case KindTimeOfDay:
		return json.Marshal(v.t.Format("15:04:05.999999999"))
	case KindUUID:
		return json.Marshal(v.u.String())
	case KindList:
		out := []byte{'['}
		for i, item := range v.list {
			if i > 0 {
				out = append(out, ',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		return append(out, ']'), nil
	case KindMap:
		out := []byte{'{'}
		for i, field := range v.fields {
			if i > 0 {
				out = append(out, ',')
			}
			name, err := json.Marshal(field.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, name...)
			out = append(out, ':')
			data, err := field.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		return append(out, '}'), nil
	default:
		return nil, Error.New("unhandled kind %d", v.kind)
	}
}

// FromAny converts a driver-level Go value into a tagged Value. Types the
// converter does not recognize fall through to their string form; the caller
// is expected to log the returned warning flag.
func FromAny(raw any) (_ Value, unknown bool) {
	switch value := raw.(type) {
	case nil:
		return Null(), false
	case bool:
		return Bool(value), false
	case int:
		return Int(int64(value)), false
	case int8:
		return Int(int64(value)), false
	case int16:
		return Int(int64(value)), false
	case int32:
		return Int(int64(value)), false
	case int64:
		return Int(value), false
	case uint:
		return Int(int64(value)), false
	case uint16:
		return Int(int64(value)), false
	case uint32:
		return Int(int64(value)), false
	case float32:
		return Float(float64(value)), false
	case float64:
		return Float(value), false
	case decimal.Decimal:
		return Decimal(value), false
	case pgtype.Numeric:
		return fromNumeric(value)
	case pgtype.Time:
		if !value.Valid {
			return Null(), false
		}
		return TimeOfDay(time.Time{}.Add(time.Duration(value.Microseconds) * time.Microsecond)), false
	case string:
		return String(value), false
	case []byte:
		return Bytes(value), false
	case time.Time:
		return Timestamp(value), false
	case uuid.UUID:
		return UUID(value), false
	case [16]byte:
		return UUID(uuid.UUID(value)), false
	case []any:
		items := make([]Value, 0, len(value))
		for _, item := range value {
			converted, itemUnknown := FromAny(item)
			unknown = unknown || itemUnknown
			items = append(items, converted)
		}
		return List(items...), unknown
	case map[string]any:
		fields := make([]Field, 0, len(value))
		for _, name := range sortedKeys(value) {
			converted, itemUnknown := FromAny(value[name])
			unknown = unknown || itemUnknown
			fields = append(fields, Field{Name: name, Value: converted})
		}
		return Map(fields...), unknown
	default:
		return Unknown(fmt.Sprint(raw)), true
	}
}

// fromNumeric converts a scanned numeric that bypassed the registered
// decimal codec, such as values read through a raw type map. The special
// values follow their Postgres text form.
func fromNumeric(value pgtype.Numeric) (Value, bool) {
	switch {
	case !value.Valid:
		return Null(), false
	case value.NaN:
		return DecimalString("NaN"), false
	case value.InfinityModifier == pgtype.Infinity:
		return DecimalString("Infinity"), false
	case value.InfinityModifier == pgtype.NegativeInfinity:
		return DecimalString("-Infinity"), false
	}
	mantissa := value.Int
	if mantissa == nil {
		mantissa = new(big.Int)
	}
	return Decimal(decimal.NewFromBigInt(mantissa, value.Exp)), false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
