package rox

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// FieldType enumerates the primitive/reference types a record field can hold.
type FieldType int

const (
	StringField FieldType = iota
	IntField
	FloatField
	BoolField
	TimeField
	UUIDField
	BytesField
	// ReferenceField holds the canonical primary key string of a record in another schema.
	ReferenceField
)

// DefaultKind enumerates the default-value generators a field can declare.
type DefaultKind int

const (
	NoDefault DefaultKind = iota
	// DefaultNowUTC assigns the creation timestamp (UTC) when the field is not supplied.
	DefaultNowUTC
	// DefaultNewUUID assigns a freshly generated random identifier.
	DefaultNewUUID
	// DefaultLiteral assigns the field's Literal value.
	DefaultLiteral
)

// Field describes one record field of a schema.
type Field struct {
	Name         string
	Type         FieldType
	Nullable     bool
	IsPrimaryKey bool
	Default      DefaultKind
	// Literal is the default value used when Default is DefaultLiteral.
	Literal any
}

// Schema is the declarative description of one entity type: name, ordered field
// list and default-value generation. Exactly one field is the primary key.
type Schema struct {
	Name   string
	Fields []Field
}

// NewSchema validates and returns a Schema. It fails when the name is empty, a field
// name repeats, the primary key count is not exactly one, or the primary key is nullable.
func NewSchema(name string, fields ...Field) (Schema, error) {
	if name == "" {
		return Schema{}, Error{Code: Validation, Err: fmt.Errorf("schema name can't be empty string")}
	}
	seen := make(map[string]bool, len(fields))
	pkCount := 0
	for _, f := range fields {
		if f.Name == "" {
			return Schema{}, Error{Code: Validation, Err: fmt.Errorf("schema %s has a field with empty name", name)}
		}
		if seen[f.Name] {
			return Schema{}, Error{Code: Validation, Err: fmt.Errorf("schema %s declares field %s twice", name, f.Name)}
		}
		seen[f.Name] = true
		if f.IsPrimaryKey {
			pkCount++
			if f.Nullable {
				return Schema{}, Error{Code: Validation, Err: fmt.Errorf("schema %s primary key %s can't be nullable", name, f.Name)}
			}
		}
	}
	if pkCount != 1 {
		return Schema{}, Error{Code: Validation, Err: fmt.Errorf("schema %s needs exactly one primary key field, got %d", name, pkCount)}
	}
	return Schema{Name: name, Fields: fields}, nil
}

// MustSchema is NewSchema that panics on error, for package-level schema declarations.
func MustSchema(name string, fields ...Field) Schema {
	s, err := NewSchema(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// PrimaryKey returns the schema's primary key field.
func (s Schema) PrimaryKey() Field {
	for _, f := range s.Fields {
		if f.IsPrimaryKey {
			return f
		}
	}
	// NewSchema guarantees one exists; zero value only for hand-rolled invalid schemas.
	return Field{}
}

// FieldByName looks up a field by name.
func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// GenerateDefaults computes a record's initial field values from the caller-supplied
// input plus the schema-declared generators. Pure apart from the declared generators
// (timestamp-now, random-identifier). Fails with a Validation coded error when input
// names an unknown field, a value doesn't fit its field type, or a required field is
// missing with no generator.
func (s Schema) GenerateDefaults(input map[string]any) (map[string]any, error) {
	for name := range input {
		if _, ok := s.FieldByName(name); !ok {
			return nil, Error{Code: Validation, Err: fmt.Errorf("schema %s has no field %s", s.Name, name)}
		}
	}
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := input[f.Name]; ok && v != nil {
			nv, err := NormalizeValue(f, v)
			if err != nil {
				return nil, err
			}
			out[f.Name] = nv
			continue
		}
		switch f.Default {
		case DefaultNowUTC:
			out[f.Name] = time.Now().UTC()
		case DefaultNewUUID:
			out[f.Name] = NewUUID()
		case DefaultLiteral:
			nv, err := NormalizeValue(f, f.Literal)
			if err != nil {
				return nil, err
			}
			out[f.Name] = nv
		default:
			if !f.Nullable {
				return nil, Error{Code: Validation, Err: fmt.Errorf("schema %s field %s is required and has no generator", s.Name, f.Name)}
			}
			out[f.Name] = nil
		}
	}
	return out, nil
}

// NormalizeValue coerces a caller-supplied value into the canonical in-store
// representation of the field's type (int64, float64, string, bool, time.Time in UTC,
// UUID, []byte). Fails with a Validation coded error on type mismatch.
func NormalizeValue(f Field, v any) (any, error) {
	if v == nil {
		if !f.Nullable {
			return nil, Error{Code: Validation, Err: fmt.Errorf("field %s is not nullable", f.Name)}
		}
		return nil, nil
	}
	switch f.Type {
	case StringField:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case IntField:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			return int64(n), nil
		case float64:
			// JSON numbers arrive as float64; accept integral ones.
			if float64(int64(n)) == n {
				return int64(n), nil
			}
		}
	case FloatField:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case BoolField:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TimeField:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return parsed.UTC(), nil
			}
		}
	case UUIDField:
		switch id := v.(type) {
		case UUID:
			return id, nil
		case uuid.UUID:
			return UUID(id), nil
		case string:
			parsed, err := ParseUUID(id)
			if err == nil {
				return parsed, nil
			}
		}
	case BytesField:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			// JSON round-trips []byte as base64.
			if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
				return decoded, nil
			}
		}
	case ReferenceField:
		switch r := v.(type) {
		case string:
			return r, nil
		case UUID:
			return r.String(), nil
		}
	}
	got, _ := InferType(v)
	return nil, Error{Code: Validation, Err: fmt.Errorf("field %s can't hold a %s value %v", f.Name, got, v)}
}

// FormatKey renders a primary key value into its canonical string form, used as the
// record's identity throughout the engine and over the wire.
func FormatKey(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case UUID:
		return k.String()
	case uuid.UUID:
		return UUID(k).String()
	case int64:
		return strconv.FormatInt(k, 10)
	case int:
		return strconv.Itoa(k)
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// CompareFieldValues orders two canonical field values: negative if a sorts before b.
// nil sorts first; mixed types fall back to their string rendering so sorts stay total.
func CompareFieldValues(a, b any) int {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0
		}
		if a == nil {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		case float64:
			return CompareFieldValues(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		case int64:
			return CompareFieldValues(x, float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0
			}
			if !x {
				return -1
			}
			return 1
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case UUID:
		if y, ok := b.(UUID); ok {
			return x.Compare(y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	}
	return CompareFieldValues(fmt.Sprint(a), fmt.Sprint(b))
}
