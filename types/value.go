package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind identifies the variant held by a Value.
type ValueKind uint8

const (
	NullKind ValueKind = iota
	BooleanKind
	IntegerKind
	FloatKind
	TextKind
	BlobKind
)

var valueKindNames = [...]string{
	NullKind:    "Null",
	BooleanKind: "Boolean",
	IntegerKind: "Integer",
	FloatKind:   "Float",
	TextKind:    "Text",
	BlobKind:    "Blob",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", k)
}

// Value is a single SQL value. The zero Value is NULL.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	blob []byte
}

func Null() Value { return Value{} }
func Boolean(b bool) Value { return Value{kind: BooleanKind, b: b} }
func Integer(i int64) Value { return Value{kind: IntegerKind, i: i} }
func Float(f float64) Value { return Value{kind: FloatKind, f: f} }
func Text(s string) Value { return Value{kind: TextKind, s: s} }
func Blob(data []byte) Value { return Value{kind: BlobKind, blob: append([]byte(nil), data...)} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool { return v.kind == NullKind }

// AsInteger returns the integer payload when v is an Integer.
func (v Value) AsInteger() (int64, bool) {
	if v.kind != IntegerKind {
		return 0, false
	}
	return v.i, true
}

// AsBoolean returns the boolean payload when v is a Boolean.
func (v Value) AsBoolean() (bool, bool) {
	if v.kind != BooleanKind {
		return false, false
	}
	return v.b, true
}

// AsFloat returns the float payload when v is a Float.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != FloatKind {
		return 0, false
	}
	return v.f, true
}

// AsText returns the string payload when v is Text.
func (v Value) AsText() (string, bool) {
	if v.kind != TextKind {
		return "", false
	}
	return v.s, true
}

// AsBlob returns a copy of the bytes when v is a Blob.
func (v Value) AsBlob() ([]byte, bool) {
	if v.kind != BlobKind {
		return nil, false
	}
	return append([]byte(nil), v.blob...), true
}

// TypeName returns the SQL type name of the value.
func (v Value) TypeName() string {
	switch v.kind {
	case BooleanKind:
		return "BOOLEAN"
	case IntegerKind:
		return "INTEGER"
	case FloatKind:
		return "FLOAT"
	case TextKind:
		return "TEXT"
	case BlobKind:
		return "BLOB"
	default:
		return "NULL"
	}
}

func (v Value) String() string {
	switch v.kind {
	case BooleanKind:
		return strconv.FormatBool(v.b)
	case IntegerKind:
		return strconv.FormatInt(v.i, 10)
	case FloatKind:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TextKind:
		return v.s
	case BlobKind:
		return "X'" + hex.EncodeToString(v.blob) + "'"
	default:
		return "NULL"
	}
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case BooleanKind:
		return v.b == o.b
	case IntegerKind:
		return v.i == o.i
	case FloatKind:
		return v.f == o.f
	case TextKind:
		return v.s == o.s
	case BlobKind:
		return bytes.Equal(v.blob, o.blob)
	default:
		return true
	}
}

// MarshalJSON encodes the value externally tagged: "Null", {"Integer":1},
// {"Blob":"0a0b"} and so on.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case NullKind:
		return []byte(`"Null"`), nil
	case BooleanKind:
		payload = v.b
	case IntegerKind:
		payload = v.i
	case FloatKind:
		payload = floatPayload(v.f)
	case TextKind:
		payload = v.s
	case BlobKind:
		payload = hex.EncodeToString(v.blob)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
	return json.Marshal(map[string]interface{}{v.kind.String(): payload})
}

// UnmarshalJSON accepts the encoding produced by MarshalJSON. A Blob may also
// be given as an array of byte values.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`"Null"`)) {
		*v = Null()
		return nil
	}

	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid value %s: %w", data, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("value must have exactly one tag, got %d", len(tagged))
	}

	for tag, raw := range tagged {
		switch tag {
		case "Null":
			*v = Null()
		case "Boolean":
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("invalid Boolean: %w", err)
			}
			*v = Boolean(b)
		case "Integer":
			var i int64
			if err := json.Unmarshal(raw, &i); err != nil {
				return fmt.Errorf("invalid Integer: %w", err)
			}
			*v = Integer(i)
		case "Float":
			f, err := decodeFloat(raw)
			if err != nil {
				return err
			}
			*v = Float(f)
		case "Text":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("invalid Text: %w", err)
			}
			*v = Text(s)
		case "Blob":
			blob, err := decodeBlob(raw)
			if err != nil {
				return err
			}
			*v = Value{kind: BlobKind, blob: blob}
		default:
			return fmt.Errorf("unknown value tag %q", tag)
		}
	}
	return nil
}

// JSON has no literal for non-finite numbers, so NaN and the infinities are
// written as the strings "NaN", "Infinity" and "-Infinity".
func floatPayload(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid Float: %s", raw)
	}
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return 0, fmt.Errorf("invalid Float: %q", s)
}

func decodeBlob(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid Blob hex: %w", err)
		}
		return b, nil
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("invalid Blob: %w", err)
	}
	b := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid Blob byte %d at %d", n, i)
		}
		b[i] = byte(n)
	}
	return b, nil
}
