package event

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Value is a field value: a text string, or null meaning absent/cleared.
// Byte values are decoded as ISO-8859-1 when the Value is built.
// The zero Value is null.
type Value struct {
	text  string
	valid bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Text returns a text value.
func Text(s string) Value { return Value{text: s, valid: true} }

// Bytes returns a value decoded from a Latin-1 byte sequence.
// A nil slice is null.
func Bytes(b []byte) Value {
	if b == nil {
		return Value{}
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// ISO-8859-1 maps every byte; decoding cannot fail.
		return Value{text: string(b), valid: true}
	}
	return Value{text: string(s), valid: true}
}

// ValueOf converts a producer supplied value into a Value.
// Accepted inputs are string, []byte, *string, fmt.Stringer, Value and nil.
func ValueOf(v any) Value {
	val, err := parseValue(v)
	if err != nil {
		panic("event: " + err.Error())
	}
	return val
}

func parseValue(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return val, nil
	case string:
		return Text(val), nil
	case []byte:
		return Bytes(val), nil
	case *string:
		if val == nil {
			return Value{}, nil
		}
		return Text(*val), nil
	case fmt.Stringer:
		return Text(val.String()), nil
	default:
		return Value{}, fmt.Errorf("%w: field value type %T", ErrUnsupported, v)
	}
}

// IsNull reports whether the value is absent.
func (v Value) IsNull() bool { return !v.valid }

// String returns the text; null yields the empty string.
func (v Value) String() string { return v.text }

// Ptr returns nil for null, a pointer to the text otherwise.
func (v Value) Ptr() *string {
	if !v.valid {
		return nil
	}
	s := v.text
	return &s
}

// Encode returns the Latin-1 byte form of the value; nil for null.
// Characters outside Latin-1 are replaced.
func (v Value) Encode() []byte {
	if !v.valid {
		return nil
	}
	b, err := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()).Bytes([]byte(v.text))
	if err != nil {
		return []byte(v.text)
	}
	return b
}
