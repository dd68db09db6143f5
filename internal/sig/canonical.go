package sig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Value is a sealed interface over the types permitted in canonical form.
// Only Null, String, Int, Bool, Array, and Object implement it. There is no
// float type: times are converted to integer microseconds before they reach
// this layer, so a float in a signature input is always a bug.
type Value interface {
	sigValue()
}

// Null is an explicit JSON null. Event tuples carry nullable source fields
// (source row, source frame), so null is a first-class canonical value here.
type Null struct{}

func (Null) sigValue() {}

// String is a canonical string value. NFC-normalized at serialization.
type String string

func (String) sigValue() {}

// Int is a canonical integer value. Always int64.
type Int int64

func (Int) sigValue() {}

// Bool is a canonical boolean value.
type Bool bool

func (Bool) sigValue() {}

// Array is an ordered sequence of canonical values.
type Array []Value

func (Array) sigValue() {}

// Object maps string keys to canonical values. Serialized with keys in
// UTF-16 code unit order.
type Object map[string]Value

func (Object) sigValue() {}

// MarshalCanonical produces the canonical JSON encoding used for signature
// computation. The same value always produces the same bytes:
//   - object keys sorted by UTF-16 code units (not UTF-8 bytes)
//   - no HTML escaping (< > & are kept literal)
//   - strings NFC normalized
//   - no floats (error)
func MarshalCanonical(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("untyped nil in canonical form; use sig.Null")
	case Null:
		return []byte("null"), nil
	case String:
		return marshalCanonicalString(string(val))
	case Int:
		return []byte(fmt.Sprintf("%d", int64(val))), nil
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case Array:
		return marshalCanonicalArray(val)
	case Object:
		return marshalCanonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type in canonical form: %T", v)
	}
}

// marshalCanonicalString encodes a string with NFC normalization and HTML
// escaping disabled. Only control characters, backslash, and quote are
// escaped; U+2028 and U+2029 stay literal per RFC 8785.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a trailing newline.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return unescapeLineSeparators(out), nil
}

// unescapeLineSeparators restores literal U+2028/U+2029 where json.Encoder
// escaped them for JavaScript compatibility. A \u202x preceded by an odd run
// of backslashes encodes a literal backslash followed by the text "u202x"
// and must stay escaped.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		if i+6 <= len(data) && data[i] == '\\' &&
			bytes.Equal(data[i+1:i+5], []byte("u202")) &&
			(data[i+5] == '8' || data[i+5] == '9') {
			backslashes := 0
			for j := len(out) - 1; j >= 0 && out[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 0 {
				if data[i+5] == '8' {
					out = append(out, " "...)
				} else {
					out = append(out, " "...)
				}
				i += 6
				continue
			}
		}
		out = append(out, data[i])
		i++
	}
	return out
}

func marshalCanonicalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalCanonicalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	keys := sortedKeys(obj)
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalCanonicalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// sortedKeys returns the object's keys in UTF-16 code unit order.
// Go's sort.Strings compares UTF-8 bytes, which orders supplementary-plane
// characters differently.
func sortedKeys(obj Object) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
