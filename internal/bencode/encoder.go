package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v. See Encoder.Encode for the
// supported Go types.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal is like Marshal but panics on error. Useful for encoding
// values a caller has already constructed and knows to be well-formed, such
// as a freshly-built tracker announce reply.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Encoder writes bencoded values to an io.Writer. The zero value is not
// usable; construct one with NewEncoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v.
//
// Supported types: string, []byte, bool, all signed and unsigned integer
// kinds, []any, and map[string]any. Dictionary keys are always emitted in
// lexicographic order, as BEP 3 requires. An unsupported type yields an
// error wrapping ErrUnsupportedType.
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case map[string]any:
		return e.dict(x)
	case []any:
		return e.list(x)
	case string:
		return e.bytes([]byte(x))
	case []byte:
		return e.bytes(x)
	case bool:
		return e.integer(boolToInt64(x))
	case int:
		return e.integer(int64(x))
	case int8:
		return e.integer(int64(x))
	case int16:
		return e.integer(int64(x))
	case int32:
		return e.integer(int64(x))
	case int64:
		return e.integer(x)
	case uint:
		return e.unsigned(uint64(x))
	case uint8:
		return e.unsigned(uint64(x))
	case uint16:
		return e.unsigned(uint64(x))
	case uint32:
		return e.unsigned(uint64(x))
	case uint64:
		return e.unsigned(x)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// writeByte writes a single delimiter byte.
func (e *Encoder) writeByte(tok Token) error {
	_, err := e.w.Write([]byte{tok.Byte()})
	return err
}

// integer emits the 'i'<digits>'e' production for a signed value.
func (e *Encoder) integer(n int64) error {
	if err := e.writeByte(TokenInteger); err != nil {
		return err
	}
	var scratch [32]byte
	if _, err := e.w.Write(strconv.AppendInt(scratch[:0], n, 10)); err != nil {
		return err
	}
	return e.writeByte(TokenEnding)
}

// unsigned emits the same production as integer, for values too large to
// fit in an int64. Bencode has no separate unsigned form.
func (e *Encoder) unsigned(n uint64) error {
	if err := e.writeByte(TokenInteger); err != nil {
		return err
	}
	var scratch [32]byte
	if _, err := e.w.Write(strconv.AppendUint(scratch[:0], n, 10)); err != nil {
		return err
	}
	return e.writeByte(TokenEnding)
}

// bytes emits the '<len>:<data>' byte-string production. Used for both
// string and []byte inputs since bencode makes no distinction.
func (e *Encoder) bytes(b []byte) error {
	var scratch [32]byte
	if _, err := e.w.Write(strconv.AppendInt(scratch[:0], int64(len(b)), 10)); err != nil {
		return err
	}
	if err := e.writeByte(TokenStringSeparator); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

// list emits 'l'<elements>'e', encoding each element recursively.
func (e *Encoder) list(xs []any) error {
	if err := e.writeByte(TokenList); err != nil {
		return err
	}
	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return e.writeByte(TokenEnding)
}

// dict emits 'd'<key><value>...'e' with keys sorted lexicographically.
func (e *Encoder) dict(m map[string]any) error {
	if err := e.writeByte(TokenDict); err != nil {
		return err
	}

	keys := sortedKeys(m)
	for _, k := range keys {
		if err := e.bytes([]byte(k)); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	return e.writeByte(TokenEnding)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
