package bencode

import "errors"

// Sentinel errors returned (possibly wrapped) by Marshal/Unmarshal and the
// Encoder/Decoder types. Callers should use errors.Is rather than string
// matching.
var (
	// ErrMalformedInput wraps any decode failure caused by input that does
	// not conform to the bencode grammar (bad length, unterminated
	// container, non-canonical integer, truncated stream, ...).
	ErrMalformedInput = errors.New("bencode: malformed input")

	// ErrUnsupportedType is returned by Encode when asked to serialize a Go
	// value with no bencode representation.
	ErrUnsupportedType = errors.New("bencode: unsupported type")

	// ErrTrailingData is returned by Unmarshal when the input contains
	// extra bytes after a single complete value.
	ErrTrailingData = errors.New("bencode: trailing data")
)
