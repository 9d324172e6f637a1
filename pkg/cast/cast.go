// Package cast converts the untyped any values bencode.Unmarshal produces
// (string, []byte, int64, []any, map[string]any) into the concrete Go types
// callers expect when reading a metainfo dict, a tracker announce reply, or
// a private-tracker request.
package cast

import "fmt"

// TypeError reports a value's actual type did not match what the caller
// needed.
type TypeError struct {
	Want string
	Got  any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("cast: not a %s (got %T)", e.Want, e.Got)
}

func typeErr(want string, got any) error { return &TypeError{Want: want, Got: got} }

// ToString coerces v to a string. bencode byte strings decode as Go
// strings already; []byte is accepted too since callers sometimes hold
// already-decoded binary fields.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", typeErr("string", v)
	}
}

// ToBytes coerces v to a byte slice.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, typeErr("byte string", v)
	}
}

// ToInt coerces v to an int64. bencode integers decode as int64, but this
// also accepts any other Go integer kind so callers can feed in values
// built programmatically (e.g. in tests) without an explicit conversion.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, typeErr("integer", v)
	}
}

// ToStringSlice coerces v to a []any of byte strings, converting each
// element with ToString. Used for a bencoded list of single-tier tracker
// URLs, among other flat lists.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, typeErr("list", v)
	}

	out := make([]string, len(list))
	for i, elem := range list {
		s, err := ToString(elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// ToTieredStrings coerces v to a list of non-empty string lists, the shape
// of BEP 12's announce-list: a list of tiers, each tier a list of tracker
// URLs.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, typeErr("list of tiers", v)
	}

	out := make([][]string, len(tiers))
	for i, tier := range tiers {
		ss, err := ToStringSlice(tier)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
		if len(ss) == 0 {
			return nil, fmt.Errorf("tier %d: empty", i)
		}
		out[i] = ss
	}
	return out, nil
}
