package redis

import (
	"fmt"
	"unicode/utf8"
)

// DecodeError signals that a bulk/simple string reply could not be
// decoded with the caller-requested Encoding. It rejects only the one
// call that requested decoding — the bytes were already consumed from the
// stream and other in-flight commands are unaffected.
type DecodeError struct {
	Encoding Encoding
	Msg      string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("redis: decode as %s: %s", e.Encoding, e.Msg)
}

// applyDecoding recursively decodes bulk strings (and, within arrays,
// nested bulk strings) to text per enc. The zero Encoding ("") means "no
// decoding" and is a no-op, returning the raw value.
func applyDecoding(v Value, enc Encoding) (Value, error) {
	if enc == "" {
		return v, nil
	}
	switch v.Kind {
	case Bulk:
		if v.Bulk == nil {
			return v, nil
		}
		s, err := decodeText(v.Bulk, enc)
		if err != nil {
			return Value{}, err
		}
		v.Str = s
		return v, nil

	case Array:
		if v.Array == nil {
			return v, nil
		}
		out := make([]Value, len(v.Array))
		for i, elem := range v.Array {
			decoded, err := applyDecoding(elem, enc)
			if err != nil {
				return Value{}, err
			}
			out[i] = decoded
		}
		v.Array = out
		return v, nil

	default:
		return v, nil
	}
}

func decodeText(b []byte, enc Encoding) (string, error) {
	switch enc {
	case UTF8:
		if !utf8.Valid(b) {
			return "", &DecodeError{Encoding: enc, Msg: "invalid UTF-8"}
		}
		return string(b), nil
	default:
		return "", &DecodeError{Encoding: enc, Msg: "unsupported encoding"}
	}
}
