// Package codec encodes and decodes documents to and from the bytes stored
// in a collection's __json__ column. Pure: no I/O, no database handle.
package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// Document is an unordered mapping from string keys to JSON-shaped values
// (nil, bool, int64, float64, string, []any, map[string]any).
type Document map[string]any

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode produces a stable byte representation of d. Canonical CBOR
// encoding sorts map keys deterministically, so two documents with the
// same key/value pairs in different orders encode to the same bytes.
func Encode(d Document) ([]byte, error) {
	return encMode.Marshal(normalize(d))
}

// Decode reverses Encode. decode(encode(d)) == d up to document-equality:
// numeric values round-trip as int64 or float64 depending on whether CBOR
// stored them as an integer or floating-point major type.
func Decode(b []byte) (Document, error) {
	var raw map[string]any
	if err := decMode.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return Document(denormalize(raw)), nil
}

// normalize converts the value tree into representations CBOR can encode
// canonically and Decode will reconstruct as the same Go types.
func normalize(v any) any {
	switch t := v.(type) {
	case Document:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return int64(t)
	case int32:
		return int64(t)
	default:
		return v
	}
}

// denormalize walks a decoded value tree, converting CBOR's native map
// type into map[string]any recursively and []byte-keyed maps (CBOR may
// decode map keys as any) back into string keys.
func denormalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[asString(k)] = denormalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = denormalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = denormalize(val)
		}
		return out
	default:
		return v
	}
}

func asString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return ""
}

// Equal reports whether two documents are equal up to key order, per the
// round-trip invariant documents must satisfy.
func Equal(a, b Document) bool {
	return equalValue(map[string]any(a), map[string]any(b))
}

func equalValue(a, b any) bool {
	if d, ok := a.(Document); ok {
		a = map[string]any(d)
	}
	if d, ok := b.(Document); ok {
		b = map[string]any(d)
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !equalValue(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
