// Package canon implements the canonical-JSON normalization and content
// hashing that give molecules and specifications their identity (§3, §4.1,
// §4.2): recursive key sorting, numeric normalization (NaN rejected, -0
// collapsed to +0), and lowercase folding of case-sensitive enumerations.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openqc/fleet/pkg/ferrors"
)

// Normalize walks an arbitrary JSON-decoded value (as produced by
// json.Unmarshal into `any`) and returns a canonical form: object keys
// sorted, numbers normalized, strings left untouched. It rejects NaN and
// Inf, which have no canonical JSON representation.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			n, err := Normalize(sub)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			n, err := Normalize(sub)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case float64:
		if math.IsNaN(val) {
			return nil, ferrors.DeveloperErrorf("canon: NaN is not a canonicalizable value")
		}
		if math.IsInf(val, 0) {
			return nil, ferrors.DeveloperErrorf("canon: Inf is not a canonicalizable value")
		}
		if val == 0 {
			// collapse -0 to +0; math.Copysign(0, -1) == val would be true for -0.
			return 0.0, nil
		}
		return val, nil
	default:
		return val, nil
	}
}

// NormalizeRaw parses raw JSON, normalizes it, and re-marshals it with
// sorted object keys, producing a byte-stable canonical encoding.
func NormalizeRaw(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ferrors.DeveloperErrorf("canon: invalid json: %v", err)
	}
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(n)
}

// marshalCanonical serializes a normalized value with deterministic key
// order. encoding/json already sorts map[string]any keys since Go 1.12, but
// we write our own encoder so canonical form is guaranteed independent of
// that implementation detail and so []any tuples always marshal as JSON
// arrays (per §4's "tuple -> array" rule for serialized grid-opt keys).
func marshalCanonical(v any) (json.RawMessage, error) {
	var b strings.Builder
	if err := encodeCanonical(&b, v); err != nil {
		return nil, err
	}
	return json.RawMessage(b.String()), nil
}

func encodeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case float64:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kenc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kenc)
			b.WriteByte(':')
			if err := encodeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return ferrors.DeveloperErrorf("canon: unsupported value type %T", v)
	}
	return nil
}

// Lowercase case-folds a case-sensitive enumeration string, per the
// lowercase invariant on program/method/basis/driver (§4 invariant 7).
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Hash returns the content-address (hex sha256) of arbitrary canonical JSON
// bytes. Callers pass the output of NormalizeRaw or a hand-built canonical
// document.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes and hashes a composite Go value in one step by
// round-tripping it through JSON.
func HashValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", ferrors.DeveloperErrorf("canon: marshal: %v", err)
	}
	canonical, err := NormalizeRaw(raw)
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}

// SerializeKey renders a grid-optimization grid key (a tuple of integer grid
// coordinates) as canonical JSON so it can index an opaque service_state map
// (§4.5's "keys serialized to strings via canonical JSON (tuple -> array)").
func SerializeKey(coords []int) (string, error) {
	tuple := make([]any, len(coords))
	for i, c := range coords {
		tuple[i] = float64(c)
	}
	raw, err := marshalCanonical(tuple)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DeserializeKey parses a grid key produced by SerializeKey back into its
// integer coordinates.
func DeserializeKey(key string) ([]int, error) {
	var floats []float64
	if err := json.Unmarshal([]byte(key), &floats); err != nil {
		return nil, ferrors.DeveloperErrorf("canon: invalid grid key %q: %v", key, err)
	}
	out := make([]int, len(floats))
	for i, f := range floats {
		out[i] = int(f)
	}
	return out, nil
}

// FoldSpec returns a copy of a specification-shaped map with every value
// lowercased (the input map is left unchanged) for use before
// normalization, matching the
// lowercase invariant enforced both at the API boundary and by the store's
// check constraint (§4 invariant 7, §5 migrations).
func FoldSpec(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = Lowercase(v)
	}
	return out
}

// ValidateNoDuplicateKeys is a defensive check used before Normalize on
// maps built from external input where duplicate-after-fold keys (e.g.
// "Program" and "program" colliding post-lowercase) would silently drop
// data. Returns a DeveloperError naming the first collision found.
func ValidateNoDuplicateKeys(rawKeys []string) error {
	seen := make(map[string]string, len(rawKeys))
	for _, k := range rawKeys {
		folded := Lowercase(k)
		if orig, ok := seen[folded]; ok && orig != k {
			return ferrors.DeveloperErrorf("canon: keys %q and %q collide after case folding", orig, k)
		}
		seen[folded] = k
	}
	return nil
}

// Sprint renders a normalized value as a debug string, primarily for error
// messages and logs; not used for hashing.
func Sprint(v any) string {
	raw, err := marshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<unencodable: %v>", err)
	}
	return string(raw)
}
