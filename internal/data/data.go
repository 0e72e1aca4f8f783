// Package data implements the atproto record data model: a restricted
// IPLD value domain with deterministic DAG-CBOR encoding, a DAG-JSON
// wire projection, and CID derivation.
//
// Values are represented as native Go types: nil, bool, int64, string,
// []any, and map[string]any, plus the package types Bytes, CIDLink, and
// Blob. Floats are not part of the domain and are rejected at both the
// JSON and CBOR boundaries.
package data

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// MaxNestingDepth bounds recursion when encoding, decoding, or walking
// record values.
const MaxNestingDepth = 32

// Bytes is a raw byte string value. In DAG-JSON it appears as
// {"$bytes": "<base64>"}; in DAG-CBOR it is a CBOR byte string.
type Bytes []byte

// CIDLink is a link to another content-addressed object. In DAG-JSON it
// appears as {"$link": "<cid>"}; in DAG-CBOR it is tag 42.
type CIDLink cid.Cid

// CID returns the underlying cid.Cid.
func (l CIDLink) CID() cid.Cid { return cid.Cid(l) }

// String returns the canonical base32 text form of the link.
func (l CIDLink) String() string { return cid.Cid(l).String() }

// Blob references externally stored media. It round-trips through
// DAG-JSON as {"$type": "blob", "ref": {"$link": ...}, "mimeType": ...,
// "size": ...} and through DAG-CBOR as a map of the same shape with a
// tag-42 ref.
type Blob struct {
	Ref      cid.Cid
	MimeType string
	Size     int64
}

// asMap projects a blob to the generic map shape used by both codecs.
func (b Blob) asMap() map[string]any {
	return map[string]any{
		"$type":    "blob",
		"ref":      CIDLink(b.Ref),
		"mimeType": b.MimeType,
		"size":     b.Size,
	}
}

// blobFromMap recognizes the blob shape in a decoded map. Legacy
// (pre-lexicon) blobs carried only {cid, mimeType}; those are accepted
// with size -1.
func blobFromMap(m map[string]any) (*Blob, bool) {
	if t, ok := m["$type"].(string); ok && t == "blob" && len(m) == 4 {
		ref, okRef := m["ref"].(CIDLink)
		mime, okMime := m["mimeType"].(string)
		size, okSize := m["size"].(int64)
		if okRef && okMime && okSize {
			return &Blob{Ref: cid.Cid(ref), MimeType: mime, Size: size}, true
		}
		return nil, false
	}
	if len(m) == 2 {
		cidStr, okCid := m["cid"].(string)
		mime, okMime := m["mimeType"].(string)
		if okCid && okMime {
			c, err := cid.Decode(cidStr)
			if err != nil {
				return nil, false
			}
			return &Blob{Ref: c, MimeType: mime, Size: -1}, true
		}
	}
	return nil, false
}

// asInt64 normalizes the integer types a caller may hand us.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// FindBlobRefs walks a record value and collects every blob reference,
// to at most MaxNestingDepth levels.
func FindBlobRefs(val any) []Blob {
	return findBlobRefs(val, 0)
}

func findBlobRefs(val any, depth int) []Blob {
	if depth > MaxNestingDepth {
		return nil
	}
	switch v := val.(type) {
	case Blob:
		return []Blob{v}
	case *Blob:
		return []Blob{*v}
	case []any:
		var out []Blob
		for _, item := range v {
			out = append(out, findBlobRefs(item, depth+1)...)
		}
		return out
	case map[string]any:
		var out []Blob
		for _, item := range v {
			out = append(out, findBlobRefs(item, depth+1)...)
		}
		return out
	}
	return nil
}

// Equal reports deep equality of two record values.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case CIDLink:
		bv, ok := b.(CIDLink)
		return ok && cid.Cid(av).Equals(cid.Cid(bv))
	case Blob:
		bv, ok := b.(Blob)
		return ok && av.Ref.Equals(bv.Ref) && av.MimeType == bv.MimeType && av.Size == bv.Size
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, present := bv[k]
			if !present || !Equal(v, ov) {
				return false
			}
		}
		return true
	}
	return false
}

// validate checks a value is inside the record data domain.
func validate(val any, depth int) error {
	if depth > MaxNestingDepth {
		return fmt.Errorf("data: value nested deeper than %d levels", MaxNestingDepth)
	}
	switch v := val.(type) {
	case nil, bool, string, Bytes, CIDLink, Blob:
		return nil
	case int, int64, uint64:
		if _, ok := asInt64(v); !ok {
			return fmt.Errorf("data: integer out of int64 range")
		}
		return nil
	case float32, float64:
		return fmt.Errorf("data: floats are not allowed in records")
	case []any:
		for _, item := range v {
			if err := validate(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, item := range v {
			if err := validate(item, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("data: unsupported value type %T", val)
}

// Validate checks that a record body stays inside the data model.
func Validate(record map[string]any) error {
	return validate(record, 0)
}
