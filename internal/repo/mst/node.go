package mst

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/bits"

	"github.com/ipfs/go-cid"

	"github.com/meridian-host/meridian-pds/internal/data"
)

// NodeEntry is one element of a node's in-memory entry list: either a
// *Leaf or a *Tree. The list interleaves an optional left subtree, then
// for each leaf an optional right subtree.
type NodeEntry interface {
	isNodeEntry()
}

// Leaf is a key → record-CID pair.
type Leaf struct {
	Key   string
	Value cid.Cid
}

func (*Leaf) isNodeEntry() {}
func (*Tree) isNodeEntry() {}

// TreeEntry is the wire form of a leaf within NodeData: a prefix-
// compressed key suffix, the value CID, and an optional subtree to the
// right of the key.
type TreeEntry struct {
	PrefixLen int64    // count of bytes shared with the previous key
	KeySuffix []byte   // remainder of the key
	Value     cid.Cid  // record CID at this key
	Right     *cid.Cid // subtree between this key and the next
}

// NodeData is the serialized form of one MST node.
type NodeData struct {
	Left    *cid.Cid // subtree to the left of the first key
	Entries []TreeEntry
}

// MarshalCBOR encodes the node as canonical DAG-CBOR:
// {"e": [{"k","p","t","v"}...], "l": cid|null}.
func (nd *NodeData) MarshalCBOR() ([]byte, error) {
	entries := make([]any, 0, len(nd.Entries))
	for _, e := range nd.Entries {
		var right any
		if e.Right != nil {
			right = data.CIDLink(*e.Right)
		}
		entries = append(entries, map[string]any{
			"k": data.Bytes(e.KeySuffix),
			"p": e.PrefixLen,
			"t": right,
			"v": data.CIDLink(e.Value),
		})
	}
	var left any
	if nd.Left != nil {
		left = data.CIDLink(*nd.Left)
	}
	return data.MarshalCBOR(map[string]any{
		"e": entries,
		"l": left,
	})
}

// UnmarshalNodeData decodes and structurally validates a serialized
// node.
func UnmarshalNodeData(raw []byte) (*NodeData, error) {
	val, err := data.DecodeCBOR(raw)
	if err != nil {
		return nil, &MalformedNodeError{Reason: err.Error()}
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, &MalformedNodeError{Reason: "node is not a cbor map"}
	}
	nd := &NodeData{}
	switch l := m["l"].(type) {
	case nil:
	case data.CIDLink:
		c := cid.Cid(l)
		nd.Left = &c
	default:
		return nil, &MalformedNodeError{Reason: "field l must be a cid or null"}
	}
	rawEntries, ok := m["e"].([]any)
	if !ok {
		return nil, &MalformedNodeError{Reason: "field e must be an array"}
	}
	for i, item := range rawEntries {
		em, ok := item.(map[string]any)
		if !ok {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d is not a map", i)}
		}
		var e TreeEntry
		p, ok := em["p"].(int64)
		if !ok || p < 0 {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: bad prefix length", i)}
		}
		e.PrefixLen = p
		k, ok := em["k"].(data.Bytes)
		if !ok {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: key suffix must be bytes", i)}
		}
		e.KeySuffix = []byte(k)
		v, ok := em["v"].(data.CIDLink)
		if !ok {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: value must be a cid", i)}
		}
		e.Value = cid.Cid(v)
		switch t := em["t"].(type) {
		case nil:
		case data.CIDLink:
			c := cid.Cid(t)
			e.Right = &c
		default:
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: field t must be a cid or null", i)}
		}
		nd.Entries = append(nd.Entries, e)
	}
	return nd, nil
}

// serializeEntries converts an in-memory entry list to wire form. All
// subtree pointers must already be resolvable; callers ensure children
// are serialized first.
func serializeEntries(ctx context.Context, entries []NodeEntry) (*NodeData, error) {
	nd := &NodeData{Entries: []TreeEntry{}}
	lastKey := ""
	for i, entry := range entries {
		switch e := entry.(type) {
		case *Tree:
			ptr, err := e.Pointer(ctx)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				nd.Left = &ptr
			} else {
				n := len(nd.Entries)
				if n == 0 {
					return nil, &MalformedNodeError{Reason: "subtree pointers may not be adjacent"}
				}
				if nd.Entries[n-1].Right != nil {
					return nil, &MalformedNodeError{Reason: "subtree pointers may not be adjacent"}
				}
				nd.Entries[n-1].Right = &ptr
			}
		case *Leaf:
			prefix := sharedPrefixLen(lastKey, e.Key)
			nd.Entries = append(nd.Entries, TreeEntry{
				PrefixLen: int64(prefix),
				KeySuffix: []byte(e.Key[prefix:]),
				Value:     e.Value,
			})
			lastKey = e.Key
		}
	}
	return nd, nil
}

// deserializeEntries rebuilds the in-memory entry list from wire form.
// Keys are reconstructed from the prefix compression and checked for
// strict ascending order.
func deserializeEntries(store BlockSource, nd *NodeData, layer int) ([]NodeEntry, error) {
	entries := []NodeEntry{}
	childLayer := -1
	if layer > 0 {
		childLayer = layer - 1
	}
	if nd.Left != nil {
		entries = append(entries, Load(store, *nd.Left, childLayer))
	}
	lastKey := ""
	for i, e := range nd.Entries {
		if int(e.PrefixLen) > len(lastKey) {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: prefix length %d exceeds previous key", i, e.PrefixLen)}
		}
		key := lastKey[:e.PrefixLen] + string(e.KeySuffix)
		if err := EnsureValidKey(key); err != nil {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: %v", i, err)}
		}
		if key <= lastKey && lastKey != "" {
			return nil, &MalformedNodeError{Reason: fmt.Sprintf("entry %d: keys out of order", i)}
		}
		entries = append(entries, &Leaf{Key: key, Value: e.Value})
		if e.Right != nil {
			entries = append(entries, Load(store, *e.Right, childLayer))
		}
		lastKey = key
	}
	return entries, nil
}

// sharedPrefixLen counts the leading bytes two keys share.
func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// LeadingZerosOnHash returns the MST layer for a key: the count of
// leading zero 5-bit groups in SHA-256(key) (fanout 32).
func LeadingZerosOnHash(key []byte) int {
	hash := sha256.Sum256(key)
	zeros := 0
	for _, b := range hash {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros / 5
}

// layerForEntries finds a node's layer from any leaf it holds.
func layerForEntries(entries []NodeEntry) int {
	for _, entry := range entries {
		if leaf, ok := entry.(*Leaf); ok {
			return LeadingZerosOnHash([]byte(leaf.Key))
		}
	}
	return -1
}

// MaxKeyLen is the longest permitted MST key (collection + "/" + rkey).
const MaxKeyLen = 256

// EnsureValidKey rejects keys outside the repo path shape: two
// non-empty segments joined by a single "/", limited to
// [A-Za-z0-9_~.:-], at most MaxKeyLen bytes overall.
func EnsureValidKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	split := -1
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' {
			if split >= 0 {
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
			split = i
			continue
		}
		if !validKeyChar(c) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if split <= 0 || split == len(key)-1 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func validKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '~', c == '.', c == ':', c == '-':
		return true
	}
	return false
}
