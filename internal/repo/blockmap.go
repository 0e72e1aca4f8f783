package repo

import (
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/meridian-host/meridian-pds/internal/data"
)

// BlockMap is an in-memory CID→bytes staging area used to assemble
// commits and to hold the contents of a CAR during verification. It
// owns no durable storage.
type BlockMap struct {
	blocks map[cid.Cid][]byte
}

// NewBlockMap creates an empty BlockMap.
func NewBlockMap() *BlockMap {
	return &BlockMap{blocks: make(map[cid.Cid][]byte)}
}

// Add canonicalizes a record value, stores its block, and returns the
// derived CID.
func (bm *BlockMap) Add(value map[string]any) (cid.Cid, error) {
	raw, err := data.MarshalCBOR(value)
	if err != nil {
		return cid.Undef, err
	}
	c, err := ComputeCID(raw)
	if err != nil {
		return cid.Undef, err
	}
	bm.Set(c, raw)
	return c, nil
}

// Set stores bytes under a CID, overwriting any previous value.
func (bm *BlockMap) Set(c cid.Cid, raw []byte) {
	bm.blocks[c] = raw
}

// Get returns the bytes for a CID.
func (bm *BlockMap) Get(c cid.Cid) ([]byte, bool) {
	raw, ok := bm.blocks[c]
	return raw, ok
}

// Has reports whether a CID is present.
func (bm *BlockMap) Has(c cid.Cid) bool {
	_, ok := bm.blocks[c]
	return ok
}

// Delete removes a CID.
func (bm *BlockMap) Delete(c cid.Cid) {
	delete(bm.blocks, c)
}

// GetMany splits a CID list into the blocks found here and the CIDs
// that are missing.
func (bm *BlockMap) GetMany(cids []cid.Cid) (*BlockMap, []cid.Cid) {
	found := NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		if raw, ok := bm.blocks[c]; ok {
			found.Set(c, raw)
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing
}

// AddMap copies every block from another BlockMap into this one.
func (bm *BlockMap) AddMap(other *BlockMap) {
	for c, raw := range other.blocks {
		bm.blocks[c] = raw
	}
}

// Cids returns the keys in canonical (string) CID order.
func (bm *BlockMap) Cids() []cid.Cid {
	out := make([]cid.Cid, 0, len(bm.blocks))
	for c := range bm.blocks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].KeyString() < out[j].KeyString()
	})
	return out
}

// ForEach visits blocks in CID order.
func (bm *BlockMap) ForEach(fn func(c cid.Cid, raw []byte) error) error {
	for _, c := range bm.Cids() {
		if err := fn(c, bm.blocks[c]); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of blocks.
func (bm *BlockMap) Size() int {
	return len(bm.blocks)
}

// ByteSize sums the lengths of all stored blocks.
func (bm *BlockMap) ByteSize() int {
	total := 0
	for _, raw := range bm.blocks {
		total += len(raw)
	}
	return total
}

// Equals reports whether two maps hold exactly the same blocks.
func (bm *BlockMap) Equals(other *BlockMap) bool {
	if bm.Size() != other.Size() {
		return false
	}
	for c, raw := range bm.blocks {
		oraw, ok := other.blocks[c]
		if !ok || len(raw) != len(oraw) {
			return false
		}
		for i := range raw {
			if raw[i] != oraw[i] {
				return false
			}
		}
	}
	return true
}
