// Package mst implements the Merkle Search Tree that indexes a
// repository's record paths. The tree's shape is a pure function of its
// contents: each key lives at the layer given by the count of leading
// zero 5-bit groups of SHA-256(key), so any insertion order produces
// byte-identical nodes and a byte-identical root CID.
//
// Trees are immutable. Mutating operations return a new tree that
// shares every untouched subtree with its parent; only nodes on the
// modified path are re-materialized. A freshly mutated node is "dirty"
// and carries no CID until it is serialized on demand.
package mst

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// BlockSource reads content-addressed blocks. Reads may suspend on I/O;
// missing blocks surface as ipld.ErrNotFound from the underlying store.
type BlockSource interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
}

// BlockWriter extends BlockSource with idempotent writes.
type BlockWriter interface {
	BlockSource
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Put(ctx context.Context, blk blocks.Block) error
}

// Tree is one MST node. It can be in three states of hydration:
// virtual (pointer known, entries not loaded), hydrated (entries and
// pointer both valid), or dirty (entries valid, pointer undefined until
// the node is re-serialized).
type Tree struct {
	store   BlockSource
	entries []NodeEntry // nil until hydrated
	pointer cid.Cid     // cid.Undef while dirty
	layer   int         // -1 until known
}

// NewEmpty returns an empty tree at layer 0.
func NewEmpty(store BlockSource) *Tree {
	return &Tree{store: store, entries: []NodeEntry{}, layer: 0}
}

// Load returns a virtual tree for a known root CID. No storage is
// touched until entries are needed. layer may be -1 if unknown.
func Load(store BlockSource, root cid.Cid, layer int) *Tree {
	return &Tree{store: store, pointer: root, layer: layer}
}

// newTree wraps a mutated entry list in a dirty node at this layer.
func (t *Tree) newTree(entries []NodeEntry) *Tree {
	return &Tree{store: t.store, entries: entries, layer: t.layer}
}

// getEntries hydrates the node from the block store if needed. The
// node's layer is derived from its first leaf and every other leaf is
// checked against it.
func (t *Tree) getEntries(ctx context.Context) ([]NodeEntry, error) {
	if t.entries != nil {
		return t.entries, nil
	}
	if !t.pointer.Defined() {
		return nil, fmt.Errorf("mst: node has neither entries nor pointer")
	}
	blk, err := t.store.Get(ctx, t.pointer)
	if err != nil {
		if IsMissingBlock(err) {
			return nil, &MissingBlockError{Cid: t.pointer, Context: "mst-node", Err: err}
		}
		return nil, fmt.Errorf("mst: read node %s: %w", t.pointer, err)
	}
	nd, err := UnmarshalNodeData(blk.RawData())
	if err != nil {
		return nil, err
	}
	layer := t.layer
	for i, e := range nd.Entries {
		// the first entry's suffix is a complete key
		if i == 0 {
			key := string(e.KeySuffix)
			derived := LeadingZerosOnHash([]byte(key))
			if layer >= 0 && derived != layer {
				return nil, &MalformedNodeError{Reason: fmt.Sprintf("node at layer %d holds key of layer %d", layer, derived)}
			}
			layer = derived
			break
		}
	}
	t.layer = layer
	entries, err := deserializeEntries(t.store, nd, layer)
	if err != nil {
		return nil, err
	}
	if layer >= 0 {
		for _, entry := range entries {
			if leaf, ok := entry.(*Leaf); ok {
				if z := LeadingZerosOnHash([]byte(leaf.Key)); z != layer {
					return nil, &MalformedNodeError{Reason: fmt.Sprintf("leaf %q of layer %d in node at layer %d", leaf.Key, z, layer)}
				}
			}
		}
	}
	t.entries = entries
	return t.entries, nil
}

// Pointer returns the node's CID, serializing the node (and any dirty
// children) first when it is dirty.
func (t *Tree) Pointer(ctx context.Context) (cid.Cid, error) {
	if t.pointer.Defined() {
		return t.pointer, nil
	}
	c, _, err := t.serialize(ctx)
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// serialize encodes the node to canonical CBOR, caching the computed
// pointer. Dirty children are serialized first.
func (t *Tree) serialize(ctx context.Context) (cid.Cid, []byte, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return cid.Undef, nil, err
	}
	for _, entry := range entries {
		if sub, ok := entry.(*Tree); ok && !sub.pointer.Defined() {
			if _, err := sub.Pointer(ctx); err != nil {
				return cid.Undef, nil, err
			}
		}
	}
	nd, err := serializeEntries(ctx, entries)
	if err != nil {
		return cid.Undef, nil, err
	}
	raw, err := nd.MarshalCBOR()
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256).Sum(raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	t.pointer = c
	return c, raw, nil
}

// getLayer resolves the node's layer, recursing into children when the
// node itself holds no leaves. An empty tree is layer 0.
func (t *Tree) getLayer(ctx context.Context) (int, error) {
	layer, err := t.attemptGetLayer(ctx)
	if err != nil {
		return 0, err
	}
	if layer < 0 {
		layer = 0
		t.layer = 0
	}
	return layer, nil
}

func (t *Tree) attemptGetLayer(ctx context.Context) (int, error) {
	if t.layer >= 0 {
		return t.layer, nil
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return -1, err
	}
	layer := layerForEntries(entries)
	if layer < 0 {
		for _, entry := range entries {
			if sub, ok := entry.(*Tree); ok {
				childLayer, err := sub.attemptGetLayer(ctx)
				if err != nil {
					return -1, err
				}
				if childLayer >= 0 {
					layer = childLayer + 1
					break
				}
			}
		}
	}
	if layer >= 0 {
		t.layer = layer
	}
	return layer, nil
}

// Add inserts a new leaf. It fails with ErrKeyExists if the key is
// already present and ErrInvalidKey for malformed keys.
func (t *Tree) Add(ctx context.Context, key string, value cid.Cid) (*Tree, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	return t.add(ctx, key, value, LeadingZerosOnHash([]byte(key)))
}

func (t *Tree) add(ctx context.Context, key string, value cid.Cid, keyZeros int) (*Tree, error) {
	layer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	newLeaf := &Leaf{Key: key, Value: value}

	switch {
	case keyZeros == layer:
		// belongs in this node
		index, err := t.findGtOrEqualLeafIndex(ctx, key)
		if err != nil {
			return nil, err
		}
		found, err := t.atIndex(ctx, index)
		if err != nil {
			return nil, err
		}
		if leaf, ok := found.(*Leaf); ok && leaf.Key == key {
			return nil, fmt.Errorf("%w: %q", ErrKeyExists, key)
		}
		prev, err := t.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}
		if sub, ok := prev.(*Tree); ok {
			// the previous entry straddles the key; split it
			left, right, err := sub.splitAround(ctx, key)
			if err != nil {
				return nil, err
			}
			return t.replaceWithSplit(ctx, index-1, left, newLeaf, right)
		}
		return t.spliceIn(ctx, newLeaf, index)

	case keyZeros < layer:
		// belongs in a subtree
		index, err := t.findGtOrEqualLeafIndex(ctx, key)
		if err != nil {
			return nil, err
		}
		prev, err := t.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}
		if sub, ok := prev.(*Tree); ok {
			newSub, err := sub.add(ctx, key, value, keyZeros)
			if err != nil {
				return nil, err
			}
			return t.updateEntry(ctx, index-1, newSub)
		}
		child, err := t.createChild(ctx)
		if err != nil {
			return nil, err
		}
		newSub, err := child.add(ctx, key, value, keyZeros)
		if err != nil {
			return nil, err
		}
		return t.spliceIn(ctx, newSub, index)

	default:
		// belongs above this node; push the tree down around the key
		left, right, err := t.splitAround(ctx, key)
		if err != nil {
			return nil, err
		}
		// the first extra layer is handled by the split itself
		for i := 1; i < keyZeros-layer; i++ {
			if left != nil {
				left, err = left.createParent(ctx)
				if err != nil {
					return nil, err
				}
			}
			if right != nil {
				right, err = right.createParent(ctx)
				if err != nil {
					return nil, err
				}
			}
		}
		entries := []NodeEntry{}
		if left != nil {
			entries = append(entries, left)
		}
		entries = append(entries, newLeaf)
		if right != nil {
			entries = append(entries, right)
		}
		return &Tree{store: t.store, entries: entries, layer: keyZeros}, nil
	}
}

// Get returns the value CID at key, or cid.Undef and false when absent.
func (t *Tree) Get(ctx context.Context, key string) (cid.Cid, bool, error) {
	index, err := t.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return cid.Undef, false, err
	}
	found, err := t.atIndex(ctx, index)
	if err != nil {
		return cid.Undef, false, err
	}
	if leaf, ok := found.(*Leaf); ok && leaf.Key == key {
		return leaf.Value, true, nil
	}
	prev, err := t.atIndex(ctx, index-1)
	if err != nil {
		return cid.Undef, false, err
	}
	if sub, ok := prev.(*Tree); ok {
		return sub.Get(ctx, key)
	}
	return cid.Undef, false, nil
}

// Update replaces the value at an existing key, failing with
// ErrKeyNotFound when the key is absent.
func (t *Tree) Update(ctx context.Context, key string, value cid.Cid) (*Tree, error) {
	if err := EnsureValidKey(key); err != nil {
		return nil, err
	}
	index, err := t.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	found, err := t.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if leaf, ok := found.(*Leaf); ok && leaf.Key == key {
		return t.updateEntry(ctx, index, &Leaf{Key: key, Value: value})
	}
	prev, err := t.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if sub, ok := prev.(*Tree); ok {
		newSub, err := sub.Update(ctx, key, value)
		if err != nil {
			return nil, err
		}
		return t.updateEntry(ctx, index-1, newSub)
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
}

// Delete removes a key and trims any resulting single-subtree top.
func (t *Tree) Delete(ctx context.Context, key string) (*Tree, error) {
	altered, err := t.deleteRecurse(ctx, key)
	if err != nil {
		return nil, err
	}
	return altered.trimTop(ctx)
}

func (t *Tree) deleteRecurse(ctx context.Context, key string) (*Tree, error) {
	index, err := t.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	found, err := t.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if leaf, ok := found.(*Leaf); ok && leaf.Key == key {
		prev, err := t.atIndex(ctx, index-1)
		if err != nil {
			return nil, err
		}
		next, err := t.atIndex(ctx, index+1)
		if err != nil {
			return nil, err
		}
		prevSub, prevIsSub := prev.(*Tree)
		nextSub, nextIsSub := next.(*Tree)
		if prevIsSub && nextIsSub {
			merged, err := prevSub.appendMerge(ctx, nextSub)
			if err != nil {
				return nil, err
			}
			entries, err := t.getEntries(ctx)
			if err != nil {
				return nil, err
			}
			updated := []NodeEntry{}
			updated = append(updated, entries[:index-1]...)
			updated = append(updated, merged)
			updated = append(updated, entries[index+2:]...)
			return t.newTree(updated), nil
		}
		return t.removeEntry(ctx, index)
	}
	prev, err := t.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if sub, ok := prev.(*Tree); ok {
		newSub, err := sub.deleteRecurse(ctx, key)
		if err != nil {
			return nil, err
		}
		subEntries, err := newSub.getEntries(ctx)
		if err != nil {
			return nil, err
		}
		if len(subEntries) == 0 {
			return t.removeEntry(ctx, index-1)
		}
		return t.updateEntry(ctx, index-1, newSub)
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
}

// trimTop collapses a root that holds a single subtree and no leaves.
func (t *Tree) trimTop(ctx context.Context) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 1 {
		if sub, ok := entries[0].(*Tree); ok {
			return sub.trimTop(ctx)
		}
	}
	return t, nil
}

// Insert adds or replaces a key, returning the previous value CID when
// the key already existed. This is the write surface record puts use.
func (t *Tree) Insert(ctx context.Context, key string, value cid.Cid) (*Tree, *cid.Cid, error) {
	existing, found, err := t.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if found {
		updated, err := t.Update(ctx, key, value)
		if err != nil {
			return nil, nil, err
		}
		return updated, &existing, nil
	}
	added, err := t.Add(ctx, key, value)
	if err != nil {
		return nil, nil, err
	}
	return added, nil, nil
}

// Remove deletes a key if present, returning the removed value CID, or
// (t, nil) when the key was absent.
func (t *Tree) Remove(ctx context.Context, key string) (*Tree, *cid.Cid, error) {
	existing, found, err := t.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return t, nil, nil
	}
	deleted, err := t.Delete(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return deleted, &existing, nil
}

// --- simple entry-list operations ---

func (t *Tree) atIndex(ctx context.Context, index int) (NodeEntry, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(entries) {
		return nil, nil
	}
	return entries[index], nil
}

func (t *Tree) updateEntry(ctx context.Context, index int, entry NodeEntry) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := []NodeEntry{}
	updated = append(updated, entries[:index]...)
	updated = append(updated, entry)
	updated = append(updated, entries[index+1:]...)
	return t.newTree(updated), nil
}

func (t *Tree) removeEntry(ctx context.Context, index int) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := []NodeEntry{}
	updated = append(updated, entries[:index]...)
	updated = append(updated, entries[index+1:]...)
	return t.newTree(updated), nil
}

func (t *Tree) appendEntry(ctx context.Context, entry NodeEntry) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := append(append([]NodeEntry{}, entries...), entry)
	return t.newTree(updated), nil
}

func (t *Tree) prependEntry(ctx context.Context, entry NodeEntry) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := append([]NodeEntry{entry}, entries...)
	return t.newTree(updated), nil
}

func (t *Tree) spliceIn(ctx context.Context, entry NodeEntry, index int) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := []NodeEntry{}
	updated = append(updated, entries[:index]...)
	updated = append(updated, entry)
	updated = append(updated, entries[index:]...)
	return t.newTree(updated), nil
}

// replaceWithSplit swaps the entry at index for [left?, leaf, right?].
func (t *Tree) replaceWithSplit(ctx context.Context, index int, left *Tree, leaf *Leaf, right *Tree) (*Tree, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	updated := []NodeEntry{}
	updated = append(updated, entries[:index]...)
	if left != nil {
		updated = append(updated, left)
	}
	updated = append(updated, leaf)
	if right != nil {
		updated = append(updated, right)
	}
	updated = append(updated, entries[index+1:]...)
	return t.newTree(updated), nil
}

// splitAround partitions the node around a key, recursively splitting a
// straddling rightmost-left subtree. Empty sides come back nil.
func (t *Tree) splitAround(ctx context.Context, key string) (*Tree, *Tree, error) {
	index, err := t.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	leftData := entries[:index]
	rightData := entries[index:]
	left := t.newTree(append([]NodeEntry{}, leftData...))
	right := t.newTree(append([]NodeEntry{}, rightData...))

	// a subtree at the far right of the left side may straddle the key
	if len(leftData) > 0 {
		if lastSub, ok := leftData[len(leftData)-1].(*Tree); ok {
			left, err = left.removeEntry(ctx, len(leftData)-1)
			if err != nil {
				return nil, nil, err
			}
			subLeft, subRight, err := lastSub.splitAround(ctx, key)
			if err != nil {
				return nil, nil, err
			}
			if subLeft != nil {
				left, err = left.appendEntry(ctx, subLeft)
				if err != nil {
					return nil, nil, err
				}
			}
			if subRight != nil {
				right, err = right.prependEntry(ctx, subRight)
				if err != nil {
					return nil, nil, err
				}
			}
		}
	}

	leftEntries, err := left.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	rightEntries, err := right.getEntries(ctx)
	if err != nil {
		return nil, nil, err
	}
	var leftOut, rightOut *Tree
	if len(leftEntries) > 0 {
		leftOut = left
	}
	if len(rightEntries) > 0 {
		rightOut = right
	}
	return leftOut, rightOut, nil
}

// appendMerge joins a neighbor whose keys are all greater. When both
// boundary entries are subtrees, those merge recursively.
func (t *Tree) appendMerge(ctx context.Context, toMerge *Tree) (*Tree, error) {
	selfLayer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	mergeLayer, err := toMerge.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	if selfLayer != mergeLayer {
		return nil, fmt.Errorf("mst: cannot merge nodes from different layers")
	}
	selfEntries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	mergeEntries, err := toMerge.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(selfEntries) > 0 && len(mergeEntries) > 0 {
		lastSub, lastOk := selfEntries[len(selfEntries)-1].(*Tree)
		firstSub, firstOk := mergeEntries[0].(*Tree)
		if lastOk && firstOk {
			merged, err := lastSub.appendMerge(ctx, firstSub)
			if err != nil {
				return nil, err
			}
			updated := []NodeEntry{}
			updated = append(updated, selfEntries[:len(selfEntries)-1]...)
			updated = append(updated, merged)
			updated = append(updated, mergeEntries[1:]...)
			return t.newTree(updated), nil
		}
	}
	updated := append(append([]NodeEntry{}, selfEntries...), mergeEntries...)
	return t.newTree(updated), nil
}

func (t *Tree) createChild(ctx context.Context) (*Tree, error) {
	layer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	return &Tree{store: t.store, entries: []NodeEntry{}, layer: layer - 1}, nil
}

func (t *Tree) createParent(ctx context.Context) (*Tree, error) {
	layer, err := t.getLayer(ctx)
	if err != nil {
		return nil, err
	}
	return &Tree{store: t.store, entries: []NodeEntry{t}, layer: layer + 1}, nil
}

// findGtOrEqualLeafIndex returns the entry-list index of the first leaf
// whose key is >= key, or len(entries) when no such leaf exists.
func (t *Tree) findGtOrEqualLeafIndex(ctx context.Context, key string) (int, error) {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if leaf, ok := entry.(*Leaf); ok && leaf.Key >= key {
			return i, nil
		}
	}
	return len(entries), nil
}

// WriteDiffBlocks serializes every node not yet present in bs and puts
// it, returning the root CID. Shared subtrees already in the store are
// skipped, so the writes are exactly the commit's new MST blocks.
func (t *Tree) WriteDiffBlocks(ctx context.Context, bs BlockWriter) (*cid.Cid, error) {
	pointer, raw, err := t.serialize(ctx)
	if err != nil {
		return nil, err
	}
	has, err := bs.Has(ctx, pointer)
	if err != nil {
		return nil, err
	}
	if has {
		return &pointer, nil
	}
	blk, err := blocks.NewBlockWithCid(raw, pointer)
	if err != nil {
		return nil, err
	}
	if err := bs.Put(ctx, blk); err != nil {
		return nil, err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if sub, ok := entry.(*Tree); ok {
			// a virtual child is unchanged from storage by definition
			if sub.entries == nil {
				continue
			}
			if _, err := sub.WriteDiffBlocks(ctx, bs); err != nil {
				return nil, err
			}
		}
	}
	return &pointer, nil
}
