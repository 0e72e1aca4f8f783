package mst

import (
	"context"
	"strings"

	"github.com/ipfs/go-cid"
)

// Walk visits every leaf in key order.
func (t *Tree) Walk(ctx context.Context, fn func(key []byte, val cid.Cid) error) error {
	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch e := entry.(type) {
		case *Leaf:
			if err := fn([]byte(e.Key), e.Value); err != nil {
				return err
			}
		case *Tree:
			if err := e.Walk(ctx, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkReachable visits every leaf whose path from the root is fully
// present in the block store; subtrees behind missing blocks are
// skipped rather than failing, to support partial repos.
func (t *Tree) WalkReachable(ctx context.Context, fn func(key []byte, val cid.Cid) error) error {
	entries, err := t.getEntries(ctx)
	if err != nil {
		if IsMissingBlock(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		switch e := entry.(type) {
		case *Leaf:
			if err := fn([]byte(e.Key), e.Value); err != nil {
				return err
			}
		case *Tree:
			if err := e.WalkReachable(ctx, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkLeavesFrom visits leaves with key >= from in order, stopping when
// fn returns false.
func (t *Tree) walkLeavesFrom(ctx context.Context, from string, fn func(*Leaf) (bool, error)) (bool, error) {
	index, err := t.findGtOrEqualLeafIndex(ctx, from)
	if err != nil {
		return false, err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return false, err
	}
	if index > 0 {
		if sub, ok := entries[index-1].(*Tree); ok {
			cont, err := sub.walkLeavesFrom(ctx, from, fn)
			if err != nil || !cont {
				return cont, err
			}
		}
	}
	for i := index; i < len(entries); i++ {
		switch e := entries[i].(type) {
		case *Leaf:
			cont, err := fn(e)
			if err != nil || !cont {
				return cont, err
			}
		case *Tree:
			cont, err := e.walkLeavesFrom(ctx, from, fn)
			if err != nil || !cont {
				return cont, err
			}
		}
	}
	return true, nil
}

// List returns up to count leaves with key > after and key < before.
// Empty bounds are open.
func (t *Tree) List(ctx context.Context, count int, after, before string) ([]Leaf, error) {
	var out []Leaf
	_, err := t.walkLeavesFrom(ctx, after, func(leaf *Leaf) (bool, error) {
		if leaf.Key == after {
			return true, nil
		}
		if len(out) >= count {
			return false, nil
		}
		if before != "" && leaf.Key >= before {
			return false, nil
		}
		out = append(out, *leaf)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListWithPrefix returns up to count leaves whose key starts with
// prefix, in key order.
func (t *Tree) ListWithPrefix(ctx context.Context, prefix string, count int) ([]Leaf, error) {
	var out []Leaf
	_, err := t.walkLeavesFrom(ctx, prefix, func(leaf *Leaf) (bool, error) {
		if len(out) >= count || !strings.HasPrefix(leaf.Key, prefix) {
			return false, nil
		}
		out = append(out, *leaf)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Leaves returns every leaf in key order.
func (t *Tree) Leaves(ctx context.Context) ([]Leaf, error) {
	var out []Leaf
	err := t.Walk(ctx, func(key []byte, val cid.Cid) error {
		out = append(out, Leaf{Key: string(key), Value: val})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LeafCount returns the number of records in the tree.
func (t *Tree) LeafCount(ctx context.Context) (int, error) {
	leaves, err := t.Leaves(ctx)
	if err != nil {
		return 0, err
	}
	return len(leaves), nil
}

// AllCIDs collects every node CID and every leaf value CID reachable
// from this tree, including the root pointer itself.
func (t *Tree) AllCIDs(ctx context.Context) (map[cid.Cid]struct{}, error) {
	out := make(map[cid.Cid]struct{})
	if err := t.collectCIDs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) collectCIDs(ctx context.Context, out map[cid.Cid]struct{}) error {
	pointer, err := t.Pointer(ctx)
	if err != nil {
		return err
	}
	out[pointer] = struct{}{}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch e := entry.(type) {
		case *Leaf:
			out[e.Value] = struct{}{}
		case *Tree:
			if err := e.collectCIDs(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// CidsForPath returns the node CIDs on the path from the root to a key,
// plus the leaf value CID when the key is present.
func (t *Tree) CidsForPath(ctx context.Context, key string) ([]cid.Cid, error) {
	pointer, err := t.Pointer(ctx)
	if err != nil {
		return nil, err
	}
	cids := []cid.Cid{pointer}
	index, err := t.findGtOrEqualLeafIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	found, err := t.atIndex(ctx, index)
	if err != nil {
		return nil, err
	}
	if leaf, ok := found.(*Leaf); ok && leaf.Key == key {
		return append(cids, leaf.Value), nil
	}
	prev, err := t.atIndex(ctx, index-1)
	if err != nil {
		return nil, err
	}
	if sub, ok := prev.(*Tree); ok {
		rest, err := sub.CidsForPath(ctx, key)
		if err != nil {
			return nil, err
		}
		return append(cids, rest...), nil
	}
	return cids, nil
}
