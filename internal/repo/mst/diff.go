package mst

import (
	"context"

	"github.com/ipfs/go-cid"
)

// DataAdd records a key present only in the new tree.
type DataAdd struct {
	Key string
	Cid cid.Cid
}

// DataUpdate records a key whose value CID changed.
type DataUpdate struct {
	Key  string
	Prev cid.Cid
	Cid  cid.Cid
}

// DataDelete records a key present only in the prior tree.
type DataDelete struct {
	Key string
	Cid cid.Cid
}

// DataDiff is the result of a two-tree walk: record-level mutations
// plus the block-level bookkeeping needed to assemble a commit.
type DataDiff struct {
	Adds    map[string]DataAdd
	Updates map[string]DataUpdate
	Deletes map[string]DataDelete

	NewMstBlocks map[cid.Cid][]byte // serialized nodes new in the current tree
	NewLeafCids  map[cid.Cid]struct{}
	RemovedCids  map[cid.Cid]struct{}
}

func newDataDiff() *DataDiff {
	return &DataDiff{
		Adds:         make(map[string]DataAdd),
		Updates:      make(map[string]DataUpdate),
		Deletes:      make(map[string]DataDelete),
		NewMstBlocks: make(map[cid.Cid][]byte),
		NewLeafCids:  make(map[cid.Cid]struct{}),
		RemovedCids:  make(map[cid.Cid]struct{}),
	}
}

func (d *DataDiff) recordAdd(key string, c cid.Cid) {
	d.Adds[key] = DataAdd{Key: key, Cid: c}
	d.NewLeafCids[c] = struct{}{}
}

func (d *DataDiff) recordUpdate(key string, prev, c cid.Cid) {
	d.Updates[key] = DataUpdate{Key: key, Prev: prev, Cid: c}
	d.NewLeafCids[c] = struct{}{}
	d.RemovedCids[prev] = struct{}{}
}

func (d *DataDiff) recordDelete(key string, c cid.Cid) {
	d.Deletes[key] = DataDelete{Key: key, Cid: c}
	d.RemovedCids[c] = struct{}{}
}

func (d *DataDiff) recordNewNode(ctx context.Context, t *Tree) error {
	c, raw, err := t.serialize(ctx)
	if err != nil {
		return err
	}
	d.NewMstBlocks[c] = raw
	return nil
}

func (d *DataDiff) recordRemovedNode(ctx context.Context, t *Tree) error {
	c, err := t.Pointer(ctx)
	if err != nil {
		return err
	}
	d.RemovedCids[c] = struct{}{}
	return nil
}

// DiffTrees computes the minimal record-level change set between prev
// and curr. Subtrees with equal pointers are stepped over without
// hydration, so the walk is linear in the number of changes, not the
// size of the trees. prev may be nil for a from-empty diff.
func DiffTrees(ctx context.Context, curr *Tree, prev *Tree) (*DataDiff, error) {
	diff := newDataDiff()
	if prev == nil {
		if err := diff.recordEntireTree(ctx, curr); err != nil {
			return nil, err
		}
		return diff, nil
	}

	left := newWalker(prev)
	right := newWalker(curr)

	for !left.done || !right.done {
		// one side exhausted: everything remaining on the other side
		// is pure addition or removal
		if left.done && !right.done {
			switch node := right.status.curr.(type) {
			case *Leaf:
				diff.recordAdd(node.Key, node.Value)
			case *Tree:
				if err := diff.recordNewNode(ctx, node); err != nil {
					return nil, err
				}
			}
			if err := right.advance(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if !left.done && right.done {
			switch node := left.status.curr.(type) {
			case *Leaf:
				diff.recordDelete(node.Key, node.Value)
			case *Tree:
				if err := diff.recordRemovedNode(ctx, node); err != nil {
					return nil, err
				}
			}
			if err := left.advance(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if left.done || right.done {
			break
		}

		leftCurr := left.status.curr
		rightCurr := right.status.curr
		if leftCurr == nil || rightCurr == nil {
			break
		}

		leftLeaf, leftIsLeaf := leftCurr.(*Leaf)
		rightLeaf, rightIsLeaf := rightCurr.(*Leaf)

		// both at leaves: ordinary merge step
		if leftIsLeaf && rightIsLeaf {
			switch {
			case leftLeaf.Key == rightLeaf.Key:
				if !leftLeaf.Value.Equals(rightLeaf.Value) {
					diff.recordUpdate(leftLeaf.Key, leftLeaf.Value, rightLeaf.Value)
				}
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			case leftLeaf.Key < rightLeaf.Key:
				diff.recordDelete(leftLeaf.Key, leftLeaf.Value)
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
			default:
				diff.recordAdd(rightLeaf.Key, rightLeaf.Value)
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		// walkers on different layers: catch the higher one up
		leftLayer, err := left.layer(ctx)
		if err != nil {
			return nil, err
		}
		rightLayer, err := right.layer(ctx)
		if err != nil {
			return nil, err
		}
		if leftLayer > rightLayer {
			if leftIsLeaf {
				if rightIsLeaf {
					diff.recordAdd(rightLeaf.Key, rightLeaf.Value)
				} else {
					if err := diff.recordNewNode(ctx, rightCurr.(*Tree)); err != nil {
						return nil, err
					}
				}
				if err := right.advance(ctx); err != nil {
					return nil, err
				}
			} else {
				if err := diff.recordRemovedNode(ctx, leftCurr.(*Tree)); err != nil {
					return nil, err
				}
				if err := left.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}
		if leftLayer < rightLayer {
			if rightIsLeaf {
				if leftIsLeaf {
					diff.recordDelete(leftLeaf.Key, leftLeaf.Value)
				} else {
					if err := diff.recordRemovedNode(ctx, leftCurr.(*Tree)); err != nil {
						return nil, err
					}
				}
				if err := left.advance(ctx); err != nil {
					return nil, err
				}
			} else {
				if err := diff.recordNewNode(ctx, rightCurr.(*Tree)); err != nil {
					return nil, err
				}
				if err := right.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		// same layer, both at subtrees: skip when identical
		if !leftIsLeaf && !rightIsLeaf {
			leftTree := leftCurr.(*Tree)
			rightTree := rightCurr.(*Tree)
			leftPtr, err := leftTree.Pointer(ctx)
			if err != nil {
				return nil, err
			}
			rightPtr, err := rightTree.Pointer(ctx)
			if err != nil {
				return nil, err
			}
			if leftPtr.Equals(rightPtr) {
				if err := left.stepOver(ctx); err != nil {
					return nil, err
				}
				if err := right.stepOver(ctx); err != nil {
					return nil, err
				}
			} else {
				if err := diff.recordNewNode(ctx, rightTree); err != nil {
					return nil, err
				}
				if err := diff.recordRemovedNode(ctx, leftTree); err != nil {
					return nil, err
				}
				if err := left.stepInto(ctx); err != nil {
					return nil, err
				}
				if err := right.stepInto(ctx); err != nil {
					return nil, err
				}
			}
			continue
		}

		// same layer, one subtree and one leaf: enter the subtree
		if leftIsLeaf && !rightIsLeaf {
			if err := diff.recordNewNode(ctx, rightCurr.(*Tree)); err != nil {
				return nil, err
			}
			if err := right.stepInto(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if err := diff.recordRemovedNode(ctx, leftCurr.(*Tree)); err != nil {
			return nil, err
		}
		if err := left.stepInto(ctx); err != nil {
			return nil, err
		}
	}

	return diff, nil
}

// recordEntireTree marks every node and leaf of a tree as new.
func (d *DataDiff) recordEntireTree(ctx context.Context, t *Tree) error {
	if err := d.recordNewNode(ctx, t); err != nil {
		return err
	}
	entries, err := t.getEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch e := entry.(type) {
		case *Leaf:
			d.recordAdd(e.Key, e.Value)
		case *Tree:
			if err := d.recordEntireTree(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}
