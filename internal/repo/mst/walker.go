package mst

import (
	"context"
	"fmt"
)

// walkerStatus is one position in a walk: the entry the walker points
// at, the node being walked (nil when curr is the tree root), and the
// index of curr within that node.
type walkerStatus struct {
	curr    NodeEntry
	walking *Tree
	index   int
}

// walker is an explicit-stack cursor over a tree. Walks hold no borrow
// across block-store reads: every step re-reads entries through the
// node's own lazy accessor.
type walker struct {
	stack  []walkerStatus
	status walkerStatus
	done   bool
}

func newWalker(root *Tree) *walker {
	return &walker{status: walkerStatus{curr: root}}
}

// layer returns the layer of the node the walker is inside of. When the
// walker still points at the root, that is one above the root's layer.
func (w *walker) layer(ctx context.Context) (int, error) {
	if w.done {
		return 0, fmt.Errorf("mst: walk is done")
	}
	if w.status.walking != nil {
		return w.status.walking.getLayer(ctx)
	}
	if root, ok := w.status.curr.(*Tree); ok {
		layer, err := root.getLayer(ctx)
		if err != nil {
			return 0, err
		}
		return layer + 1, nil
	}
	return 0, fmt.Errorf("mst: could not identify layer of walk")
}

// stepOver advances past the current entry without entering it.
func (w *walker) stepOver(ctx context.Context) error {
	if w.done {
		return nil
	}
	if w.status.walking == nil {
		// stepping over the root ends the walk
		w.done = true
		return nil
	}
	entries, err := w.status.walking.getEntries(ctx)
	if err != nil {
		return err
	}
	w.status.index++
	if w.status.index < len(entries) {
		w.status.curr = entries[w.status.index]
		return nil
	}
	if len(w.stack) == 0 {
		w.done = true
		return nil
	}
	w.status = w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	return w.stepOver(ctx)
}

// stepInto descends into the subtree the walker points at.
func (w *walker) stepInto(ctx context.Context) error {
	if w.done {
		return nil
	}
	sub, ok := w.status.curr.(*Tree)
	if !ok {
		return fmt.Errorf("mst: cannot step into a leaf")
	}
	first, err := sub.atIndex(ctx, 0)
	if err != nil {
		return err
	}
	if w.status.walking == nil {
		// entering the root
		if first == nil {
			w.done = true
			return nil
		}
		w.status = walkerStatus{curr: first, walking: sub, index: 0}
		return nil
	}
	if first == nil {
		return fmt.Errorf("mst: cannot step into a node with no entries")
	}
	w.stack = append(w.stack, w.status)
	w.status = walkerStatus{curr: first, walking: sub, index: 0}
	return nil
}

// advance moves to the next node in the walk, entering subtrees.
func (w *walker) advance(ctx context.Context) error {
	if w.done {
		return nil
	}
	if _, isLeaf := w.status.curr.(*Leaf); isLeaf {
		return w.stepOver(ctx)
	}
	return w.stepInto(ctx)
}
