package mst

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffFromEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	keys := manyKeys(30)
	tree := buildTree(t, ctx, store, keys)

	diff, err := DiffTrees(ctx, tree, nil)
	require.NoError(t, err)

	require.Len(t, diff.Adds, len(keys))
	require.Empty(t, diff.Updates)
	require.Empty(t, diff.Deletes)
	require.NotEmpty(t, diff.NewMstBlocks)
	for _, k := range keys {
		add, ok := diff.Adds[k]
		require.True(t, ok, k)
		require.True(t, testCID(t, "val-"+k).Equals(add.Cid))
	}
}

func TestDiffSingleUpdateIsMinimal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	keys := manyKeys(100)
	prior := buildTree(t, ctx, store, keys)

	target := keys[50]
	newVal := testCID(t, "changed")
	curr, err := prior.Update(ctx, target, newVal)
	require.NoError(t, err)

	diff, err := DiffTrees(ctx, curr, prior)
	require.NoError(t, err)

	require.Empty(t, diff.Adds)
	require.Empty(t, diff.Deletes)
	require.Len(t, diff.Updates, 1)

	upd := diff.Updates[target]
	require.Equal(t, target, upd.Key)
	require.True(t, newVal.Equals(upd.Cid))
	require.True(t, testCID(t, "val-"+target).Equals(upd.Prev))

	// only the nodes on the path from root to the leaf are new
	pathCids, err := curr.CidsForPath(ctx, target)
	require.NoError(t, err)
	require.Equal(t, len(pathCids)-1, len(diff.NewMstBlocks))
}

func TestDiffAddsAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	keys := manyKeys(40)
	prior := buildTree(t, ctx, store, keys)

	curr := prior
	var err error

	removed := []string{keys[3], keys[17], keys[29]}
	for _, k := range removed {
		curr, err = curr.Delete(ctx, k)
		require.NoError(t, err)
	}
	added := []string{
		"com.example.post/new0001",
		"com.example.post/new0002",
	}
	for _, k := range added {
		curr, err = curr.Add(ctx, k, testCID(t, "val-"+k))
		require.NoError(t, err)
	}

	diff, err := DiffTrees(ctx, curr, prior)
	require.NoError(t, err)

	require.Len(t, diff.Adds, len(added))
	require.Len(t, diff.Deletes, len(removed))
	require.Empty(t, diff.Updates)
	for _, k := range added {
		require.Contains(t, diff.Adds, k)
	}
	for _, k := range removed {
		require.Contains(t, diff.Deletes, k)
		require.True(t, testCID(t, "val-"+k).Equals(diff.Deletes[k].Cid))
	}
}

func TestDiffIdenticalTreesIsEmpty(t *testing.T) {
	ctx := context.Background()
	keys := manyKeys(25)
	a := buildTree(t, ctx, newTestStore(), keys)
	b := buildTree(t, ctx, newTestStore(), keys)

	diff, err := DiffTrees(ctx, a, b)
	require.NoError(t, err)
	require.Empty(t, diff.Adds)
	require.Empty(t, diff.Updates)
	require.Empty(t, diff.Deletes)
	require.Empty(t, diff.NewMstBlocks)
}

func TestDiffAcrossLayers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	prior := buildTree(t, ctx, store, layer0Keys[:4])

	// adding a higher-layer key restructures the whole top of the tree
	top := layer2Keys[0]
	curr, err := prior.Add(ctx, top, testCID(t, "val-"+top))
	require.NoError(t, err)

	diff, err := DiffTrees(ctx, curr, prior)
	require.NoError(t, err)
	require.Len(t, diff.Adds, 1)
	require.Contains(t, diff.Adds, top)
	require.Empty(t, diff.Deletes)
	require.Empty(t, diff.Updates)

	// and the reverse diff sees exactly one delete
	back, err := DiffTrees(ctx, prior, curr)
	require.NoError(t, err)
	require.Len(t, back.Deletes, 1)
	require.Contains(t, back.Deletes, top)
	require.Empty(t, back.Adds)
}
