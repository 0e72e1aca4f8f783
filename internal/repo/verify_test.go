package repo

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-host/meridian-pds/internal/data"
	"github.com/meridian-host/meridian-pds/internal/repo/mst"
)

const testDID = "did:plc:verifytest123"

// memRepo is an in-memory repository used to drive the commit and
// verify pipelines without a database.
type memRepo struct {
	priv   atcrypto.PrivateKeyExportable
	bs     *MemBlockstore
	tree   *mst.Tree
	commit cid.Cid
	rev    string
}

func newMemRepo(t *testing.T) *memRepo {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	bs := NewMemBlockstore()
	return &memRepo{priv: priv, bs: bs, tree: mst.NewEmpty(bs)}
}

// putRecord stages a record block and updates the tree.
func (r *memRepo) putRecord(t *testing.T, ctx context.Context, path string, record map[string]any) cid.Cid {
	t.Helper()
	raw, err := data.MarshalCBOR(record)
	require.NoError(t, err)
	c, err := ComputeCID(raw)
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid(raw, c)
	require.NoError(t, err)
	require.NoError(t, r.bs.Put(ctx, blk))

	tree, _, err := r.tree.Insert(ctx, path, c)
	require.NoError(t, err)
	r.tree = tree
	return c
}

func (r *memRepo) deleteRecord(t *testing.T, ctx context.Context, path string) {
	t.Helper()
	tree, prev, err := r.tree.Remove(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, prev)
	r.tree = tree
}

// signCommit writes tree blocks, signs a commit for rev, and stores the
// commit block. Returns the commit CID.
func (r *memRepo) signCommit(t *testing.T, ctx context.Context, rev string) cid.Cid {
	t.Helper()
	root, err := r.tree.WriteDiffBlocks(ctx, r.bs)
	require.NoError(t, err)

	var prev *cid.Cid
	if r.commit.Defined() {
		c := r.commit
		prev = &c
	}
	commit, err := FormatUnsignedCommit(testDID, prev, rev, *root).Sign(r.priv)
	require.NoError(t, err)

	commitCID, err := storeCommitBlock(ctx, r.bs, commit)
	require.NoError(t, err)
	r.commit = commitCID
	r.rev = rev
	return commitCID
}

func (r *memRepo) exportCAR(t *testing.T) *BlockMap {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, r.bs.ExportCAR(&buf, r.commit))
	root, bm, err := ReadStreamCAR(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.True(t, r.commit.Equals(root))
	return bm
}

func TestVerifyDiffFromEmpty(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo(t)

	recordCids := map[string]cid.Cid{}
	for i := 0; i < 20; i++ {
		path := fmt.Sprintf("com.example.post/rec%04d", i)
		recordCids[path] = r.putRecord(t, ctx, path, map[string]any{"text": fmt.Sprintf("post %d", i)})
	}
	commitCID := r.signCommit(t, ctx, "3jzfcijpj2z2a")
	carBlocks := r.exportCAR(t)

	pub, err := r.priv.PublicKey()
	require.NoError(t, err)

	diff, err := VerifyDiff(ctx, nil, NewMemBlockstore(), carBlocks, commitCID, VerifyDiffOpts{
		EnsureLeaves: true,
		VerifyKey:    pub,
	})
	require.NoError(t, err)

	require.True(t, commitCID.Equals(diff.Commit.Cid))
	require.Equal(t, "3jzfcijpj2z2a", diff.Commit.Rev)
	require.Empty(t, diff.Commit.Since)
	require.Len(t, diff.Writes, len(recordCids))
	for _, w := range diff.Writes {
		require.Equal(t, "create", w.Action)
		require.True(t, recordCids[w.Path].Equals(*w.CID))
	}
	// the signed commit block is among the new blocks
	require.True(t, diff.Commit.NewBlocks.Has(commitCID))
}

func TestVerifyDiffIncremental(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo(t)

	for i := 0; i < 50; i++ {
		path := fmt.Sprintf("com.example.post/rec%04d", i)
		r.putRecord(t, ctx, path, map[string]any{"text": fmt.Sprintf("post %d", i)})
	}
	priorCommit := r.signCommit(t, ctx, "3jzfcijpj2z2a")
	priorStore := r.bs

	// second commit: one update, one create, one delete
	updated := r.putRecord(t, ctx, "com.example.post/rec0010", map[string]any{"text": "edited"})
	created := r.putRecord(t, ctx, "com.example.post/recnew1", map[string]any{"text": "new"})
	r.deleteRecord(t, ctx, "com.example.post/rec0020")
	newCommit := r.signCommit(t, ctx, "3jzfcijpj2z2b")

	carBlocks := r.exportCAR(t)

	diff, err := VerifyDiff(ctx, &priorCommit, priorStore, carBlocks, newCommit, VerifyDiffOpts{EnsureLeaves: true})
	require.NoError(t, err)

	require.Equal(t, "3jzfcijpj2z2b", diff.Commit.Rev)
	require.Equal(t, "3jzfcijpj2z2a", diff.Commit.Since)
	require.NotNil(t, diff.Commit.Prev)
	require.True(t, priorCommit.Equals(*diff.Commit.Prev))

	byAction := map[string][]RepoOp{}
	for _, w := range diff.Writes {
		byAction[w.Action] = append(byAction[w.Action], w)
	}
	require.Len(t, byAction["create"], 1)
	require.Len(t, byAction["update"], 1)
	require.Len(t, byAction["delete"], 1)

	require.Equal(t, "com.example.post/recnew1", byAction["create"][0].Path)
	require.True(t, created.Equals(*byAction["create"][0].CID))
	require.Equal(t, "com.example.post/rec0010", byAction["update"][0].Path)
	require.True(t, updated.Equals(*byAction["update"][0].CID))
	require.Equal(t, "com.example.post/rec0020", byAction["delete"][0].Path)

	// removed set includes the replaced prior commit
	require.True(t, diff.Commit.RemovedCids.Has(priorCommit))
}

func TestVerifyDiffMissingLeaf(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo(t)

	recCID := r.putRecord(t, ctx, "com.example.post/rec0001", map[string]any{"text": "hello"})
	commitCID := r.signCommit(t, ctx, "3jzfcijpj2z2a")
	carBlocks := r.exportCAR(t)

	carBlocks.Delete(recCID)

	_, err := VerifyDiff(ctx, nil, NewMemBlockstore(), carBlocks, commitCID, VerifyDiffOpts{EnsureLeaves: true})
	var missing *mst.MissingBlockError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "mst-leaf", missing.Context)

	// without EnsureLeaves the record is skipped, not fatal
	diff, err := VerifyDiff(ctx, nil, NewMemBlockstore(), carBlocks, commitCID, VerifyDiffOpts{})
	require.NoError(t, err)
	require.Empty(t, diff.Writes)
}

func TestVerifyDiffMissingCommit(t *testing.T) {
	ctx := context.Background()
	commitCID, err := ComputeCID([]byte("nonexistent"))
	require.NoError(t, err)

	_, err = VerifyDiff(ctx, nil, NewMemBlockstore(), NewBlockMap(), commitCID, VerifyDiffOpts{})
	var missing *mst.MissingBlockError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "commit", missing.Context)
}

func TestVerifyDiffBadSignature(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo(t)
	r.putRecord(t, ctx, "com.example.post/rec0001", map[string]any{"text": "hello"})
	commitCID := r.signCommit(t, ctx, "3jzfcijpj2z2a")
	carBlocks := r.exportCAR(t)

	otherPriv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	otherPub, err := otherPriv.PublicKey()
	require.NoError(t, err)

	_, err = VerifyDiff(ctx, nil, NewMemBlockstore(), carBlocks, commitCID, VerifyDiffOpts{VerifyKey: otherPub})
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestWalkReachableCoversRepo(t *testing.T) {
	ctx := context.Background()
	r := newMemRepo(t)
	for i := 0; i < 30; i++ {
		r.putRecord(t, ctx, fmt.Sprintf("com.example.post/rec%04d", i), map[string]any{"n": int64(i)})
	}
	commitCID := r.signCommit(t, ctx, "3jzfcijpj2z2a")

	seen := NewBlockMap()
	err := WalkReachable(ctx, r.bs, commitCID, func(c cid.Cid, raw []byte) error {
		seen.Set(c, raw)
		return nil
	})
	require.NoError(t, err)

	// everything the blockstore holds is reachable from the commit
	require.True(t, seen.Equals(r.bs.ToBlockMap()))

	// rebuilding the tree from the walked blocks yields the same leaves
	rebuilt := NewMemBlockstore()
	require.NoError(t, rebuilt.PutBlockMap(seen))
	commit, err := ParseCommit(mustGetBlock(t, rebuilt, commitCID))
	require.NoError(t, err)
	tree := mst.Load(rebuilt, commit.Data, -1)
	leaves, err := tree.Leaves(ctx)
	require.NoError(t, err)
	require.Len(t, leaves, 30)
}

func mustGetBlock(t *testing.T, bs *MemBlockstore, c cid.Cid) []byte {
	t.Helper()
	blk, err := bs.Get(context.Background(), c)
	require.NoError(t, err)
	return blk.RawData()
}
