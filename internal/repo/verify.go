package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/ipfs/go-cid"

	"github.com/meridian-host/meridian-pds/internal/repo/mst"
)

// CommitData is everything apply needs to move a repo to a new commit:
// the commit CID and revision, the previous state, the blocks that are
// new relative to the prior reachable set, and the CIDs that dropped
// out of it.
type CommitData struct {
	Cid         cid.Cid
	Rev         string
	Since       string // prior commit's rev, empty on first commit
	Prev        *cid.Cid
	NewBlocks   *BlockMap
	RemovedCids *CidSet
}

// VerifiedDiff is the result of checking a candidate repo state against
// the prior one.
type VerifiedDiff struct {
	Commit *CommitData
	Writes []RepoOp
}

// VerifyDiffOpts tunes verification. When EnsureLeaves is set, every
// created or updated record block must be present in the CAR; otherwise
// records behind missing blocks are skipped. VerifyKey, when non-nil,
// checks the commit signature.
type VerifyDiffOpts struct {
	EnsureLeaves bool
	VerifyKey    atcrypto.PublicKey
}

// VerifyDiff materializes the candidate tree rooted at the commit block
// newRoot (which must be present in carBlocks), walks it against the
// repo's prior tree, and produces the minimal record-level write set
// plus the block-level delta. Structural violations, missing MST nodes,
// and signature failures are fatal.
func VerifyDiff(ctx context.Context, priorRoot *cid.Cid, store mst.BlockSource, carBlocks *BlockMap, newRoot cid.Cid, opts VerifyDiffOpts) (*VerifiedDiff, error) {
	commitRaw, ok := carBlocks.Get(newRoot)
	if !ok {
		return nil, &mst.MissingBlockError{Cid: newRoot, Context: "commit"}
	}
	commit, err := ParseCommit(commitRaw)
	if err != nil {
		return nil, err
	}
	if opts.VerifyKey != nil {
		if err := commit.VerifySignature(opts.VerifyKey); err != nil {
			return nil, err
		}
	}

	overlay := NewOverlayBlockstore(carBlocks, store)
	newTree := mst.Load(overlay, commit.Data, -1)

	var priorTree *mst.Tree
	var since string
	var removedPrior []cid.Cid
	if priorRoot != nil {
		priorCommitBlk, err := overlay.Get(ctx, *priorRoot)
		if err != nil {
			return nil, &mst.MissingBlockError{Cid: *priorRoot, Context: "commit", Err: err}
		}
		priorCommit, err := ParseCommit(priorCommitBlk.RawData())
		if err != nil {
			return nil, err
		}
		since = priorCommit.Rev
		priorTree = mst.Load(overlay, priorCommit.Data, -1)
		removedPrior = append(removedPrior, *priorRoot)
	}

	diff, err := mst.DiffTrees(ctx, newTree, priorTree)
	if err != nil {
		return nil, err
	}

	newBlocks := NewBlockMap()
	for c, raw := range diff.NewMstBlocks {
		newBlocks.Set(c, raw)
	}
	newBlocks.Set(newRoot, commitRaw)

	removed := NewCidSet(removedPrior...)
	for c := range diff.RemovedCids {
		removed.Add(c)
	}

	writes, err := diffToWrites(diff, func(c cid.Cid) (bool, error) {
		raw, ok := carBlocks.Get(c)
		if ok {
			newBlocks.Set(c, raw)
			return true, nil
		}
		if opts.EnsureLeaves {
			return false, &mst.MissingBlockError{Cid: c, Context: "mst-leaf"}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	return &VerifiedDiff{
		Commit: &CommitData{
			Cid:         newRoot,
			Rev:         commit.Rev,
			Since:       since,
			Prev:        commit.Prev,
			NewBlocks:   newBlocks,
			RemovedCids: removed,
		},
		Writes: writes,
	}, nil
}

// diffToWrites converts a tree diff into record write descriptors.
// haveLeaf resolves whether a created/updated record block is
// available; records it reports absent are skipped.
func diffToWrites(diff *mst.DataDiff, haveLeaf func(cid.Cid) (bool, error)) ([]RepoOp, error) {
	var writes []RepoOp

	addKeys := make([]string, 0, len(diff.Adds))
	for k := range diff.Adds {
		addKeys = append(addKeys, k)
	}
	sort.Strings(addKeys)
	for _, k := range addKeys {
		add := diff.Adds[k]
		if _, _, err := ParseDataKey(add.Key); err != nil {
			return nil, err
		}
		have, err := haveLeaf(add.Cid)
		if err != nil {
			return nil, err
		}
		if !have {
			continue
		}
		c := add.Cid
		writes = append(writes, RepoOp{Action: "create", Path: add.Key, CID: &c})
	}

	updateKeys := make([]string, 0, len(diff.Updates))
	for k := range diff.Updates {
		updateKeys = append(updateKeys, k)
	}
	sort.Strings(updateKeys)
	for _, k := range updateKeys {
		upd := diff.Updates[k]
		if _, _, err := ParseDataKey(upd.Key); err != nil {
			return nil, err
		}
		have, err := haveLeaf(upd.Cid)
		if err != nil {
			return nil, err
		}
		if !have {
			continue
		}
		c := upd.Cid
		prev := upd.Prev
		writes = append(writes, RepoOp{Action: "update", Path: upd.Key, CID: &c, Prev: &prev})
	}

	deleteKeys := make([]string, 0, len(diff.Deletes))
	for k := range diff.Deletes {
		deleteKeys = append(deleteKeys, k)
	}
	sort.Strings(deleteKeys)
	for _, k := range deleteKeys {
		del := diff.Deletes[k]
		if _, _, err := ParseDataKey(del.Key); err != nil {
			return nil, err
		}
		prev := del.Cid
		writes = append(writes, RepoOp{Action: "delete", Path: del.Key, Prev: &prev})
	}

	return writes, nil
}

// ParseDataKey splits an MST key into collection and rkey.
func ParseDataKey(key string) (collection, rkey string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo: invalid record key %q", key)
	}
	return parts[0], parts[1], nil
}

// WalkReachable streams every block reachable from a commit CID in the
// given store: the commit itself, all MST nodes, and all record blocks.
// Blocks behind missing subtrees are skipped, supporting partial repos.
func WalkReachable(ctx context.Context, store mst.BlockSource, commitCID cid.Cid, fn func(c cid.Cid, raw []byte) error) error {
	commitBlk, err := store.Get(ctx, commitCID)
	if err != nil {
		return &mst.MissingBlockError{Cid: commitCID, Context: "commit", Err: err}
	}
	commit, err := ParseCommit(commitBlk.RawData())
	if err != nil {
		return err
	}
	if err := fn(commitCID, commitBlk.RawData()); err != nil {
		return err
	}

	seen := NewCidSet(commitCID)
	leaves := NewCidSet()
	toFetch := []cid.Cid{commit.Data}
	for len(toFetch) > 0 {
		c := toFetch[0]
		toFetch = toFetch[1:]
		if seen.Has(c) {
			continue
		}
		seen.Add(c)
		blk, err := store.Get(ctx, c)
		if err != nil {
			if mst.IsMissingBlock(err) {
				continue
			}
			return err
		}
		nd, err := mst.UnmarshalNodeData(blk.RawData())
		if err != nil {
			return err
		}
		if err := fn(c, blk.RawData()); err != nil {
			return err
		}
		if nd.Left != nil {
			toFetch = append(toFetch, *nd.Left)
		}
		for _, e := range nd.Entries {
			leaves.Add(e.Value)
			if e.Right != nil {
				toFetch = append(toFetch, *e.Right)
			}
		}
	}
	for _, c := range leaves.ToList() {
		if seen.Has(c) {
			continue
		}
		seen.Add(c)
		blk, err := store.Get(ctx, c)
		if err != nil {
			if mst.IsMissingBlock(err) {
				continue
			}
			return err
		}
		if err := fn(c, blk.RawData()); err != nil {
			return err
		}
	}
	return nil
}
