package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-host/meridian-pds/internal/data"
	"github.com/meridian-host/meridian-pds/internal/repo/mst"
)

// Manager orchestrates all repository operations for the PDS. Each
// repo is guarded by an exclusive per-DID lock held across
// verify→apply so concurrent writers cannot race on root replacement;
// reads go lock-free against a consistent snapshot of the blocks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a repo Manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

// lockRepo takes the exclusive writer lock for a DID.
func (m *Manager) lockRepo(did string) func() {
	m.mu.Lock()
	l, ok := m.locks[did]
	if !ok {
		l = &sync.Mutex{}
		m.locks[did] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// RecordEntry represents a single record in a list response.
type RecordEntry struct {
	URI string         `json:"uri"`
	CID string         `json:"cid"`
	Val map[string]any `json:"value"`
}

// repoRoot holds the current commit state for a repository.
type repoRoot struct {
	CommitCID string
	Rev       string
}

// CommitResult captures everything about a commit that downstream
// consumers (like the firehose) need to build event payloads.
type CommitResult struct {
	CommitCID string
	Rev       string
	PrevRev   string
	PrevData  *cid.Cid
	Ops       []RepoOp
	DiffCAR   []byte // CAR v1 with only new blocks
}

// RepoOp describes a single record mutation within a commit.
type RepoOp struct {
	Action string   // "create", "update", or "delete"
	Path   string   // collection/rkey
	CID    *cid.Cid // new record CID (nil for delete)
	Prev   *cid.Cid // previous record CID (nil for create)
}

// InitRepo creates an empty repository for a new account: an empty
// MST, a signed initial commit, and the persisted blocks. Safe to call
// multiple times — returns nil if a root already exists.
func (m *Manager) InitRepo(ctx context.Context, pool *pgxpool.Pool, did, signingKey string) error {
	unlock := m.lockRepo(did)
	defer unlock()

	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM repo_roots WHERE did = $1)`, did,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repo: init check: %w", err)
	}
	if exists {
		return nil
	}

	privKey, err := ParseKey(signingKey)
	if err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}

	bs := NewMemBlockstore()
	tree := mst.NewEmpty(bs)

	mstRoot, err := tree.WriteDiffBlocks(ctx, bs)
	if err != nil {
		return fmt.Errorf("repo: init write mst: %w", err)
	}

	clock := syntax.NewTIDClock(0)
	rev := clock.Next().String()

	commit, err := FormatUnsignedCommit(did, nil, rev, *mstRoot).Sign(privKey)
	if err != nil {
		return fmt.Errorf("repo: init sign: %w", err)
	}

	commitCID, err := storeCommitBlock(ctx, bs, commit)
	if err != nil {
		return fmt.Errorf("repo: init commit block: %w", err)
	}

	if err := bs.PersistAll(ctx, pool, did); err != nil {
		return fmt.Errorf("repo: init persist: %w", err)
	}
	if err := casRoot(ctx, pool, did, commitCID.String(), rev, nil); err != nil {
		return fmt.Errorf("repo: init root: %w", err)
	}

	return nil
}

// CreateRecord adds a record to an account's repository. It generates
// a TID rkey, inserts into the MST, and creates a signed commit.
func (m *Manager) CreateRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection string, record map[string]any) (uri string, result *CommitResult, err error) {
	clock := syntax.NewTIDClock(0)
	rkey := clock.Next().String()
	return m.PutRecord(ctx, pool, did, signingKey, collection, rkey, record)
}

// GetRecord reads a record from the repo by collection + rkey.
func (m *Manager) GetRecord(ctx context.Context, pool *pgxpool.Pool, did, collection, rkey string) (cidStr string, record map[string]any, err error) {
	bs, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return "", nil, err
	}

	path := collection + "/" + rkey
	recordCID, found, err := tree.Get(ctx, path)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record mst: %w", err)
	}
	if !found {
		return "", nil, fmt.Errorf("repo: record not found: %s", path)
	}

	blk, err := bs.Get(ctx, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record block: %w", err)
	}

	rec, err := DecodeRecord(blk.RawData())
	if err != nil {
		return "", nil, fmt.Errorf("repo: decode record: %w", err)
	}

	return recordCID.String(), rec, nil
}

// DeleteRecord removes a record from the repo.
func (m *Manager) DeleteRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection, rkey string) (*CommitResult, error) {
	privKey, err := ParseKey(signingKey)
	if err != nil {
		return nil, fmt.Errorf("repo: delete: %w", err)
	}

	unlock := m.lockRepo(did)
	defer unlock()

	tbs, tree, root, err := openRepo(ctx, pool, did)
	if err != nil {
		return nil, err
	}

	path := collection + "/" + rkey
	newTree, prev, err := tree.Remove(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("repo: delete mst remove: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("repo: record not found: %s", path)
	}

	ops := []RepoOp{{
		Action: "delete",
		Path:   path,
		Prev:   prev,
	}}

	result, err := m.commitRepo(ctx, pool, did, privKey, tbs, newTree, root, ops)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PutRecord creates or updates a record at a specific rkey.
func (m *Manager) PutRecord(ctx context.Context, pool *pgxpool.Pool, did, signingKey, collection, rkey string, record map[string]any) (uri string, result *CommitResult, err error) {
	privKey, err := ParseKey(signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put: %w", err)
	}

	// Parse the JSON record through the data model.
	rawJSON, err := data.MarshalJSON(record)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put marshal json: %w", err)
	}
	parsed, err := data.UnmarshalJSON(rawJSON)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put parse record: %w", err)
	}

	cborBytes, err := EncodeRecord(parsed)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put encode: %w", err)
	}

	recordCID, err := ComputeCID(cborBytes)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put cid: %w", err)
	}

	unlock := m.lockRepo(did)
	defer unlock()

	tbs, tree, root, err := openRepo(ctx, pool, did)
	if err != nil {
		return "", nil, err
	}

	blk, err := blocks.NewBlockWithCid(cborBytes, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put create block: %w", err)
	}
	if err := tbs.Put(ctx, blk); err != nil {
		return "", nil, fmt.Errorf("repo: put store block: %w", err)
	}

	// Insert into MST. prev is non-nil if this is an update.
	path := collection + "/" + rkey
	newTree, prev, err := tree.Insert(ctx, path, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put mst insert: %w", err)
	}

	action := "create"
	if prev != nil {
		action = "update"
	}
	ops := []RepoOp{{
		Action: action,
		Path:   path,
		CID:    &recordCID,
		Prev:   prev,
	}}

	result, err = m.commitRepo(ctx, pool, did, privKey, tbs, newTree, root, ops)
	if err != nil {
		return "", nil, err
	}

	atURI := "at://" + did + "/" + collection + "/" + rkey
	return atURI, result, nil
}

// ListRecords returns records in a collection with pagination.
func (m *Manager) ListRecords(ctx context.Context, pool *pgxpool.Pool, did, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	bs, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return nil, "", err
	}

	prefix := collection + "/"
	var entries []struct {
		key string
		val cid.Cid
	}

	err = tree.Walk(ctx, func(key []byte, val cid.Cid) error {
		k := string(key)
		if !strings.HasPrefix(k, prefix) {
			return nil
		}
		entries = append(entries, struct {
			key string
			val cid.Cid
		}{k, val})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("repo: list walk: %w", err)
	}

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	// Apply cursor: skip entries until we pass the cursor.
	startIdx := 0
	if cursor != "" {
		cursorPath := prefix + cursor
		for i, e := range entries {
			if e.key == cursorPath {
				startIdx = i + 1
				break
			}
		}
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []RecordEntry
	var nextCursor string
	for i := startIdx; i < len(entries) && len(records) < limit; i++ {
		e := entries[i]
		rkey := strings.TrimPrefix(e.key, prefix)

		blk, err := bs.Get(ctx, e.val)
		if err != nil {
			return nil, "", fmt.Errorf("repo: list get block %s: %w", e.val.String(), err)
		}
		rec, err := DecodeRecord(blk.RawData())
		if err != nil {
			return nil, "", fmt.Errorf("repo: list decode: %w", err)
		}

		records = append(records, RecordEntry{
			URI: "at://" + did + "/" + e.key,
			CID: e.val.String(),
			Val: rec,
		})

		if len(records) == limit && i+1 < len(entries) {
			nextCursor = rkey
		}
	}

	return records, nextCursor, nil
}

// DescribeRepo returns the distinct collection NSIDs present in a repo.
func (m *Manager) DescribeRepo(ctx context.Context, pool *pgxpool.Pool, did string) ([]string, error) {
	_, tree, _, err := openRepo(ctx, pool, did)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	err = tree.Walk(ctx, func(key []byte, _ cid.Cid) error {
		k := string(key)
		if idx := strings.Index(k, "/"); idx > 0 {
			seen[k[:idx]] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: describe walk: %w", err)
	}

	collections := make([]string, 0, len(seen))
	for c := range seen {
		collections = append(collections, c)
	}
	return collections, nil
}

// GetRoot returns the current commit CID and rev for a DID.
func (m *Manager) GetRoot(ctx context.Context, pool *pgxpool.Pool, did string) (commitCID, rev string, err error) {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return "", "", err
	}
	return root.CommitCID, root.Rev, nil
}

// ExportRepo writes the full repository as a CAR v1 archive to w.
func (m *Manager) ExportRepo(ctx context.Context, pool *pgxpool.Pool, did string, w io.Writer) error {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export: %w", err)
	}

	bs, err := LoadBlocks(ctx, pool, did)
	if err != nil {
		return fmt.Errorf("repo: export load blocks: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return fmt.Errorf("repo: export decode commit cid: %w", err)
	}

	return bs.ExportCAR(w, commitCID)
}

// ImportRepo verifies a CAR payload against the repo's current state
// and applies the resulting commit. The CAR must declare exactly one
// root: the new commit CID. When declaredRoot is defined, the CAR root
// must match it. Records behind missing leaf blocks are skipped; an
// optional verifyKey checks the commit signature.
func (m *Manager) ImportRepo(ctx context.Context, pool *pgxpool.Pool, did string, body io.Reader, maxBytes int64, declaredRoot cid.Cid, verifyKey atcrypto.PublicKey) (*CommitResult, error) {
	carRoot, carBlocks, err := ReadStreamCAR(body, maxBytes)
	if err != nil {
		return nil, err
	}
	if declaredRoot.Defined() && !declaredRoot.Equals(carRoot) {
		return nil, ErrRootMismatch
	}
	return m.ApplyImport(ctx, pool, did, carRoot, carBlocks, verifyKey)
}

// ApplyImport runs verify_diff for already-read CAR blocks and applies
// the commit under the repo lock.
func (m *Manager) ApplyImport(ctx context.Context, pool *pgxpool.Pool, did string, carRoot cid.Cid, carBlocks *BlockMap, verifyKey atcrypto.PublicKey) (*CommitResult, error) {
	unlock := m.lockRepo(did)
	defer unlock()

	prior, err := loadRootMaybe(ctx, pool, did)
	if err != nil {
		return nil, err
	}

	var priorCID *cid.Cid
	var prevData *cid.Cid
	store, err := LoadBlocks(ctx, pool, did)
	if err != nil {
		return nil, fmt.Errorf("repo: import load blocks: %w", err)
	}
	if prior != nil {
		c, err := cid.Decode(prior.CommitCID)
		if err != nil {
			return nil, fmt.Errorf("repo: import decode prior cid: %w", err)
		}
		priorCID = &c
		if blk, err := store.Get(ctx, c); err == nil {
			if priorCommit, err := ParseCommit(blk.RawData()); err == nil {
				prevData = &priorCommit.Data
			}
		}
	}

	diff, err := VerifyDiff(ctx, priorCID, store, carBlocks, carRoot, VerifyDiffOpts{VerifyKey: verifyKey})
	if err != nil {
		return nil, err
	}

	// Commit-chain checks: the new rev must advance and, when the
	// commit names a parent, it must be the current root.
	if prior != nil {
		if diff.Commit.Rev <= prior.Rev {
			return nil, fmt.Errorf("repo: import rev %s does not advance %s", diff.Commit.Rev, prior.Rev)
		}
		if diff.Commit.Prev != nil && diff.Commit.Prev.String() != prior.CommitCID {
			return nil, fmt.Errorf("repo: import prev %s does not match current root %s", diff.Commit.Prev, prior.CommitCID)
		}
	}

	if err := applyCommit(ctx, pool, did, diff.Commit, prior); err != nil {
		return nil, err
	}
	if err := indexWrites(ctx, pool, did, diff.Commit.Rev, diff.Writes, diff.Commit.NewBlocks); err != nil {
		return nil, err
	}

	var diffBuf bytes.Buffer
	if err := BlocksToCAR(&diffBuf, carRoot, diff.Commit.NewBlocks); err != nil {
		return nil, fmt.Errorf("repo: import diff car: %w", err)
	}

	prevRev := ""
	if prior != nil {
		prevRev = prior.Rev
	}
	return &CommitResult{
		CommitCID: carRoot.String(),
		Rev:       diff.Commit.Rev,
		PrevRev:   prevRev,
		PrevData:  prevData,
		Ops:       diff.Writes,
		DiffCAR:   diffBuf.Bytes(),
	}, nil
}

// openRepo loads blocks from Postgres, rebuilds the MST tree, and
// returns a TrackingBlockstore that can distinguish new blocks from
// preloaded ones.
func openRepo(ctx context.Context, pool *pgxpool.Pool, did string) (*TrackingBlockstore, *mst.Tree, *repoRoot, error) {
	root, err := loadRoot(ctx, pool, did)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open load root: %w", err)
	}

	bs, err := LoadBlocks(ctx, pool, did)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open load blocks: %w", err)
	}

	commitCID, err := cid.Decode(root.CommitCID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open decode commit cid: %w", err)
	}

	commitBlk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open get commit block: %w", err)
	}

	commit, err := ParseCommit(commitBlk.RawData())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repo: open parse commit: %w", err)
	}

	tbs := NewTrackingBlockstore(bs)
	tree := mst.Load(tbs, commit.Data, -1)

	return tbs, tree, root, nil
}

// commitRepo signs a new commit, writes the new MST blocks, generates
// a diff CAR from the TrackingBlockstore, persists everything, and
// swaps the root. Returns a CommitResult for the firehose.
func (m *Manager) commitRepo(ctx context.Context, pool *pgxpool.Pool, did string, privKey atcrypto.PrivateKey, tbs *TrackingBlockstore, tree *mst.Tree, prevRoot *repoRoot, ops []RepoOp) (*CommitResult, error) {
	mstRoot, err := tree.WriteDiffBlocks(ctx, tbs)
	if err != nil {
		return nil, fmt.Errorf("repo: commit write mst: %w", err)
	}

	var prevCID *cid.Cid
	var prevData *cid.Cid
	var prevRev string
	if prevRoot != nil {
		c, err := cid.Decode(prevRoot.CommitCID)
		if err != nil {
			return nil, fmt.Errorf("repo: commit decode prev: %w", err)
		}
		prevCID = &c
		prevRev = prevRoot.Rev

		// Read the old commit to get prevData (its MST root).
		if oldBlk, err := tbs.Get(ctx, c); err == nil {
			if oldCommit, err := ParseCommit(oldBlk.RawData()); err == nil {
				prevData = &oldCommit.Data
			}
		}
	}

	clock := syntax.NewTIDClock(0)
	rev := clock.Next().String()

	commit, err := FormatUnsignedCommit(did, prevCID, rev, *mstRoot).Sign(privKey)
	if err != nil {
		return nil, fmt.Errorf("repo: commit sign: %w", err)
	}

	commitCID, err := storeCommitBlock(ctx, tbs.MemBlockstore, commit)
	if err != nil {
		return nil, fmt.Errorf("repo: commit store: %w", err)
	}

	var diffBuf bytes.Buffer
	if err := tbs.ExportDiffCAR(&diffBuf, commitCID); err != nil {
		return nil, fmt.Errorf("repo: commit diff car: %w", err)
	}

	if err := tbs.MemBlockstore.PersistAll(ctx, pool, did); err != nil {
		return nil, fmt.Errorf("repo: commit persist: %w", err)
	}
	if err := casRoot(ctx, pool, did, commitCID.String(), rev, prevRoot); err != nil {
		return nil, fmt.Errorf("repo: commit root: %w", err)
	}
	if err := indexWrites(ctx, pool, did, rev, ops, tbs.NewBlocks()); err != nil {
		return nil, err
	}

	return &CommitResult{
		CommitCID: commitCID.String(),
		Rev:       rev,
		PrevRev:   prevRev,
		PrevData:  prevData,
		Ops:       ops,
		DiffCAR:   diffBuf.Bytes(),
	}, nil
}

// applyCommit persists the commit's new blocks, then atomically swaps
// the root. A failure between the two leaves orphan blocks behind but
// never a dangling root.
func applyCommit(ctx context.Context, pool *pgxpool.Pool, did string, commit *CommitData, prior *repoRoot) error {
	bs := NewMemBlockstore()
	if err := bs.PutBlockMap(commit.NewBlocks); err != nil {
		return err
	}
	if err := bs.PersistAll(ctx, pool, did); err != nil {
		return fmt.Errorf("repo: apply persist: %w", err)
	}
	if err := casRoot(ctx, pool, did, commit.Cid.String(), commit.Rev, prior); err != nil {
		return fmt.Errorf("repo: apply root: %w", err)
	}
	return nil
}

// indexWrites maintains the records index and blob-reference table
// from a commit's write descriptors.
func indexWrites(ctx context.Context, pool *pgxpool.Pool, did, rev string, ops []RepoOp, newBlocks *BlockMap) error {
	now := time.Now().UTC()
	for _, op := range ops {
		collection, rkey, err := ParseDataKey(op.Path)
		if err != nil {
			return err
		}
		uri := "at://" + did + "/" + op.Path

		if op.Action == "delete" {
			if _, err := pool.Exec(ctx, `DELETE FROM records WHERE uri = $1`, uri); err != nil {
				return fmt.Errorf("repo: deindex record %s: %w", uri, err)
			}
			if _, err := pool.Exec(ctx, `DELETE FROM record_blobs WHERE uri = $1`, uri); err != nil {
				return fmt.Errorf("repo: deindex record blobs %s: %w", uri, err)
			}
			continue
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO records (uri, did, collection, rkey, cid, rev, indexed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (uri) DO UPDATE SET cid = $5, rev = $6, indexed_at = $7`,
			uri, did, collection, rkey, op.CID.String(), rev, now)
		if err != nil {
			return fmt.Errorf("repo: index record %s: %w", uri, err)
		}

		if _, err := pool.Exec(ctx, `DELETE FROM record_blobs WHERE uri = $1`, uri); err != nil {
			return fmt.Errorf("repo: reset record blobs %s: %w", uri, err)
		}
		raw, ok := newBlocks.Get(*op.CID)
		if !ok {
			continue
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return fmt.Errorf("repo: decode record %s: %w", uri, err)
		}
		for _, blob := range data.FindBlobRefs(rec) {
			_, err := pool.Exec(ctx,
				`INSERT INTO record_blobs (uri, did, blob_cid)
				 VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				uri, did, blob.Ref.String())
			if err != nil {
				return fmt.Errorf("repo: index record blob %s: %w", uri, err)
			}
		}
	}
	return nil
}

// storeCommitBlock encodes a commit as CBOR and stores it in the blockstore.
func storeCommitBlock(ctx context.Context, bs *MemBlockstore, commit *Commit) (cid.Cid, error) {
	commitBytes, err := commit.MarshalCBOR()
	if err != nil {
		return cid.Undef, fmt.Errorf("marshal commit cbor: %w", err)
	}

	commitCID, err := ComputeCID(commitBytes)
	if err != nil {
		return cid.Undef, fmt.Errorf("compute commit cid: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(commitBytes, commitCID)
	if err != nil {
		return cid.Undef, fmt.Errorf("create commit block: %w", err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("store commit block: %w", err)
	}

	return commitCID, nil
}

// loadRoot loads the repo root from Postgres, failing when absent.
func loadRoot(ctx context.Context, pool *pgxpool.Pool, did string) (*repoRoot, error) {
	root, err := loadRootMaybe(ctx, pool, did)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("repo: no repository for %s", did)
	}
	return root, nil
}

// loadRootMaybe loads the repo root, returning nil for an Empty repo.
func loadRootMaybe(ctx context.Context, pool *pgxpool.Pool, did string) (*repoRoot, error) {
	var root repoRoot
	err := pool.QueryRow(ctx,
		`SELECT commit_cid, rev FROM repo_roots WHERE did = $1`, did,
	).Scan(&root.CommitCID, &root.Rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load root: %w", err)
	}
	return &root, nil
}

// casRoot swaps the repo root with a compare-and-set against the state
// the writer observed. Losing the race surfaces ErrStaleRoot.
func casRoot(ctx context.Context, pool *pgxpool.Pool, did, commitCID, rev string, prior *repoRoot) error {
	if prior == nil {
		tag, err := pool.Exec(ctx,
			`INSERT INTO repo_roots (did, commit_cid, rev)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (did) DO NOTHING`,
			did, commitCID, rev)
		if err != nil {
			return fmt.Errorf("repo: set root: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrStaleRoot
		}
		return nil
	}
	tag, err := pool.Exec(ctx,
		`UPDATE repo_roots SET commit_cid = $2, rev = $3, updated_at = NOW()
		 WHERE did = $1 AND commit_cid = $4 AND rev = $5`,
		did, commitCID, rev, prior.CommitCID, prior.Rev)
	if err != nil {
		return fmt.Errorf("repo: set root: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrStaleRoot
	}
	return nil
}
