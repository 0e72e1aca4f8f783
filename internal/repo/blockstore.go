package repo

import (
	"context"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-host/meridian-pds/internal/repo/mst"
)

// MemBlockstore is an in-memory blockstore satisfying the block source
// and writer interfaces the MST hydrates through. It wraps an in-memory
// map and provides helpers to load from and persist to Postgres.
type MemBlockstore struct {
	blocks map[string]blocks.Block
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Put stores a block. Writing an existing CID is a no-op by content
// addressing.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	m.blocks[blk.Cid().KeyString()] = blk
	return nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// GetSize returns the size of a block.
func (m *MemBlockstore) GetSize(_ context.Context, c cid.Cid) (int, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return 0, &ipld.ErrNotFound{Cid: c}
	}
	return len(blk.RawData()), nil
}

// PutMany stores multiple blocks.
func (m *MemBlockstore) PutMany(_ context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		m.blocks[blk.Cid().KeyString()] = blk
	}
	return nil
}

// GetMany splits a CID list into the blocks found here and the CIDs
// that are missing.
func (m *MemBlockstore) GetMany(_ context.Context, cids []cid.Cid) (*BlockMap, []cid.Cid) {
	found := NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		if blk, ok := m.blocks[c.KeyString()]; ok {
			found.Set(c, blk.RawData())
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing
}

// AllKeysChan returns a channel of all CIDs in the blockstore.
func (m *MemBlockstore) AllKeysChan(_ context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid, len(m.blocks))
	for _, blk := range m.blocks {
		ch <- blk.Cid()
	}
	close(ch)
	return ch, nil
}

// HashOnRead is a no-op (not needed for in-memory store).
func (m *MemBlockstore) HashOnRead(_ bool) {}

// DeleteBlock removes a block by CID.
func (m *MemBlockstore) DeleteBlock(_ context.Context, c cid.Cid) error {
	delete(m.blocks, c.KeyString())
	return nil
}

// PutBlockMap stores every block from a BlockMap.
func (m *MemBlockstore) PutBlockMap(bm *BlockMap) error {
	return bm.ForEach(func(c cid.Cid, raw []byte) error {
		blk, err := blocks.NewBlockWithCid(raw, c)
		if err != nil {
			return fmt.Errorf("blockstore: create block %s: %w", c, err)
		}
		m.blocks[c.KeyString()] = blk
		return nil
	})
}

// ToBlockMap snapshots the store's contents.
func (m *MemBlockstore) ToBlockMap() *BlockMap {
	bm := NewBlockMap()
	for _, blk := range m.blocks {
		bm.Set(blk.Cid(), blk.RawData())
	}
	return bm
}

// LoadBlocks loads all blocks for a DID from Postgres into a new
// MemBlockstore.
func LoadBlocks(ctx context.Context, pool *pgxpool.Pool, did string) (*MemBlockstore, error) {
	rows, err := pool.Query(ctx,
		`SELECT cid, data FROM repo_blocks WHERE did = $1`, did)
	if err != nil {
		return nil, fmt.Errorf("blockstore: load blocks for %s: %w", did, err)
	}
	defer rows.Close()

	bs := NewMemBlockstore()
	for rows.Next() {
		var cidStr string
		var raw []byte
		if err := rows.Scan(&cidStr, &raw); err != nil {
			return nil, fmt.Errorf("blockstore: scan block: %w", err)
		}

		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("blockstore: decode cid %q: %w", cidStr, err)
		}

		blk, err := blocks.NewBlockWithCid(raw, c)
		if err != nil {
			return nil, fmt.Errorf("blockstore: create block: %w", err)
		}
		bs.blocks[c.KeyString()] = blk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blockstore: iterate rows: %w", err)
	}
	return bs, nil
}

// PersistAll writes all in-memory blocks to Postgres. Uses ON CONFLICT
// DO NOTHING since blocks are content-addressed (immutable).
func (m *MemBlockstore) PersistAll(ctx context.Context, pool *pgxpool.Pool, did string) error {
	for _, blk := range m.blocks {
		cidStr := blk.Cid().String()
		_, err := pool.Exec(ctx,
			`INSERT INTO repo_blocks (did, cid, data)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			did, cidStr, blk.RawData())
		if err != nil {
			return fmt.Errorf("blockstore: persist block %s: %w", cidStr, err)
		}
	}
	return nil
}

// ExportCAR writes ALL blocks as a CAR v1 archive. The commit block is
// written first, followed by all other blocks in arbitrary order.
func (m *MemBlockstore) ExportCAR(w io.Writer, commitCID cid.Cid) error {
	h := &car.CarHeader{
		Roots:   []cid.Cid{commitCID},
		Version: 1,
	}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("blockstore: write car header: %w", err)
	}

	commitBlk, ok := m.blocks[commitCID.KeyString()]
	if !ok {
		return fmt.Errorf("blockstore: commit block not found: %s", commitCID)
	}
	if err := carutil.LdWrite(w, commitCID.Bytes(), commitBlk.RawData()); err != nil {
		return fmt.Errorf("blockstore: write commit block: %w", err)
	}

	for key, blk := range m.blocks {
		if key == commitCID.KeyString() {
			continue
		}
		if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return fmt.Errorf("blockstore: write block %s: %w", blk.Cid(), err)
		}
	}
	return nil
}

// TrackingBlockstore wraps a MemBlockstore and records which CIDs were
// present at creation time vs. added during mutations. After a commit,
// NewBlocks returns only the blocks that were added (the diff), which
// becomes the firehose CAR payload.
type TrackingBlockstore struct {
	*MemBlockstore
	preloaded map[string]bool
}

// NewTrackingBlockstore wraps an existing MemBlockstore, snapshotting
// its current keys as "preloaded". Any blocks added after this point
// are considered new.
func NewTrackingBlockstore(bs *MemBlockstore) *TrackingBlockstore {
	pre := make(map[string]bool, len(bs.blocks))
	for k := range bs.blocks {
		pre[k] = true
	}
	return &TrackingBlockstore{
		MemBlockstore: bs,
		preloaded:     pre,
	}
}

// NewBlocks returns the blocks added after the tracking snapshot.
func (t *TrackingBlockstore) NewBlocks() *BlockMap {
	out := NewBlockMap()
	for k, blk := range t.MemBlockstore.blocks {
		if !t.preloaded[k] {
			out.Set(blk.Cid(), blk.RawData())
		}
	}
	return out
}

// ExportDiffCAR writes only the new blocks (not preloaded) as a CAR v1
// archive. The commit block is written first.
func (t *TrackingBlockstore) ExportDiffCAR(w io.Writer, commitCID cid.Cid) error {
	h := &car.CarHeader{
		Roots:   []cid.Cid{commitCID},
		Version: 1,
	}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("blockstore: write diff car header: %w", err)
	}

	commitBlk, ok := t.MemBlockstore.blocks[commitCID.KeyString()]
	if !ok {
		return fmt.Errorf("blockstore: commit block not found: %s", commitCID)
	}
	if err := carutil.LdWrite(w, commitCID.Bytes(), commitBlk.RawData()); err != nil {
		return fmt.Errorf("blockstore: write diff commit block: %w", err)
	}

	for k, blk := range t.MemBlockstore.blocks {
		if t.preloaded[k] || k == commitCID.KeyString() {
			continue
		}
		if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return fmt.Errorf("blockstore: write diff block %s: %w", blk.Cid(), err)
		}
	}
	return nil
}

// OverlayBlockstore reads from a BlockMap first (typically the contents
// of an imported CAR) and falls back to a durable source. The verify
// pipeline materializes candidate trees through it so partial CARs can
// lean on already-persisted blocks.
type OverlayBlockstore struct {
	overlay *BlockMap
	base    mst.BlockSource
}

// NewOverlayBlockstore layers overlay over base. base may be nil for a
// CAR-only view.
func NewOverlayBlockstore(overlay *BlockMap, base mst.BlockSource) *OverlayBlockstore {
	return &OverlayBlockstore{overlay: overlay, base: base}
}

// Get reads through the overlay into the base source.
func (o *OverlayBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if raw, ok := o.overlay.Get(c); ok {
		return blocks.NewBlockWithCid(raw, c)
	}
	if o.base != nil {
		return o.base.Get(ctx, c)
	}
	return nil, &ipld.ErrNotFound{Cid: c}
}
