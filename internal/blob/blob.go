// Package blob provides content-addressed blob storage for AT Protocol
// media (images, etc.). Blobs are stored in the database keyed by
// (did, cid) with a 1MB size limit, and tracked against the records
// that reference them.
package blob

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/multiformats/go-multihash"
)

// MaxBlobSize is the maximum allowed blob size (1MB).
const MaxBlobSize = 1 << 20

// BlobRef is returned after a successful upload.
type BlobRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MissingBlob describes a blob referenced by a record but never
// uploaded to this PDS.
type MissingBlob struct {
	CID       string `json:"cid"`
	RecordURI string `json:"recordUri"`
}

// Store handles blob uploads, retrieval, and reference accounting.
type Store struct{}

// NewStore creates a blob Store.
func NewStore() *Store {
	return &Store{}
}

// Upload reads data from r, computes a CID, and stores the blob.
// Returns a BlobRef on success.
func (s *Store) Upload(ctx context.Context, pool *pgxpool.Pool, did, mimeType string, r io.Reader) (*BlobRef, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if len(raw) > MaxBlobSize {
		return nil, fmt.Errorf("blob: exceeds maximum size of %d bytes", MaxBlobSize)
	}

	// Compute CID using SHA-256 with raw codec.
	hash := sha256.Sum256(raw)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("blob: multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	cidStr := c.String()

	_, err = pool.Exec(ctx,
		`INSERT INTO blobs (did, cid, mime_type, size, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (did, cid) DO NOTHING`,
		did, cidStr, mimeType, len(raw), raw,
	)
	if err != nil {
		return nil, fmt.Errorf("blob: store: %w", err)
	}

	return &BlobRef{
		CID:      cidStr,
		MimeType: mimeType,
		Size:     int64(len(raw)),
	}, nil
}

// Get retrieves a blob by DID and CID. Returns the data and MIME type.
func (s *Store) Get(ctx context.Context, pool *pgxpool.Pool, did, cidStr string) ([]byte, string, error) {
	var raw []byte
	var mimeType string
	err := pool.QueryRow(ctx,
		`SELECT data, mime_type FROM blobs WHERE did = $1 AND cid = $2`,
		did, cidStr,
	).Scan(&raw, &mimeType)
	if err != nil {
		return nil, "", fmt.Errorf("blob: not found: %w", err)
	}
	return raw, mimeType, nil
}

// ListMissing pages through blob CIDs referenced by an account's
// records but absent from blob storage. The cursor is the last CID of
// the previous page; results come back in CID order.
func (s *Store) ListMissing(ctx context.Context, pool *pgxpool.Pool, did, cursor string, limit int) ([]MissingBlob, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := pool.Query(ctx,
		`SELECT rb.blob_cid, MIN(rb.uri)
		 FROM record_blobs rb
		 LEFT JOIN blobs b ON b.did = rb.did AND b.cid = rb.blob_cid
		 WHERE rb.did = $1 AND b.cid IS NULL AND rb.blob_cid > $2
		 GROUP BY rb.blob_cid
		 ORDER BY rb.blob_cid
		 LIMIT $3`,
		did, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("blob: list missing: %w", err)
	}
	defer rows.Close()

	var missing []MissingBlob
	for rows.Next() {
		var mb MissingBlob
		if err := rows.Scan(&mb.CID, &mb.RecordURI); err != nil {
			return nil, "", fmt.Errorf("blob: list missing scan: %w", err)
		}
		missing = append(missing, mb)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("blob: list missing rows: %w", err)
	}

	nextCursor := ""
	if len(missing) == limit {
		nextCursor = missing[len(missing)-1].CID
	}
	return missing, nextCursor, nil
}
