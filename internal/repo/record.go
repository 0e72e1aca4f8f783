// Package repo implements the repository engine: Merkle Search Tree
// management, content-addressed block storage, commit signing, CAR
// import/export, and the diff/verify pipeline behind record CRUD.
package repo

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/meridian-host/meridian-pds/internal/data"
)

// EncodeRecord converts a record in the data model to canonical
// DAG-CBOR bytes. The input should already have been parsed through
// data.UnmarshalJSON or data.UnmarshalCBOR.
func EncodeRecord(record map[string]any) ([]byte, error) {
	return data.MarshalCBOR(record)
}

// DecodeRecord converts DAG-CBOR bytes back to a record map suitable
// for JSON serialization.
func DecodeRecord(cborBytes []byte) (map[string]any, error) {
	return data.UnmarshalCBOR(cborBytes)
}

// ComputeCID returns a CIDv1 (SHA-256, DAG-CBOR codec) for raw bytes.
func ComputeCID(raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)
	return builder.Sum(raw)
}
