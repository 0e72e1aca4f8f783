package mst

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// Sentinel errors for tree operations.
var (
	ErrInvalidKey  = errors.New("mst: invalid key")
	ErrKeyExists   = errors.New("mst: key already exists")
	ErrKeyNotFound = errors.New("mst: key not found")
)

// MalformedNodeError reports a node that decoded but violates a
// structural invariant (bad prefix compression, out-of-order keys,
// layer inconsistency).
type MalformedNodeError struct {
	Reason string
}

func (e *MalformedNodeError) Error() string {
	return "mst: malformed node: " + e.Reason
}

// MissingBlockError reports a block-store miss during hydration.
// Context distinguishes mst-node from mst-leaf lookups.
type MissingBlockError struct {
	Cid     cid.Cid
	Context string
	Err     error
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("mst: missing %s block %s", e.Context, e.Cid)
}

func (e *MissingBlockError) Unwrap() error { return e.Err }

// IsMissingBlock reports whether err is a block miss, from either this
// package or the underlying blockstore.
func IsMissingBlock(err error) bool {
	var mb *MissingBlockError
	if errors.As(err, &mb) {
		return true
	}
	return ipld.IsNotFound(err)
}
