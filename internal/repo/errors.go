package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Sentinel errors for the commit and verification pipelines.
var (
	// ErrRootMismatch means the CAR header root differs from the
	// declared commit CID.
	ErrRootMismatch = errors.New("repo: car root does not match declared root")

	// ErrSignatureInvalid means a commit signature failed verification
	// against the supplied key.
	ErrSignatureInvalid = errors.New("repo: invalid commit signature")

	// ErrStaleRoot means a compare-and-set of the repo root lost to a
	// concurrent writer.
	ErrStaleRoot = errors.New("repo: stale root")
)

// CidMismatchError reports block bytes that do not hash to the CID they
// were declared under.
type CidMismatchError struct {
	Declared cid.Cid
	Computed cid.Cid
}

func (e *CidMismatchError) Error() string {
	return fmt.Sprintf("repo: block bytes hash to %s, declared %s", e.Computed, e.Declared)
}

// CarFormatError reports a CAR header or framing problem, with the byte
// offset at which it was detected.
type CarFormatError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *CarFormatError) Error() string {
	return fmt.Sprintf("repo: malformed car at byte %d: %s", e.Offset, e.Reason)
}

func (e *CarFormatError) Unwrap() error { return e.Err }
