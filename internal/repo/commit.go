package repo

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"

	"github.com/meridian-host/meridian-pds/internal/data"
)

// RepoVersion is the repository format version carried by every commit.
const RepoVersion = 3

// UnsignedCommit is a commit before signing: the DID that owns the
// repo, the MST root, a strictly increasing TID revision, and the
// previous commit CID (nil on the first commit).
type UnsignedCommit struct {
	DID  string
	Data cid.Cid
	Rev  string
	Prev *cid.Cid
}

// Commit is a signed repository commit.
type Commit struct {
	DID     string
	Version int64
	Data    cid.Cid
	Rev     string
	Prev    *cid.Cid
	Sig     []byte
}

// FormatUnsignedCommit assembles the unsigned structure for a new root.
func FormatUnsignedCommit(did string, prev *cid.Cid, rev string, dataRoot cid.Cid) *UnsignedCommit {
	return &UnsignedCommit{DID: did, Data: dataRoot, Rev: rev, Prev: prev}
}

func (uc *UnsignedCommit) asMap() map[string]any {
	var prev any
	if uc.Prev != nil {
		prev = data.CIDLink(*uc.Prev)
	}
	return map[string]any{
		"did":     uc.DID,
		"rev":     uc.Rev,
		"data":    data.CIDLink(uc.Data),
		"prev":    prev,
		"version": int64(RepoVersion),
	}
}

// MarshalCBOR encodes the unsigned commit canonically. The signature
// covers exactly these bytes.
func (uc *UnsignedCommit) MarshalCBOR() ([]byte, error) {
	return data.MarshalCBOR(uc.asMap())
}

// Sign produces a signed commit. The signature is the low-S compact
// secp256k1 form over SHA-256 of the canonical unsigned CBOR.
func (uc *UnsignedCommit) Sign(priv atcrypto.PrivateKey) (*Commit, error) {
	raw, err := uc.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("repo: encode unsigned commit: %w", err)
	}
	sig, err := priv.HashAndSign(raw)
	if err != nil {
		return nil, fmt.Errorf("repo: sign commit: %w", err)
	}
	return &Commit{
		DID:     uc.DID,
		Version: RepoVersion,
		Data:    uc.Data,
		Rev:     uc.Rev,
		Prev:    uc.Prev,
		Sig:     sig,
	}, nil
}

// Unsigned strips the signature for re-verification.
func (c *Commit) Unsigned() *UnsignedCommit {
	return &UnsignedCommit{DID: c.DID, Data: c.Data, Rev: c.Rev, Prev: c.Prev}
}

// MarshalCBOR encodes the signed commit canonically.
func (c *Commit) MarshalCBOR() ([]byte, error) {
	m := c.Unsigned().asMap()
	m["sig"] = data.Bytes(c.Sig)
	return data.MarshalCBOR(m)
}

// VerifySignature checks the commit signature against a public key.
func (c *Commit) VerifySignature(pub atcrypto.PublicKey) error {
	raw, err := c.Unsigned().MarshalCBOR()
	if err != nil {
		return fmt.Errorf("repo: encode unsigned commit: %w", err)
	}
	if err := pub.HashAndVerify(raw, c.Sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// ParseCommit decodes and shape-checks a commit block.
func ParseCommit(raw []byte) (*Commit, error) {
	m, err := data.UnmarshalCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("repo: decode commit: %w", err)
	}
	c := &Commit{}
	var ok bool
	if c.DID, ok = m["did"].(string); !ok || c.DID == "" {
		return nil, fmt.Errorf("repo: commit missing did")
	}
	if c.Version, ok = m["version"].(int64); !ok || c.Version != RepoVersion {
		return nil, fmt.Errorf("repo: unsupported commit version")
	}
	dataLink, ok := m["data"].(data.CIDLink)
	if !ok {
		return nil, fmt.Errorf("repo: commit missing data root")
	}
	c.Data = dataLink.CID()
	if c.Rev, ok = m["rev"].(string); !ok || c.Rev == "" {
		return nil, fmt.Errorf("repo: commit missing rev")
	}
	switch prev := m["prev"].(type) {
	case nil:
	case data.CIDLink:
		p := prev.CID()
		c.Prev = &p
	default:
		return nil, fmt.Errorf("repo: commit prev must be a cid or null")
	}
	sig, ok := m["sig"].(data.Bytes)
	if !ok || len(sig) == 0 {
		return nil, fmt.Errorf("repo: commit missing sig")
	}
	c.Sig = []byte(sig)
	return c, nil
}

// tidClock issues strictly increasing revisions process-wide.
var tidClock = syntax.NewTIDClock(0)

// NextTID returns a new monotonic commit revision.
func NextTID() string {
	return tidClock.Next().String()
}
