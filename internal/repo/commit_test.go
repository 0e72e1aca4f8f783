package repo

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
)

func TestCommitSignAndVerify(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	dataRoot, err := ComputeCID([]byte("mst-root"))
	require.NoError(t, err)

	commit, err := FormatUnsignedCommit("did:plc:test123", nil, "3jzfcijpj2z2a", dataRoot).Sign(priv)
	require.NoError(t, err)
	require.Equal(t, int64(RepoVersion), commit.Version)
	require.NotEmpty(t, commit.Sig)

	require.NoError(t, commit.VerifySignature(pub))

	// a different key rejects the signature
	otherPriv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	otherPub, err := otherPriv.PublicKey()
	require.NoError(t, err)
	require.ErrorIs(t, commit.VerifySignature(otherPub), ErrSignatureInvalid)

	// tampering with the payload breaks verification
	tampered := *commit
	tampered.Rev = "3jzfcijpj2z2b"
	require.ErrorIs(t, tampered.VerifySignature(pub), ErrSignatureInvalid)
}

func TestCommitCBORRoundTrip(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	dataRoot, err := ComputeCID([]byte("root"))
	require.NoError(t, err)
	prevCID, err := ComputeCID([]byte("prev-commit"))
	require.NoError(t, err)

	commit, err := FormatUnsignedCommit("did:plc:abc", &prevCID, "3jzfcijpj2z2c", dataRoot).Sign(priv)
	require.NoError(t, err)

	raw, err := commit.MarshalCBOR()
	require.NoError(t, err)

	parsed, err := ParseCommit(raw)
	require.NoError(t, err)
	require.Equal(t, commit.DID, parsed.DID)
	require.Equal(t, commit.Rev, parsed.Rev)
	require.True(t, commit.Data.Equals(parsed.Data))
	require.NotNil(t, parsed.Prev)
	require.True(t, prevCID.Equals(*parsed.Prev))
	require.Equal(t, commit.Sig, parsed.Sig)

	// encoding is canonical: re-encode matches
	again, err := parsed.MarshalCBOR()
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestParseCommitRejectsBadShapes(t *testing.T) {
	_, err := ParseCommit([]byte{0x80})
	require.Error(t, err)

	dataRoot, err := ComputeCID([]byte("root"))
	require.NoError(t, err)

	// missing sig
	unsigned := FormatUnsignedCommit("did:plc:abc", nil, "3jzfcijpj2z2a", dataRoot)
	raw, err := unsigned.MarshalCBOR()
	require.NoError(t, err)
	_, err = ParseCommit(raw)
	require.Error(t, err)
}

func TestNextTIDAdvances(t *testing.T) {
	a := NextTID()
	b := NextTID()
	require.Len(t, a, 13)
	require.Less(t, a, b)
}
