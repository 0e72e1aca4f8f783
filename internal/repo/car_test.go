package repo

import (
	"bytes"
	"testing"

	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testBlockMap(t *testing.T, count int) (*BlockMap, cid.Cid) {
	t.Helper()
	bm := NewBlockMap()
	var first cid.Cid
	for i := 0; i < count; i++ {
		c, err := bm.Add(map[string]any{"n": int64(i), "text": "block"})
		require.NoError(t, err)
		if i == 0 {
			first = c
		}
	}
	return bm, first
}

func TestCarRoundTrip(t *testing.T) {
	bm, root := testBlockMap(t, 8)

	var buf bytes.Buffer
	require.NoError(t, BlocksToCAR(&buf, root, bm))

	gotRoot, gotBlocks, err := ReadStreamCAR(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.True(t, root.Equals(gotRoot))
	require.True(t, bm.Equals(gotBlocks))
}

func TestCarTruncatedRejected(t *testing.T) {
	bm, root := testBlockMap(t, 4)

	var buf bytes.Buffer
	require.NoError(t, BlocksToCAR(&buf, root, bm))
	raw := buf.Bytes()

	_, _, err := ReadStreamCAR(bytes.NewReader(raw[:len(raw)-3]), 0)
	var carErr *CarFormatError
	require.ErrorAs(t, err, &carErr)
}

func TestCarSizeCeiling(t *testing.T) {
	bm, root := testBlockMap(t, 64)

	var buf bytes.Buffer
	require.NoError(t, BlocksToCAR(&buf, root, bm))

	_, _, err := ReadStreamCAR(bytes.NewReader(buf.Bytes()), 64)
	var carErr *CarFormatError
	require.ErrorAs(t, err, &carErr)
}

func TestCarCidMismatchRejected(t *testing.T) {
	declared, err := ComputeCID([]byte("the real bytes"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{declared}, Version: 1}, &buf))
	require.NoError(t, carutil.LdWrite(&buf, declared.Bytes(), []byte("different bytes")))

	_, _, err = ReadStreamCAR(bytes.NewReader(buf.Bytes()), 0)
	var mismatch *CidMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.True(t, declared.Equals(mismatch.Declared))
}

func TestCarRequiresSingleRoot(t *testing.T) {
	bm, root := testBlockMap(t, 1)
	other, err := ComputeCID([]byte("other-root"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root, other}, Version: 1}, &buf))
	require.NoError(t, bm.ForEach(func(c cid.Cid, raw []byte) error {
		return carutil.LdWrite(&buf, c.Bytes(), raw)
	}))

	_, _, err = ReadStreamCAR(bytes.NewReader(buf.Bytes()), 0)
	var carErr *CarFormatError
	require.ErrorAs(t, err, &carErr)
}

func TestBlockMapOperations(t *testing.T) {
	bm := NewBlockMap()
	c1, err := bm.Add(map[string]any{"a": int64(1)})
	require.NoError(t, err)
	c2, err := bm.Add(map[string]any{"b": int64(2)})
	require.NoError(t, err)

	require.True(t, bm.Has(c1))
	require.Equal(t, 2, bm.Size())

	raw, ok := bm.Get(c1)
	require.True(t, ok)
	require.NotEmpty(t, raw)

	absent, err := ComputeCID([]byte("absent"))
	require.NoError(t, err)
	found, missing := bm.GetMany([]cid.Cid{c1, c2, absent})
	require.Equal(t, 2, found.Size())
	require.Len(t, missing, 1)
	require.True(t, absent.Equals(missing[0]))

	total := 0
	require.NoError(t, bm.ForEach(func(_ cid.Cid, raw []byte) error {
		total += len(raw)
		return nil
	}))
	require.Equal(t, total, bm.ByteSize())

	other := NewBlockMap()
	other.AddMap(bm)
	require.True(t, bm.Equals(other))

	other.Delete(c1)
	require.False(t, bm.Equals(other))
}
