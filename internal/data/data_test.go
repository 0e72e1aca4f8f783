package data

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

const testCIDStr = "bafyreie5737gdxlw5i64vxljttuk6tp6h6kcgvqicxr2xg7j6fpd6k4dii"

func mustCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	c, err := cid.Decode(s)
	require.NoError(t, err)
	return c
}

func TestJSONRoundTrip(t *testing.T) {
	raw := []byte(`{
		"text": "hello world",
		"count": 42,
		"ok": true,
		"nothing": null,
		"tags": ["a", "b"],
		"link": {"$link": "` + testCIDStr + `"},
		"payload": {"$bytes": "AQID"},
		"nested": {"inner": -7}
	}`)

	rec, err := UnmarshalJSON(raw)
	require.NoError(t, err)

	require.Equal(t, "hello world", rec["text"])
	require.Equal(t, int64(42), rec["count"])
	require.Equal(t, true, rec["ok"])
	require.Nil(t, rec["nothing"])
	require.Equal(t, []any{"a", "b"}, rec["tags"])
	require.Equal(t, CIDLink(mustCID(t, testCIDStr)), rec["link"])
	require.Equal(t, Bytes{1, 2, 3}, rec["payload"])
	require.Equal(t, int64(-7), rec["nested"].(map[string]any)["inner"])

	out, err := MarshalJSON(rec)
	require.NoError(t, err)
	back, err := UnmarshalJSON(out)
	require.NoError(t, err)
	require.True(t, Equal(rec, back))
}

func TestJSONRejectsFloats(t *testing.T) {
	_, err := UnmarshalJSON([]byte(`{"pi": 3.14}`))
	require.Error(t, err)

	_, err = UnmarshalJSON([]byte(`{"exp": 1e10}`))
	require.Error(t, err)

	// integral values written without a fraction stay integers
	rec, err := UnmarshalJSON([]byte(`{"n": 10000000000}`))
	require.NoError(t, err)
	require.Equal(t, int64(10000000000), rec["n"])
}

func TestBareCIDStringStaysString(t *testing.T) {
	rec, err := UnmarshalJSON([]byte(`{"looksLikeCid": "` + testCIDStr + `"}`))
	require.NoError(t, err)
	require.Equal(t, testCIDStr, rec["looksLikeCid"])

	out, err := MarshalJSON(rec)
	require.NoError(t, err)
	back, err := UnmarshalJSON(out)
	require.NoError(t, err)
	require.Equal(t, testCIDStr, back["looksLikeCid"])
}

func TestBlobRoundTrip(t *testing.T) {
	raw := []byte(`{
		"media": {
			"$type": "blob",
			"ref": {"$link": "` + testCIDStr + `"},
			"mimeType": "image/jpeg",
			"size": 12345
		}
	}`)

	rec, err := UnmarshalJSON(raw)
	require.NoError(t, err)
	blob, ok := rec["media"].(Blob)
	require.True(t, ok)
	require.True(t, mustCID(t, testCIDStr).Equals(blob.Ref))
	require.Equal(t, "image/jpeg", blob.MimeType)
	require.Equal(t, int64(12345), blob.Size)

	// JSON and CBOR both round-trip the blob shape
	jsonOut, err := MarshalJSON(rec)
	require.NoError(t, err)
	fromJSON, err := UnmarshalJSON(jsonOut)
	require.NoError(t, err)
	require.True(t, Equal(rec, fromJSON))

	cborOut, err := MarshalCBOR(rec)
	require.NoError(t, err)
	fromCBOR, err := UnmarshalCBOR(cborOut)
	require.NoError(t, err)
	require.True(t, Equal(rec, fromCBOR))
}

func TestLegacyBlobAccepted(t *testing.T) {
	rec, err := UnmarshalJSON([]byte(`{
		"media": {"cid": "` + testCIDStr + `", "mimeType": "image/png"}
	}`))
	require.NoError(t, err)
	blob, ok := rec["media"].(Blob)
	require.True(t, ok)
	require.Equal(t, int64(-1), blob.Size)
	require.Equal(t, "image/png", blob.MimeType)
}

func TestCBORRoundTrip(t *testing.T) {
	rec := map[string]any{
		"text":  "hi",
		"n":     int64(-300),
		"big":   int64(1 << 40),
		"ok":    false,
		"null":  nil,
		"bytes": Bytes{0xde, 0xad},
		"link":  CIDLink(mustCID(t, testCIDStr)),
		"list":  []any{int64(1), "two", nil},
		"map":   map[string]any{"k": "v"},
	}

	raw, err := MarshalCBOR(rec)
	require.NoError(t, err)

	back, err := UnmarshalCBOR(raw)
	require.NoError(t, err)
	require.True(t, Equal(rec, back))

	// canonical encodings re-encode to identical bytes
	again, err := MarshalCBOR(back)
	require.NoError(t, err)
	require.Equal(t, raw, again)
}

func TestCBORCanonicalForm(t *testing.T) {
	// {"a": 1} — map header, one-byte key, small int
	raw, err := MarshalCBOR(map[string]any{"a": int64(1)})
	require.NoError(t, err)
	require.Equal(t, []byte{0xa1, 0x61, 'a', 0x01}, raw)

	// keys sort by length first, then bytewise
	raw, err = MarshalCBOR(map[string]any{"bb": int64(2), "a": int64(1), "ab": int64(3)})
	require.NoError(t, err)
	require.Equal(t, []byte{
		0xa3,
		0x61, 'a', 0x01,
		0x62, 'a', 'b', 0x03,
		0x62, 'b', 'b', 0x02,
	}, raw)
}

func TestCBORRejectsFloatsAndIndefinite(t *testing.T) {
	// 0xfb = float64 major 7
	_, err := UnmarshalCBOR([]byte{0xa1, 0x61, 'f', 0xfb, 0x40, 0x09, 0x1e, 0xb8, 0x51, 0xeb, 0x85, 0x1f})
	require.Error(t, err)

	// 0xbf = indefinite-length map
	_, err = UnmarshalCBOR([]byte{0xbf, 0x61, 'a', 0x01, 0xff})
	require.Error(t, err)

	// duplicate keys
	_, err = UnmarshalCBOR([]byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02})
	require.Error(t, err)
}

func TestFindBlobRefs(t *testing.T) {
	blob := Blob{Ref: mustCID(t, testCIDStr), MimeType: "image/jpeg", Size: 10}
	rec := map[string]any{
		"embed": map[string]any{
			"images": []any{
				map[string]any{"image": blob, "alt": "a"},
			},
		},
		"plain": "text",
	}

	refs := FindBlobRefs(rec)
	require.Len(t, refs, 1)
	require.True(t, blob.Ref.Equals(refs[0].Ref))

	require.Empty(t, FindBlobRefs(map[string]any{"s": "x", "n": int64(2)}))
}

func TestValidateRejectsFloats(t *testing.T) {
	require.Error(t, Validate(map[string]any{"f": 3.5}))
	require.NoError(t, Validate(map[string]any{"n": int64(3)}))
}
