package data

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// CBOR simple values used by the data model. Everything else in major
// type 7 (floats included) is rejected.
const (
	cborFalse = 0xf4
	cborTrue  = 0xf5
	cborNull  = 0xf6
)

// MarshalCBOR encodes a record to canonical DAG-CBOR: definite lengths,
// map keys sorted by length then bytewise, minimal integer headers, and
// tag 42 for CID links.
func MarshalCBOR(record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, record, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortMapKeys returns map keys in canonical DAG-CBOR order: shorter
// keys first, ties broken bytewise.
func sortMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func marshalValue(buf *bytes.Buffer, val any, depth int) error {
	if depth > MaxNestingDepth {
		return fmt.Errorf("data: value nested deeper than %d levels", MaxNestingDepth)
	}
	switch v := val.(type) {
	case nil:
		return buf.WriteByte(cborNull)
	case bool:
		if v {
			return buf.WriteByte(cborTrue)
		}
		return buf.WriteByte(cborFalse)
	case int, int64, uint64:
		n, ok := asInt64(v)
		if !ok {
			return fmt.Errorf("data: integer out of int64 range")
		}
		if n >= 0 {
			return cbg.WriteMajorTypeHeader(buf, cbg.MajUnsignedInt, uint64(n))
		}
		return cbg.WriteMajorTypeHeader(buf, cbg.MajNegativeInt, uint64(-n-1))
	case float32, float64:
		return fmt.Errorf("data: floats are not allowed in records")
	case string:
		if err := cbg.WriteMajorTypeHeader(buf, cbg.MajTextString, uint64(len(v))); err != nil {
			return err
		}
		_, err := buf.WriteString(v)
		return err
	case Bytes:
		if err := cbg.WriteMajorTypeHeader(buf, cbg.MajByteString, uint64(len(v))); err != nil {
			return err
		}
		_, err := buf.Write(v)
		return err
	case CIDLink:
		return marshalCID(buf, cid.Cid(v))
	case cid.Cid:
		return marshalCID(buf, v)
	case Blob:
		return marshalValue(buf, v.asMap(), depth)
	case *Blob:
		return marshalValue(buf, v.asMap(), depth)
	case []any:
		if err := cbg.WriteMajorTypeHeader(buf, cbg.MajArray, uint64(len(v))); err != nil {
			return err
		}
		for _, item := range v {
			if err := marshalValue(buf, item, depth+1); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := cbg.WriteMajorTypeHeader(buf, cbg.MajMap, uint64(len(v))); err != nil {
			return err
		}
		for _, k := range sortMapKeys(v) {
			if err := cbg.WriteMajorTypeHeader(buf, cbg.MajTextString, uint64(len(k))); err != nil {
				return err
			}
			if _, err := buf.WriteString(k); err != nil {
				return err
			}
			if err := marshalValue(buf, v[k], depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("data: unsupported value type %T", val)
}

// marshalCID writes tag 42: the CID binary form prefixed with the 0x00
// identity multibase byte, wrapped in a byte string.
func marshalCID(buf *bytes.Buffer, c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("data: undefined cid")
	}
	if err := cbg.WriteMajorTypeHeader(buf, cbg.MajTag, 42); err != nil {
		return err
	}
	raw := c.Bytes()
	if err := cbg.WriteMajorTypeHeader(buf, cbg.MajByteString, uint64(len(raw)+1)); err != nil {
		return err
	}
	if err := buf.WriteByte(0x00); err != nil {
		return err
	}
	_, err := buf.Write(raw)
	return err
}

// cborDecoder is a position-tracking reader over a CBOR buffer. Decoding
// is hand-rolled rather than delegated so the verification boundary can
// reject indefinite lengths, floats, and duplicate map keys.
type cborDecoder struct {
	buf []byte
	pos int
}

func (d *cborDecoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("data: unexpected end of cbor at byte %d", d.pos)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *cborDecoder) readBytes(n uint64) ([]byte, error) {
	if uint64(len(d.buf)-d.pos) < n {
		return nil, fmt.Errorf("data: unexpected end of cbor at byte %d", d.pos)
	}
	out := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return out, nil
}

// readHeader parses a major type header, rejecting indefinite lengths.
func (d *cborDecoder) readHeader() (byte, uint64, error) {
	first, err := d.readByte()
	if err != nil {
		return 0, 0, err
	}
	maj := first >> 5
	info := first & 0x1f
	switch {
	case info < 24:
		return maj, uint64(info), nil
	case info == 24, info == 25, info == 26, info == 27:
		width := 1 << (info - 24)
		raw, err := d.readBytes(uint64(width))
		if err != nil {
			return 0, 0, err
		}
		var extra uint64
		for _, b := range raw {
			extra = extra<<8 | uint64(b)
		}
		return maj, extra, nil
	default:
		return 0, 0, fmt.Errorf("data: indefinite or reserved cbor length at byte %d", d.pos-1)
	}
}

// UnmarshalCBOR decodes DAG-CBOR bytes into a record map. The top-level
// value must be a map; floats and indefinite-length items are rejected.
func UnmarshalCBOR(raw []byte) (map[string]any, error) {
	d := &cborDecoder{buf: raw}
	val, err := d.decodeValue(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(raw) {
		return nil, fmt.Errorf("data: %d trailing bytes after cbor value", len(raw)-d.pos)
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("data: record must be a cbor map, got %T", val)
	}
	return m, nil
}

// DecodeCBOR decodes a single DAG-CBOR value of any top-level kind.
func DecodeCBOR(raw []byte) (any, error) {
	d := &cborDecoder{buf: raw}
	val, err := d.decodeValue(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(raw) {
		return nil, fmt.Errorf("data: %d trailing bytes after cbor value", len(raw)-d.pos)
	}
	return val, nil
}

func (d *cborDecoder) decodeValue(depth int) (any, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("data: value nested deeper than %d levels", MaxNestingDepth)
	}
	maj, extra, err := d.readHeader()
	if err != nil {
		return nil, err
	}
	switch maj {
	case cbg.MajUnsignedInt:
		if extra > 1<<63-1 {
			return nil, fmt.Errorf("data: integer out of int64 range")
		}
		return int64(extra), nil
	case cbg.MajNegativeInt:
		if extra > 1<<63-1 {
			return nil, fmt.Errorf("data: integer out of int64 range")
		}
		return -int64(extra) - 1, nil
	case cbg.MajByteString:
		raw, err := d.readBytes(extra)
		if err != nil {
			return nil, err
		}
		out := make(Bytes, len(raw))
		copy(out, raw)
		return out, nil
	case cbg.MajTextString:
		raw, err := d.readBytes(extra)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case cbg.MajArray:
		if extra > uint64(len(d.buf)-d.pos) {
			return nil, fmt.Errorf("data: array length %d exceeds input", extra)
		}
		arr := make([]any, 0, extra)
		for i := uint64(0); i < extra; i++ {
			item, err := d.decodeValue(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case cbg.MajMap:
		if extra > uint64(len(d.buf)-d.pos) {
			return nil, fmt.Errorf("data: map length %d exceeds input", extra)
		}
		m := make(map[string]any, extra)
		for i := uint64(0); i < extra; i++ {
			kmaj, klen, err := d.readHeader()
			if err != nil {
				return nil, err
			}
			if kmaj != cbg.MajTextString {
				return nil, fmt.Errorf("data: map key must be a text string")
			}
			kraw, err := d.readBytes(klen)
			if err != nil {
				return nil, err
			}
			key := string(kraw)
			if _, dup := m[key]; dup {
				return nil, fmt.Errorf("data: duplicate map key %q", key)
			}
			val, err := d.decodeValue(depth + 1)
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		if blob, ok := blobFromMap(m); ok {
			return *blob, nil
		}
		return m, nil
	case cbg.MajTag:
		if extra != 42 {
			return nil, fmt.Errorf("data: unsupported cbor tag %d", extra)
		}
		return d.decodeCID()
	case cbg.MajOther:
		switch extra {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22:
			return nil, nil
		default:
			return nil, fmt.Errorf("data: unsupported cbor simple value %d (floats are not allowed)", extra)
		}
	}
	return nil, fmt.Errorf("data: unknown cbor major type %d", maj)
}

func (d *cborDecoder) decodeCID() (CIDLink, error) {
	maj, extra, err := d.readHeader()
	if err != nil {
		return CIDLink{}, err
	}
	if maj != cbg.MajByteString {
		return CIDLink{}, fmt.Errorf("data: tag 42 must wrap a byte string")
	}
	raw, err := d.readBytes(extra)
	if err != nil {
		return CIDLink{}, err
	}
	if len(raw) == 0 || raw[0] != 0x00 {
		return CIDLink{}, fmt.Errorf("data: tag 42 byte string must start with identity multibase prefix")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return CIDLink{}, fmt.Errorf("data: invalid cid in tag 42: %w", err)
	}
	return CIDLink(c), nil
}
