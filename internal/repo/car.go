package repo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/multiformats/go-varint"

	"github.com/meridian-host/meridian-pds/internal/data"
)

// DefaultMaxCarBytes is the ceiling applied to imported CAR payloads
// when the caller does not configure one (100 MiB).
const DefaultMaxCarBytes = 100 << 20

// BlocksToCAR writes a CAR v1 archive: the header, then the root block
// first (when present in blocks) for sync friendliness, then the
// remaining blocks in CID order.
func BlocksToCAR(w io.Writer, root cid.Cid, blocks *BlockMap) error {
	h := &car.CarHeader{
		Roots:   []cid.Cid{root},
		Version: 1,
	}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("repo: write car header: %w", err)
	}
	if raw, ok := blocks.Get(root); ok {
		if err := carutil.LdWrite(w, root.Bytes(), raw); err != nil {
			return fmt.Errorf("repo: write car root block: %w", err)
		}
	}
	return blocks.ForEach(func(c cid.Cid, raw []byte) error {
		if c.Equals(root) {
			return nil
		}
		if err := carutil.LdWrite(w, c.Bytes(), raw); err != nil {
			return fmt.Errorf("repo: write car block %s: %w", c, err)
		}
		return nil
	})
}

// countingReader tracks how many bytes have been consumed so framing
// errors can report an offset.
type countingReader struct {
	br     *bufio.Reader
	offset int64
}

func (cr *countingReader) ReadByte() (byte, error) {
	b, err := cr.br.ReadByte()
	if err == nil {
		cr.offset++
	}
	return b, err
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.br.Read(p)
	cr.offset += int64(n)
	return n, err
}

// ReadStreamCAR streams a CAR v1 payload into a BlockMap, enforcing a
// byte ceiling, requiring exactly one root, and verifying that every
// block hashes to its declared CID. It never buffers more than one
// block at a time.
func ReadStreamCAR(r io.Reader, maxBytes int64) (cid.Cid, *BlockMap, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCarBytes
	}
	cr := &countingReader{br: bufio.NewReader(io.LimitReader(r, maxBytes+1))}

	headerRaw, err := readFrame(cr, maxBytes)
	if err != nil {
		return cid.Undef, nil, err
	}
	root, err := parseCarHeader(headerRaw)
	if err != nil {
		return cid.Undef, nil, err
	}

	blockMap := NewBlockMap()
	for {
		frameStart := cr.offset
		frame, err := readFrame(cr, maxBytes)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cid.Undef, nil, err
		}
		n, c, err := cid.CidFromBytes(frame)
		if err != nil {
			return cid.Undef, nil, &CarFormatError{Offset: frameStart, Reason: "invalid block cid", Err: err}
		}
		raw := frame[n:]
		computed, err := c.Prefix().Sum(raw)
		if err != nil {
			return cid.Undef, nil, &CarFormatError{Offset: frameStart, Reason: "unsupported cid prefix", Err: err}
		}
		if !computed.Equals(c) {
			return cid.Undef, nil, &CidMismatchError{Declared: c, Computed: computed}
		}
		if existing, ok := blockMap.Get(c); ok && !bytes.Equal(existing, raw) {
			return cid.Undef, nil, &CarFormatError{Offset: frameStart, Reason: "duplicate cid with differing bytes"}
		}
		blockMap.Set(c, raw)
	}
	return root, blockMap, nil
}

// readFrame reads one varint-length-prefixed frame. io.EOF is returned
// untouched at a clean frame boundary; anything else maps to
// CarFormatError.
func readFrame(cr *countingReader, maxBytes int64) ([]byte, error) {
	start := cr.offset
	length, err := varint.ReadUvarint(cr)
	if err != nil {
		if errors.Is(err, io.EOF) && cr.offset == start {
			return nil, io.EOF
		}
		return nil, &CarFormatError{Offset: start, Reason: "invalid varint length", Err: err}
	}
	if length == 0 {
		return nil, &CarFormatError{Offset: start, Reason: "zero-length frame"}
	}
	if int64(length) > maxBytes {
		return nil, &CarFormatError{Offset: start, Reason: fmt.Sprintf("frame of %d bytes exceeds limit", length)}
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(cr, frame); err != nil {
		return nil, &CarFormatError{Offset: start, Reason: "short read", Err: err}
	}
	if cr.offset > maxBytes {
		return nil, &CarFormatError{Offset: cr.offset, Reason: fmt.Sprintf("car exceeds %d byte limit", maxBytes)}
	}
	return frame, nil
}

// parseCarHeader decodes {version: 1, roots: [cid]} and enforces the
// repo profile of exactly one root.
func parseCarHeader(raw []byte) (cid.Cid, error) {
	val, err := data.DecodeCBOR(raw)
	if err != nil {
		return cid.Undef, &CarFormatError{Offset: 0, Reason: "invalid header cbor", Err: err}
	}
	m, ok := val.(map[string]any)
	if !ok {
		return cid.Undef, &CarFormatError{Offset: 0, Reason: "header is not a map"}
	}
	if version, ok := m["version"].(int64); !ok || version != 1 {
		return cid.Undef, &CarFormatError{Offset: 0, Reason: "unsupported car version"}
	}
	roots, ok := m["roots"].([]any)
	if !ok || len(roots) != 1 {
		return cid.Undef, &CarFormatError{Offset: 0, Reason: "car must declare exactly one root"}
	}
	link, ok := roots[0].(data.CIDLink)
	if !ok {
		return cid.Undef, &CarFormatError{Offset: 0, Reason: "car root is not a cid"}
	}
	return link.CID(), nil
}
