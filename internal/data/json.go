package data

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
)

// UnmarshalJSON parses a DAG-JSON record body. Numbers are kept as
// integers (non-integer numerics are rejected), {"$link": ...} becomes a
// CIDLink, {"$bytes": ...} becomes Bytes, and blob shapes become Blob.
// A bare string that happens to parse as a CID stays a string.
func UnmarshalJSON(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("data: parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("data: trailing data after json value")
	}
	val, err := fromJSONValue(generic, 0)
	if err != nil {
		return nil, err
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("data: record must be a json object, got %T", val)
	}
	return m, nil
}

func fromJSONValue(val any, depth int) (any, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("data: value nested deeper than %d levels", MaxNestingDepth)
	}
	switch v := val.(type) {
	case nil, bool, string:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("data: non-integer number %q in record", v.String())
		}
		return n, nil
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			conv, err := fromJSONValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case map[string]any:
		return fromJSONObject(v, depth)
	}
	return nil, fmt.Errorf("data: unsupported json value type %T", val)
}

func fromJSONObject(obj map[string]any, depth int) (any, error) {
	if len(obj) == 1 {
		if link, ok := obj["$link"].(string); ok {
			c, err := cid.Decode(link)
			if err != nil {
				return nil, fmt.Errorf("data: invalid $link %q: %w", link, err)
			}
			return CIDLink(c), nil
		}
		if b64, ok := obj["$bytes"].(string); ok {
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				decoded, err = base64.RawStdEncoding.DecodeString(b64)
			}
			if err != nil {
				return nil, fmt.Errorf("data: invalid $bytes: %w", err)
			}
			return Bytes(decoded), nil
		}
	}

	out := make(map[string]any, len(obj))
	for k, item := range obj {
		conv, err := fromJSONValue(item, depth+1)
		if err != nil {
			return nil, err
		}
		out[k] = conv
	}
	if blob, ok := blobFromMap(out); ok {
		return *blob, nil
	}
	return out, nil
}

// MarshalJSON renders a record in the DAG-JSON projection.
func MarshalJSON(record map[string]any) ([]byte, error) {
	generic, err := toJSONValue(record, 0)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("data: encode json: %w", err)
	}
	return out, nil
}

// ToJSONValue converts a record value to the generic structure
// encoding/json understands, applying the $link/$bytes wrappers.
func ToJSONValue(val any) (any, error) {
	return toJSONValue(val, 0)
}

func toJSONValue(val any, depth int) (any, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("data: value nested deeper than %d levels", MaxNestingDepth)
	}
	switch v := val.(type) {
	case nil, bool, string:
		return v, nil
	case int, int64, uint64:
		n, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("data: integer out of int64 range")
		}
		return n, nil
	case float32, float64:
		return nil, fmt.Errorf("data: floats are not allowed in records")
	case Bytes:
		return map[string]any{"$bytes": base64.StdEncoding.EncodeToString(v)}, nil
	case CIDLink:
		return map[string]any{"$link": v.String()}, nil
	case cid.Cid:
		return map[string]any{"$link": v.String()}, nil
	case Blob:
		return toJSONValue(v.asMap(), depth)
	case *Blob:
		return toJSONValue(v.asMap(), depth)
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			conv, err := toJSONValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			conv, err := toJSONValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	}
	return nil, fmt.Errorf("data: unsupported value type %T", val)
}
