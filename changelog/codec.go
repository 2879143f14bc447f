package changelog

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot blobs carry a one-byte format tag. Trigger-captured snapshots are
// raw JSON text produced by SQLite's json_object(), which always starts with
// '{', so the tags below are chosen to never collide with it.
const (
	codecMsgpack byte = 0x01 // msgpack-encoded map
	codecS2      byte = 0x02 // s2-compressed msgpack
)

// compressThreshold is the encoded size above which snapshots are compressed.
// Small rows dominate the change log; compressing them costs more than it saves.
const compressThreshold = 512

// encodeSnapshot serializes a row snapshot for storage. Nil maps encode to nil
// (absent before/after state for INSERT/DELETE).
func encodeSnapshot(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}

	body, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	if len(body) > compressThreshold {
		packed := s2.Encode(nil, body)
		out := make([]byte, 0, len(packed)+1)
		out = append(out, codecS2)
		return append(out, packed...), nil
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, codecMsgpack)
	return append(out, body...), nil
}

// decodeSnapshot deserializes a stored snapshot blob. It accepts the tagged
// msgpack formats written by encodeSnapshot as well as untagged JSON text
// written directly by capture triggers.
func decodeSnapshot(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	switch blob[0] {
	case codecMsgpack:
		var state map[string]any
		if err := msgpack.Unmarshal(blob[1:], &state); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return state, nil
	case codecS2:
		body, err := s2.Decode(nil, blob[1:])
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		var state map[string]any
		if err := msgpack.Unmarshal(body, &state); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return state, nil
	case '{':
		var state map[string]any
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, fmt.Errorf("decode trigger snapshot: %w", err)
		}
		return state, nil
	default:
		return nil, fmt.Errorf("unknown snapshot format tag 0x%02x", blob[0])
	}
}
