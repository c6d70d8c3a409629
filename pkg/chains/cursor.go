package chains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskmesh/relay/pkg/docstore"
)

// Cursor marks the last durably processed log position for one chain. It
// only moves forward; replays before the cursor are absorbed by event id
// deduplication in the store.
type Cursor struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"log_index"`
}

// Before reports whether c is strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.Block != other.Block {
		return c.Block < other.Block
	}
	return c.LogIndex < other.LogIndex
}

// cursorKey returns the storage key for a chain cursor.
// Format: /meta/cursor/{chain}
func cursorKey(chainID string) []byte {
	return []byte("/meta/cursor/" + chainID)
}

// CursorStore persists chain cursors.
type CursorStore struct {
	kv docstore.KV
}

// NewCursorStore creates a cursor store over the given key-value store.
func NewCursorStore(kv docstore.KV) *CursorStore {
	return &CursorStore{kv: kv}
}

// Load returns the persisted cursor for a chain. A chain without a cursor
// returns the zero cursor and ok=false.
func (s *CursorStore) Load(ctx context.Context, chainID string) (Cursor, bool, error) {
	data, err := s.kv.Get(ctx, cursorKey(chainID))
	if err == docstore.ErrNotFound {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return Cursor{}, false, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return cursor, true, nil
}

// Advance moves the cursor forward. Positions at or before the persisted
// cursor are ignored, so concurrent or replayed advances never regress it.
func (s *CursorStore) Advance(ctx context.Context, chainID string, next Cursor) error {
	return s.kv.Update(ctx, cursorKey(chainID), func(current []byte) ([]byte, error) {
		if current != nil {
			var existing Cursor
			if err := json.Unmarshal(current, &existing); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cursor: %w", err)
			}
			if !existing.Before(next) {
				return current, nil
			}
		}
		return json.Marshal(next)
	})
}
