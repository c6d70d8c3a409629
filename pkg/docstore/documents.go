package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultQueryLimit bounds a Query when the caller does not set one.
const defaultQueryLimit = 500

// Documents implements Store on top of a KV.
type Documents struct {
	kv     KV
	logger *zap.Logger

	listenerMu sync.RWMutex
	listener   ChangeListener
}

// NewDocuments creates a document store over the given key-value store.
func NewDocuments(kv KV, logger *zap.Logger) *Documents {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Documents{
		kv:     kv,
		logger: logger.Named("documents"),
	}
}

// SetChangeListener registers the single change listener.
func (d *Documents) SetChangeListener(fn ChangeListener) {
	d.listenerMu.Lock()
	d.listener = fn
	d.listenerMu.Unlock()
}

func (d *Documents) notify(change Change) {
	d.listenerMu.RLock()
	fn := d.listener
	d.listenerMu.RUnlock()
	if fn != nil {
		fn(change)
	}
}

// Put upserts a document, stamping UpdatedAt. The read-modify-write runs
// inside the KV's atomic Update so concurrent upserts of the same document
// agree on CreatedAt and the change type.
func (d *Documents) Put(ctx context.Context, doc *Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("document collection and id are required")
	}

	now := time.Now()
	changeType := ChangeModified

	err := d.kv.Update(ctx, DocumentKey(doc.Collection, doc.ID), func(current []byte) ([]byte, error) {
		if current == nil {
			changeType = ChangeCreated
			doc.CreatedAt = now
		} else {
			var existing Document
			if err := json.Unmarshal(current, &existing); err != nil {
				return nil, fmt.Errorf("failed to unmarshal document: %w", err)
			}
			changeType = ChangeModified
			doc.CreatedAt = existing.CreatedAt
		}
		doc.UpdatedAt = now

		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	d.notify(Change{
		Type:       changeType,
		Collection: doc.Collection,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		NewValue:   doc,
		OccurredAt: now,
	})
	return nil
}

// Create inserts a document only if absent.
func (d *Documents) Create(ctx context.Context, doc *Document) (bool, error) {
	if doc.Collection == "" || doc.ID == "" {
		return false, fmt.Errorf("document collection and id are required")
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	data, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to marshal document: %w", err)
	}

	created, err := d.kv.PutIfAbsent(ctx, DocumentKey(doc.Collection, doc.ID), data)
	if err != nil || !created {
		return created, err
	}

	d.notify(Change{
		Type:       ChangeCreated,
		Collection: doc.Collection,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		NewValue:   doc,
		OccurredAt: now,
	})
	return true, nil
}

// Get returns a document or ErrNotFound.
func (d *Documents) Get(ctx context.Context, collection, id string) (*Document, error) {
	raw, err := d.kv.Get(ctx, DocumentKey(collection, id))
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

// Delete removes a document and appends the deletion-log entry in the same
// durable write. The deletion log is the only record of removed documents.
func (d *Documents) Delete(ctx context.Context, collection, id, userID string) error {
	now := time.Now()
	deletion := &Deletion{
		Collection: collection,
		DocumentID: id,
		UserID:     userID,
		DeletedAt:  now,
	}
	logData, err := json.Marshal(deletion)
	if err != nil {
		return fmt.Errorf("failed to marshal deletion: %w", err)
	}

	err = d.kv.ApplyBatch(ctx, []BatchOp{
		{Key: DocumentKey(collection, id), Remove: true},
		{Key: DeletionKey(collection, now.UnixNano(), id), Value: logData},
	})
	if err != nil {
		return err
	}

	d.notify(Change{
		Type:       ChangeDeleted,
		Collection: collection,
		DocumentID: id,
		OwnerID:    userID,
		NewValue:   nil,
		OccurredAt: now,
	})
	return nil
}

// Query scans a collection applying access and recency bounds.
func (d *Documents) Query(ctx context.Context, collection string, q Query) ([]*Document, bool, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var matched []*Document
	err := d.kv.Iterate(ctx, CollectionKeyPrefix(collection), func(key, value []byte) bool {
		var doc Document
		if err := json.Unmarshal(value, &doc); err != nil {
			d.logger.Warn("skipping corrupt document",
				zap.String("collection", collection),
				zap.String("key", string(key)),
			)
			return true
		}

		if q.OwnerID != "" && doc.OwnerID != q.OwnerID {
			if !(q.IncludePublic && doc.Public) {
				return true
			}
		}
		if !q.UpdatedAfter.IsZero() && !doc.UpdatedAt.After(q.UpdatedAfter) {
			return true
		}

		matched = append(matched, &doc)
		return true
	})
	if err != nil {
		return nil, false, err
	}

	// Oldest-first so callers can resume from the last UpdatedAt
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	return matched, hasMore, nil
}

// Deletions returns deletion-log entries for a collection after since,
// oldest first. The second return value reports whether more entries matched
// beyond the limit.
func (d *Documents) Deletions(ctx context.Context, collection string, since time.Time, limit int) ([]*Deletion, bool, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var deletions []*Deletion
	err := d.kv.Iterate(ctx, DeletionKeyPrefix(collection), func(key, value []byte) bool {
		var del Deletion
		if err := json.Unmarshal(value, &del); err != nil {
			return true
		}
		if !del.DeletedAt.After(since) {
			return true
		}
		deletions = append(deletions, &del)
		return len(deletions) <= limit
	})
	if err != nil {
		return nil, false, err
	}

	hasMore := len(deletions) > limit
	if hasMore {
		deletions = deletions[:limit]
	}
	return deletions, hasMore, nil
}
