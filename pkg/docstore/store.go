// Package docstore provides the document storage layer for the relay. It
// exposes a narrow document interface plus a raw key-value interface with an
// atomic read-modify-write primitive; the rate limiter and the event store's
// dedup insert are the only users of the atomic primitive.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or document does not exist.
	ErrNotFound = errors.New("docstore: not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("docstore: closed")
)

// Document is a stored record in a named collection.
type Document struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id"`
	OwnerID    string                 `json:"owner_id,omitempty"`
	Public     bool                   `json:"public"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Deletion is an entry in the durable deletion log. The backing store does
// not retain deleted documents, so this log is the only source of truth for
// differential sync deletions.
type Deletion struct {
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id,omitempty"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// ChangeType describes a document mutation.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// Change describes a single document mutation, delivered to the registered
// change listener. NewValue is nil for deletions.
type Change struct {
	Type       ChangeType
	Collection string
	DocumentID string
	OwnerID    string
	NewValue   *Document
	OccurredAt time.Time
}

// ChangeListener observes document mutations. Invoked synchronously after
// the mutation is durable; implementations must not block.
type ChangeListener func(change Change)

// Query bounds a collection scan for differential sync.
type Query struct {
	// OwnerID restricts results to documents owned by this user, plus
	// public documents when IncludePublic is set.
	OwnerID       string
	IncludePublic bool

	// UpdatedAfter returns only documents modified strictly after this time.
	UpdatedAfter time.Time

	// Limit caps the number of returned documents. Zero means the store
	// default.
	Limit int
}

// Store is the document-level interface.
type Store interface {
	// Put upserts a document, stamping UpdatedAt.
	Put(ctx context.Context, doc *Document) error

	// Create inserts a document only if absent. Returns true if created.
	Create(ctx context.Context, doc *Document) (bool, error)

	// Get returns a document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Delete removes a document and appends to the deletion log in the
	// same durable write.
	Delete(ctx context.Context, collection, id, userID string) error

	// Query scans a collection with access and recency bounds. The second
	// return value reports whether more documents matched beyond the limit.
	Query(ctx context.Context, collection string, q Query) ([]*Document, bool, error)

	// Deletions returns deletion-log entries for a collection after since,
	// oldest first. The second return value reports whether more entries
	// matched beyond the limit.
	Deletions(ctx context.Context, collection string, since time.Time, limit int) ([]*Deletion, bool, error)

	// SetChangeListener registers the single change listener.
	SetChangeListener(fn ChangeListener)
}

// KV is the raw key-value interface shared by the event store, the rate
// limiter, and the notification storage.
type KV interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error

	// Update executes an atomic read-modify-write for key. fn receives the
	// current value (nil if absent) and returns the new value; returning an
	// error aborts the write and propagates the error. Concurrent Updates
	// for the same key are serialized.
	Update(ctx context.Context, key []byte, fn func(current []byte) ([]byte, error)) error

	// PutIfAbsent writes value only if key does not exist. Returns true if
	// the write happened.
	PutIfAbsent(ctx context.Context, key, value []byte) (bool, error)

	// ApplyBatch applies the operations as a single durable write.
	ApplyBatch(ctx context.Context, ops []BatchOp) error
}

// BatchOp is a single operation inside ApplyBatch.
type BatchOp struct {
	Key    []byte
	Value  []byte
	Remove bool
}
