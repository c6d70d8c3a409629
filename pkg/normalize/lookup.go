package normalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmesh/relay/pkg/docstore"
)

// ErrSubmissionUnknown is returned when no owner can be resolved for a
// submission id.
var ErrSubmissionUnknown = errors.New("normalize: submission unknown")

// StoreLookup resolves submission ownership from the document store.
type StoreLookup struct {
	store      docstore.Store
	collection string
}

// NewStoreLookup creates a lookup over the given submissions collection.
func NewStoreLookup(store docstore.Store, collection string) *StoreLookup {
	if collection == "" {
		collection = "submissions"
	}
	return &StoreLookup{store: store, collection: collection}
}

// SubmissionOwner implements SubmissionLookup.
func (l *StoreLookup) SubmissionOwner(ctx context.Context, submissionID string) (string, error) {
	doc, err := l.store.Get(ctx, l.collection, submissionID)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSubmissionUnknown, submissionID)
	}
	if err != nil {
		return "", err
	}
	if doc.OwnerID == "" {
		return "", fmt.Errorf("%w: %s has no owner", ErrSubmissionUnknown, submissionID)
	}
	return doc.OwnerID, nil
}
