// Package delta implements differential sync: clients pull document changes
// since their last checkpoint and resume live updates from the returned
// server timestamp. The deletion log is the only source of truth for
// removals; deleted documents are never synthesized from absence.
package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/docstore"
	"github.com/taskmesh/relay/pkg/event"
)

const (
	// defaultPageLimit applies when a request does not set a limit.
	defaultPageLimit = 500

	// maxPageLimit is the hard per-collection page cap.
	maxPageLimit = 1000
)

// Rule describes how a collection may be read and how its live changes map
// to canonical events.
type Rule struct {
	// OwnerOnly restricts reads to documents owned by the requesting user.
	OwnerOnly bool

	// PublicRead additionally exposes documents marked public.
	PublicRead bool

	// Kind is the canonical event kind for live changes in this collection.
	Kind event.Kind
}

// CollectionRequest names one collection and the client's checkpoint in it.
type CollectionRequest struct {
	Name string `json:"name"`

	// Since is the client's last server timestamp for this collection.
	// Zero means a full initial sync.
	Since time.Time `json:"since,omitempty"`
}

// Request is one differential pull.
type Request struct {
	Collections []CollectionRequest `json:"collections"`

	// Limit caps documents per collection. Capped at the hard maximum.
	Limit int `json:"limit,omitempty"`
}

// UnmarshalJSON accepts both wire forms of collections: a plain list of
// names with an optional request-level lastSyncTimestamp shared by all of
// them, and the richer per-collection form with individual checkpoints.
func (r *Request) UnmarshalJSON(data []byte) error {
	var wire struct {
		Collections       []json.RawMessage `json:"collections"`
		LastSyncTimestamp *time.Time        `json:"lastSyncTimestamp"`
		Limit             int               `json:"limit"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.Collections = nil
	r.Limit = wire.Limit

	for _, raw := range wire.Collections {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			r.Collections = append(r.Collections, CollectionRequest{Name: name})
			continue
		}
		var col CollectionRequest
		if err := json.Unmarshal(raw, &col); err != nil {
			return err
		}
		r.Collections = append(r.Collections, col)
	}

	if wire.LastSyncTimestamp != nil {
		for i := range r.Collections {
			if r.Collections[i].Since.IsZero() {
				r.Collections[i].Since = *wire.LastSyncTimestamp
			}
		}
	}
	return nil
}

// Response carries the changes since the client's checkpoints.
type Response struct {
	Updates   map[string][]*docstore.Document `json:"updates"`
	Deletions map[string][]*docstore.Deletion `json:"deletions"`

	// ServerTimestamp is the client's next checkpoint. It is taken before
	// reading, so changes racing the pull are re-delivered, never lost. When
	// a collection was truncated at the page limit it is pulled back to the
	// last delivered change, so echoing it as the next since resumes at the
	// cut.
	ServerTimestamp time.Time `json:"serverTimestamp"`

	// HasMore reports that at least one collection was truncated at the
	// page limit and the client should pull again.
	HasMore bool `json:"hasMore"`
}

// Service answers differential pulls and bridges store changes onto the
// topic for live subscribers.
type Service struct {
	store  docstore.Store
	topic  *bus.Bus
	logger *zap.Logger

	rulesMu sync.RWMutex
	rules   map[string]Rule

	// lastTimestamp enforces monotonic server timestamps across pulls.
	tsMu          sync.Mutex
	lastTimestamp time.Time
}

// NewService creates a sync service over the document store. When topic is
// not nil the service publishes live change events onto it.
func NewService(store docstore.Store, topic *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  store,
		topic:  topic,
		logger: logger.Named("delta"),
		rules:  make(map[string]Rule),
	}
	store.SetChangeListener(s.onChange)
	return s
}

// RegisterCollection declares a syncable collection and its access rule.
// Collections without a rule are invisible to sync.
func (s *Service) RegisterCollection(name string, rule Rule) {
	s.rulesMu.Lock()
	s.rules[name] = rule
	s.rulesMu.Unlock()
}

// Readable reports whether a collection is registered for sync.
func (s *Service) Readable(name string) bool {
	_, ok := s.rule(name)
	return ok
}

func (s *Service) rule(name string) (Rule, bool) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	rule, ok := s.rules[name]
	return rule, ok
}

// serverTimestamp returns a timestamp strictly after every previously
// issued one.
func (s *Service) serverTimestamp() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	now := time.Now()
	if !now.After(s.lastTimestamp) {
		now = s.lastTimestamp.Add(time.Nanosecond)
	}
	s.lastTimestamp = now
	return now
}

// Sync answers one differential pull for a user. Collections the user may
// not read are omitted from the response without error, so probing requests
// learn nothing about what exists.
func (s *Service) Sync(ctx context.Context, userID string, req *Request) (*Response, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	resp := &Response{
		Updates:         make(map[string][]*docstore.Document),
		Deletions:       make(map[string][]*docstore.Deletion),
		ServerTimestamp: s.serverTimestamp(),
	}

	for _, col := range req.Collections {
		rule, ok := s.rule(col.Name)
		if !ok {
			s.logger.Debug("sync request for unknown collection",
				zap.String("user_id", userID),
				zap.String("collection", col.Name),
			)
			continue
		}

		query := docstore.Query{
			UpdatedAfter: col.Since,
			Limit:        limit,
		}
		if rule.OwnerOnly {
			query.OwnerID = userID
			query.IncludePublic = rule.PublicRead
		}

		docs, moreDocs, err := s.store.Query(ctx, col.Name, query)
		if err != nil {
			return nil, fmt.Errorf("failed to query collection %s: %w", col.Name, err)
		}

		deletions, moreDels, err := s.store.Deletions(ctx, col.Name, col.Since, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read deletions for %s: %w", col.Name, err)
		}

		resp.Updates[col.Name] = docs
		resp.Deletions[col.Name] = deletions

		if !moreDocs && !moreDels {
			continue
		}
		resp.HasMore = true

		// A truncated page moves the checkpoint back to the last delivered
		// change, so the next pull re-enters exactly at the cut instead of
		// skipping the undelivered tail.
		var checkpoint time.Time
		if moreDocs && len(docs) > 0 {
			checkpoint = docs[len(docs)-1].UpdatedAt
		}
		if moreDels && len(deletions) > 0 {
			last := deletions[len(deletions)-1].DeletedAt
			if checkpoint.IsZero() || last.Before(checkpoint) {
				checkpoint = last
			}
		}
		if !checkpoint.IsZero() && checkpoint.Before(resp.ServerTimestamp) {
			resp.ServerTimestamp = checkpoint
		}
	}

	return resp, nil
}

// SubscribeUser opens a live subscription for one user's events.
func (s *Service) SubscribeUser(userID string, channelSize int) *bus.Subscription {
	id := bus.SubscriptionID("delta-" + userID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10))
	return s.topic.Subscribe(id, &bus.Filter{SubjectUserID: userID}, channelSize)
}

// Unsubscribe closes a live subscription.
func (s *Service) Unsubscribe(id bus.SubscriptionID) {
	s.topic.Unsubscribe(id)
}

// onChange converts a document change into a canonical event for live
// subscribers. Deletions carry no document data, only the identifiers.
func (s *Service) onChange(change docstore.Change) {
	if s.topic == nil {
		return
	}

	rule, ok := s.rule(change.Collection)
	if !ok {
		return
	}

	fields := map[string]string{
		"collection": change.Collection,
		"documentId": change.DocumentID,
		"type":       string(change.Type),
		"occurredAt": strconv.FormatInt(change.OccurredAt.UnixNano(), 10),
	}

	e := &event.Event{
		ID:            event.ContentID(rule.Kind, fields),
		Kind:          rule.Kind,
		SubjectUserID: change.OwnerID,
		Priority:      event.PriorityMedium,
		ObservedAt:    change.OccurredAt,
	}

	if change.Type == docstore.ChangeDeleted {
		e.Payload = map[string]interface{}{
			"collection": change.Collection,
			"documentId": change.DocumentID,
			"type":       string(change.Type),
		}
	} else {
		e.Payload = map[string]interface{}{
			"collection": change.Collection,
			"documentId": change.DocumentID,
			"type":       string(change.Type),
			"data":       change.NewValue.Data,
		}
	}

	if !s.topic.Publish(e, bus.AttributesFor(e)) {
		s.logger.Warn("dropped live change event",
			zap.String("collection", change.Collection),
			zap.String("document_id", change.DocumentID),
		)
	}
}
