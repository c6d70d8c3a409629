// Package eventstore persists canonical events and publishes newly stored
// events onto the topic. Storage happens before publication, and publication
// happens only for events that were not already stored, so replays and
// connector restarts never produce duplicate downstream deliveries.
package eventstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/docstore"
	"github.com/taskmesh/relay/pkg/event"
)

// Publisher is the topic surface the store publishes onto.
type Publisher interface {
	Publish(e *event.Event, attrs bus.Attributes) bool
}

// Store persists events with id-based deduplication.
type Store struct {
	kv        docstore.KV
	publisher Publisher
	logger    *zap.Logger
	metrics   *Metrics
}

// New creates an event store over the given key-value store. The publisher
// may be nil, in which case stored events are not announced.
func New(kv docstore.KV, publisher Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:        kv,
		publisher: publisher,
		logger:    logger.Named("eventstore"),
	}
}

// SetMetrics enables Prometheus metrics for the store.
func (s *Store) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Append stores the event if its id has not been seen and publishes it on
// first storage. Returns true when the event was newly stored. Appending an
// already-stored event is a no-op, not an error.
func (s *Store) Append(ctx context.Context, e *event.Event) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}

	data, err := e.Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	created, err := s.kv.PutIfAbsent(ctx, EventKey(e.ID), data)
	if err != nil {
		return false, fmt.Errorf("failed to store event: %w", err)
	}
	if !created {
		// Re-write the index entry idempotently: a previous append may have
		// stored the event and then failed before indexing it, leaving it
		// invisible to Recent until the replay reaches it again.
		if err := s.reindex(ctx, e.ID); err != nil {
			return false, err
		}

		if s.metrics != nil {
			s.metrics.EventsDuplicateTotal.WithLabelValues(string(e.Kind)).Inc()
		}
		s.logger.Debug("duplicate event ignored",
			zap.String("event_id", e.ID),
			zap.String("kind", string(e.Kind)),
		)
		return false, nil
	}

	if err := s.kv.Put(ctx, TimeIndexKey(e.ObservedAt.UnixNano(), e.ID), []byte(e.ID)); err != nil {
		return true, fmt.Errorf("failed to write time index: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsIngestedTotal.WithLabelValues(string(e.Kind)).Inc()
	}

	if s.publisher != nil {
		if !s.publisher.Publish(e, bus.AttributesFor(e)) {
			// The event is stored; consumers recover it via differential sync.
			if s.metrics != nil {
				s.metrics.PublishFailuresTotal.Inc()
			}
			s.logger.Warn("failed to publish stored event",
				zap.String("event_id", e.ID),
				zap.String("kind", string(e.Kind)),
			)
		}
	}

	return true, nil
}

// reindex re-writes the time-index entry for a stored event. The index key
// derives from the stored ObservedAt, so repeated calls write the same
// key-value pair.
func (s *Store) reindex(ctx context.Context, id string) error {
	stored, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read stored event: %w", err)
	}
	if err := s.kv.Put(ctx, TimeIndexKey(stored.ObservedAt.UnixNano(), stored.ID), []byte(stored.ID)); err != nil {
		return fmt.Errorf("failed to write time index: %w", err)
	}
	return nil
}

// Get returns a stored event or docstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*event.Event, error) {
	data, err := s.kv.Get(ctx, EventKey(id))
	if err != nil {
		return nil, err
	}
	return event.Unmarshal(data)
}

// Query filters events for Recent.
type Query struct {
	// Kinds restricts results to the listed kinds. Empty means all kinds.
	Kinds []event.Kind

	// SourceChain restricts results to one chain.
	SourceChain string

	// FromBlock and ToBlock bound the block range for chain events. Zero
	// means unbounded on that side.
	FromBlock uint64
	ToBlock   uint64

	// Limit caps the number of results.
	Limit int
}

func (q *Query) matches(e *event.Event) bool {
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.SourceChain != "" && q.SourceChain != e.SourceChain {
		return false
	}
	if q.FromBlock > 0 && e.BlockNumber < q.FromBlock {
		return false
	}
	if q.ToBlock > 0 && e.BlockNumber > q.ToBlock {
		return false
	}
	return true
}

// Recent returns the newest matching events, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]*event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var events []*event.Event
	err := s.kv.Iterate(ctx, TimeIndexPrefix(), func(key, value []byte) bool {
		e, err := s.Get(ctx, string(value))
		if err != nil {
			s.logger.Warn("skipping unreadable indexed event",
				zap.String("event_id", string(value)),
				zap.Error(err),
			)
			return true
		}
		if !q.matches(e) {
			return true
		}
		events = append(events, e)
		return len(events) < limit
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
