// Package normalize turns decoded chain logs into canonical events. Mappers
// are pure functions registered per contract event name; the same decoded log
// always produces the same canonical events, which keeps downstream
// deduplication by id correct.
package normalize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/event"
)

// RawLog is a decoded contract log handed to the normalizer by a connector.
type RawLog struct {
	Chain       string
	Contract    common.Address
	EventName   string
	Params      map[string]interface{}
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	ObservedAt  time.Time
}

// EventID returns the deterministic canonical id for this log.
func (l *RawLog) EventID() string {
	return event.ChainEventID(l.Chain, l.TxHash, l.LogIndex)
}

// Mapper converts one decoded log into canonical events. The first returned
// event is the base chain event; any further events are derived records
// addressed to specific users.
type Mapper interface {
	// EventName is the contract event name this mapper handles.
	EventName() string

	// Map produces the canonical events for a raw log.
	Map(ctx context.Context, raw *RawLog) ([]*event.Event, error)
}

// SubmissionLookup resolves submission ownership for mappers that derive
// user-addressed events from chain logs.
type SubmissionLookup interface {
	// SubmissionOwner returns the user id owning a submission.
	SubmissionOwner(ctx context.Context, submissionID string) (string, error)
}

// Normalizer routes decoded logs to mappers by event name.
type Normalizer struct {
	mu      sync.RWMutex
	mappers map[string]Mapper

	logger *zap.Logger
}

// New creates an empty normalizer.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		mappers: make(map[string]Mapper),
		logger:  logger.Named("normalize"),
	}
}

// Register adds a mapper. Only one mapper per event name is allowed.
func (n *Normalizer) Register(mapper Mapper) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	name := mapper.EventName()
	if _, exists := n.mappers[name]; exists {
		return fmt.Errorf("mapper already registered for event: %s", name)
	}
	n.mappers[name] = mapper
	return nil
}

// MapperNames returns the registered event names.
func (n *Normalizer) MapperNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := make([]string, 0, len(n.mappers))
	for name := range n.mappers {
		names = append(names, name)
	}
	return names
}

// Normalize maps a raw log to canonical events. Logs without a registered
// mapper return no events and no error. Mapper failures are reported to the
// caller, which logs and skips the log; normalization never stops ingestion.
func (n *Normalizer) Normalize(ctx context.Context, raw *RawLog) ([]*event.Event, error) {
	n.mu.RLock()
	mapper, ok := n.mappers[raw.EventName]
	n.mu.RUnlock()

	if !ok {
		n.logger.Debug("no mapper for event, skipping",
			zap.String("chain", raw.Chain),
			zap.String("event", raw.EventName),
		)
		return nil, nil
	}

	events, err := mapper.Map(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("mapper %s: %w", raw.EventName, err)
	}

	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("mapper %s produced invalid event: %w", raw.EventName, err)
		}
	}
	return events, nil
}

// stringParam extracts a string parameter from a decoded log.
func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q is not a string", key)
	}
	return s, nil
}

// boolParam extracts a bool parameter from a decoded log.
func boolParam(params map[string]interface{}, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, fmt.Errorf("missing param %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q is not a bool", key)
	}
	return b, nil
}
