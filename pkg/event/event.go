// Package event defines the canonical event that flows through the relay
// pipeline. Events are created once by the normalizer, deduplicated by ID in
// the event store, and referenced (never copied) by downstream consumers.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind classifies a canonical event.
type Kind string

const (
	KindTaskUpdate        Kind = "task_update"
	KindSubmissionUpdate  Kind = "submission_update"
	KindValidationUpdate  Kind = "validation_update"
	KindRewardDistributed Kind = "reward_distributed"
	KindBlockchainEvent   Kind = "blockchain_event"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTaskUpdate, KindSubmissionUpdate, KindValidationUpdate,
		KindRewardDistributed, KindBlockchainEvent:
		return true
	}
	return false
}

// Priority controls delivery urgency. High-priority events bypass the
// notification batching delay.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Event is the canonical, immutable unit of the pipeline.
type Event struct {
	// ID is deterministic and globally unique. It is the dedup key.
	ID string `json:"id"`

	// Kind classifies the event.
	Kind Kind `json:"kind"`

	// Correlation identifiers. Empty when not applicable.
	SubjectUserID string `json:"subject_user_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	SubmissionID  string `json:"submission_id,omitempty"`

	// Payload carries kind-specific structured data.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Priority controls notification batching.
	Priority Priority `json:"priority"`

	// ObservedAt is the ingestion time, not the chain confirmation time.
	ObservedAt time.Time `json:"observed_at"`

	// Source metadata for chain-originated events.
	SourceChain string      `json:"source_chain,omitempty"`
	TxHash      common.Hash `json:"tx_hash,omitempty"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	LogIndex    uint        `json:"log_index,omitempty"`
}

// Validate checks the structural invariants of an event.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid event kind %q", e.Kind)
	}
	if e.Priority == "" {
		return fmt.Errorf("event priority is required")
	}
	return nil
}

// ChainEventID derives the deterministic id for an on-chain log.
// The tuple (chain, txHash, logIndex) uniquely identifies a log, so the
// same raw log always produces the same id.
func ChainEventID(chain string, txHash common.Hash, logIndex uint) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", chain, txHash.Hex(), logIndex)
	return hex.EncodeToString(h.Sum(nil))
}

// DerivedEventID derives the id for an event produced as a consequence of
// another event. Including the kind keeps a blockchain_event and its derived
// user-facing record distinct while both stay deterministic.
func DerivedEventID(parentID string, kind Kind) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", parentID, kind)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentID derives an id from the event content for internally generated
// events, e.g. document-change events from live subscriptions. Fields are
// hashed in sorted key order so the result is independent of map iteration.
func ContentID(kind Kind, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s", kind)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Marshal serializes the event for storage and topic publication.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event previously produced by Marshal.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}
