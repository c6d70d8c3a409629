package normalize

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/event"
)

// VerificationCompleteMapper handles VerificationCompleteOmnichain logs.
// It emits the base chain event plus a derived validation update addressed
// to the submission owner. When the owner cannot be resolved the derived
// event is skipped and only the base event is produced.
type VerificationCompleteMapper struct {
	lookup SubmissionLookup
	logger *zap.Logger
}

// NewVerificationCompleteMapper creates the mapper.
func NewVerificationCompleteMapper(lookup SubmissionLookup, logger *zap.Logger) *VerificationCompleteMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationCompleteMapper{
		lookup: lookup,
		logger: logger.Named("verification_complete"),
	}
}

// EventName implements Mapper.
func (m *VerificationCompleteMapper) EventName() string {
	return "VerificationCompleteOmnichain"
}

// Map implements Mapper.
func (m *VerificationCompleteMapper) Map(ctx context.Context, raw *RawLog) ([]*event.Event, error) {
	submissionID, err := stringParam(raw.Params, "submissionId")
	if err != nil {
		return nil, err
	}
	approved, err := boolParam(raw.Params, "approved")
	if err != nil {
		return nil, err
	}

	base := &event.Event{
		ID:           raw.EventID(),
		Kind:         event.KindBlockchainEvent,
		SubmissionID: submissionID,
		Payload: map[string]interface{}{
			"event":        raw.EventName,
			"contract":     raw.Contract.Hex(),
			"submissionId": submissionID,
			"approved":     approved,
		},
		Priority:    event.PriorityMedium,
		ObservedAt:  raw.ObservedAt,
		SourceChain: raw.Chain,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.LogIndex,
	}
	if score, ok := raw.Params["finalScore"]; ok {
		base.Payload["finalScore"] = score
	}

	events := []*event.Event{base}

	owner, err := m.lookup.SubmissionOwner(ctx, submissionID)
	if err != nil {
		// The base chain event is still recorded; only the user-addressed
		// record is skipped.
		m.logger.Warn("submission owner lookup failed, skipping derived event",
			zap.String("chain", raw.Chain),
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
		return events, nil
	}

	derived := &event.Event{
		ID:            event.DerivedEventID(base.ID, event.KindValidationUpdate),
		Kind:          event.KindValidationUpdate,
		SubjectUserID: owner,
		SubmissionID:  submissionID,
		Payload: map[string]interface{}{
			"submissionId": submissionID,
			"approved":     approved,
		},
		Priority:    event.PriorityHigh,
		ObservedAt:  raw.ObservedAt,
		SourceChain: raw.Chain,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.LogIndex,
	}
	if score, ok := raw.Params["finalScore"]; ok {
		derived.Payload["finalScore"] = score
	}

	return append(events, derived), nil
}

// RewardDistributedMapper handles RewardDistributed logs. The recipient is
// carried in the log itself, so no lookup is needed.
type RewardDistributedMapper struct{}

// EventName implements Mapper.
func (m *RewardDistributedMapper) EventName() string {
	return "RewardDistributed"
}

// Map implements Mapper.
func (m *RewardDistributedMapper) Map(ctx context.Context, raw *RawLog) ([]*event.Event, error) {
	recipient, err := stringParam(raw.Params, "recipient")
	if err != nil {
		return nil, err
	}
	amount, ok := raw.Params["amount"]
	if !ok {
		return nil, fmt.Errorf("missing param %q", "amount")
	}

	base := &event.Event{
		ID:   raw.EventID(),
		Kind: event.KindBlockchainEvent,
		Payload: map[string]interface{}{
			"event":     raw.EventName,
			"contract":  raw.Contract.Hex(),
			"recipient": recipient,
			"amount":    amount,
		},
		Priority:    event.PriorityMedium,
		ObservedAt:  raw.ObservedAt,
		SourceChain: raw.Chain,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.LogIndex,
	}

	derived := &event.Event{
		ID:            event.DerivedEventID(base.ID, event.KindRewardDistributed),
		Kind:          event.KindRewardDistributed,
		SubjectUserID: recipient,
		Payload: map[string]interface{}{
			"recipient": recipient,
			"amount":    amount,
		},
		Priority:    event.PriorityHigh,
		ObservedAt:  raw.ObservedAt,
		SourceChain: raw.Chain,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.LogIndex,
	}

	return []*event.Event{base, derived}, nil
}

// TaskStatusMapper handles TaskStatusChanged logs, producing the base chain
// event plus a task update addressed to the task creator when present.
type TaskStatusMapper struct{}

// EventName implements Mapper.
func (m *TaskStatusMapper) EventName() string {
	return "TaskStatusChanged"
}

// Map implements Mapper.
func (m *TaskStatusMapper) Map(ctx context.Context, raw *RawLog) ([]*event.Event, error) {
	taskID, err := stringParam(raw.Params, "taskId")
	if err != nil {
		return nil, err
	}
	status, err := stringParam(raw.Params, "status")
	if err != nil {
		return nil, err
	}

	base := &event.Event{
		ID:     raw.EventID(),
		Kind:   event.KindBlockchainEvent,
		TaskID: taskID,
		Payload: map[string]interface{}{
			"event":    raw.EventName,
			"contract": raw.Contract.Hex(),
			"taskId":   taskID,
			"status":   status,
		},
		Priority:    event.PriorityMedium,
		ObservedAt:  raw.ObservedAt,
		SourceChain: raw.Chain,
		TxHash:      raw.TxHash,
		BlockNumber: raw.BlockNumber,
		LogIndex:    raw.LogIndex,
	}

	events := []*event.Event{base}

	if creator, err := stringParam(raw.Params, "creator"); err == nil {
		events = append(events, &event.Event{
			ID:            event.DerivedEventID(base.ID, event.KindTaskUpdate),
			Kind:          event.KindTaskUpdate,
			SubjectUserID: creator,
			TaskID:        taskID,
			Payload: map[string]interface{}{
				"taskId": taskID,
				"status": status,
			},
			Priority:    event.PriorityMedium,
			ObservedAt:  raw.ObservedAt,
			SourceChain: raw.Chain,
			TxHash:      raw.TxHash,
			BlockNumber: raw.BlockNumber,
			LogIndex:    raw.LogIndex,
		})
	}

	return events, nil
}
