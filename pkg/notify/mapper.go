package notify

import (
	"fmt"
	"sync"

	"github.com/taskmesh/relay/pkg/event"
)

// DraftMapper renders one event kind into notification content and names
// the preference category gating it.
type DraftMapper interface {
	// Kind is the event kind this mapper handles.
	Kind() event.Kind

	// Enabled reports whether the user's preferences allow this category.
	// The master switch is checked by the service before this.
	Enabled(prefs *Preferences) bool

	// Draft renders the notification. Returning false skips the event
	// without error, e.g. for sub-kinds that should stay silent.
	Draft(e *event.Event) (*Draft, bool)
}

// MapperRegistry holds one mapper per event kind.
type MapperRegistry struct {
	mu      sync.RWMutex
	mappers map[event.Kind]DraftMapper
}

// NewMapperRegistry creates an empty registry.
func NewMapperRegistry() *MapperRegistry {
	return &MapperRegistry{
		mappers: make(map[event.Kind]DraftMapper),
	}
}

// Register adds a mapper. Only one mapper per kind is allowed.
func (r *MapperRegistry) Register(mapper DraftMapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := mapper.Kind()
	if _, exists := r.mappers[kind]; exists {
		return fmt.Errorf("mapper already registered for kind: %s", kind)
	}
	r.mappers[kind] = mapper
	return nil
}

// Get returns the mapper for a kind.
func (r *MapperRegistry) Get(kind event.Kind) (DraftMapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapper, ok := r.mappers[kind]
	return mapper, ok
}

// Kinds returns the registered event kinds.
func (r *MapperRegistry) Kinds() []event.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]event.Kind, 0, len(r.mappers))
	for kind := range r.mappers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// ValidationMapper renders validation updates.
type ValidationMapper struct{}

func (m *ValidationMapper) Kind() event.Kind { return event.KindValidationUpdate }

func (m *ValidationMapper) Enabled(prefs *Preferences) bool { return prefs.ValidationUpdates }

func (m *ValidationMapper) Draft(e *event.Event) (*Draft, bool) {
	approved, _ := e.Payload["approved"].(bool)

	title := "Submission Reviewed"
	body := "Your submission was reviewed."
	if approved {
		title = "Submission Approved!"
		body = "Your submission passed validation."
		if score, ok := e.Payload["finalScore"]; ok {
			body = fmt.Sprintf("Your submission passed validation with a score of %v.", score)
		}
	}

	return &Draft{
		Title: title,
		Body:  body,
		Data: map[string]interface{}{
			"kind":         string(e.Kind),
			"submissionId": e.SubmissionID,
			"approved":     approved,
		},
	}, true
}

// RewardMapper renders reward distributions.
type RewardMapper struct{}

func (m *RewardMapper) Kind() event.Kind { return event.KindRewardDistributed }

func (m *RewardMapper) Enabled(prefs *Preferences) bool { return prefs.RewardAlerts }

func (m *RewardMapper) Draft(e *event.Event) (*Draft, bool) {
	body := "You received a reward."
	if amount, ok := e.Payload["amount"]; ok {
		body = fmt.Sprintf("You received a reward of %v.", amount)
	}

	return &Draft{
		Title: "Reward Received",
		Body:  body,
		Data: map[string]interface{}{
			"kind":   string(e.Kind),
			"amount": e.Payload["amount"],
		},
	}, true
}

// TaskMapper renders task updates.
type TaskMapper struct{}

func (m *TaskMapper) Kind() event.Kind { return event.KindTaskUpdate }

func (m *TaskMapper) Enabled(prefs *Preferences) bool { return prefs.TaskUpdates }

func (m *TaskMapper) Draft(e *event.Event) (*Draft, bool) {
	status, _ := e.Payload["status"].(string)
	if status == "" {
		return nil, false
	}

	return &Draft{
		Title: "Task Updated",
		Body:  fmt.Sprintf("A task you follow is now %s.", status),
		Data: map[string]interface{}{
			"kind":   string(e.Kind),
			"taskId": e.TaskID,
			"status": status,
		},
	}, true
}

// SubmissionMapper renders submission updates.
type SubmissionMapper struct{}

func (m *SubmissionMapper) Kind() event.Kind { return event.KindSubmissionUpdate }

func (m *SubmissionMapper) Enabled(prefs *Preferences) bool { return prefs.SubmissionUpdates }

func (m *SubmissionMapper) Draft(e *event.Event) (*Draft, bool) {
	return &Draft{
		Title: "Submission Updated",
		Body:  "One of your submissions changed.",
		Data: map[string]interface{}{
			"kind":         string(e.Kind),
			"submissionId": e.SubmissionID,
		},
	}, true
}

// DefaultMappers returns the standard mapper set.
func DefaultMappers() []DraftMapper {
	return []DraftMapper{
		&ValidationMapper{},
		&RewardMapper{},
		&TaskMapper{},
		&SubmissionMapper{},
	}
}
