// Package notify fans canonical events out to user devices as push
// notifications. Preferences are checked before any device token is read, so
// opted-out users cost one preference lookup and nothing else.
package notify

import (
	"time"

	"github.com/taskmesh/relay/pkg/event"
)

// Preferences are a user's notification switches. A user without a stored
// record gets DefaultPreferences.
type Preferences struct {
	UserID string `json:"userId"`

	// EnablePushNotifications is the master switch. When off, no category
	// is consulted and nothing is sent.
	EnablePushNotifications bool `json:"enablePushNotifications"`

	TaskUpdates       bool `json:"taskUpdates"`
	SubmissionUpdates bool `json:"submissionUpdates"`
	ValidationUpdates bool `json:"validationUpdates"`
	RewardAlerts      bool `json:"rewardAlerts"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultPreferences returns the preferences applied to users who never
// saved any. Everything is on.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:                  userID,
		EnablePushNotifications: true,
		TaskUpdates:             true,
		SubmissionUpdates:       true,
		ValidationUpdates:       true,
		RewardAlerts:            true,
	}
}

// DeviceToken is one registered push target. Tokens are soft-deleted so a
// re-registering device reactivates its record instead of duplicating it.
type DeviceToken struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Draft is the rendered notification content for one event.
type Draft struct {
	Title string                 `json:"title"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Notification is the persisted history record shown in the client inbox.
// Records are always written unread.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Kind      event.Kind             `json:"kind"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"createdAt"`
}
