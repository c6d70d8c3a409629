package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/docstore"
)

// maxHistoryPage is the hard cap on one history read.
const maxHistoryPage = 100

// ErrNotificationNotFound is returned when marking an unknown notification.
var ErrNotificationNotFound = docstore.ErrNotFound

// Key prefixes for notification data
const (
	prefixPrefs   = "/data/notify/prefs/"
	prefixTokens  = "/data/notify/tokens/"
	prefixHistory = "/data/notify/history/"
)

func prefsKey(userID string) []byte {
	return []byte(prefixPrefs + userID)
}

func tokenKey(userID, token string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixTokens, userID, token))
}

func tokenPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixTokens, userID))
}

// historyKey orders records newest first via inverted timestamps.
// Format: /data/notify/history/{userID}/{%020d inverted-unixnano}/{id}
func historyKey(userID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixHistory, userID, math.MaxInt64-createdAt.UnixNano(), id))
}

func historyPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixHistory, userID))
}

// Storage persists preferences, device tokens, and notification history.
type Storage struct {
	kv     docstore.KV
	logger *zap.Logger
}

// NewStorage creates notification storage over the given key-value store.
func NewStorage(kv docstore.KV, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		kv:     kv,
		logger: logger.Named("notify_storage"),
	}
}

// GetPreferences returns a user's preferences, falling back to defaults
// when none are stored.
func (s *Storage) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	data, err := s.kv.Get(ctx, prefsKey(userID))
	if err == docstore.ErrNotFound {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, err
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preferences: %w", err)
	}
	return &prefs, nil
}

// SavePreferences stores a user's preferences.
func (s *Storage) SavePreferences(ctx context.Context, prefs *Preferences) error {
	if prefs.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	prefs.UpdatedAt = time.Now()

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	return s.kv.Put(ctx, prefsKey(prefs.UserID), data)
}

// SaveDeviceToken registers or reactivates a device token.
func (s *Storage) SaveDeviceToken(ctx context.Context, userID, token, platform string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("user id and token are required")
	}

	return s.kv.Update(ctx, tokenKey(userID, token), func(current []byte) ([]byte, error) {
		now := time.Now()
		record := DeviceToken{
			UserID:    userID,
			Token:     token,
			Platform:  platform,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if current != nil {
			var existing DeviceToken
			if err := json.Unmarshal(current, &existing); err == nil {
				record.CreatedAt = existing.CreatedAt
			}
		}
		return json.Marshal(record)
	})
}

// RemoveDeviceToken deactivates a token. The record is kept so the same
// token can be reactivated later.
func (s *Storage) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	return s.kv.Update(ctx, tokenKey(userID, token), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, docstore.ErrNotFound
		}
		var record DeviceToken
		if err := json.Unmarshal(current, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device token: %w", err)
		}
		record.Active = false
		record.UpdatedAt = time.Now()
		return json.Marshal(record)
	})
}

// ActiveTokens returns a user's active device tokens.
func (s *Storage) ActiveTokens(ctx context.Context, userID string) ([]*DeviceToken, error) {
	var tokens []*DeviceToken
	err := s.kv.Iterate(ctx, tokenPrefix(userID), func(key, value []byte) bool {
		var record DeviceToken
		if err := json.Unmarshal(value, &record); err != nil {
			return true
		}
		if record.Active {
			tokens = append(tokens, &record)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// SaveNotification appends a history record.
func (s *Storage) SaveNotification(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return s.kv.Put(ctx, historyKey(n.UserID, n.CreatedAt, n.ID), data)
}

// History returns a page of a user's notifications, newest first. offset
// skips that many records from the top.
func (s *Storage) History(ctx context.Context, userID string, limit, offset int) ([]*Notification, error) {
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	if offset < 0 {
		offset = 0
	}

	skipped := 0
	var notifications []*Notification
	err := s.kv.Iterate(ctx, historyPrefix(userID), func(key, value []byte) bool {
		var n Notification
		if err := json.Unmarshal(value, &n); err != nil {
			s.logger.Warn("skipping corrupt history record", zap.String("key", string(key)))
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		notifications = append(notifications, &n)
		return len(notifications) < limit
	})
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

// MarkRead marks one notification as read. Only the owner's records are
// reachable since the key space is scoped by user.
func (s *Storage) MarkRead(ctx context.Context, userID, notificationID string) error {
	var target []byte
	err := s.kv.Iterate(ctx, historyPrefix(userID), func(key, value []byte) bool {
		var n Notification
		if err := json.Unmarshal(value, &n); err != nil {
			return true
		}
		if n.ID == notificationID {
			target = key
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if target == nil {
		return ErrNotificationNotFound
	}

	return s.kv.Update(ctx, target, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotificationNotFound
		}
		var n Notification
		if err := json.Unmarshal(current, &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
		}
		n.Read = true
		return json.Marshal(n)
	})
}

// CleanupOldHistory removes history records older than before. Returns the
// number of deleted records.
func (s *Storage) CleanupOldHistory(ctx context.Context, before time.Time) (int, error) {
	var expired [][]byte
	err := s.kv.Iterate(ctx, []byte(prefixHistory), func(key, value []byte) bool {
		var n Notification
		if err := json.Unmarshal(value, &n); err != nil || n.CreatedAt.Before(before) {
			k := make([]byte, len(key))
			copy(k, key)
			expired = append(expired, k)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, key := range expired {
		if err := s.kv.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
