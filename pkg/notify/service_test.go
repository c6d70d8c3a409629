package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/docstore"
	"github.com/taskmesh/relay/pkg/event"
)

type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	failWith map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failWith: make(map[string]error)}
}

func (g *fakeGateway) Send(ctx context.Context, token string, draft *Draft) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.failWith[token]; ok {
		return err
	}
	g.sent = append(g.sent, token)
	return nil
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	kv, err := docstore.NewPebbleKV(&docstore.Config{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = kv.Close()
	})
	return NewStorage(kv, zap.NewNop())
}

func validationEvent(userID string) *event.Event {
	return &event.Event{
		ID:            "evt-" + userID + "-" + time.Now().Format("150405.000000000"),
		Kind:          event.KindValidationUpdate,
		SubjectUserID: userID,
		SubmissionID:  "sub-1",
		Payload: map[string]interface{}{
			"approved":   true,
			"finalScore": 92,
		},
		Priority:   event.PriorityHigh,
		ObservedAt: time.Now(),
	}
}

func TestStoragePreferencesDefaults(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	prefs, err := storage.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, prefs.EnablePushNotifications)
	assert.True(t, prefs.ValidationUpdates)

	prefs.ValidationUpdates = false
	require.NoError(t, storage.SavePreferences(ctx, prefs))

	got, err := storage.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, got.ValidationUpdates)
	assert.True(t, got.TaskUpdates)
}

func TestStorageDeviceTokenLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))
	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-b", "android"))

	tokens, err := storage.ActiveTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	// Soft delete keeps the record but hides it
	require.NoError(t, storage.RemoveDeviceToken(ctx, "user-1", "tok-a"))
	tokens, err = storage.ActiveTokens(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "tok-b", tokens[0].Token)

	// Re-registering reactivates
	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))
	tokens, err = storage.ActiveTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestStorageHistoryNewestFirstAndMarkRead(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, storage.SaveNotification(ctx, &Notification{
			ID:        string(rune('a' + i)),
			UserID:    "user-1",
			Kind:      event.KindTaskUpdate,
			Title:     "t",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	history, err := storage.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].ID)
	assert.False(t, history[0].Read)

	require.NoError(t, storage.MarkRead(ctx, "user-1", "b"))
	history, err = storage.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.True(t, history[1].Read)

	assert.ErrorIs(t, storage.MarkRead(ctx, "user-1", "missing"), ErrNotificationNotFound)
	// Another user's records are out of reach
	assert.ErrorIs(t, storage.MarkRead(ctx, "user-2", "a"), ErrNotificationNotFound)
}

func TestStorageHistoryPageCap(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		require.NoError(t, storage.SaveNotification(ctx, &Notification{
			ID:        uuidLike(i),
			UserID:    "user-1",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	history, err := storage.History(ctx, "user-1", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, history, maxHistoryPage)
}

func uuidLike(i int) string {
	return time.Now().Format("150405") + "-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func TestStorageCleanupOldHistory(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	old := &Notification{ID: "old", UserID: "user-1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Notification{ID: "fresh", UserID: "user-1", CreatedAt: time.Now()}
	require.NoError(t, storage.SaveNotification(ctx, old))
	require.NoError(t, storage.SaveNotification(ctx, fresh))

	removed, err := storage.CleanupOldHistory(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	history, err := storage.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "fresh", history[0].ID)
}

func startService(t *testing.T, storage *Storage, gateway PushGateway, cfg *Config) (*Service, *bus.Bus) {
	t.Helper()

	topic := bus.New(100)
	go topic.Run()
	t.Cleanup(topic.Stop)

	svc, err := NewService(cfg, storage, topic, gateway, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	})
	return svc, topic
}

// deadlineGateway refuses sends once the delivery context is dead.
type deadlineGateway struct {
	fakeGateway
}

func (g *deadlineGateway) Send(ctx context.Context, token string, draft *Draft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.fakeGateway.Send(ctx, token, draft)
}

func TestStopFlushesPendingDeliveries(t *testing.T) {
	storage := newTestStorage(t)
	gateway := &deadlineGateway{}
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))

	// A flush interval far beyond the test keeps the item buffered until Stop
	svc, topic := startService(t, storage, gateway, &Config{FlushInterval: time.Hour})

	e := validationEvent("user-1")
	e.Priority = event.PriorityMedium

	publishAndWait(t, topic, e, func() bool {
		history, err := storage.History(ctx, "user-1", 10, 0)
		return err == nil && len(history) == 1
	})

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))

	assert.Equal(t, 1, gateway.sentCount(), "buffered delivery goes out on shutdown")
}

func publishAndWait(t *testing.T, topic *bus.Bus, e *event.Event, cond func() bool) {
	t.Helper()

	require.True(t, topic.Publish(e, bus.AttributesFor(e)))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFanOutHighPriorityImmediate(t *testing.T) {
	storage := newTestStorage(t)
	gateway := newFakeGateway()
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))

	_, topic := startService(t, storage, gateway, &Config{FlushInterval: time.Hour})

	publishAndWait(t, topic, validationEvent("user-1"), func() bool {
		return gateway.sentCount() == 1
	})

	history, err := storage.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Submission Approved!", history[0].Title)
	assert.False(t, history[0].Read)
}

func TestFanOutPreferenceSuppression(t *testing.T) {
	storage := newTestStorage(t)
	gateway := newFakeGateway()
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))

	prefs := DefaultPreferences("user-1")
	prefs.EnablePushNotifications = false
	require.NoError(t, storage.SavePreferences(ctx, prefs))

	_, topic := startService(t, storage, gateway, nil)

	e := validationEvent("user-1")
	require.True(t, topic.Publish(e, bus.AttributesFor(e)))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 0, gateway.sentCount())

	// Suppression happens before any history or delivery work
	history, err := storage.History(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFanOutCategorySuppression(t *testing.T) {
	storage := newTestStorage(t)
	gateway := newFakeGateway()
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))

	prefs := DefaultPreferences("user-1")
	prefs.ValidationUpdates = false
	require.NoError(t, storage.SavePreferences(ctx, prefs))

	_, topic := startService(t, storage, gateway, nil)

	e := validationEvent("user-1")
	require.True(t, topic.Publish(e, bus.AttributesFor(e)))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, gateway.sentCount())

	// Other categories still deliver
	reward := &event.Event{
		ID:            "evt-reward-1",
		Kind:          event.KindRewardDistributed,
		SubjectUserID: "user-1",
		Payload:       map[string]interface{}{"amount": "1500"},
		Priority:      event.PriorityHigh,
		ObservedAt:    time.Now(),
	}
	publishAndWait(t, topic, reward, func() bool { return gateway.sentCount() == 1 })
}

func TestFanOutNoTokensStillRecordsHistory(t *testing.T) {
	storage := newTestStorage(t)
	gateway := newFakeGateway()
	ctx := context.Background()

	_, topic := startService(t, storage, gateway, nil)

	e := validationEvent("user-1")
	require.True(t, topic.Publish(e, bus.AttributesFor(e)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		history, err := storage.History(ctx, "user-1", 10, 0)
		require.NoError(t, err)
		if len(history) == 1 {
			assert.Equal(t, 0, gateway.sentCount())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("history record not written")
}

func TestBatchSenderPartialFailure(t *testing.T) {
	gateway := newFakeGateway()
	gateway.failWith["bad-1"] = errors.New("unregistered token")
	gateway.failWith["bad-2"] = errors.New("unregistered token")

	sender := newBatchSender(gateway, 100, 8, time.Second, zap.NewNop())

	items := make([]sendItem, 0, 100)
	for i := 0; i < 98; i++ {
		items = append(items, sendItem{
			token: &DeviceToken{UserID: "u", Token: uuidLike(i) + "-ok"},
			draft: &Draft{Title: "t"},
		})
	}
	items = append(items,
		sendItem{token: &DeviceToken{UserID: "u", Token: "bad-1"}, draft: &Draft{Title: "t"}},
		sendItem{token: &DeviceToken{UserID: "u", Token: "bad-2"}, draft: &Draft{Title: "t"}},
	)

	sent := sender.sendAll(context.Background(), items)
	assert.Equal(t, 98, sent)
}

func TestBatchSenderSplitsBatches(t *testing.T) {
	gateway := newFakeGateway()
	sender := newBatchSender(gateway, 10, 4, time.Second, zap.NewNop())

	items := make([]sendItem, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, sendItem{
			token: &DeviceToken{UserID: "u", Token: uuidLike(i)},
			draft: &Draft{Title: "t"},
		})
	}

	sent := sender.sendAll(context.Background(), items)
	assert.Equal(t, 25, sent)
}

func TestFanOutBatchedFlush(t *testing.T) {
	storage := newTestStorage(t)
	gateway := newFakeGateway()
	ctx := context.Background()

	require.NoError(t, storage.SaveDeviceToken(ctx, "user-1", "tok-a", "ios"))

	_, topic := startService(t, storage, gateway, &Config{FlushInterval: 50 * time.Millisecond})

	e := validationEvent("user-1")
	e.Priority = event.PriorityMedium

	publishAndWait(t, topic, e, func() bool { return gateway.sentCount() == 1 })
}

func TestMapperDrafts(t *testing.T) {
	e := validationEvent("user-1")

	mapper := &ValidationMapper{}
	draft, ok := mapper.Draft(e)
	require.True(t, ok)
	assert.Equal(t, "Submission Approved!", draft.Title)
	assert.Contains(t, draft.Body, "92")

	e.Payload["approved"] = false
	draft, ok = mapper.Draft(e)
	require.True(t, ok)
	assert.Equal(t, "Submission Reviewed", draft.Title)
}
