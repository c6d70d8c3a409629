package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/delta"
	"github.com/taskmesh/relay/pkg/docstore"
	"github.com/taskmesh/relay/pkg/event"
	"github.com/taskmesh/relay/pkg/eventstore"
	"github.com/taskmesh/relay/pkg/notify"
	"github.com/taskmesh/relay/pkg/ratelimit"
)

type nopGateway struct{}

func (nopGateway) Send(ctx context.Context, token string, draft *notify.Draft) error {
	return nil
}

type testEnv struct {
	server  *Server
	docs    docstore.Store
	events  *eventstore.Store
	storage *notify.Storage
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()

	logger := zap.NewNop()

	kv, err := docstore.NewPebbleKV(&docstore.Config{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	topic := bus.New(64)
	go topic.Run()
	t.Cleanup(topic.Stop)

	docs := docstore.NewDocuments(kv, logger)

	syncSvc := delta.NewService(docs, topic, logger)
	syncSvc.RegisterCollection("tasks", delta.Rule{OwnerOnly: true, PublicRead: true, Kind: event.KindTaskUpdate})
	syncSvc.RegisterCollection("submissions", delta.Rule{OwnerOnly: true, Kind: event.KindSubmissionUpdate})

	events := eventstore.New(kv, topic, logger)

	storage := notify.NewStorage(kv, logger)
	notifySvc, err := notify.NewService(nil, storage, topic, nopGateway{}, logger)
	require.NoError(t, err)

	limiter := ratelimit.New(kv, logger)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.DevMode = true
	if cfg.Tokens == nil {
		cfg.Tokens = map[string]string{
			"token-1": "user-1",
			"token-2": "user-2",
		}
	}
	if cfg.UserRateLimit == 0 {
		cfg.UserRateLimit = 10000
	}
	if cfg.IPRateLimit == 0 {
		cfg.IPRateLimit = 10000
	}

	server, err := NewServer(cfg, syncSvc, events, notifySvc, nil, limiter, topic, nil, logger)
	require.NoError(t, err)

	return &testEnv{
		server:  server,
		docs:    docs,
		events:  events,
		storage: storage,
	}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/blockchain/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/blockchain/events", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncReturnsOwnedAndPublicDocuments(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.docs.Put(ctx, &docstore.Document{
		Collection: "tasks", ID: "task-mine", OwnerID: "user-1",
		Data: map[string]interface{}{"title": "mine"},
	}))
	require.NoError(t, env.docs.Put(ctx, &docstore.Document{
		Collection: "tasks", ID: "task-public", OwnerID: "user-2", Public: true,
		Data: map[string]interface{}{"title": "open"},
	}))
	require.NoError(t, env.docs.Put(ctx, &docstore.Document{
		Collection: "tasks", ID: "task-private", OwnerID: "user-2",
		Data: map[string]interface{}{"title": "hidden"},
	}))

	rec := env.do(t, http.MethodPost, "/sync", "token-1", delta.Request{
		Collections: []delta.CollectionRequest{{Name: "tasks"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp delta.Response
	decodeBody(t, rec, &resp)

	ids := make(map[string]bool)
	for _, doc := range resp.Updates["tasks"] {
		ids[doc.ID] = true
	}
	assert.True(t, ids["task-mine"])
	assert.True(t, ids["task-public"])
	assert.False(t, ids["task-private"])
	assert.False(t, resp.ServerTimestamp.IsZero())
}

func TestSyncRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "10.1.2.3:40000"
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListenersSetupFiltersUnknownCollections(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/listeners/setup", "token-1", map[string]interface{}{
		"collections": []string{"tasks", "bogus", "submissions"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		StreamURL   string   `json:"streamUrl"`
		Collections []string `json:"collections"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "/listeners/stream", resp.StreamURL)
	assert.Equal(t, []string{"tasks", "submissions"}, resp.Collections)
}

func TestBlockchainEventsQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := env.events.Append(ctx, &event.Event{
			ID:          fmt.Sprintf("evt-%d", i),
			Kind:        event.KindBlockchainEvent,
			Priority:    event.PriorityMedium,
			SourceChain: "base",
			BlockNumber: uint64(100 + i),
			ObservedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/blockchain/events?limit=2", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []*event.Event `json:"events"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "evt-4", resp.Events[0].ID)
	assert.Equal(t, "evt-3", resp.Events[1].ID)

	rec = env.do(t, http.MethodGet, "/blockchain/events?limit=bananas", "token-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/blockchain/events?kind=not_a_kind", "token-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/blockchain/events?chain=other", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.Events)

	// An oversized limit is clamped, not rejected
	rec = env.do(t, http.MethodGet, "/blockchain/events?limit=5000", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Events, 5)

	// Block range bounds
	rec = env.do(t, http.MethodGet, "/blockchain/events?fromBlock=101&toBlock=103", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, "evt-3", resp.Events[0].ID)
	assert.Equal(t, "evt-1", resp.Events[2].ID)

	// eventType is accepted as an alias for kind
	rec = env.do(t, http.MethodGet, "/blockchain/events?eventType=blockchain_event", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Events, 5)

	rec = env.do(t, http.MethodGet, "/blockchain/events?fromBlock=oops", "token-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/notifications/preferences", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var prefs notify.Preferences
	decodeBody(t, rec, &prefs)
	assert.True(t, prefs.EnablePushNotifications)
	assert.True(t, prefs.TaskUpdates)

	prefs.TaskUpdates = false
	prefs.UserID = "someone-else" // must be ignored
	rec = env.do(t, http.MethodPut, "/notifications/preferences", "token-1", prefs)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/notifications/preferences", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &prefs)
	assert.Equal(t, "user-1", prefs.UserID)
	assert.False(t, prefs.TaskUpdates)

	// The other user keeps their defaults
	rec = env.do(t, http.MethodGet, "/notifications/preferences", "token-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &prefs)
	assert.True(t, prefs.TaskUpdates)
}

func TestDeviceTokenLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/notifications/device-token", "token-1", map[string]string{
		"token": "fcm-abc", "platform": "android",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err := env.storage.ActiveTokens(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "fcm-abc", tokens[0].Token)

	rec = env.do(t, http.MethodDelete, "/notifications/device-token", "token-1", map[string]string{
		"token": "fcm-abc",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	tokens, err = env.storage.ActiveTokens(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	rec = env.do(t, http.MethodDelete, "/notifications/device-token", "token-1", map[string]string{
		"token": "never-registered",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/notifications/device-token", "token-1", map[string]string{
		"platform": "android",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationHistoryAndMarkRead(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.storage.SaveNotification(ctx, &notify.Notification{
			ID:        fmt.Sprintf("note-%d", i),
			UserID:    "user-1",
			Kind:      event.KindValidationUpdate,
			Title:     fmt.Sprintf("title %d", i),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := env.do(t, http.MethodGet, "/notifications/history", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Notifications []*notify.Notification `json:"notifications"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Notifications, 3)
	assert.Equal(t, "note-2", resp.Notifications[0].ID)
	assert.False(t, resp.Notifications[0].Read)

	rec = env.do(t, http.MethodGet, "/notifications/history?limit=1", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Notifications, 1)

	rec = env.do(t, http.MethodGet, "/notifications/history?limit=1&offset=1", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, "note-1", resp.Notifications[0].ID)

	rec = env.do(t, http.MethodPut, "/notifications/note-1/read", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/notifications/history", "token-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	for _, n := range resp.Notifications {
		assert.Equal(t, n.ID == "note-1", n.Read)
	}

	// Another user cannot reach this inbox
	rec = env.do(t, http.MethodPut, "/notifications/note-1/read", "token-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/notifications/no-such-note/read", "token-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	env := newTestEnv(t, &Config{
		UserRateLimit:   3,
		IPRateLimit:     100,
		RateLimitWindow: time.Minute,
	})

	var lastRemaining int
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		remaining, err := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
		require.NoError(t, err)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

		// Both scopes are reported on every response
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit-User"))
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit-IP"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining-User"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset-IP"))
		if i > 0 {
			assert.Less(t, remaining, lastRemaining)
		}
		lastRemaining = remaining
	}

	rec := env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "rate limit exceeded", resp.Error)
	assert.GreaterOrEqual(t, resp.RetryAfter, 1)

	// A different user shares the IP budget but has their own user budget
	rec = env.do(t, http.MethodGet, "/blockchain/events", "token-2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitIPRejectionSparesUserBudget(t *testing.T) {
	env := newTestEnv(t, &Config{
		UserRateLimit:   5,
		IPRateLimit:     2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// The IP scope rejects; the user budget must not be charged for it
	rec := env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-IP"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Remaining-User"))

	rec = env.do(t, http.MethodGet, "/blockchain/events", "token-1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Remaining-User"))
}

func TestSyncAcceptsCollectionNameList(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.docs.Create(ctx, &docstore.Document{
		Collection: "tasks",
		ID:         "t-1",
		OwnerID:    "user-1",
	})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"collections":["tasks"],"lastSyncTimestamp":"2020-01-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/sync", body)
	req.RemoteAddr = "10.1.2.3:40000"
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Updates map[string][]*docstore.Document `json:"updates"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Updates["tasks"], 1)
	assert.Equal(t, "t-1", resp.Updates["tasks"][0].ID)
}

func TestUnknownNotificationRouteIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/notifications/nope", "token-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflightNeedsNoToken(t *testing.T) {
	env := newTestEnv(t, &Config{EnableCORS: true})

	req := httptest.NewRequest(http.MethodOptions, "/sync", nil)
	req.RemoteAddr = "10.1.2.3:40000"
	req.Header.Set("Origin", "https://app.taskmesh.io")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.taskmesh.io", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	// Without CORS enabled the same preflight hits auth and is rejected
	plain := newTestEnv(t, nil)
	rec = plain.do(t, http.MethodOptions, "/sync", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
