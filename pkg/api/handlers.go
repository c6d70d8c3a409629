package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskmesh/relay/pkg/api/middleware"
	"github.com/taskmesh/relay/pkg/delta"
	"github.com/taskmesh/relay/pkg/event"
	"github.com/taskmesh/relay/pkg/eventstore"
	"github.com/taskmesh/relay/pkg/notify"
)

const maxEventQueryLimit = 1000

func (s *Server) userID(r *http.Request) string {
	userID, _ := middleware.UserIDFromContext(r.Context())
	return userID
}

// handleHealth reports server liveness and per-chain connector status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type chainHealth struct {
		Chain  string `json:"chain"`
		Status string `json:"status"`
	}
	type busHealth struct {
		Subscribers int    `json:"subscribers"`
		Published   uint64 `json:"published"`
		Delivered   uint64 `json:"delivered"`
		Dropped     uint64 `json:"dropped"`
	}

	resp := struct {
		Status string        `json:"status"`
		Time   time.Time     `json:"time"`
		Chains []chainHealth `json:"chains,omitempty"`
		Bus    *busHealth    `json:"bus,omitempty"`
	}{
		Status: "ok",
		Time:   time.Now(),
	}

	if s.registry != nil {
		for _, connector := range s.registry.List() {
			resp.Chains = append(resp.Chains, chainHealth{
				Chain:  connector.ChainID(),
				Status: string(connector.Status()),
			})
		}
	}

	if s.topic != nil {
		published, delivered, dropped := s.topic.Stats()
		resp.Bus = &busHealth{
			Subscribers: s.topic.SubscriberCount(),
			Published:   published,
			Delivered:   delivered,
			Dropped:     dropped,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleSync answers a differential pull.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req delta.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}

	resp, err := s.sync.Sync(r.Context(), s.userID(r), &req)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListenersSetup validates the requested collections and hands the
// client its live stream endpoint. Unknown collections are dropped from the
// accepted set, mirroring sync's silent omission.
func (s *Server) handleListenersSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Collections []string `json:"collections"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}

	accepted := make([]string, 0, len(req.Collections))
	for _, name := range req.Collections {
		if s.sync.Readable(name) {
			accepted = append(accepted, name)
		}
	}

	s.writeJSON(w, http.StatusOK, struct {
		StreamURL       string    `json:"streamUrl"`
		Collections     []string  `json:"collections"`
		ServerTimestamp time.Time `json:"serverTimestamp"`
	}{
		StreamURL:       "/listeners/stream",
		Collections:     accepted,
		ServerTimestamp: time.Now(),
	})
}

// handleBlockchainEvents returns recent canonical chain events.
func (s *Server) handleBlockchainEvents(w http.ResponseWriter, r *http.Request) {
	q := eventstore.Query{Limit: 100}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeBadRequest(w, "invalid limit")
			return
		}
		if limit > maxEventQueryLimit {
			limit = maxEventQueryLimit
		}
		q.Limit = limit
	}

	if chain := r.URL.Query().Get("chain"); chain != "" {
		q.SourceChain = chain
	}
	// eventType is the original client parameter name, kind the canonical one
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = r.URL.Query().Get("eventType")
	}
	if kind != "" {
		k := event.Kind(kind)
		if !k.Valid() {
			s.writeBadRequest(w, "invalid event type")
			return
		}
		q.Kinds = []event.Kind{k}
	}
	if raw := r.URL.Query().Get("fromBlock"); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeBadRequest(w, "invalid fromBlock")
			return
		}
		q.FromBlock = from
	}
	if raw := r.URL.Query().Get("toBlock"); raw != "" {
		to, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeBadRequest(w, "invalid toBlock")
			return
		}
		q.ToBlock = to
	}

	events, err := s.events.Recent(r.Context(), q)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}

	s.writeJSON(w, http.StatusOK, struct {
		Events []*event.Event `json:"events"`
	}{Events: events})
}

// handleGetPreferences returns the caller's notification preferences,
// defaults included.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.notify.Storage().GetPreferences(r.Context(), s.userID(r))
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// handlePutPreferences replaces the caller's notification preferences.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs notify.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}

	// The token decides whose preferences change, never the body
	prefs.UserID = s.userID(r)

	if err := s.notify.Storage().SavePreferences(r.Context(), &prefs); err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// handleRegisterDeviceToken registers or reactivates a push target.
func (s *Server) handleRegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Token == "" {
		s.writeBadRequest(w, "token is required")
		return
	}

	if err := s.notify.Storage().SaveDeviceToken(r.Context(), s.userID(r), req.Token, req.Platform); err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Registered bool `json:"registered"`
	}{Registered: true})
}

// handleRemoveDeviceToken deactivates a push target.
func (s *Server) handleRemoveDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid request body")
		return
	}
	if req.Token == "" {
		s.writeBadRequest(w, "token is required")
		return
	}

	err := s.notify.Storage().RemoveDeviceToken(r.Context(), s.userID(r), req.Token)
	if errors.Is(err, notify.ErrNotificationNotFound) {
		s.writeNotFound(w, "unknown token")
		return
	}
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Removed bool `json:"removed"`
	}{Removed: true})
}

// handleNotificationHistory returns the caller's inbox, newest first.
func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeBadRequest(w, "invalid limit")
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeBadRequest(w, "invalid offset")
			return
		}
		offset = parsed
	}

	history, err := s.notify.Storage().History(r.Context(), s.userID(r), limit, offset)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	if history == nil {
		history = []*notify.Notification{}
	}

	s.writeJSON(w, http.StatusOK, struct {
		Notifications []*notify.Notification `json:"notifications"`
	}{Notifications: history})
}

// handleMarkRead marks one notification as read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.writeBadRequest(w, "notification id is required")
		return
	}

	err := s.notify.Storage().MarkRead(r.Context(), s.userID(r), id)
	if errors.Is(err, notify.ErrNotificationNotFound) {
		s.writeNotFound(w, "unknown notification")
		return
	}
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Read bool `json:"read"`
	}{Read: true})
}
