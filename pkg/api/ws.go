package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/event"
)

const (
	// Time allowed to write a message to the peer
	streamWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	streamPongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than streamPongWait)
	streamPingPeriod = (streamPongWait * 9) / 10

	// Maximum message size allowed from peer
	streamMaxMessageSize = 512

	streamChannelSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now (should be configured in production)
		return true
	},
}

// streamMessage is the wire format for live document changes.
type streamMessage struct {
	Type        string                 `json:"type"`
	Kind        event.Kind             `json:"kind"`
	Payload     map[string]interface{} `json:"payload"`
	PublishedAt time.Time              `json:"publishedAt"`
}

// handleListenersStream upgrades the connection and forwards the caller's
// live document changes until the peer goes away.
func (s *Server) handleListenersStream(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sub := s.sync.SubscribeUser(userID, streamChannelSize)
	defer s.sync.Unsubscribe(sub.ID)

	s.logger.Info("live stream opened",
		zap.String("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go s.streamReadPump(conn, done)
	s.streamWritePump(conn, sub.Channel, done)

	s.logger.Info("live stream closed", zap.String("user_id", userID))
}

// streamReadPump drains the connection so close frames and pongs are
// processed. Clients send nothing else on this stream.
func (s *Server) streamReadPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(streamMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// streamWritePump forwards subscription messages to the peer and keeps the
// connection alive with pings.
func (s *Server) streamWritePump(conn *websocket.Conn, ch chan *bus.Message, done chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			out := streamMessage{
				Type:        "change",
				Kind:        msg.Event.Kind,
				Payload:     msg.Event.Payload,
				PublishedAt: msg.PublishedAt,
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
