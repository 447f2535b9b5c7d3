package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pcoutinho/pigeon/internal/realtime"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 54 * time.Second
	wsMaxMessageSize = 512
	wsSendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback; cross-origin browsers are not a
		// supported client.
		return true
	},
}

// wsEvent is the frame pushed to connected clients.
type wsEvent struct {
	Type        string      `json:"type"`
	Message     *messageDTO `json:"message,omitempty"`
	ChatID      string      `json:"chatId,omitempty"`
	UnreadCount int         `json:"unreadCount,omitempty"`
	Chat        *chatDTO    `json:"chat,omitempty"`
}

// wsClient is one upgraded connection. Writes go through the send channel
// so the write pump is the only goroutine touching the conn for writes.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	logger *zap.Logger
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		userID: requestUserID(r),
		logger: s.logger.With(zap.String("user_id", requestUserID(r))),
	}

	sub := s.feed.Subscribe(realtime.Filter{}, func(evt realtime.Event) {
		s.forwardEvent(client, evt)
	})

	go client.writePump()
	go func() {
		client.readPump()
		// Unsubscribe waits for any in-flight forward, so closing the
		// send channel after it is safe.
		sub.Unsubscribe()
		close(client.send)
	}()
}

// forwardEvent pushes a feed event to the client if it concerns a chat the
// client's user belongs to. Slow clients drop frames rather than stall the
// feed; they recover with a refetch like any other subscription gap.
func (s *Server) forwardEvent(c *wsClient, evt realtime.Event) {
	var frame wsEvent
	switch {
	case evt.Message != nil:
		if !s.isParticipant(evt.Message.ChatID, c.userID) {
			return
		}
		frame = wsEvent{Type: "message", Message: toMessageDTO(evt.Message)}
	case evt.Participant != nil:
		if evt.Participant.UserID != c.userID {
			return
		}
		frame = wsEvent{
			Type:        "unread",
			ChatID:      evt.Participant.ChatID,
			UnreadCount: evt.Participant.UnreadCount,
		}
	case evt.Chat != nil:
		if !s.isParticipant(evt.Chat.ID, c.userID) {
			return
		}
		frame = wsEvent{Type: "chat", Chat: &chatDTO{ID: evt.Chat.ID, CreatedAt: evt.Chat.CreatedAt}}
	default:
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("websocket send buffer full, dropping frame")
	}
}

func (s *Server) isParticipant(chatID, userID string) bool {
	p, err := s.db.GetParticipant(chatID, userID)
	return err == nil && p != nil
}

// readPump discards client frames; the socket is push-only. Reading is
// still required to process pongs and notice the peer going away.
func (c *wsClient) readPump() {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
