package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
)

const (
	wsBuffer       = 256
	wsWriteTimeout = 10 * time.Second
)

// wsEvent is the wire envelope for streamed bus events.
type wsEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.CORSOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.cfg.CORSOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// handleWS upgrades the connection and streams every bus event, filtered
// to one session when sessionId is given. The read loop exists only to
// notice the peer going away.
func (s *Server) handleWS(c *gin.Context) {
	filter := c.Query("sessionId")
	if filter != "" {
		if err := session.ValidateID(filter); err != nil {
			fail(c, http.StatusBadRequest, "invalid sessionId", err.Error())
			return
		}
	}

	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		return
	}

	log := s.logger.Named("ws").With(zap.String("client", c.ClientIP()))
	wsClients.Inc()
	defer wsClients.Dec()

	events, unsub := s.bus.Subscribe("", wsBuffer)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() { _ = conn.Close() }()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && evt.SessionID != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsEvent{
				ID:        evt.ID,
				Kind:      evt.Kind,
				SessionID: evt.SessionID,
				Timestamp: evt.Timestamp,
				Payload:   wirePayload(evt),
			}); err != nil {
				log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}

// wirePayload maps internal event payloads to compact wire shapes.
// History and contact batches are reduced to counts; clients re-read
// through the REST surface when they care about the contents.
func wirePayload(evt bus.Event) any {
	switch p := evt.Payload.(type) {
	case status.Change:
		return gin.H{"from": string(p.From), "to": string(p.To)}
	case session.Created:
		return gin.H{"uid": p.UID}
	case session.Removed:
		return gin.H{"uid": p.UID}
	case string:
		return p
	case *store.Message:
		return gin.H{
			"chatId":    p.ChatJID,
			"messageId": p.MsgID,
			"type":      p.MessageType,
			"fromMe":    p.FromMe,
			"timestamp": p.Timestamp,
		}
	case *store.HistoryBatch:
		return gin.H{"chats": len(p.Chats), "messages": len(p.Messages)}
	case *store.Contact:
		return gin.H{"contacts": 1}
	case []store.Contact:
		return gin.H{"contacts": len(p)}
	case *store.ReadMark:
		return gin.H{"chatId": p.ChatJID}
	case *store.ArchiveMark:
		return gin.H{"chatId": p.ChatJID, "archived": p.Archived}
	default:
		return p
	}
}
