package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/chats"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/messages"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// sessionView is the status payload shared by the qr, status and
// sessions endpoints.
type sessionView struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	QRCode    string `json:"qrCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

type chatView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	IsGroup     bool             `json:"isGroup"`
	Unread      int              `json:"unread"`
	LastMessage *lastMessageView `json:"lastMessage,omitempty"`
}

type lastMessageView struct {
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe"`
}

type messageView struct {
	ID          string     `json:"id"`
	ChatID      string     `json:"chatId"`
	Body        string     `json:"body"`
	Type        string     `json:"type"`
	Timestamp   time.Time  `json:"timestamp"`
	FromMe      bool       `json:"fromMe"`
	AuthorID    string     `json:"authorId,omitempty"`
	AuthorLabel string     `json:"authorLabel,omitempty"`
	Media       *mediaView `json:"media,omitempty"`
}

type mediaView struct {
	Mime string `json:"mime"`
	Data []byte `json:"data"`
}

type searchView struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Body      string `json:"body"`
	Snippet   string `json:"snippet"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
}

// sessionParam validates the sessionId query parameter. Writes the 400
// envelope and returns "" when missing or malformed.
func sessionParam(c *gin.Context) string {
	id := c.Query("sessionId")
	if id == "" {
		fail(c, http.StatusBadRequest, "sessionId is required", "")
		return ""
	}
	if err := session.ValidateID(id); err != nil {
		fail(c, http.StatusBadRequest, "invalid sessionId", err.Error())
		return ""
	}
	return id
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolQuery(c *gin.Context, name string) bool {
	switch c.Query(name) {
	case "true", "1":
		return true
	}
	return false
}

// handleQR creates the session on first sight and reports pairing
// progress. Clients poll it until the status leaves QR_REQUIRED.
func (s *Server) handleQR(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	sess, err := s.registry.GetOrCreate(c.Request.Context(), id)
	if err != nil {
		failErr(c, "create session", err)
		return
	}
	c.JSON(http.StatusOK, sessionView{
		SessionID: sess.ID,
		Status:    string(sess.Status()),
		QRCode:    sess.QR(),
	})
}

// handleStatus is a pure read: an unknown session reports DISCONNECTED
// instead of being created as a side effect.
func (s *Server) handleStatus(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusOK, sessionView{
			SessionID: id,
			Status:    string(status.Disconnected),
			Message:   "session not found",
		})
		return
	}
	c.JSON(http.StatusOK, sessionView{
		SessionID: sess.ID,
		Status:    string(sess.Status()),
		QRCode:    sess.QR(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	all := s.registry.ListAll()
	out := make([]sessionView, 0, len(all))
	for _, sum := range all {
		out = append(out, sessionView{
			SessionID: sum.ID,
			Status:    string(sum.Status),
			QRCode:    sum.QR,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleChats(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	offset := intQuery(c, "offset", 0)
	limit := intQuery(c, "limit", chats.DefaultPageSize)
	if offset < 0 || limit < 0 {
		fail(c, http.StatusBadRequest, "offset and limit must not be negative", "")
		return
	}
	page, err := s.coordinator.ListChats(c.Request.Context(), id, offset, limit, boolQuery(c, "archived"))
	if err != nil {
		failErr(c, "list chats", err)
		return
	}
	items := make([]chatView, 0, len(page.Items))
	for _, it := range page.Items {
		v := chatView{ID: it.ID, Name: it.Name, IsGroup: it.IsGroup, Unread: it.Unread}
		if it.LastMessage != nil {
			v.LastMessage = &lastMessageView{
				Body:      it.LastMessage.Body,
				Timestamp: it.LastMessage.Timestamp,
				FromMe:    it.LastMessage.FromMe,
			}
		}
		items = append(items, v)
	}
	c.JSON(http.StatusOK, gin.H{
		"items":   items,
		"hasMore": page.HasMore,
		"total":   page.Total,
	})
}

func (s *Server) handleMessages(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	chatID := c.Query("chatId")
	if chatID == "" {
		fail(c, http.StatusBadRequest, "chatId is required", "")
		return
	}
	limit := intQuery(c, "limit", messages.DefaultLimit)
	msgs, err := s.fetcher.GetMessages(c.Request.Context(), id, chatID, limit, boolQuery(c, "includeMedia"))
	if err != nil {
		failErr(c, "fetch messages", err)
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{
			ID:          m.ID,
			ChatID:      m.ChatID,
			Body:        m.Body,
			Type:        m.Type,
			Timestamp:   m.Timestamp,
			FromMe:      m.FromMe,
			AuthorID:    m.AuthorID,
			AuthorLabel: m.AuthorLabel,
		}
		if m.Media != nil {
			v.Media = &mediaView{Mime: m.Media.Mime, Data: m.Media.Data}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) handleSearch(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	query := c.Query("q")
	if query == "" {
		fail(c, http.StatusBadRequest, "q is required", "")
		return
	}
	results, err := s.db.SearchMessages(id, query, c.Query("chatId"), intQuery(c, "limit", 50))
	if err != nil {
		fail(c, http.StatusInternalServerError, "search failed", err.Error())
		return
	}
	out := make([]searchView, 0, len(results))
	for _, r := range results {
		out = append(out, searchView{
			MessageID: r.Message.MsgID,
			ChatID:    r.Message.ChatJID,
			Body:      r.Message.Body,
			Snippet:   r.Snippet,
			Timestamp: r.Message.Timestamp,
			FromMe:    r.Message.FromMe,
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) handleProfilePicture(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	chatID := c.Query("chatId")
	if chatID == "" {
		fail(c, http.StatusBadRequest, "chatId is required", "")
		return
	}
	url, err := s.coordinator.ProfilePicture(c.Request.Context(), id, chatID)
	if err != nil {
		failErr(c, "profile picture", err)
		return
	}
	if url == "" {
		c.JSON(http.StatusOK, gin.H{"url": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) handleDebugState(c *gin.Context) {
	id := sessionParam(c)
	if id == "" {
		return
	}
	dbg, err := s.coordinator.DebugState(id)
	if err != nil {
		failErr(c, "debug state", err)
		return
	}

	alive := false
	if sess, ok := s.registry.Get(id); ok {
		alive = sess.Driver().Alive()
	}

	partitions := make(map[string]gin.H, len(dbg.Partitions))
	for name, p := range dbg.Partitions {
		partitions[name] = gin.H{
			"count":     p.Count,
			"fetchedAt": p.FetchedAt,
			"age":       p.Age.String(),
			"fresh":     p.Fresh,
		}
	}

	body := gin.H{
		"sessionId": dbg.SessionID,
		"uid":       dbg.UID,
		"status":    string(dbg.Status),
		"connected": alive,
		"identity": gin.H{
			"jid":      dbg.Identity.JID,
			"pushName": dbg.Identity.PushName,
			"platform": dbg.Identity.Platform,
		},
		"throttle": gin.H{
			"lastAttempt": dbg.LastAttempt,
			"interval":    dbg.Interval.String(),
		},
		"partitions":    partitions,
		"lastSeenCount": dbg.LastSeenCount,
	}

	if counts, err := s.db.CountsFor(id); err == nil {
		body["mirror"] = gin.H{
			"chats":    counts.Chats,
			"messages": counts.Messages,
			"contacts": counts.Contacts,
		}
	}
	if last := s.recon.LastHistorySync(id); !last.IsZero() {
		body["lastHistorySync"] = last
	}

	c.JSON(http.StatusOK, body)
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.SessionID == "" || req.To == "" || req.Message == "" {
		fail(c, http.StatusBadRequest, "sessionId, to and message are required", "")
		return
	}
	msgID, err := s.coordinator.SendMessage(c.Request.Context(), req.SessionID, req.To, req.Message)
	if err != nil {
		failErr(c, "send message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": msgID})
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.SessionID == "" || req.ChatID == "" {
		fail(c, http.StatusBadRequest, "sessionId and chatId are required", "")
		return
	}
	if err := s.coordinator.MarkRead(c.Request.Context(), req.SessionID, req.ChatID); err != nil {
		failErr(c, "mark read", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleRefreshCache(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		fail(c, http.StatusBadRequest, "sessionId is required", "")
		return
	}
	if err := s.coordinator.Refresh(req.SessionID); err != nil {
		failErr(c, "refresh cache", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		fail(c, http.StatusBadRequest, "sessionId is required", "")
		return
	}
	if !s.registry.Remove(req.SessionID) {
		fail(c, http.StatusNotFound, "session not found", "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleForceCleanup(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		fail(c, http.StatusBadRequest, "sessionId is required", "")
		return
	}
	sess, ok := s.registry.Get(req.SessionID)
	if !ok {
		fail(c, http.StatusNotFound, "session not found", "")
		return
	}
	s.registry.ForceCleanup(sess.ID, sess.UID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
