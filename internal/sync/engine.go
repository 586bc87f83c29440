// Package sync ingests driver-side events into the mirror store. The
// engine is the only writer for incoming traffic: adapters publish
// parsed events on the bus and read the mirror back, they never write
// it themselves.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
)

// previewLimit caps the chat list digest text.
const previewLimit = 100

// Engine subscribes to "wa." events and performs idempotent ingestion.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	recon  *Reconciler
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a new ingestion engine.
func NewEngine(db *store.DB, b *bus.Bus, recon *Reconciler, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		recon:  recon,
		logger: logger.Named("sync"),
	}
}

// Start subscribes to driver events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("wa.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindWAMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("ingest message", zap.Error(err),
				zap.String("session", msg.SessionID), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindWAHistory:
		batch, ok := evt.Payload.(*store.HistoryBatch)
		if !ok {
			return
		}
		if err := e.IngestHistory(batch); err != nil {
			e.logger.Error("ingest history batch", zap.Error(err),
				zap.String("session", batch.SessionID))
		}
	case bus.KindWAContact:
		switch c := evt.Payload.(type) {
		case *store.Contact:
			if err := e.db.UpsertContact(c); err != nil {
				e.logger.Error("upsert contact", zap.Error(err), zap.String("jid", c.JID))
			}
		case []store.Contact:
			if err := e.db.BulkUpsertContacts(c); err != nil {
				e.logger.Error("bulk upsert contacts", zap.Error(err), zap.Int("count", len(c)))
			}
		}
	case bus.KindWARead:
		mark, ok := evt.Payload.(*store.ReadMark)
		if !ok {
			return
		}
		if err := e.db.ZeroUnread(mark.SessionID, mark.ChatJID); err != nil {
			e.logger.Error("zero unread", zap.Error(err), zap.String("chat", mark.ChatJID))
		}
	case bus.KindWAArchive:
		mark, ok := evt.Payload.(*store.ArchiveMark)
		if !ok {
			return
		}
		if err := e.db.SetArchived(mark.SessionID, mark.ChatJID, mark.Archived); err != nil {
			e.logger.Error("set archived", zap.Error(err), zap.String("chat", mark.ChatJID))
		}
	}
}

// IngestMessage writes one live message and bumps its chat digest.
// Incoming messages increment the unread counter; our own do not.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	delta := 0
	if !msg.FromMe {
		delta = 1
	}
	if err := e.db.TouchChatMessage(msg.SessionID, msg.ChatJID, msg.Timestamp, preview(msg), msg.FromMe, delta); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// IngestHistory writes one history batch in a transaction: conversation
// metadata first, then messages with their digest bumps. Unread counts
// come from the conversation metadata; history messages never increment
// them. A successful batch records a checkpoint and pokes chat list
// consumers via chat.refreshed.
func (e *Engine) IngestHistory(batch *store.HistoryBatch) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range batch.Chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (session_id, jid, name, is_group, archived, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, jid) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
				is_group = excluded.is_group,
				archived = excluded.archived,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			batch.SessionID, c.JID, c.Name, c.IsGroup, c.Archived, c.UnreadCount, now); err != nil {
			return fmt.Errorf("upsert chat %q: %w", c.JID, err)
		}
	}

	for _, m := range batch.Messages {
		if _, err := tx.Exec(`
			INSERT INTO messages (session_id, chat_jid, msg_id, sender_jid, push_name, body, message_type, from_me, status, timestamp,
				media_path, media_key, media_sha256, media_enc_sha256, media_length, media_mime, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, chat_jid, msg_id) DO UPDATE SET
				push_name = excluded.push_name,
				body = excluded.body,
				status = excluded.status,
				media_path = excluded.media_path,
				media_key = excluded.media_key,
				media_sha256 = excluded.media_sha256,
				media_enc_sha256 = excluded.media_enc_sha256,
				media_length = excluded.media_length,
				media_mime = excluded.media_mime`,
			batch.SessionID, m.ChatJID, m.MsgID, m.SenderJID, m.PushName, m.Body, m.MessageType,
			m.FromMe, m.Status, m.Timestamp,
			m.MediaPath, m.MediaKey, m.MediaSHA256, m.MediaEncSHA256, m.MediaLength, m.MediaMime, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.MsgID, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO chats (session_id, jid, is_group, last_message_at, last_message_preview, last_message_from_me, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, jid) DO UPDATE SET
				last_message_at = MAX(last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at >= last_message_at
					THEN excluded.last_message_preview ELSE last_message_preview END,
				last_message_from_me = CASE WHEN excluded.last_message_at >= last_message_at
					THEN excluded.last_message_from_me ELSE last_message_from_me END,
				updated_at = excluded.updated_at`,
			batch.SessionID, m.ChatJID, isGroupJID(m.ChatJID), m.Timestamp, preview(m), m.FromMe, now); err != nil {
			return fmt.Errorf("touch chat %q: %w", m.ChatJID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.recon.RecordHistorySync(batch.SessionID)
	e.bus.Emit(bus.KindChatRefreshed, batch.SessionID, map[string]int{
		"chats":    len(batch.Chats),
		"messages": len(batch.Messages),
	})
	e.logger.Info("history batch ingested",
		zap.String("session", batch.SessionID),
		zap.Int("chats", len(batch.Chats)),
		zap.Int("messages", len(batch.Messages)))
	return nil
}

// preview derives the chat list digest text for a message: its body, or
// a bracketed type tag when the body is empty (media without caption).
func preview(m *store.Message) string {
	if m.Body != "" {
		return truncate(m.Body, previewLimit)
	}
	switch m.MessageType {
	case "sticker":
		return "[Sticker]"
	case "image":
		return "[Image]"
	case "video":
		return "[Video]"
	case "audio", "ptt":
		return "[Audio]"
	case "document":
		return "[Document]"
	case "location":
		return "[Location]"
	case "contact", "vcard":
		return "[Contact card]"
	}
	return ""
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
