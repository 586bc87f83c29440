package store

import (
	"database/sql"
	"strings"
	"time"
)

// UpsertChat inserts or updates a chat record for a session.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (session_id, jid, name, is_group, archived, unread_count, last_message_at, last_message_preview, last_message_from_me, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			archived = excluded.archived,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			last_message_from_me = excluded.last_message_from_me,
			updated_at = excluded.updated_at`,
		c.SessionID, c.JID, c.Name, c.IsGroup, c.Archived, c.UnreadCount,
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageFromMe, now)
	return err
}

// TouchChatMessage records a message arrival on a chat: it bumps the
// last-message column set when ts is at least as new as the stored one
// (history syncs deliver old messages out of order) and increments the
// unread counter for incoming messages. Creates the chat row if absent,
// deriving the group flag from the JID server.
func (db *DB) TouchChatMessage(sessionID, jid string, ts int64, preview string, fromMe bool, unreadDelta int) error {
	now := time.Now().UnixMilli()
	isGroup := strings.HasSuffix(jid, "@g.us")
	_, err := db.Exec(`
		INSERT INTO chats (session_id, jid, is_group, unread_count, last_message_at, last_message_preview, last_message_from_me, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, jid) DO UPDATE SET
			unread_count = unread_count + excluded.unread_count,
			last_message_at = MAX(last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= last_message_at
				THEN excluded.last_message_preview ELSE last_message_preview END,
			last_message_from_me = CASE WHEN excluded.last_message_at >= last_message_at
				THEN excluded.last_message_from_me ELSE last_message_from_me END,
			updated_at = excluded.updated_at`,
		sessionID, jid, isGroup, unreadDelta, ts, preview, fromMe, now)
	return err
}

// ListChats returns all chats of a session sorted by last message
// timestamp descending. Names are resolved via LEFT JOIN to the contacts
// table with fallback: chat.name -> contact.push_name -> contact.name -> chat.jid
func (db *DB) ListChats(sessionID string) ([]Chat, error) {
	rows, err := db.Query(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.archived, c.unread_count, c.last_message_at, c.last_message_preview, c.last_message_from_me
		FROM chats c
		LEFT JOIN contacts ct ON c.session_id = ct.session_id AND c.jid = ct.jid
		WHERE c.session_id = ? AND c.jid NOT LIKE '%@lid'
		ORDER BY c.last_message_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		c.SessionID = sessionID
		if err := rows.Scan(&c.JID, &c.Name, &c.IsGroup, &c.Archived, &c.UnreadCount,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageFromMe); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID, or nil when unknown.
func (db *DB) GetChat(sessionID, jid string) (*Chat, error) {
	var c Chat
	c.SessionID = sessionID
	err := db.QueryRow(`
		SELECT c.jid,
			COALESCE(NULLIF(c.name,''), NULLIF(ct.push_name,''), NULLIF(ct.name,''), c.jid) AS display_name,
			c.is_group, c.archived, c.unread_count, c.last_message_at, c.last_message_preview, c.last_message_from_me
		FROM chats c
		LEFT JOIN contacts ct ON c.session_id = ct.session_id AND c.jid = ct.jid
		WHERE c.session_id = ? AND c.jid = ?`, sessionID, jid).
		Scan(&c.JID, &c.Name, &c.IsGroup, &c.Archived, &c.UnreadCount,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageFromMe)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetArchived flips the archived flag on a chat.
func (db *DB) SetArchived(sessionID, jid string, archived bool) error {
	_, err := db.Exec(`UPDATE chats SET archived = ?, updated_at = ? WHERE session_id = ? AND jid = ?`,
		archived, time.Now().UnixMilli(), sessionID, jid)
	return err
}

// ZeroUnread resets the unread counter on a chat after it was read.
func (db *DB) ZeroUnread(sessionID, jid string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE session_id = ? AND jid = ?`,
		time.Now().UnixMilli(), sessionID, jid)
	return err
}
