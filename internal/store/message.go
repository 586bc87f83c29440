package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on session + chat + msg id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
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
		m.SessionID, m.ChatJID, m.MsgID, m.SenderJID, m.PushName, m.Body, m.MessageType,
		m.FromMe, m.Status, m.Timestamp,
		m.MediaPath, m.MediaKey, m.MediaSHA256, m.MediaEncSHA256, m.MediaLength, m.MediaMime, now)
	return err
}

// ListMessages returns the newest messages of a chat, newest first.
func (db *DB) ListMessages(sessionID, chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, chat_jid, msg_id, sender_jid, push_name, body, message_type, from_me, status, timestamp,
			media_path, media_key, media_sha256, media_enc_sha256, media_length, media_mime
		FROM messages
		WHERE session_id = ? AND chat_jid = ?
		ORDER BY timestamp DESC
		LIMIT ?`, sessionID, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		m.SessionID = sessionID
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.PushName, &m.Body,
			&m.MessageType, &m.FromMe, &m.Status, &m.Timestamp,
			&m.MediaPath, &m.MediaKey, &m.MediaSHA256, &m.MediaEncSHA256, &m.MediaLength, &m.MediaMime); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by its WhatsApp id, or nil when unknown.
func (db *DB) GetMessage(sessionID, chatJID, msgID string) (*Message, error) {
	var m Message
	m.SessionID = sessionID
	err := db.QueryRow(`
		SELECT id, chat_jid, msg_id, sender_jid, push_name, body, message_type, from_me, status, timestamp,
			media_path, media_key, media_sha256, media_enc_sha256, media_length, media_mime
		FROM messages
		WHERE session_id = ? AND chat_jid = ? AND msg_id = ?`, sessionID, chatJID, msgID).
		Scan(&m.ID, &m.ChatJID, &m.MsgID, &m.SenderJID, &m.PushName, &m.Body,
			&m.MessageType, &m.FromMe, &m.Status, &m.Timestamp,
			&m.MediaPath, &m.MediaKey, &m.MediaSHA256, &m.MediaEncSHA256, &m.MediaLength, &m.MediaMime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LastIncomingTimestamp returns the timestamp of the newest message in a
// chat that was not sent by us, or zero when there is none.
func (db *DB) LastIncomingTimestamp(sessionID, chatJID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`
		SELECT MAX(timestamp) FROM messages
		WHERE session_id = ? AND chat_jid = ? AND from_me = 0`, sessionID, chatJID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}
