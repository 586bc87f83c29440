package store

import "strings"

const (
	searchDefaultLimit = 50
	searchMaxLimit     = 200
)

// SearchMessages runs a full-text query over one session's message
// bodies, best match first by FTS rank.
func (db *DB) SearchMessages(sessionID, query, chatJID string, limit int) ([]SearchResult, error) {
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}
	switch {
	case limit <= 0:
		limit = searchDefaultLimit
	case limit > searchMaxLimit:
		limit = searchMaxLimit
	}

	q := `
		SELECT m.id, m.chat_jid, m.msg_id, m.sender_jid, m.push_name, m.body,
		       m.message_type, m.from_me, m.status, m.timestamp,
		       snippet(messages_fts, 0, '[', ']', '...', 24)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ? AND m.session_id = ?`
	args := []any{match, sessionID}
	if chatJID != "" {
		q += " AND m.chat_jid = ?"
		args = append(args, chatJID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		r.Message.SessionID = sessionID
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ChatJID, &r.Message.MsgID,
			&r.Message.SenderJID, &r.Message.PushName, &r.Message.Body,
			&r.Message.MessageType, &r.Message.FromMe, &r.Message.Status,
			&r.Message.Timestamp, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuote turns raw user input into a phrase-per-word FTS5 query.
// Quoting every term makes operators like NEAR, *, - and stray double
// quotes read as literal text instead of syntax, so arbitrary search
// strings from the REST surface cannot produce an FTS parse error.
func ftsQuote(raw string) string {
	terms := strings.Fields(raw)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
