package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Empty incoming fields never clobber names already on file; contact
// syncs arrive piecemeal and a later partial update must not erase an
// earlier full one.
const contactUpsert = `
	INSERT INTO contacts (session_id, jid, name, push_name, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id, jid) DO UPDATE SET
		name = COALESCE(NULLIF(excluded.name, ''), contacts.name),
		push_name = COALESCE(NULLIF(excluded.push_name, ''), contacts.push_name),
		updated_at = excluded.updated_at`

// UpsertContact inserts or updates a single contact.
func (db *DB) UpsertContact(c *Contact) error {
	_, err := db.Exec(contactUpsert, c.SessionID, c.JID, c.Name, c.PushName, time.Now().UnixMilli())
	return err
}

// BulkUpsertContacts applies a contact sync batch in one transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(contactUpsert)
	if err != nil {
		return fmt.Errorf("prepare contact upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := stmt.Exec(c.SessionID, c.JID, c.Name, c.PushName, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.JID, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by JID, or nil when unknown.
func (db *DB) GetContact(sessionID, jid string) (*Contact, error) {
	var c Contact
	c.SessionID = sessionID
	err := db.QueryRow(`SELECT jid, name, push_name FROM contacts WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.JID, &c.Name, &c.PushName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountsFor returns row counts per table for a session, for the debug endpoint.
func (db *DB) CountsFor(sessionID string) (*Counts, error) {
	var counts Counts
	for _, c := range []struct {
		table string
		dst   *int64
	}{
		{"chats", &counts.Chats},
		{"messages", &counts.Messages},
		{"contacts", &counts.Contacts},
	} {
		if err := db.QueryRow(`SELECT COUNT(*) FROM `+c.table+` WHERE session_id = ?`, sessionID).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return &counts, nil
}
