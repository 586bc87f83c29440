package sync

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
)

// checkpointHistory is the key under which the time of a session's most
// recent history ingestion is stored.
const checkpointHistory = "history_synced_at"

// Reconciler tracks per-session sync checkpoints in the mirror, so the
// debug surface can tell a never-synced session from a synced one.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger.Named("sync")}
}

// SetCheckpoint stores a named checkpoint value for a session.
func (r *Reconciler) SetCheckpoint(sessionID, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (session_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		sessionID, key, value, now)
	return err
}

// Checkpoint returns a checkpoint value, or "" when it was never set.
func (r *Reconciler) Checkpoint(sessionID, key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE session_id = ? AND key = ?`,
		sessionID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// RecordHistorySync marks now as the session's latest history ingestion.
func (r *Reconciler) RecordHistorySync(sessionID string) {
	if err := r.SetCheckpoint(sessionID, checkpointHistory, time.Now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("record history checkpoint", zap.Error(err), zap.String("session", sessionID))
	}
}

// LastHistorySync returns when the session last ingested a history
// batch, or the zero time when it never has.
func (r *Reconciler) LastHistorySync(sessionID string) time.Time {
	value, err := r.Checkpoint(sessionID, checkpointHistory)
	if err != nil || value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
