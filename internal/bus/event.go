package bus

import "time"

// Event represents a domain event published on the bus. SessionID scopes
// the event to one gateway session; Payload carries the publisher's type.
type Event struct {
	ID        string
	Kind      string
	SessionID string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, e.g. "session."
// catches every lifecycle event and "wa." every driver-side event.
const (
	KindSessionCreated = "session.created"
	KindSessionStatus  = "session.status"
	KindSessionQR      = "session.qr"
	KindSessionRemoved = "session.removed"

	KindWAMessage = "wa.message"
	KindWAHistory = "wa.history"
	KindWAContact = "wa.contact"
	KindWAArchive = "wa.archive"
	KindWARead    = "wa.read"

	KindChatRefreshed = "chat.refreshed"
)
