package session

import (
	"context"
	"time"
)

// Driver is the upstream WhatsApp connection behind a session. The
// gateway core only speaks this interface; internal/wa implements it on
// whatsmeow and tests substitute fakes.
type Driver interface {
	// Initialize starts connecting. Lifecycle progress is reported
	// through Events, not the return value.
	Initialize(ctx context.Context) error
	// Destroy tears down the underlying connection and closes Events.
	Destroy() error
	// Alive reports whether the underlying connection is still usable.
	Alive() bool

	Chats(ctx context.Context) ([]ChatRecord, error)
	// Messages returns up to limit messages of a chat, newest first.
	Messages(ctx context.Context, chatID string, limit int) ([]MessageRecord, error)
	ContactByID(ctx context.Context, id string) (Contact, error)
	SendMessage(ctx context.Context, to, body string) (msgID string, err error)
	MarkRead(ctx context.Context, chatID string) error
	DownloadMedia(ctx context.Context, chatID, msgID string) (data []byte, mime string, err error)
	// ProfilePictureURL returns "" without error when no picture is
	// visible to us.
	ProfilePictureURL(ctx context.Context, chatID string) (string, error)

	Identity() Identity
	Events() <-chan DriverEvent
}

// Factory constructs the driver for a session id. Exactly one driver
// exists per live session.
type Factory func(ctx context.Context, sessionID string) (Driver, error)

// ChatRecord is one chat as reported by the upstream connection.
type ChatRecord struct {
	ID          string
	Name        string
	IsGroup     bool
	Archived    bool
	Unread      int
	LastMessage *LastMessage
}

// LastMessage is the digest of the newest message in a chat.
type LastMessage struct {
	Body      string
	Timestamp time.Time
	FromMe    bool
}

// MessageRecord is one message as reported by the upstream connection.
type MessageRecord struct {
	ID        string
	ChatID    string
	AuthorID  string
	PushName  string
	Body      string
	Type      string
	FromMe    bool
	Timestamp time.Time
	HasMedia  bool
}

// Contact holds the name material used to label group message authors.
type Contact struct {
	ID        string
	SavedName string
	PushName  string
	Number    string
}

// Identity describes the authenticated device, for diagnostics.
type Identity struct {
	JID      string
	PushName string
	Platform string
}

// DriverEvent is a lifecycle signal from the underlying connection.
// The session's event loop is the only consumer.
type DriverEvent interface{ driverEvent() }

// EventQR carries a fresh pairing code. Emitted repeatedly while the
// upstream rotates codes.
type EventQR struct{ Payload string }

// EventAuthenticated fires once the QR scan is accepted.
type EventAuthenticated struct{}

// EventReady fires when the connection is fully usable.
type EventReady struct{}

// EventAuthFailed is terminal: pairing was rejected or timed out.
type EventAuthFailed struct{ Err error }

// EventDisconnected is terminal: the upstream connection is gone and
// will not come back on its own.
type EventDisconnected struct{ Reason string }

func (EventQR) driverEvent()            {}
func (EventAuthenticated) driverEvent() {}
func (EventReady) driverEvent()         {}
func (EventAuthFailed) driverEvent()    {}
func (EventDisconnected) driverEvent()  {}
