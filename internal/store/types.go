package store

// Chat represents a mirrored chat for one gateway session.
type Chat struct {
	ID                 int64
	SessionID          string
	JID                string
	Name               string
	IsGroup            bool
	Archived           bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageFromMe  bool
}

// Contact represents a mirrored contact.
type Contact struct {
	SessionID string
	JID       string
	Name      string
	PushName  string
}

// Message represents a mirrored message. Media fields hold the metadata
// needed to reconstruct a download from upstream later.
type Message struct {
	ID          int64
	SessionID   string
	ChatJID     string
	MsgID       string
	SenderJID   string
	PushName    string
	Body        string
	MessageType string
	FromMe      bool
	Status      string
	Timestamp   int64

	MediaPath      string
	MediaKey       []byte
	MediaSHA256    []byte
	MediaEncSHA256 []byte
	MediaLength    int64
	MediaMime      string
}

// HasMedia reports whether the message carries downloadable media metadata.
func (m *Message) HasMedia() bool {
	return m.MediaPath != "" && len(m.MediaKey) > 0
}

// HistoryBatch bundles one history sync conversation set for ingestion.
// Contact material travels separately as a contact batch.
type HistoryBatch struct {
	SessionID string
	Chats     []Chat
	Messages  []*Message
}

// ReadMark records a chat read on another device.
type ReadMark struct {
	SessionID string
	ChatJID   string
	Timestamp int64
}

// ArchiveMark records an archive state change made on another device.
type ArchiveMark struct {
	SessionID string
	ChatJID   string
	Archived  bool
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// Counts summarizes mirror contents for one session, for diagnostics.
type Counts struct {
	Chats    int64
	Messages int64
	Contacts int64
}
