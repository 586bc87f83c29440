package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
)

// ParsedMessage is a normalized message ready for mirror ingestion.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64

	Media mediaMeta
}

// mediaMeta carries what a later download needs. DirectPath doubles as
// the has-media marker.
type mediaMeta struct {
	DirectPath string
	Key        []byte
	SHA256     []byte
	EncSHA256  []byte
	Length     int64
	Mime       string
}

// NormalizeJID strips device and agent suffixes so history sync and live
// messages agree on one JID per chat (e.g. "x:0@s.whatsapp.net" and
// "x@s.whatsapp.net" are the same contact). LID JIDs pass through
// unchanged; resolving them to phone JIDs needs the adapter's identity
// store.
func NormalizeJID(raw string) string {
	if raw == "" {
		return raw
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}

// ParseLiveMessage normalizes a live message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
		Media:       extractMediaMeta(evt.Message),
	}
}

// ParseHistoryMessage normalizes one message out of a history sync
// conversation.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) *ParsedMessage {
	key := wmsg.GetKey()
	sender := key.GetParticipant()
	if sender == "" {
		sender = chatJID
	}
	msg := wmsg.GetMessage()
	return &ParsedMessage{
		ChatJID:     NormalizeJID(chatJID),
		MsgID:       key.GetID(),
		SenderJID:   NormalizeJID(sender),
		SenderName:  wmsg.GetPushName(),
		Body:        extractTextBody(msg),
		MessageType: detectMessageType(msg),
		FromMe:      key.GetFromMe(),
		Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
		Media:       extractMediaMeta(msg),
	}
}

// ToStoreMessage converts the parsed message into a mirror row for one
// gateway session.
func (p *ParsedMessage) ToStoreMessage(sessionID string) *store.Message {
	return &store.Message{
		SessionID:      sessionID,
		ChatJID:        p.ChatJID,
		MsgID:          p.MsgID,
		SenderJID:      p.SenderJID,
		PushName:       p.SenderName,
		Body:           p.Body,
		MessageType:    p.MessageType,
		FromMe:         p.FromMe,
		Status:         "received",
		Timestamp:      p.Timestamp,
		MediaPath:      p.Media.DirectPath,
		MediaKey:       p.Media.Key,
		MediaSHA256:    p.Media.SHA256,
		MediaEncSHA256: p.Media.EncSHA256,
		MediaLength:    p.Media.Length,
		MediaMime:      p.Media.Mime,
	}
}

// extractTextBody returns the message text: plain conversation text,
// extended text, or the caption of a media message.
func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		if c := doc.GetCaption(); c != "" {
			return c
		}
		return doc.GetFileName()
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		return loc.GetName()
	}
	if con := msg.GetContactMessage(); con != nil {
		return con.GetDisplayName()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		if msg.GetAudioMessage().GetPTT() {
			return "ptt"
		}
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func extractMediaMeta(msg *waE2E.Message) mediaMeta {
	if msg == nil {
		return mediaMeta{}
	}
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return mediaMeta{
			DirectPath: m.GetDirectPath(),
			Key:        m.GetMediaKey(),
			SHA256:     m.GetFileSHA256(),
			EncSHA256:  m.GetFileEncSHA256(),
			Length:     int64(m.GetFileLength()),
			Mime:       m.GetMimetype(),
		}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return mediaMeta{
			DirectPath: m.GetDirectPath(),
			Key:        m.GetMediaKey(),
			SHA256:     m.GetFileSHA256(),
			EncSHA256:  m.GetFileEncSHA256(),
			Length:     int64(m.GetFileLength()),
			Mime:       m.GetMimetype(),
		}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return mediaMeta{
			DirectPath: m.GetDirectPath(),
			Key:        m.GetMediaKey(),
			SHA256:     m.GetFileSHA256(),
			EncSHA256:  m.GetFileEncSHA256(),
			Length:     int64(m.GetFileLength()),
			Mime:       m.GetMimetype(),
		}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return mediaMeta{
			DirectPath: m.GetDirectPath(),
			Key:        m.GetMediaKey(),
			SHA256:     m.GetFileSHA256(),
			EncSHA256:  m.GetFileEncSHA256(),
			Length:     int64(m.GetFileLength()),
			Mime:       m.GetMimetype(),
		}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return mediaMeta{
			DirectPath: m.GetDirectPath(),
			Key:        m.GetMediaKey(),
			SHA256:     m.GetFileSHA256(),
			EncSHA256:  m.GetFileEncSHA256(),
			Length:     int64(m.GetFileLength()),
			Mime:       m.GetMimetype(),
		}
	}
	return mediaMeta{}
}
