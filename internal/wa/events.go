package wa

import (
	"context"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
)

// EventHandler translates whatsmeow events into two streams: session
// lifecycle events for the adapter's owner, and parsed domain events on
// the bus for the ingestion engine. It never touches the mirror itself.
type EventHandler struct {
	adapter *Adapter
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewEventHandler creates the handler for one adapter.
func NewEventHandler(a *Adapter, b *bus.Bus, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		adapter: a,
		bus:     b,
		logger:  logger,
	}
}

// Handle is registered as the whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	sid := h.adapter.sessionID
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.PairSuccess:
		h.logger.Info("pairing succeeded", zap.Stringer("jid", evt.ID))
		h.adapter.emit(session.EventAuthenticated{})
	case *events.Connected:
		h.logger.Info("connected")
		h.adapter.emit(session.EventReady{})
	case *events.Disconnected:
		// Transient; whatsmeow reconnects on its own.
		h.logger.Warn("disconnected, awaiting automatic reconnect")
	case *events.StreamReplaced:
		h.logger.Warn("stream replaced by another client")
		h.adapter.emit(session.EventDisconnected{Reason: "stream replaced by another client"})
	case *events.ClientOutdated:
		h.logger.Error("client version rejected by server")
		h.adapter.emit(session.EventDisconnected{Reason: "client outdated"})
	case *events.LoggedOut:
		h.logger.Warn("logged out", zap.String("reason", evt.Reason.String()))
		h.adapter.purgeMirror()
		h.adapter.emit(session.EventDisconnected{Reason: evt.Reason.String()})
	case *events.PushName:
		if evt.NewPushName == "" {
			return
		}
		h.bus.Emit(bus.KindWAContact, sid, &store.Contact{
			SessionID: sid,
			JID:       h.resolveJID(evt.JID.String()),
			PushName:  evt.NewPushName,
		})
	case *events.Contact:
		name := evt.Action.GetFullName()
		if name == "" {
			name = evt.Action.GetFirstName()
		}
		if name == "" {
			return
		}
		h.bus.Emit(bus.KindWAContact, sid, &store.Contact{
			SessionID: sid,
			JID:       h.resolveJID(evt.JID.String()),
			Name:      name,
		})
	case *events.Archive:
		h.bus.Emit(bus.KindWAArchive, sid, &store.ArchiveMark{
			SessionID: sid,
			ChatJID:   h.resolveJID(evt.JID.String()),
			Archived:  evt.Action.GetArchived(),
		})
	case *events.MarkChatAsRead:
		if !evt.Action.GetRead() {
			return
		}
		h.bus.Emit(bus.KindWARead, sid, &store.ReadMark{
			SessionID: sid,
			ChatJID:   h.resolveJID(evt.JID.String()),
			Timestamp: evt.Timestamp.UnixMilli(),
		})
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	sid := h.adapter.sessionID
	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)
	h.bus.Emit(bus.KindWAMessage, sid, parsed.ToStoreMessage(sid))
}

// handleHistorySync flattens one history sync payload into a chat and
// message batch plus a contact batch built from conversation names and
// the sync's push name table.
func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}
	sid := h.adapter.sessionID
	batch := &store.HistoryBatch{SessionID: sid}
	var contacts []store.Contact
	contactIndex := make(map[string]int)

	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		if chatJID == "" {
			continue
		}
		isGroup := strings.HasSuffix(chatJID, "@g.us")
		batch.Chats = append(batch.Chats, store.Chat{
			SessionID:   sid,
			JID:         chatJID,
			Name:        conv.GetName(),
			IsGroup:     isGroup,
			Archived:    conv.GetArchived(),
			UnreadCount: int(conv.GetUnreadCount()),
		})
		if !isGroup && conv.GetName() != "" {
			contacts = mergeContact(contacts, contactIndex, store.Contact{
				SessionID: sid,
				JID:       chatJID,
				Name:      conv.GetName(),
			})
		}
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			parsed := ParseHistoryMessage(chatJID, wmsg)
			parsed.SenderJID = h.resolveJID(parsed.SenderJID)
			batch.Messages = append(batch.Messages, parsed.ToStoreMessage(sid))
		}
	}

	for _, pn := range data.GetPushnames() {
		if pn.GetPushname() == "" {
			continue
		}
		jid := h.resolveJID(pn.GetID())
		if jid == "" {
			continue
		}
		contacts = mergeContact(contacts, contactIndex, store.Contact{
			SessionID: sid,
			JID:       jid,
			PushName:  pn.GetPushname(),
		})
	}

	if len(batch.Chats) > 0 || len(batch.Messages) > 0 {
		h.bus.Emit(bus.KindWAHistory, sid, batch)
	}
	if len(contacts) > 0 {
		h.bus.Emit(bus.KindWAContact, sid, contacts)
	}
	h.logger.Info("history sync parsed",
		zap.Int("chats", len(batch.Chats)),
		zap.Int("messages", len(batch.Messages)),
		zap.Int("contacts", len(contacts)))
}

// resolveJID normalizes a raw JID and maps LIDs to phone JIDs when the
// identity store knows the pairing. Unresolvable LIDs pass through.
func (h *EventHandler) resolveJID(raw string) string {
	normalized := NormalizeJID(raw)
	jid, err := types.ParseJID(normalized)
	if err != nil {
		return normalized
	}
	return h.adapter.ResolveLID(context.Background(), jid).String()
}

// mergeContact folds a contact into the batch, merging name material
// for a JID seen twice.
func mergeContact(contacts []store.Contact, index map[string]int, c store.Contact) []store.Contact {
	if i, ok := index[c.JID]; ok {
		if c.Name != "" {
			contacts[i].Name = c.Name
		}
		if c.PushName != "" {
			contacts[i].PushName = c.PushName
		}
		return contacts
	}
	index[c.JID] = len(contacts)
	return append(contacts, c)
}
