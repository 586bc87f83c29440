// Package wa implements the session driver on top of whatsmeow. The
// adapter keeps long-term credentials in a per-session sqlite store and
// mirrors chats, messages and contacts into the shared mirror database
// through the bus, where the sync engine ingests them.
package wa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// eventBuffer sizes the driver event channel. The session's event loop
// drains it continuously; overflow is dropped with a log line.
const eventBuffer = 16

// Adapter wraps one whatsmeow client and implements session.Driver.
type Adapter struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
	dataDir   string
	handlerID uint32

	mu     sync.Mutex
	closed bool
	events chan session.DriverEvent
}

// NewFactory returns the registry's driver factory. Every session shares
// the one mirror database; each gets its own credential store under
// dataDir/sessions/<id>.
func NewFactory(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) session.Factory {
	return func(ctx context.Context, sessionID string) (session.Driver, error) {
		return NewAdapter(ctx, sessionID, cfg.DataDir, db, b, logger)
	}
}

// NewAdapter opens the session's credential store and builds the client.
// The connection itself is not started; that happens in Initialize.
func NewAdapter(ctx context.Context, sessionID, dataDir string, db *store.DB, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WAMS", [3]uint32{0, 1, 0})

	sessionDir := filepath.Join(dataDir, "sessions", sessionID)
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(sessionDir, "wa.db")),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		sessionID: sessionID,
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		db:        db,
		bus:       b,
		logger:    logger.Named("wa").With(zap.String("session", sessionID)),
		dataDir:   dataDir,
		events:    make(chan session.DriverEvent, eventBuffer),
	}
	a.handlerID = a.client.AddEventHandler(NewEventHandler(a, b, a.logger).Handle)
	return a, nil
}

// Initialize starts connecting. With stored credentials this is a plain
// reconnect; otherwise the QR pairing flow is started and codes stream
// out as driver events.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.client.Store.ID != nil {
		a.logger.Info("reconnecting with stored credentials")
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	go a.pumpQR(qrChan)
	return nil
}

// pumpQR translates the pairing flow into driver events.
func (a *Adapter) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			a.emit(session.EventQR{Payload: item.Code})
		case "success":
			a.emit(session.EventAuthenticated{})
			return
		case "timeout":
			a.emit(session.EventAuthFailed{Err: errors.New("qr pairing timed out")})
			return
		default:
			if item.Error != nil {
				a.emit(session.EventAuthFailed{Err: item.Error})
				return
			}
		}
	}
}

// Destroy tears the connection down and closes the event channel. Safe
// to call more than once.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	a.client.RemoveEventHandler(a.handlerID)
	a.client.Disconnect()
	if err := a.container.Close(); err != nil {
		return fmt.Errorf("close credential store: %w", err)
	}
	return nil
}

// Alive reports whether the upstream connection is still usable.
func (a *Adapter) Alive() bool {
	return a.client.IsConnected()
}

// Events returns the driver's lifecycle event stream.
func (a *Adapter) Events() <-chan session.DriverEvent {
	return a.events
}

// emit delivers a lifecycle event without ever blocking a whatsmeow
// handler goroutine.
func (a *Adapter) emit(ev session.DriverEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("driver event dropped", zap.Any("event", ev))
	}
}

// Chats lists the session's chats from the mirror, with group subjects
// refreshed from the live group list when the upstream cooperates.
func (a *Adapter) Chats(ctx context.Context) ([]session.ChatRecord, error) {
	rows, err := a.db.ListChats(a.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	groupNames := make(map[string]string)
	groups, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		a.logger.Warn("joined groups unavailable, serving mirror only", zap.Error(err))
	} else {
		for _, g := range groups {
			groupNames[g.JID.String()] = g.Name
		}
	}

	seen := make(map[string]bool, len(rows))
	out := make([]session.ChatRecord, 0, len(rows))
	for _, row := range rows {
		rec := session.ChatRecord{
			ID:       row.JID,
			Name:     row.Name,
			IsGroup:  row.IsGroup,
			Archived: row.Archived,
			Unread:   row.UnreadCount,
		}
		if name := groupNames[row.JID]; name != "" {
			rec.Name = name
		}
		if row.LastMessageAt > 0 {
			rec.LastMessage = &session.LastMessage{
				Body:      row.LastMessagePreview,
				Timestamp: time.UnixMilli(row.LastMessageAt),
				FromMe:    row.LastMessageFromMe,
			}
		}
		seen[row.JID] = true
		out = append(out, rec)
	}

	// Joined groups the mirror has not seen any messages for yet.
	for jid, name := range groupNames {
		if !seen[jid] {
			out = append(out, session.ChatRecord{ID: jid, Name: name, IsGroup: true})
		}
	}
	return out, nil
}

// Messages returns up to limit mirrored messages of a chat, newest
// first.
func (a *Adapter) Messages(ctx context.Context, chatID string, limit int) ([]session.MessageRecord, error) {
	rows, err := a.db.ListMessages(a.sessionID, NormalizeJID(chatID), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]session.MessageRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, session.MessageRecord{
			ID:        m.MsgID,
			ChatID:    m.ChatJID,
			AuthorID:  m.SenderJID,
			PushName:  m.PushName,
			Body:      m.Body,
			Type:      m.MessageType,
			FromMe:    m.FromMe,
			Timestamp: time.UnixMilli(m.Timestamp),
			HasMedia:  m.HasMedia(),
		})
	}
	return out, nil
}

// ContactByID resolves a contact from the credential store's address
// book, falling back to the mirror for names the device store lacks.
func (a *Adapter) ContactByID(ctx context.Context, id string) (session.Contact, error) {
	jid, err := types.ParseJID(NormalizeJID(id))
	if err != nil {
		return session.Contact{}, fmt.Errorf("parse jid: %w", err)
	}

	out := session.Contact{ID: jid.String(), Number: jid.User}
	info, err := a.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return session.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	out.SavedName = info.FullName
	out.PushName = info.PushName

	if out.SavedName == "" || out.PushName == "" {
		if mirrored, err := a.db.GetContact(a.sessionID, jid.String()); err == nil && mirrored != nil {
			if out.SavedName == "" {
				out.SavedName = mirrored.Name
			}
			if out.PushName == "" {
				out.PushName = mirrored.PushName
			}
		}
	}
	return out, nil
}

// SendMessage delivers a text message and records it in the mirror so
// the chat digest reflects it immediately.
func (a *Adapter) SendMessage(ctx context.Context, to, body string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("parse jid: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	ts := resp.Timestamp.UnixMilli()
	sent := &store.Message{
		SessionID:   a.sessionID,
		ChatJID:     jid.ToNonAD().String(),
		MsgID:       resp.ID,
		SenderJID:   a.ownJID(),
		Body:        body,
		MessageType: "text",
		FromMe:      true,
		Status:      "sent",
		Timestamp:   ts,
	}
	if err := a.db.UpsertMessage(sent); err != nil {
		a.logger.Warn("mirror sent message", zap.Error(err))
	}
	if err := a.db.TouchChatMessage(a.sessionID, sent.ChatJID, ts, body, true, 0); err != nil {
		a.logger.Warn("touch chat after send", zap.Error(err))
	}
	return resp.ID, nil
}

// MarkRead acknowledges the chat's recent incoming messages upstream and
// zeroes the mirrored unread counter.
func (a *Adapter) MarkRead(ctx context.Context, chatID string) error {
	chatJID, err := types.ParseJID(NormalizeJID(chatID))
	if err != nil {
		return fmt.Errorf("parse jid: %w", err)
	}

	rows, err := a.db.ListMessages(a.sessionID, chatJID.String(), 20)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	var ids []types.MessageID
	sender := chatJID
	for _, m := range rows {
		if m.FromMe {
			continue
		}
		if len(ids) == 0 {
			if s, err := types.ParseJID(m.SenderJID); err == nil {
				sender = s
			}
		}
		ids = append(ids, types.MessageID(m.MsgID))
	}

	if len(ids) > 0 {
		if err := a.client.MarkRead(ctx, ids, time.Now(), chatJID, sender); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	if err := a.db.ZeroUnread(a.sessionID, chatJID.String()); err != nil {
		a.logger.Warn("zero unread", zap.Error(err))
	}
	return nil
}

// DownloadMedia returns a message's media payload, reading the local
// cache first and falling back to an upstream download from the stored
// metadata.
func (a *Adapter) DownloadMedia(ctx context.Context, chatID, msgID string) ([]byte, string, error) {
	rec, err := a.db.GetMessage(a.sessionID, NormalizeJID(chatID), msgID)
	if err != nil {
		return nil, "", fmt.Errorf("get message: %w", err)
	}
	if rec == nil {
		return nil, "", fmt.Errorf("unknown message %s", msgID)
	}
	if !rec.HasMedia() {
		return nil, "", fmt.Errorf("message %s has no media", msgID)
	}

	cachePath := a.mediaCachePath(rec)
	if data, err := os.ReadFile(cachePath); err == nil {
		return data, rec.MediaMime, nil
	}

	mediaType, err := mediaTypeFor(rec.MessageType)
	if err != nil {
		return nil, "", err
	}
	data, err := a.client.DownloadMediaWithPath(ctx,
		rec.MediaPath, rec.MediaEncSHA256, rec.MediaSHA256, rec.MediaKey,
		int(rec.MediaLength), mediaType, "")
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err == nil {
		if err := os.WriteFile(cachePath, data, 0o600); err != nil {
			a.logger.Warn("cache media", zap.Error(err))
		}
	}
	return data, rec.MediaMime, nil
}

// ProfilePictureURL returns the chat's picture URL, "" when no picture
// is set or visible.
func (a *Adapter) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(NormalizeJID(chatID))
	if err != nil {
		return "", fmt.Errorf("parse jid: %w", err)
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("profile picture: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// Identity describes the authenticated device.
func (a *Adapter) Identity() session.Identity {
	return session.Identity{
		JID:      a.ownJID(),
		PushName: a.client.Store.PushName,
		Platform: a.client.Store.Platform,
	}
}

// ResolveLID maps a LID JID to its phone JID using the credential
// store. Non-LID JIDs and resolution failures pass through unchanged.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

func (a *Adapter) ownJID() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// purgeMirror drops everything the mirror holds for this session. Runs
// after a logout, when the upstream data is no longer ours to keep.
func (a *Adapter) purgeMirror() {
	if a.db == nil {
		return
	}
	if err := a.db.PurgeSession(a.sessionID); err != nil {
		a.logger.Warn("purge mirror", zap.Error(err))
	}
	if a.dataDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(a.dataDir, "media", a.sessionID)); err != nil {
		a.logger.Warn("purge media cache", zap.Error(err))
	}
}

func (a *Adapter) mediaCachePath(rec *store.Message) string {
	return filepath.Join(a.dataDir, "media", a.sessionID, rec.MsgID+"."+extFor(rec.MediaMime))
}

func mediaTypeFor(messageType string) (whatsmeow.MediaType, error) {
	switch messageType {
	case "image", "sticker":
		return whatsmeow.MediaImage, nil
	case "video":
		return whatsmeow.MediaVideo, nil
	case "audio", "ptt":
		return whatsmeow.MediaAudio, nil
	case "document":
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("no downloadable media for type %q", messageType)
}

// extFor derives a file extension from a mime type: "image/webp" gives
// "webp", "audio/ogg; codecs=opus" gives "ogg".
func extFor(mime string) string {
	_, sub, ok := strings.Cut(mime, "/")
	if !ok {
		return "bin"
	}
	if i := strings.IndexAny(sub, ";+ "); i >= 0 {
		sub = sub[:i]
	}
	if sub == "" {
		return "bin"
	}
	return sub
}
