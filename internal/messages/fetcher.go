// Package messages fetches and formats chat history on demand. Nothing
// here is cached: every request goes upstream under its own bounded
// timeout, and a timeout is reported to the caller instead of being
// papered over with stale data.
package messages

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// DefaultLimit applies when a caller passes limit <= 0.
const DefaultLimit = 50

const groupSuffix = "@g.us"

// Message is one formatted history entry, oldest-first in the slices
// returned by GetMessages.
type Message struct {
	ID        string
	ChatID    string
	Body      string
	Type      string
	Timestamp time.Time
	FromMe    bool
	AuthorID  string
	// AuthorLabel is set for incoming group messages only: the saved
	// contact name, or "~ pushname +number" for unsaved contacts.
	AuthorLabel string
	Media       *Media
}

// Media is an inlined media payload.
type Media struct {
	Mime string
	Data []byte
}

// Fetcher retrieves message history through a session's driver.
type Fetcher struct {
	registry *session.Registry
	logger   *zap.Logger

	fetchTimeout time.Duration
	mediaTimeout time.Duration
}

func NewFetcher(r *session.Registry, cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		registry:     r,
		logger:       logger.Named("messages"),
		fetchTimeout: cfg.MsgFetchTimeout.Duration,
		mediaTimeout: cfg.MediaTimeout.Duration,
	}
}

// GetMessages returns up to limit messages of a chat in chronological
// order. The upstream reports newest-first; the result is re-sorted for
// display. When includeMedia is set, sticker, image and video payloads
// are downloaded inline, best effort.
func (f *Fetcher) GetMessages(ctx context.Context, sessionID, chatID string, limit int, includeMedia bool) ([]Message, error) {
	s, err := f.ready(sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	records, err := session.Bounded(f.fetchTimeout, func() ([]session.MessageRecord, error) {
		// Abandoned on timeout rather than canceled: the driver keeps
		// running detached from the request's lifetime.
		return s.Driver().Messages(context.WithoutCancel(ctx), chatID, limit)
	})
	if err != nil {
		return nil, f.fail(s, err)
	}

	isGroup := strings.HasSuffix(chatID, groupSuffix)
	var labels map[string]string

	out := make([]Message, 0, len(records))
	for _, rec := range records {
		m := Message{
			ID:        rec.ID,
			ChatID:    rec.ChatID,
			Body:      rec.Body,
			Type:      rec.Type,
			Timestamp: rec.Timestamp,
			FromMe:    rec.FromMe,
			AuthorID:  rec.AuthorID,
		}
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		if m.Body == "" {
			m.Body = placeholder(rec.Type)
		}
		if isGroup && !rec.FromMe {
			if labels == nil {
				labels = make(map[string]string)
			}
			label, ok := labels[rec.AuthorID]
			if !ok {
				label = f.authorLabel(ctx, s, rec)
				labels[rec.AuthorID] = label
			}
			m.AuthorLabel = label
		}
		if includeMedia && downloadable(rec) {
			m.Media = f.download(ctx, s, chatID, rec)
		}
		out = append(out, m)
	}

	sortChronological(out)
	return out, nil
}

// authorLabel resolves who sent a group message, following the upstream
// client's own convention: saved contact names verbatim, unsaved
// contacts as "~ pushname +number". Lookup failures fall back to the
// bare number instead of failing the request.
func (f *Fetcher) authorLabel(ctx context.Context, s *session.Session, rec session.MessageRecord) string {
	contact, err := session.Bounded(f.fetchTimeout, func() (session.Contact, error) {
		return s.Driver().ContactByID(context.WithoutCancel(ctx), rec.AuthorID)
	})
	if err != nil {
		f.logger.Debug("contact lookup failed",
			zap.String("session", s.ID),
			zap.String("author", rec.AuthorID),
			zap.Error(err))
		return formatNumber(rec.AuthorID)
	}
	if contact.SavedName != "" {
		return contact.SavedName
	}

	push := contact.PushName
	if push == "" {
		push = rec.PushName
	}
	number := contact.Number
	if number == "" {
		number = numberFromJID(rec.AuthorID)
	}
	if push == "" {
		return formatNumber(rec.AuthorID)
	}
	return fmt.Sprintf("~ %s +%s", push, number)
}

// download pulls one media payload inline. Failures are logged and the
// message keeps its textual placeholder.
func (f *Fetcher) download(ctx context.Context, s *session.Session, chatID string, rec session.MessageRecord) *Media {
	type payload struct {
		data []byte
		mime string
	}
	got, err := session.Bounded(f.mediaTimeout, func() (payload, error) {
		data, mime, err := s.Driver().DownloadMedia(context.WithoutCancel(ctx), chatID, rec.ID)
		return payload{data: data, mime: mime}, err
	})
	if err != nil || len(got.data) == 0 {
		f.logger.Warn("media download failed",
			zap.String("session", s.ID),
			zap.String("chat", chatID),
			zap.String("message", rec.ID),
			zap.Error(err))
		return nil
	}
	return &Media{Mime: got.mime, Data: got.data}
}

// ready mirrors the chat coordinator's preconditions: the session must
// exist, be READY, and hold a usable connection. A dead connection is
// cleaned up here, before any fetch.
func (f *Fetcher) ready(sessionID string) (*session.Session, error) {
	s, ok := f.registry.Get(sessionID)
	if !ok {
		return nil, session.ErrNotReady
	}
	if s.Status() != status.Ready {
		return nil, session.ErrNotReady
	}
	if !s.Driver().Alive() {
		f.registry.ForceCleanup(s.ID, s.UID)
		return nil, session.ErrSessionDisconnected
	}
	return s, nil
}

func (f *Fetcher) fail(s *session.Session, err error) error {
	if session.Classify(err) == session.KindDisconnected {
		f.logger.Warn("session connection unusable",
			zap.String("session", s.ID),
			zap.Error(err))
		f.registry.ForceCleanup(s.ID, s.UID)
		return session.ErrSessionDisconnected
	}
	return err
}

func downloadable(rec session.MessageRecord) bool {
	if !rec.HasMedia {
		return false
	}
	switch rec.Type {
	case "sticker", "image", "video":
		return true
	}
	return false
}

// placeholder substitutes display text for body-less message types.
func placeholder(msgType string) string {
	switch msgType {
	case "sticker":
		return "[Sticker]"
	case "image":
		return "[Image]"
	case "video":
		return "[Video]"
	case "audio", "ptt":
		return "[Audio]"
	case "document":
		return "[Document]"
	case "location":
		return "[Location]"
	case "vcard", "contact":
		return "[Contact card]"
	}
	return ""
}

func sortChronological(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// numberFromJID strips the server part: "5511@s.whatsapp.net" → "5511".
func numberFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func formatNumber(jid string) string {
	return "+" + numberFromJID(jid)
}
