// Package chats serves the chat list for every session out of a
// per-session cache, refreshing it from the upstream under a
// minimum-interval throttle with exponential backoff. The upstream chat
// fetch is rate limited and slow; this layer keeps concurrent readers
// off it.
package chats

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// DefaultPageSize applies when a caller passes limit <= 0.
const DefaultPageSize = 20

const upstreamSuffix = "@s.whatsapp.net"

// Page is one slice of a chat list snapshot.
type Page struct {
	Items   []ChatSummary
	HasMore bool
	Total   int
}

// ChatSummary is the read model returned to transports.
type ChatSummary struct {
	ID          string
	Name        string
	IsGroup     bool
	Unread      int
	LastMessage *session.LastMessage
}

// state is the coordinator's view of one session instance. Keyed by the
// instance UID, never the session id: a recreated session starts blank.
type state struct {
	mu          sync.Mutex
	entries     map[bool]*entry // keyed by the archived flag
	lastAttempt time.Time
	interval    time.Duration
	lastSeen    map[string]time.Time
}

// entry is an immutable chat list snapshot. Refreshes install a new
// entry; readers slice whatever snapshot they grabbed.
type entry struct {
	records   []session.ChatRecord
	fetchedAt time.Time
}

// Coordinator owns the chat cache and throttle state for all sessions.
type Coordinator struct {
	registry *session.Registry
	logger   *zap.Logger

	freshness    time.Duration
	throttleMin  time.Duration
	ceiling      time.Duration
	fetchTimeout time.Duration

	mu     sync.Mutex
	states map[string]*state
}

func NewCoordinator(r *session.Registry, cfg *config.Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:     r,
		logger:       logger.Named("chats"),
		freshness:    cfg.FreshnessWindow.Duration,
		throttleMin:  cfg.ThrottleMin.Duration,
		ceiling:      cfg.BackoffCeiling.Duration,
		fetchTimeout: cfg.ChatFetchTimeout.Duration,
		states:       make(map[string]*state),
	}
}

// ListChats returns one page of the session's chat list for the
// requested partition (active or archived).
//
// Resolution order: fresh cache entry, then stale entry under throttle,
// then an upstream fetch. The attempt timestamp is recorded before the
// fetch is issued, so overlapping readers land in the throttle branch
// instead of stacking fetches onto the same session.
func (c *Coordinator) ListChats(ctx context.Context, sessionID string, offset, limit int, archived bool) (Page, error) {
	s, err := c.ready(sessionID)
	if err != nil {
		return Page{}, err
	}
	st := c.stateFor(s.UID)

	st.mu.Lock()
	now := time.Now()
	if e := st.entries[archived]; e != nil && now.Sub(e.fetchedAt) < c.freshness {
		records := e.records
		st.mu.Unlock()
		cacheHits.Inc()
		return c.buildPage(st, records, offset, limit), nil
	}
	if now.Sub(st.lastAttempt) < st.interval {
		e := st.entries[archived]
		st.mu.Unlock()
		if e != nil {
			staleServes.Inc()
			return c.buildPage(st, e.records, offset, limit), nil
		}
		rateLimitedRejections.Inc()
		return Page{}, session.ErrRateLimited
	}
	st.lastAttempt = now
	st.mu.Unlock()

	upstreamFetches.Inc()
	records, err := session.Bounded(c.fetchTimeout, func() ([]session.ChatRecord, error) {
		// Abandoned on timeout rather than canceled: the driver keeps
		// running detached from the request's lifetime.
		return s.Driver().Chats(context.WithoutCancel(ctx))
	})
	if err != nil {
		if errors.Is(err, session.ErrFetchTimeout) {
			fetchTimeouts.Inc()
			st.mu.Lock()
			st.interval = min(st.interval*2, c.ceiling)
			e := st.entries[archived]
			interval := st.interval
			st.mu.Unlock()
			c.logger.Warn("chat fetch timed out",
				zap.String("session", s.ID),
				zap.Duration("next_interval", interval))
			if e != nil {
				staleServes.Inc()
				return c.buildPage(st, e.records, offset, limit), nil
			}
			rateLimitedRejections.Inc()
			return Page{}, session.ErrRateLimited
		}
		return Page{}, c.fail(s, err)
	}

	part := partition(records, archived)
	st.mu.Lock()
	st.entries[archived] = &entry{records: part, fetchedAt: time.Now()}
	st.interval = c.throttleMin
	st.mu.Unlock()
	return c.buildPage(st, part, offset, limit), nil
}

// SendMessage delivers body to a recipient through the session and
// invalidates the chat cache so the next read reflects the new last
// message. The throttle state is left alone.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, to, body string) (string, error) {
	s, err := c.ready(sessionID)
	if err != nil {
		return "", err
	}
	to = normalizeRecipient(to)

	msgID, err := session.Bounded(c.fetchTimeout, func() (string, error) {
		return s.Driver().SendMessage(context.WithoutCancel(ctx), to, body)
	})
	if err != nil {
		return "", c.fail(s, err)
	}

	c.invalidate(s.UID)
	return msgID, nil
}

// MarkRead records a manual read acknowledgment for a chat and forwards
// it upstream. The local mark wins over upstream's unread counter until
// a strictly newer incoming message arrives.
func (c *Coordinator) MarkRead(ctx context.Context, sessionID, chatID string) error {
	s, err := c.ready(sessionID)
	if err != nil {
		return err
	}

	st := c.stateFor(s.UID)
	st.mu.Lock()
	st.lastSeen[chatID] = time.Now()
	st.mu.Unlock()

	if err := s.Driver().MarkRead(ctx, chatID); err != nil {
		return c.fail(s, err)
	}
	c.invalidate(s.UID)
	return nil
}

// Refresh drops both cache partitions. The throttle state is preserved:
// an immediate ListChats after Refresh still honors the rate limit.
func (c *Coordinator) Refresh(sessionID string) error {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return session.ErrNotReady
	}
	c.invalidate(s.UID)
	return nil
}

// ProfilePicture returns the picture URL for a chat, "" when none is
// visible to the session.
func (c *Coordinator) ProfilePicture(ctx context.Context, sessionID, chatID string) (string, error) {
	s, err := c.ready(sessionID)
	if err != nil {
		return "", err
	}
	url, err := s.Driver().ProfilePictureURL(ctx, chatID)
	if err != nil {
		return "", c.fail(s, err)
	}
	return url, nil
}

// Forget drops all state held for a session instance.
func (c *Coordinator) Forget(uid string) {
	c.mu.Lock()
	delete(c.states, uid)
	c.mu.Unlock()
}

// ready resolves a session that exists, reached READY, and still has a
// usable underlying connection. A dead connection triggers the forced
// cleanup path right here, before any upstream call is attempted.
func (c *Coordinator) ready(sessionID string) (*session.Session, error) {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, session.ErrNotReady
	}
	if s.Status() != status.Ready {
		return nil, session.ErrNotReady
	}
	if !s.Driver().Alive() {
		c.cleanup(s)
		return nil, session.ErrSessionDisconnected
	}
	return s, nil
}

// fail converts driver errors: dead-connection patterns force cleanup
// and surface the uniform disconnected error, everything else passes
// through unchanged.
func (c *Coordinator) fail(s *session.Session, err error) error {
	if session.Classify(err) == session.KindDisconnected {
		c.logger.Warn("session connection unusable",
			zap.String("session", s.ID),
			zap.Error(err))
		c.cleanup(s)
		return session.ErrSessionDisconnected
	}
	return err
}

func (c *Coordinator) cleanup(s *session.Session) {
	c.registry.ForceCleanup(s.ID, s.UID)
	c.Forget(s.UID)
}

func (c *Coordinator) invalidate(uid string) {
	st := c.stateFor(uid)
	st.mu.Lock()
	delete(st.entries, false)
	delete(st.entries, true)
	st.mu.Unlock()
}

func (c *Coordinator) stateFor(uid string) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[uid]
	if !ok {
		st = &state{
			entries:  make(map[bool]*entry),
			lastSeen: make(map[string]time.Time),
			interval: c.throttleMin,
		}
		c.states[uid] = st
	}
	return st
}

// buildPage slices a snapshot and applies the manual-read override to
// each item on the way out.
func (c *Coordinator) buildPage(st *state, records []session.ChatRecord, offset, limit int) Page {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	total := len(records)
	hasMore := offset+limit < total

	start, end := offset, offset+limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	items := make([]ChatSummary, 0, end-start)
	st.mu.Lock()
	for _, r := range records[start:end] {
		item := ChatSummary{
			ID:          r.ID,
			Name:        r.Name,
			IsGroup:     r.IsGroup,
			Unread:      r.Unread,
			LastMessage: r.LastMessage,
		}
		if seenAt, ok := st.lastSeen[r.ID]; ok &&
			r.LastMessage != nil && !r.LastMessage.FromMe &&
			!seenAt.Before(r.LastMessage.Timestamp) {
			item.Unread = 0
		}
		items = append(items, item)
	}
	st.mu.Unlock()

	return Page{Items: items, HasMore: hasMore, Total: total}
}

// partition filters one archived flag out of an upstream result and
// orders it newest-first. Chats that never got a message sort last.
func partition(records []session.ChatRecord, archived bool) []session.ChatRecord {
	out := make([]session.ChatRecord, 0, len(records))
	for _, r := range records {
		if r.Archived == archived {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return digestTime(out[i]).After(digestTime(out[j]))
	})
	return out
}

func digestTime(r session.ChatRecord) time.Time {
	if r.LastMessage == nil {
		return time.Time{}
	}
	return r.LastMessage.Timestamp
}

// normalizeRecipient turns a bare phone number into the upstream JID
// form; anything already carrying an @ suffix passes through.
func normalizeRecipient(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + upstreamSuffix
}
