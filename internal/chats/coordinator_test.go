package chats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// fakeDriver implements session.Driver with scriptable chat data,
// latency and failures.
type fakeDriver struct {
	events chan session.DriverEvent

	mu         sync.Mutex
	alive      bool
	destroyed  bool
	chats      []session.ChatRecord
	chatsErr   error
	chatsDelay time.Duration
	chatsCalls int
	sent       []sentMessage
	reads      []string
	pictureURL string
}

type sentMessage struct {
	to, body string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan session.DriverEvent, 8), alive: true}
}

func (d *fakeDriver) emit(ev session.DriverEvent) { d.events <- ev }

func (d *fakeDriver) setChats(chats []session.ChatRecord) {
	d.mu.Lock()
	d.chats = chats
	d.mu.Unlock()
}

func (d *fakeDriver) setChatsErr(err error) {
	d.mu.Lock()
	d.chatsErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) setChatsDelay(delay time.Duration) {
	d.mu.Lock()
	d.chatsDelay = delay
	d.mu.Unlock()
}

func (d *fakeDriver) setAlive(alive bool) {
	d.mu.Lock()
	d.alive = alive
	d.mu.Unlock()
}

func (d *fakeDriver) setPictureURL(url string) {
	d.mu.Lock()
	d.pictureURL = url
	d.mu.Unlock()
}

func (d *fakeDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chatsCalls
}

func (d *fakeDriver) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

func (d *fakeDriver) readChats() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reads...)
}

func (d *fakeDriver) wasDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDriver) Initialize(ctx context.Context) error { return nil }

func (d *fakeDriver) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.destroyed {
		d.destroyed = true
		d.alive = false
		close(d.events)
	}
	return nil
}

func (d *fakeDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

func (d *fakeDriver) Chats(ctx context.Context) ([]session.ChatRecord, error) {
	d.mu.Lock()
	d.chatsCalls++
	delay, err := d.chatsDelay, d.chatsErr
	chats := append([]session.ChatRecord(nil), d.chats...)
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (d *fakeDriver) Messages(ctx context.Context, chatID string, limit int) ([]session.MessageRecord, error) {
	return nil, nil
}

func (d *fakeDriver) ContactByID(ctx context.Context, id string) (session.Contact, error) {
	return session.Contact{}, nil
}

func (d *fakeDriver) SendMessage(ctx context.Context, to, body string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMessage{to: to, body: body})
	return fmt.Sprintf("wamid.%d", len(d.sent)), nil
}

func (d *fakeDriver) MarkRead(ctx context.Context, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads = append(d.reads, chatID)
	return nil
}

func (d *fakeDriver) DownloadMedia(ctx context.Context, chatID, msgID string) ([]byte, string, error) {
	return nil, "", nil
}

func (d *fakeDriver) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pictureURL, nil
}

func (d *fakeDriver) Identity() session.Identity {
	return session.Identity{JID: "owner@s.whatsapp.net", PushName: "Owner"}
}

func (d *fakeDriver) Events() <-chan session.DriverEvent { return d.events }

// harness wires a registry with fake drivers to a coordinator under
// tight, test-sized tunables.
type harness struct {
	t     *testing.T
	bus   *bus.Bus
	reg   *session.Registry
	coord *Coordinator

	mu      sync.Mutex
	drivers map[string][]*fakeDriver
}

func newHarness(t *testing.T, freshness, throttleMin, ceiling, fetchTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, bus: bus.New(), drivers: make(map[string][]*fakeDriver)}
	h.reg = session.NewRegistry(h.factory, h.bus, zap.NewNop(), time.Hour)
	t.Cleanup(h.reg.Shutdown)

	cfg := config.Default()
	cfg.FreshnessWindow.Duration = freshness
	cfg.ThrottleMin.Duration = throttleMin
	cfg.BackoffCeiling.Duration = ceiling
	cfg.ChatFetchTimeout.Duration = fetchTimeout
	h.coord = NewCoordinator(h.reg, &cfg, zap.NewNop())
	return h
}

func (h *harness) factory(ctx context.Context, id string) (session.Driver, error) {
	d := newFakeDriver()
	h.mu.Lock()
	h.drivers[id] = append(h.drivers[id], d)
	h.mu.Unlock()
	return d, nil
}

// ready creates (or finds) a session and walks it to READY.
func (h *harness) ready(id string) (*session.Session, *fakeDriver) {
	h.t.Helper()
	s, err := h.reg.GetOrCreate(context.Background(), id)
	if err != nil {
		h.t.Fatal(err)
	}
	d := h.driver(id)
	if s.Status() != status.Ready {
		d.emit(session.EventReady{})
		eventually(h.t, time.Second, func() bool { return s.Status() == status.Ready })
	}
	return s, d
}

func (h *harness) driver(id string) *fakeDriver {
	h.mu.Lock()
	defer h.mu.Unlock()
	ds := h.drivers[id]
	return ds[len(ds)-1]
}

func (h *harness) hasState(uid string) bool {
	h.coord.mu.Lock()
	defer h.coord.mu.Unlock()
	_, ok := h.coord.states[uid]
	return ok
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func chatRecord(id string, archived bool, unread int, lastTs time.Time, fromMe bool) session.ChatRecord {
	return session.ChatRecord{
		ID:       id,
		Name:     "Chat " + id,
		Archived: archived,
		Unread:   unread,
		LastMessage: &session.LastMessage{
			Body:      "last message of " + id,
			Timestamp: lastTs,
			FromMe:    fromMe,
		},
	}
}

func TestListChatsUnknownSessionNotReady(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, err := h.coord.ListChats(context.Background(), "ghost", 0, 10, false)
	if !errors.Is(err, session.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestListChatsBeforeReadyNotReady(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	if _, err := h.reg.GetOrCreate(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	// Session exists but is still CONNECTING.
	_, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if !errors.Is(err, session.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
	if h.driver("alpha").calls() != 0 {
		t.Error("upstream must not be called before READY")
	}
}

func TestFreshCacheHitSkipsUpstream(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})

	p1, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}

	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (second read must hit the cache)", got)
	}
	if p1.Total != 1 || p2.Total != 1 {
		t.Errorf("totals = %d, %d; want 1, 1", p1.Total, p2.Total)
	}
}

func TestStaleServeUnderThrottle(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, 10*time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 2, time.Now(), false)})

	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}

	// Entry goes stale, but the throttle window is still open: the stale
	// snapshot is served rather than blocking or failing.
	time.Sleep(50 * time.Millisecond)
	p, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatalf("stale serve failed: %v", err)
	}
	if len(p.Items) != 1 || p.Items[0].ID != "c1@s.whatsapp.net" {
		t.Errorf("stale page = %+v, want the cached chat", p.Items)
	}
	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestRateLimitedWithoutCache(t *testing.T) {
	h := newHarness(t, time.Hour, 10*time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")

	// First attempt fails outright; unclassified errors pass through.
	upstream := errors.New("transient upstream burp")
	d.setChatsErr(upstream)
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, upstream) {
		t.Fatalf("err = %v, want the upstream error unchanged", err)
	}

	// Throttle engaged, nothing cached: rate limited, no second fetch.
	d.setChatsErr(nil)
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestConcurrentReadersSingleFetch(t *testing.T) {
	h := newHarness(t, time.Hour, 10*time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})
	d.setChatsDelay(50 * time.Millisecond)

	const readers = 8
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// The attempt timestamp is recorded before the call goes out, so the
	// overlap window produces exactly one upstream fetch.
	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	var ok, limited int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, session.ErrRateLimited):
			limited++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok < 1 {
		t.Error("the fetching reader must succeed")
	}
	if ok+limited != readers {
		t.Errorf("ok=%d limited=%d, want them to cover all %d readers", ok, limited, readers)
	}
}

func TestTimeoutDoublesIntervalUpToCeiling(t *testing.T) {
	h := newHarness(t, time.Hour, 20*time.Millisecond, 50*time.Millisecond, 10*time.Millisecond)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})
	d.setChatsDelay(40 * time.Millisecond)

	// No cache to fall back on: the timeout surfaces as rate limiting.
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited on timeout without cache", err)
	}
	dbg, err := h.coord.DebugState("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if dbg.Interval != 40*time.Millisecond {
		t.Errorf("interval after first timeout = %v, want 40ms", dbg.Interval)
	}

	time.Sleep(45 * time.Millisecond)
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	dbg, err = h.coord.DebugState("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if dbg.Interval != 50*time.Millisecond {
		t.Errorf("interval after second timeout = %v, want the 50ms ceiling", dbg.Interval)
	}
	if got := d.calls(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestTimeoutFallsBackToStale(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond, 20*time.Millisecond, time.Minute, 15*time.Millisecond)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})

	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}

	time.Sleep(35 * time.Millisecond)
	d.setChatsDelay(60 * time.Millisecond)
	p, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatalf("timeout with stale cache must serve it, got %v", err)
	}
	if len(p.Items) != 1 || p.Items[0].ID != "c1@s.whatsapp.net" {
		t.Errorf("page = %+v, want the stale chat", p.Items)
	}
	if got := d.calls(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestSuccessResetsInterval(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, 20*time.Millisecond, 500*time.Millisecond, 15*time.Millisecond)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})

	d.setChatsDelay(50 * time.Millisecond)
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited on timeout", err)
	}

	d.setChatsDelay(0)
	time.Sleep(50 * time.Millisecond)
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}

	dbg, err := h.coord.DebugState("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if dbg.Interval != 20*time.Millisecond {
		t.Errorf("interval after success = %v, want the 20ms minimum", dbg.Interval)
	}
}

func TestArchivedPartitionsKeyedSeparately(t *testing.T) {
	h := newHarness(t, time.Hour, 5*time.Millisecond, time.Minute, time.Second)
	_, d := h.ready("alpha")
	now := time.Now()
	d.setChats([]session.ChatRecord{
		chatRecord("active-new@s.whatsapp.net", false, 0, now, false),
		chatRecord("active-old@s.whatsapp.net", false, 0, now.Add(-time.Minute), false),
		chatRecord("archived@s.whatsapp.net", true, 0, now, false),
	})

	active, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if active.Total != 2 {
		t.Fatalf("active total = %d, want 2", active.Total)
	}
	for _, item := range active.Items {
		if item.ID == "archived@s.whatsapp.net" {
			t.Error("archived chat leaked into the active partition")
		}
	}

	time.Sleep(10 * time.Millisecond)
	archived, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Total != 1 || archived.Items[0].ID != "archived@s.whatsapp.net" {
		t.Errorf("archived page = %+v, want only the archived chat", archived.Items)
	}

	// The active partition entry is untouched by the archived fetch.
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}
	if got := d.calls(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (one per partition)", got)
	}
}

func TestSortNewestFirstChatsWithoutDigestLast(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	base := time.Now()
	noDigest := session.ChatRecord{ID: "silent@s.whatsapp.net", Name: "Silent"}
	d.setChats([]session.ChatRecord{
		chatRecord("old@s.whatsapp.net", false, 0, base.Add(-2*time.Hour), false),
		noDigest,
		chatRecord("new@s.whatsapp.net", false, 0, base, false),
		chatRecord("mid@s.whatsapp.net", false, 0, base.Add(-time.Hour), false),
	})

	p, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new@s.whatsapp.net", "mid@s.whatsapp.net", "old@s.whatsapp.net", "silent@s.whatsapp.net"}
	if len(p.Items) != len(want) {
		t.Fatalf("got %d items, want %d", len(p.Items), len(want))
	}
	for i, id := range want {
		if p.Items[i].ID != id {
			t.Errorf("items[%d] = %q, want %q", i, p.Items[i].ID, id)
		}
	}
}

func TestPagination(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	base := time.Now()
	records := make([]session.ChatRecord, 5)
	for i := range records {
		// p1 newest ... p5 oldest.
		records[i] = chatRecord(fmt.Sprintf("p%d", i+1), false, 0, base.Add(-time.Duration(i)*time.Minute), false)
	}
	d.setChats(records)

	tests := []struct {
		name        string
		offset      int
		limit       int
		wantIDs     []string
		wantHasMore bool
	}{
		{"first page", 0, 2, []string{"p1", "p2"}, true},
		{"middle page", 2, 2, []string{"p3", "p4"}, true},
		{"last page", 4, 2, []string{"p5"}, false},
		{"exact fit", 0, 5, []string{"p1", "p2", "p3", "p4", "p5"}, false},
		{"offset at end", 5, 2, nil, false},
		{"offset past end", 7, 2, nil, false},
		{"default limit", 0, 0, []string{"p1", "p2", "p3", "p4", "p5"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := h.coord.ListChats(context.Background(), "alpha", tt.offset, tt.limit, false)
			if err != nil {
				t.Fatal(err)
			}
			if p.Total != 5 {
				t.Errorf("total = %d, want 5", p.Total)
			}
			if p.HasMore != tt.wantHasMore {
				t.Errorf("hasMore = %v, want %v", p.HasMore, tt.wantHasMore)
			}
			if len(p.Items) != len(tt.wantIDs) {
				t.Fatalf("got %d items, want %d", len(p.Items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if p.Items[i].ID != id {
					t.Errorf("items[%d] = %q, want %q", i, p.Items[i].ID, id)
				}
			}
		})
	}
}

func TestMarkReadOverridesUnreadUntilNewerMessage(t *testing.T) {
	h := newHarness(t, time.Hour, 5*time.Millisecond, time.Minute, time.Second)
	_, d := h.ready("alpha")
	msgTs := time.Now().Add(-time.Minute)
	d.setChats([]session.ChatRecord{
		chatRecord("c1@s.whatsapp.net", false, 3, msgTs, false),
		chatRecord("mine@s.whatsapp.net", false, 1, msgTs, true),
	})

	p, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Items[0].Unread != 3 {
		t.Fatalf("unread before mark = %d, want 3", p.Items[0].Unread)
	}

	if err := h.coord.MarkRead(context.Background(), "alpha", "c1@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.MarkRead(context.Background(), "alpha", "mine@s.whatsapp.net"); err != nil {
		t.Fatal(err)
	}
	reads := d.readChats()
	if len(reads) != 2 || reads[0] != "c1@s.whatsapp.net" {
		t.Errorf("upstream reads = %v, want both chats acknowledged", reads)
	}

	// MarkRead invalidated the cache; wait out the throttle and refetch.
	time.Sleep(10 * time.Millisecond)
	p, err = h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range p.Items {
		switch item.ID {
		case "c1@s.whatsapp.net":
			if item.Unread != 0 {
				t.Errorf("manual read must override the upstream counter, got %d", item.Unread)
			}
		case "mine@s.whatsapp.net":
			// Last message from the owner: upstream's counter stands.
			if item.Unread != 1 {
				t.Errorf("own-message chat unread = %d, want 1", item.Unread)
			}
		}
	}

	// A strictly newer incoming message puts upstream back in charge.
	d.setChats([]session.ChatRecord{
		chatRecord("c1@s.whatsapp.net", false, 4, time.Now().Add(time.Minute), false),
	})
	if err := h.coord.Refresh("alpha"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	p, err = h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Items[0].Unread != 4 {
		t.Errorf("unread after newer message = %d, want 4", p.Items[0].Unread)
	}
}

func TestSendMessageInvalidatesCacheKeepsThrottle(t *testing.T) {
	h := newHarness(t, time.Hour, 10*time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})

	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}

	msgID, err := h.coord.SendMessage(context.Background(), "alpha", "+1 (555) 010-0200", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msgID == "" {
		t.Error("send must return the upstream message id")
	}
	sent := d.sentMessages()
	if len(sent) != 1 || sent[0].to != "15550100200@s.whatsapp.net" {
		t.Errorf("sent = %v, want the normalized JID", sent)
	}

	// Cache gone, throttle untouched: an immediate read is rejected
	// instead of triggering a fetch.
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestRefreshInvalidatesButHonorsThrottle(t *testing.T) {
	h := newHarness(t, time.Hour, 10*time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})

	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Refresh("alpha"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited right after refresh", err)
	}
	if got := d.calls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (refresh must not grant a free fetch)", got)
	}

	if err := h.coord.Refresh("ghost"); !errors.Is(err, session.ErrNotReady) {
		t.Errorf("refresh unknown session err = %v, want ErrNotReady", err)
	}
}

func TestReactiveDisconnectForcesCleanup(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	s, d := h.ready("alpha")
	d.setChatsErr(errors.New("failed to list chats: Session closed."))

	_, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if !errors.Is(err, session.ErrSessionDisconnected) {
		t.Fatalf("err = %v, want ErrSessionDisconnected", err)
	}
	if _, ok := h.reg.Get("alpha"); ok {
		t.Error("session must be removed from the registry")
	}
	eventually(t, time.Second, d.wasDestroyed)
	if h.hasState(s.UID) {
		t.Error("coordinator state must be forgotten")
	}
}

func TestProactiveAliveProbeForcesCleanup(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")
	d.setAlive(false)

	_, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if !errors.Is(err, session.ErrSessionDisconnected) {
		t.Fatalf("err = %v, want ErrSessionDisconnected", err)
	}
	if _, ok := h.reg.Get("alpha"); ok {
		t.Error("session must be removed from the registry")
	}
	if got := d.calls(); got != 0 {
		t.Errorf("upstream calls = %d, want 0 (probe fails before any fetch)", got)
	}
}

func TestRecreatedSessionStartsFresh(t *testing.T) {
	h := newHarness(t, time.Hour, 10*time.Second, time.Minute, time.Second)
	_, d1 := h.ready("alpha")
	d1.setChatsErr(errors.New("Session closed."))
	if _, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false); !errors.Is(err, session.ErrSessionDisconnected) {
		t.Fatal("expected disconnect cleanup")
	}

	// Same id, new instance: no inherited throttle, fetch runs at once.
	_, d2 := h.ready("alpha")
	if d2 == d1 {
		t.Fatal("expected a fresh driver for the recreated session")
	}
	d2.setChats([]session.ChatRecord{chatRecord("c1@s.whatsapp.net", false, 0, time.Now(), false)})
	p, err := h.coord.ListChats(context.Background(), "alpha", 0, 10, false)
	if err != nil {
		t.Fatalf("recreated session list failed: %v", err)
	}
	if p.Total != 1 {
		t.Errorf("total = %d, want 1", p.Total)
	}
	if got := d2.calls(); got != 1 {
		t.Errorf("new driver calls = %d, want 1", got)
	}
}

func TestProfilePicture(t *testing.T) {
	h := newHarness(t, time.Hour, time.Second, time.Minute, time.Second)
	_, d := h.ready("alpha")

	d.setPictureURL("https://pps.whatsapp.net/v/abc.jpg")
	url, err := h.coord.ProfilePicture(context.Background(), "alpha", "c1@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://pps.whatsapp.net/v/abc.jpg" {
		t.Errorf("url = %q", url)
	}

	d.setPictureURL("")
	url, err = h.coord.ProfilePicture(context.Background(), "alpha", "c1@s.whatsapp.net")
	if err != nil || url != "" {
		t.Errorf("got (%q, %v), want empty url and nil error", url, err)
	}
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511999990000", "5511999990000@s.whatsapp.net"},
		{"+1 (555) 010-0200", "15550100200@s.whatsapp.net"},
		{"00 49-160-555", "0049160555@s.whatsapp.net"},
		{"123@g.us", "123@g.us"},
		{"user@s.whatsapp.net", "user@s.whatsapp.net"},
	}
	for _, tt := range tests {
		if got := normalizeRecipient(tt.in); got != tt.want {
			t.Errorf("normalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
