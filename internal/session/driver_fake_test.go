package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeDriver is a controllable Driver for lifecycle tests. Events are
// pushed through emit; Destroy closes the stream like the real adapter.
type fakeDriver struct {
	events chan DriverEvent

	mu        sync.Mutex
	alive     bool
	destroyed bool
	initErr   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan DriverEvent, 8), alive: true}
}

func (d *fakeDriver) emit(ev DriverEvent) { d.events <- ev }

func (d *fakeDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initErr
}

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

func (d *fakeDriver) wasDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDriver) Chats(ctx context.Context) ([]ChatRecord, error) { return nil, nil }

func (d *fakeDriver) Messages(ctx context.Context, chatID string, limit int) ([]MessageRecord, error) {
	return nil, nil
}

func (d *fakeDriver) ContactByID(ctx context.Context, id string) (Contact, error) {
	return Contact{}, nil
}

func (d *fakeDriver) SendMessage(ctx context.Context, to, body string) (string, error) {
	return "fake-msg-id", nil
}

func (d *fakeDriver) MarkRead(ctx context.Context, chatID string) error { return nil }

func (d *fakeDriver) DownloadMedia(ctx context.Context, chatID, msgID string) ([]byte, string, error) {
	return nil, "", nil
}

func (d *fakeDriver) ProfilePictureURL(ctx context.Context, chatID string) (string, error) {
	return "", nil
}

func (d *fakeDriver) Identity() Identity { return Identity{JID: "fake@s.whatsapp.net"} }

func (d *fakeDriver) Events() <-chan DriverEvent { return d.events }

// eventually polls cond until it holds or the timeout expires.
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
