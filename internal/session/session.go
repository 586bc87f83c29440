package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/qr"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// Session binds a client-supplied id to one upstream connection attempt.
// UID is fresh per construction; downstream caches key their state by it,
// so a recreated session can never observe a predecessor's state.
type Session struct {
	ID  string
	UID string

	driver  Driver
	machine *status.Machine
	bus     *bus.Bus
	log     *zap.Logger

	// onTerminal is invoked once when the driver reports a terminal
	// event; set by the registry before the event loop starts.
	onTerminal func()

	mu           sync.Mutex
	qrDataURI    string
	guard        *time.Timer
	createdAt    time.Time
	lastActivity time.Time
}

// Summary is an immutable status snapshot.
type Summary struct {
	ID           string
	UID          string
	Status       status.State
	QR           string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Created is the payload of session.created bus events.
type Created struct {
	UID string
}

// Removed is the payload of session.removed bus events. Cache sweepers
// use the UID to drop per-instance state.
type Removed struct {
	UID string
}

func newSession(id string, d Driver, b *bus.Bus, log *zap.Logger, guardTimeout time.Duration) *Session {
	now := time.Now()
	s := &Session{
		ID:           id,
		UID:          uuid.New().String(),
		driver:       d,
		machine:      status.NewMachine(id, b),
		bus:          b,
		log:          log.With(zap.String("session", id)),
		createdAt:    now,
		lastActivity: now,
	}
	// Sessions stuck in CONNECTING surface the QR gate after the guard
	// window so clients start polling for a code instead of spinning.
	s.guard = time.AfterFunc(guardTimeout, func() {
		if s.machine.Is(status.Connecting) {
			_ = s.machine.Transition(status.QRRequired)
		}
	})
	return s
}

// run consumes driver events and drives the state machine. One goroutine
// per session; exits when the driver closes its event channel or reports
// a terminal event.
func (s *Session) run() {
	for ev := range s.driver.Events() {
		switch e := ev.(type) {
		case EventQR:
			s.storeQR(e.Payload)
		case EventAuthenticated:
			s.apply(status.Authenticating)
		case EventReady:
			s.apply(status.Ready)
		case EventAuthFailed:
			s.log.Warn("authentication failed", zap.Error(e.Err))
			s.apply(status.Disconnected)
			s.onTerminal()
			return
		case EventDisconnected:
			s.log.Info("upstream disconnected", zap.String("reason", e.Reason))
			s.apply(status.Disconnected)
			s.onTerminal()
			return
		}
	}
}

// apply performs a machine transition, clearing the QR payload and the
// guard timer on success. Illegal transitions (late events) are dropped.
func (s *Session) apply(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.log.Debug("dropped transition", zap.String("to", string(to)), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.qrDataURI = ""
	s.stopGuardLocked()
	s.mu.Unlock()
}

func (s *Session) storeQR(payload string) {
	if !s.machine.Is(status.QRRequired) {
		if err := s.machine.Transition(status.QRRequired); err != nil {
			// QR that arrives after authentication progressed is stale.
			return
		}
	}
	uri, err := qr.DataURI(payload)
	if err != nil {
		s.log.Warn("encode qr", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.qrDataURI = uri
	s.stopGuardLocked()
	s.mu.Unlock()
	s.bus.Emit(bus.KindSessionQR, s.ID, uri)
}

func (s *Session) stopGuardLocked() {
	if s.guard != nil {
		s.guard.Stop()
		s.guard = nil
	}
}

// markDisconnected drives the machine to its terminal state outside the
// event loop (forced cleanup, graceful removal, daemon shutdown).
func (s *Session) markDisconnected() {
	if !s.machine.Is(status.Disconnected) {
		s.apply(status.Disconnected)
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() status.State {
	return s.machine.Current()
}

// QR returns the pairing code as a PNG data URI. Empty unless the
// session is in QR_REQUIRED and a code has arrived.
func (s *Session) QR() string {
	if !s.machine.Is(status.QRRequired) {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrDataURI
}

// Driver exposes the upstream connection to the cache and fetch layers.
func (s *Session) Driver() Driver {
	return s.driver
}

// Touch marks the session as recently used, deferring the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent use.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Summary snapshots the session for list and status endpoints.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	created, active := s.createdAt, s.lastActivity
	s.mu.Unlock()
	return Summary{
		ID:           s.ID,
		UID:          s.UID,
		Status:       s.machine.Current(),
		QR:           s.QR(),
		CreatedAt:    created,
		LastActivity: active,
	}
}
