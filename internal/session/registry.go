package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// Registry owns every live session. At most one driver exists per id:
// concurrent GetOrCreate calls for the same id share a single
// construction attempt.
type Registry struct {
	factory      Factory
	bus          *bus.Bus
	log          *zap.Logger
	guardTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	inflight map[string]*creation
}

// creation tracks one in-flight construction; waiters block on done and
// share the outcome.
type creation struct {
	done chan struct{}
	s    *Session
	err  error
}

func NewRegistry(factory Factory, b *bus.Bus, log *zap.Logger, guardTimeout time.Duration) *Registry {
	return &Registry{
		factory:      factory,
		bus:          b,
		log:          log.Named("registry"),
		guardTimeout: guardTimeout,
		sessions:     make(map[string]*Session),
		inflight:     make(map[string]*creation),
	}
}

// GetOrCreate returns the live session for id, constructing it when
// absent. Construction failure is terminal: the attempt's state machine
// is driven to DISCONNECTED and nothing is retained, so a later call
// starts over.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		s.Touch()
		return s, nil
	}
	if c, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			if c.err != nil {
				return nil, c.err
			}
			return c.s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	r.inflight[id] = c
	r.mu.Unlock()

	c.s, c.err = r.construct(ctx, id)

	r.mu.Lock()
	delete(r.inflight, id)
	if c.err == nil {
		r.sessions[id] = c.s
	}
	r.mu.Unlock()
	close(c.done)

	if c.err != nil {
		return nil, c.err
	}
	r.start(c.s)
	return c.s, nil
}

func (r *Registry) construct(ctx context.Context, id string) (*Session, error) {
	d, err := r.factory(ctx, id)
	if err != nil {
		// Observers of the status stream see the attempt die.
		m := status.NewMachine(id, r.bus)
		_ = m.Transition(status.Disconnected)
		return nil, fmt.Errorf("construct driver for %q: %w", id, err)
	}
	s := newSession(id, d, r.bus, r.log, r.guardTimeout)
	s.onTerminal = func() { r.removeInstance(id, s.UID) }
	return s, nil
}

// start publishes the creation and launches the event loop plus the
// driver initialization, both detached from the creating request.
func (r *Registry) start(s *Session) {
	r.bus.Emit(bus.KindSessionCreated, s.ID, Created{UID: s.UID})
	go s.run()
	go func() {
		if err := s.driver.Initialize(context.Background()); err != nil {
			s.log.Error("initialize driver", zap.Error(err))
			s.markDisconnected()
			r.removeInstance(s.ID, s.UID)
		}
	}()
}

// Get returns the live session for id and marks it active.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// ListAll snapshots every live session, ordered by id.
func (r *Registry) ListAll() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove tears down a session and drops it from the registry. Returns
// false when the id is unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.markDisconnected()
	if err := s.driver.Destroy(); err != nil {
		r.log.Warn("destroy driver", zap.String("session", id), zap.Error(err))
	}
	r.bus.Emit(bus.KindSessionRemoved, id, Removed{UID: s.UID})
	return true
}

// ForceCleanup drops a session whose underlying connection turned out to
// be unusable. Destroy runs in the background and is not awaited. The
// uid guard keeps a stale caller from tearing down a session that was
// already recreated under the same id.
func (r *Registry) ForceCleanup(id, uid string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.UID != uid {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.markDisconnected()
	go func() {
		if err := s.driver.Destroy(); err != nil {
			r.log.Debug("destroy after force cleanup", zap.String("session", id), zap.Error(err))
		}
	}()
	r.bus.Emit(bus.KindSessionRemoved, id, Removed{UID: uid})
}

// removeInstance is the event loop's removal path. It only acts when the
// registered instance is still the one that reported the terminal event.
func (r *Registry) removeInstance(id, uid string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.UID != uid {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()
	r.bus.Emit(bus.KindSessionRemoved, id, Removed{UID: uid})
}

// Shutdown destroys every session. Called when the daemon stops.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.markDisconnected()
		if err := s.driver.Destroy(); err != nil {
			r.log.Warn("destroy driver on shutdown", zap.String("session", s.ID), zap.Error(err))
		}
	}
}

// snapshot hands the janitor the live sessions without copying summaries.
func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
