package chats

import (
	"time"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/status"
)

// DebugState exposes throttle and cache internals for diagnostics.
type DebugState struct {
	SessionID     string
	UID           string
	Status        status.State
	Identity      session.Identity
	LastAttempt   time.Time
	Interval      time.Duration
	Partitions    map[string]PartitionInfo
	LastSeenCount int
}

// PartitionInfo describes one cached partition.
type PartitionInfo struct {
	Count     int
	FetchedAt time.Time
	Age       time.Duration
	Fresh     bool
}

// DebugState reports throttle and cache state for a session. The
// session only has to exist; any lifecycle state is inspectable.
func (c *Coordinator) DebugState(sessionID string) (*DebugState, error) {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, session.ErrNotReady
	}
	st := c.stateFor(s.UID)

	st.mu.Lock()
	defer st.mu.Unlock()
	out := &DebugState{
		SessionID:     s.ID,
		UID:           s.UID,
		Status:        s.Status(),
		Identity:      s.Driver().Identity(),
		LastAttempt:   st.lastAttempt,
		Interval:      st.interval,
		Partitions:    make(map[string]PartitionInfo, len(st.entries)),
		LastSeenCount: len(st.lastSeen),
	}
	now := time.Now()
	for archived, e := range st.entries {
		key := "active"
		if archived {
			key = "archived"
		}
		age := now.Sub(e.fetchedAt)
		out.Partitions[key] = PartitionInfo{
			Count:     len(e.records),
			FetchedAt: e.fetchedAt,
			Age:       age,
			Fresh:     age < c.freshness,
		}
	}
	return out, nil
}
