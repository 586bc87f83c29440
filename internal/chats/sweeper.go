package chats

import (
	"context"

	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
)

// Sweeper garbage-collects coordinator state for removed session
// instances. The coordinator already forgets synchronously on its own
// cleanup path; the sweeper covers removals it never saw (janitor,
// explicit disconnect, terminal driver events).
type Sweeper struct {
	coordinator *Coordinator
	bus         *bus.Bus
	logger      *zap.Logger
	cancel      context.CancelFunc
}

func NewSweeper(c *Coordinator, b *bus.Bus, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		coordinator: c,
		bus:         b,
		logger:      logger.Named("chat-sweeper"),
	}
}

// Start subscribes to session removals on the bus.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe(bus.KindSessionRemoved, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				removed, ok := evt.Payload.(session.Removed)
				if !ok {
					continue
				}
				s.coordinator.Forget(removed.UID)
				s.logger.Debug("dropped cache state",
					zap.String("session", evt.SessionID),
					zap.String("uid", removed.UID))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}
