package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor sweeps sessions that have been idle past the configured
// timeout. Each sweep destroys and removes the session; reconnecting is
// a fresh GetOrCreate away.
type Janitor struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

func NewJanitor(r *Registry, interval, maxIdle time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		registry: r,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger.Named("janitor"),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(j.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Janitor) sweep() {
	now := time.Now()
	for _, s := range j.registry.snapshot() {
		idle := now.Sub(s.LastActivity())
		if idle < j.maxIdle {
			continue
		}
		j.logger.Info("sweeping idle session",
			zap.String("session", s.ID),
			zap.Duration("idle", idle))
		j.registry.ForceCleanup(s.ID, s.UID)
	}
}
