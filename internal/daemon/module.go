// Package daemon composes the gateway: configuration, logging, the
// single-instance lock, the mirror store, the session registry with its
// whatsmeow driver, the chat and message services, the ingestion engine
// and the HTTP surface, wired together as an fx application.
package daemon

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/api"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/bus"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/chats"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/config"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/lock"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/logging"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/messages"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/store"
	intsync "github.com/gruberdev/whatsapp-message-scheduler/internal/sync"
	"github.com/gruberdev/whatsapp-message-scheduler/internal/wa"
)

// Params carries command-line overrides into the fx module. Empty
// fields defer to the config file and environment.
type Params struct {
	ConfigPath string
	ListenAddr string
	DataDir    string
	LogLevel   string
}

// Module returns the fx option composing all daemon providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideBus,
			provideStore,
			provideReconciler,
			provideEngine,
			provideRegistry,
			provideCoordinator,
			provideFetcher,
			provideSweeper,
			provideJanitor,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	if p.DataDir != "" {
		cfg.DataDir = p.DataDir
		cfg.LogFile = filepath.Join(p.DataDir, "wamsd.log")
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogFile, cfg.LogLevel)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir locked", zap.String("dir", cfg.DataDir))
	return l, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	path := filepath.Join(cfg.DataDir, "wams.db")
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	schema, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if schema.Applied {
		logger.Info("migrations applied", zap.Uint("version", schema.Version))
	}
	logger.Info("mirror store ready", zap.String("path", path))
	return db, nil
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideEngine(db *store.DB, b *bus.Bus, recon *intsync.Reconciler, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, recon, logger)
}

func provideRegistry(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *session.Registry {
	factory := wa.NewFactory(cfg, db, b, logger)
	return session.NewRegistry(factory, b, logger, cfg.GuardTimeout.Duration)
}

func provideCoordinator(r *session.Registry, cfg *config.Config, logger *zap.Logger) *chats.Coordinator {
	return chats.NewCoordinator(r, cfg, logger)
}

func provideFetcher(r *session.Registry, cfg *config.Config, logger *zap.Logger) *messages.Fetcher {
	return messages.NewFetcher(r, cfg, logger)
}

func provideSweeper(c *chats.Coordinator, b *bus.Bus, logger *zap.Logger) *chats.Sweeper {
	return chats.NewSweeper(c, b, logger)
}

func provideJanitor(r *session.Registry, cfg *config.Config, logger *zap.Logger) *session.Janitor {
	return session.NewJanitor(r, cfg.SweepInterval.Duration, cfg.IdleTimeout.Duration, logger)
}

func provideAPI(r *session.Registry, c *chats.Coordinator, f *messages.Fetcher, db *store.DB, recon *intsync.Reconciler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Server {
	return api.NewServer(r, c, f, db, recon, b, cfg, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, registry *session.Registry, engine *intsync.Engine, sweeper *chats.Sweeper, janitor *session.Janitor, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sweeper.Start(context.Background())
			janitor.Start(context.Background())
			return srv.Start()
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			janitor.Stop()
			sweeper.Stop()
			engine.Stop()
			registry.Shutdown()
			if err := db.Close(); err != nil {
				logger.Warn("close store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("release lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
