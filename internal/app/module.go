// Package app composes the daemon: every component is an fx provider and
// the lifecycle hook wires startup and shutdown in dependency order.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pcoutinho/pigeon/internal/bus"
	"github.com/pcoutinho/pigeon/internal/config"
	"github.com/pcoutinho/pigeon/internal/directory"
	"github.com/pcoutinho/pigeon/internal/httpapi"
	"github.com/pcoutinho/pigeon/internal/identity"
	"github.com/pcoutinho/pigeon/internal/inbox"
	"github.com/pcoutinho/pigeon/internal/lock"
	"github.com/pcoutinho/pigeon/internal/logging"
	"github.com/pcoutinho/pigeon/internal/paths"
	"github.com/pcoutinho/pigeon/internal/realtime"
	"github.com/pcoutinho/pigeon/internal/store"
	"github.com/pcoutinho/pigeon/internal/unread"
)

// Params holds the resolved invocation settings passed to the fx module.
type Params struct {
	DataDir    string
	ListenAddr string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("pigeond",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideFeed,
			provideIdentity,
			provideDirectory,
			provideTracker,
			provideInbox,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := paths.EnsureDirs(p.DataDir); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath(p.DataDir))
	if err != nil {
		return nil, err
	}
	if p.ListenAddr != "" {
		cfg.ListenAddr = p.ListenAddr
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return logging.New(paths.LogPath(p.DataDir), level)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideFeed(b *bus.Bus) *realtime.Feed {
	return realtime.New(b)
}

func provideIdentity(db *store.DB, logger *zap.Logger) *identity.Provider {
	return identity.New(db, logger)
}

func provideDirectory(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *directory.Directory {
	return directory.New(db, feed, logger)
}

func provideTracker(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *unread.Tracker {
	return unread.New(db, feed, logger)
}

func provideInbox(db *store.DB, feed *realtime.Feed, logger *zap.Logger) *inbox.Aggregator {
	return inbox.New(db, feed, logger)
}

func provideServer(
	db *store.DB,
	idp *identity.Provider,
	dir *directory.Directory,
	tracker *unread.Tracker,
	agg *inbox.Aggregator,
	feed *realtime.Feed,
	cfg *config.Config,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(db, idp, dir, tracker, agg, feed, cfg, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *httpapi.Server,
	tracker *unread.Tracker,
	lk *lock.Lock,
	db *store.DB,
	cfg *config.Config,
	logger *zap.Logger,
) {
	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The tracker must be live before the first send, or unread
			// counters silently miss messages.
			tracker.Watch()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return err
			}
			logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			srv.Close()
			tracker.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
