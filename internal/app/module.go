// Package app wires the conversation engine for a profile.
package app

import (
	"context"
	"time"

	"github.com/matheus3301/msglist/internal/bus"
	"github.com/matheus3301/msglist/internal/config"
	"github.com/matheus3301/msglist/internal/confidential"
	"github.com/matheus3301/msglist/internal/contacts"
	"github.com/matheus3301/msglist/internal/conversation"
	"github.com/matheus3301/msglist/internal/ingest"
	"github.com/matheus3301/msglist/internal/lock"
	"github.com/matheus3301/msglist/internal/logging"
	"github.com/matheus3301/msglist/internal/metrics"
	"github.com/matheus3301/msglist/internal/outbox"
	"github.com/matheus3301/msglist/internal/profile"
	"github.com/matheus3301/msglist/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// Program names the log file.
	Program string
	Config  *config.Config
	// Quiet drops the stderr log core, for programs that own the terminal.
	Quiet bool
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	if p.Program == "" {
		p.Program = "msglist"
	}
	return fx.Module("msglist",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMetrics,
			provideContacts,
			provideDispatcher,
			provideTransport,
			provideSender,
			provideTracker,
			provideEngine,
			provideWatcher,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    profile.LogPath(p.Profile, p.Program),
		Profile: p.Profile,
		Level:   p.Config.Log.Level,
		Stderr:  p.Config.Log.Stderr && !p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the database only once the profile lock is held.
func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := p.Config.Storage.DBPath
	if dbPath == "" {
		dbPath = profile.DBPath(p.Profile)
	}
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

// gauges lets the metrics registry read the tracker that is built after it.
type gauges struct {
	tracker *confidential.Tracker
}

func provideMetrics(b *bus.Bus) (*metrics.Metrics, *gauges) {
	g := &gauges{}
	m := metrics.New(
		func() float64 {
			if g.tracker == nil {
				return 0
			}
			return float64(g.tracker.PendingDeletions())
		},
		func() float64 { return float64(b.Dropped()) },
	)
	return m, g
}

func provideContacts(db *store.DB, logger *zap.Logger) *contacts.Cache {
	return contacts.New(db, logger)
}

func provideDispatcher(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(db, b, logger)
}

func provideTransport(logger *zap.Logger) outbox.Transport {
	return outbox.LogTransport{Logger: logger.Named("transport")}
}

func provideSender(p Params, db *store.DB, t outbox.Transport, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, t, b, m, logger, p.Config.Engine.OutboxInterval.Duration)
}

func provideTracker(p Params, db *store.DB, d *outbox.Dispatcher, b *bus.Bus, m *metrics.Metrics, g *gauges, logger *zap.Logger) *confidential.Tracker {
	t := confidential.New(db, d, confidential.Options{
		Debounce:    p.Config.Engine.RevealDebounce.Duration,
		BaseContext: context.Background(),
		Bus:         b,
		Metrics:     m,
		Logger:      logger,
	})
	g.tracker = t
	return t
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, logger)
}

func provideWatcher(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *ingest.Watcher {
	return ingest.NewWatcher(db, b, logger, p.Config.Engine.PollInterval.Duration)
}

func provideManager(p Params, db *store.DB, b *bus.Bus, t *confidential.Tracker, c *contacts.Cache, m *metrics.Metrics, logger *zap.Logger) *conversation.Manager {
	return conversation.NewManager(db, b, t, c, m, logger, conversation.Options{
		SelfID:    p.Config.SelfID,
		PageSize:  p.Config.Engine.PageSize,
		MaxWindow: p.Config.Engine.MaxWindow,
		Location:  p.Config.Location(),
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, db *store.DB, lk *lock.Lock, tracker *confidential.Tracker,
	engine *ingest.Engine, watcher *ingest.Watcher, sender *outbox.Sender, m *metrics.Metrics, logger *zap.Logger) {
	bg, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Receipted messages a previous run did not delete yet.
			n, err := tracker.Recover(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("recovered pending deletions", zap.Int("count", n))
				tracker.FlushAsync()
			}

			engine.Start(bg)
			if err := watcher.Start(bg); err != nil {
				return err
			}
			sender.Start(bg)

			go func() {
				if err := m.Serve(bg, p.Config.Metrics.Listen, logger); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			watcher.Stop()
			engine.Stop()
			cancel()

			if n, err := tracker.Flush(ctx); err != nil {
				logger.Error("final flush failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("final flush", zap.Int("deleted", n))
			}
			tracker.Wait()

			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("stopped", zap.Duration("uptime", lk.HeldFor().Round(time.Second)))
			_ = logger.Sync()
			return nil
		},
	})
}
