// Package daemon wires chatd's components with fx and runs their lifecycle.
package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatd/internal/api"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/gateway"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/notify"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/paths"
	"github.com/matheus3301/chatd/internal/queue"
	"github.com/matheus3301/chatd/internal/status"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the command-line overrides passed to the fx module.
type Params struct {
	DataDir    string
	ConfigPath string // empty = <data-dir>/config.toml
	SocketPath string // optional override for testing; empty = <data-dir>/chatd.sock
	HTTPAddr   string // optional override of http.addr
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueue,
			provideGateway,
			provideMonitor,
			providePool,
			provideReconciler,
			provideNotifier,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (paths.Layout, error) {
	layout := paths.New(p.DataDir)
	return layout, layout.EnsureDirs()
}

func provideConfig(p Params, layout paths.Layout) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = layout.ConfigPath()
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := paths.ValidateInstance(cfg.Instance); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func provideLogger(lc fx.Lifecycle, cfg *config.Config, layout paths.Layout) (*zap.Logger, error) {
	logger, closer, err := logging.New(logging.Options{
		Dir:           layout.LogDir(),
		Instance:      cfg.Instance,
		Level:         cfg.Log.Level,
		RotationHours: cfg.Log.RotationHours,
		MaxAgeDays:    cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		_ = logger.Sync()
		return closer.Close()
	}))
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(layout paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", layout.Root))
	l, err := lock.Acquire(layout.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened unlocked.
func provideStore(layout paths.Layout, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := layout.DBPath()
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

func provideQueue(db *store.DB, cfg *config.Config) *queue.Queue {
	return queue.New(db, queue.WithLeaseTimeout(cfg.Dispatch.LeaseTimeout.Duration))
}

func provideGateway(cfg *config.Config) (*gateway.Client, error) {
	return gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Session: cfg.Gateway.Session,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout.Duration,
	})
}

func provideMonitor(gw *gateway.Client, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *gateway.Monitor {
	return gateway.NewMonitor(gw, machine, b, logger.Named("gateway"), cfg.Gateway.StatusInterval.Duration)
}

func providePool(cfg *config.Config, db *store.DB, q *queue.Queue, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) (*outbox.Pool, error) {
	policy := outbox.Policy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay.Duration,
		MaxDelay:    cfg.Dispatch.MaxDelay.Duration,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	workers := outbox.Workers(cfg.Dispatch.Workers, cfg.Instance, func(id string) *outbox.Worker {
		return outbox.NewWorker(id, db, q, gw, policy, cfg.Dispatch.SendTimeout.Duration, b, logger.Named("outbox"))
	})
	return outbox.NewPool(workers, cfg.Dispatch.PollInterval.Duration, logger.Named("outbox")), nil
}

func provideReconciler(cfg *config.Config, db *store.DB, q *queue.Queue, pool *outbox.Pool, b *bus.Bus, logger *zap.Logger) *outbox.Reconciler {
	return outbox.NewReconciler(db, q, outbox.ReconcilerConfig{
		Interval:  cfg.Reconcile.Interval.Duration,
		Grace:     cfg.Reconcile.Grace.Duration,
		Retention: cfg.Reconcile.Retention.Duration,
	}, pool.Notify, b, logger.Named("reconciler"))
}

// provideNotifier returns nil when no Redis URL is configured.
func provideNotifier(lc fx.Lifecycle, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*notify.Notifier, error) {
	if cfg.Redis.URL == "" {
		logger.Info("redis notifications disabled")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := notify.DialRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(pub.Close))
	logger.Info("redis notifications enabled", zap.String("channel", cfg.Redis.Channel))
	return notify.New(pub, cfg.Redis.Channel, b, logger.Named("notify")), nil
}

func provideChatService(db *store.DB, q *queue.Queue, b *bus.Bus, pool *outbox.Pool, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(db, q, b, pool.Notify, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Monitor    *gateway.Monitor
	Pool       *outbox.Pool
	Reconciler *outbox.Reconciler
	Notifier   *notify.Notifier
	Machine    *status.Machine
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			if p.Notifier != nil {
				p.Notifier.Start(ctx)
			}
			p.Server.Start()
			p.Pool.Start(ctx)
			p.Reconciler.Start(ctx)
			// The first gateway check moves the daemon out of BOOTING.
			p.Monitor.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Machine.Transition(status.Stopping); err != nil {
				p.Logger.Warn("status transition rejected", zap.Error(err))
			}
			p.Server.Stop(ctx)
			p.Monitor.Stop()
			p.Reconciler.Stop()
			if err := p.Pool.Stop(); err != nil {
				p.Logger.Warn("worker pool stopped with error", zap.Error(err))
			}
			if p.Notifier != nil {
				p.Notifier.Stop()
			}
			if err := p.DB.Close(); err != nil {
				p.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			return nil
		},
	})
}
