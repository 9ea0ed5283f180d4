// Package daemon composes the mirror daemon out of its parts and owns
// their lifecycle.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tgmirror/tgmirror/internal/bus"
	"github.com/tgmirror/tgmirror/internal/config"
	"github.com/tgmirror/tgmirror/internal/dialogs"
	"github.com/tgmirror/tgmirror/internal/downloads"
	"github.com/tgmirror/tgmirror/internal/lock"
	"github.com/tgmirror/tgmirror/internal/logging"
	"github.com/tgmirror/tgmirror/internal/profile"
	"github.com/tgmirror/tgmirror/internal/remote"
	"github.com/tgmirror/tgmirror/internal/status"
	"github.com/tgmirror/tgmirror/internal/store"
	"github.com/tgmirror/tgmirror/internal/telegram"
	"github.com/tgmirror/tgmirror/internal/updates"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCoalescer,
			provideClient,
			provideQueue,
			provideNormalizer,
			providePrefetcher,
			providePaginator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("instance", l.InstanceID))
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.StoreDBPath(p.ProfileName)
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
	db.AttachBus(b)
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCoalescer(cfg *config.Config, logger *zap.Logger) *remote.Coalescer {
	return remote.NewCoalescer(cfg.Sync.PeerThrottle(), logger)
}

func provideClient(p Params, cfg *config.Config, logger *zap.Logger) (*telegram.Client, error) {
	return telegram.New(telegram.Options{
		APIID:       cfg.Telegram.APIID,
		APIHash:     cfg.Telegram.APIHash,
		SessionPath: profile.SessionPath(p.ProfileName),
		Logger:      logger,
	})
}

func provideQueue(db *store.DB, client *telegram.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *downloads.Queue {
	return downloads.NewQueue(db, client, cfg.Downloads.Concurrency, cfg.Downloads.PersistMedia, b, logger)
}

func provideNormalizer(db *store.DB, queue *downloads.Queue, cfg *config.Config, logger *zap.Logger) *updates.Normalizer {
	return updates.New(db, queue, cfg.Downloads.Auto, logger)
}

func providePrefetcher(db *store.DB, client *telegram.Client, co *remote.Coalescer, cfg *config.Config, logger *zap.Logger) *dialogs.Prefetcher {
	return dialogs.NewPrefetcher(db, client, co, cfg.Sync, logger)
}

func providePaginator(db *store.DB, client *telegram.Client, co *remote.Coalescer, pf *dialogs.Prefetcher, cfg *config.Config, logger *zap.Logger) *dialogs.Paginator {
	return dialogs.NewPaginator(db, client, co, pf, cfg.Sync, logger)
}

// degradedAfter is the failed connection attempt count at which the
// daemon reports DEGRADED while it keeps retrying.
const degradedAfter = 3

// reconnectDelay is the initial backoff between connection attempts; it
// doubles per failure up to reconnectDelayMax.
const (
	reconnectDelay    = 2 * time.Second
	reconnectDelayMax = 30 * time.Second
)

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, client *telegram.Client, queue *downloads.Queue, normalizer *updates.Normalizer, paginator *dialogs.Paginator, prefetcher *dialogs.Prefetcher, machine *status.Machine, db *store.DB, logger *zap.Logger) {
	lifeCtx, stopLife := context.WithCancel(context.Background())

	// connectLoop drives CONNECTING → SYNCING → READY, retrying with
	// backoff through RECONNECTING (and DEGRADED after repeated
	// failures) until it succeeds, hits AUTH_REQUIRED, or the daemon
	// shuts down. Used both at boot and after a dropped connection.
	connectLoop := func() {
		delay := reconnectDelay
		for attempt := 1; ; attempt++ {
			if lifeCtx.Err() != nil || !machine.CanTransition(status.Connecting) {
				return
			}
			_ = machine.Transition(status.Connecting)

			err := client.Connect(lifeCtx)
			if err == nil {
				paginator.Reset()
				_ = machine.Transition(status.Syncing)
				if err := paginator.LoadPage(lifeCtx, true); err != nil {
					logger.Warn("initial dialog page failed", zap.Error(err))
				}
				prefetcher.MissingPreviews(lifeCtx)
				_ = machine.Transition(status.Ready)
				return
			}
			if errors.Is(err, remote.ErrAuthRequired) {
				logger.Info("no authorized session, waiting for login")
				_ = machine.Transition(status.AuthRequired)
				return
			}

			logger.Warn("connect failed", zap.Int("attempt", attempt), zap.Error(err))
			_ = machine.Transition(status.Reconnecting)
			if attempt >= degradedAfter {
				_ = machine.Transition(status.Degraded)
			}

			select {
			case <-time.After(delay):
			case <-lifeCtx.Done():
				return
			}
			if delay < reconnectDelayMax {
				delay *= 2
			}
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			queue.Start(context.Background())

			client.SetOnUpdate(func(ctx context.Context, u tg.UpdatesClass) {
				normalizer.Apply(ctx, u)
			})
			client.SetOnDisconnect(func(err error) {
				logger.Warn("connection dropped",
					zap.Duration("uptime", time.Since(machine.Since())),
					zap.Error(err))
				if !machine.CanTransition(status.Reconnecting) {
					return
				}
				_ = machine.Transition(status.Reconnecting)
				go connectLoop()
			})

			// Connect in the background so boot does not block on the
			// network; state transitions track progress on the bus.
			go connectLoop()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopLife()
			queue.Stop()
			if err := client.Disconnect(ctx); err != nil {
				logger.Warn("error disconnecting", zap.Error(err))
			}
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
