package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"plyr/internal/cache"
	"plyr/internal/config"
	"plyr/internal/database"
	"plyr/internal/logging"
	"plyr/internal/notify"
	"plyr/internal/postgres"
	"plyr/internal/queue"
	"plyr/internal/server"
	"plyr/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer closer.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(runCtx, cfg, *ctx.configPath, logger)
		},
	}
}

// runServer wires the store, notifier, cache and HTTP server and serves until
// ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	backend, err := openBackend(ctx, cfg, pool, logger)
	if err != nil {
		return fmt.Errorf("open notifier: %w", err)
	}

	hub := notify.NewHub(logger)
	queueCache := cache.NewQueueCache(cfg.CacheTTL())
	defer queueCache.Stop()

	var publisher notify.Publisher = hub
	if backend != nil {
		defer backend.Close()
		publisher = backend
	}

	svc := queue.NewService(store, queue.Options{
		Cache:     queueCache,
		Publisher: publisher,
		MaxTracks: cfg.Sync.MaxTracks,
		Logger:    logger,
	})

	if backend != nil {
		// Every instance, this one included, learns about writes from the
		// backend: local websocket followers are fed from here.
		go func() {
			err := backend.Listen(ctx, func(ev models.ChangeEvent) {
				svc.HandleChange(ev)
				hub.Publish(ctx, ev)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Change listener stopped")
			}
		}()
	}

	return server.NewQueueServer(cfg, configPath, svc, hub, logger).Start(ctx)
}

// openStore opens the canonical store named by the database driver. The pool
// is returned for postgres so the notifier can share it.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (queue.Store, *pgxpool.Pool, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using the in-memory store; queues are lost on restart")
		return queue.NewMemoryStore(), nil, nil
	case "sqlite":
		db, err := database.NewDatabase(cfg.Database.Path, cfg.Database.MaxConnections, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	case "postgres":
		store, pool, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// openBackend opens the cross-instance notifier, or returns nil when events
// stay within this process.
func openBackend(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger logrus.FieldLogger) (notify.Backend, error) {
	switch cfg.Notify.Driver {
	case "", "none":
		return nil, nil
	case "redis":
		return notify.NewRedisBackend(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, logger)
	case "postgres":
		if pool != nil {
			return postgres.NewNotifier(pool, cfg.Database.URL, cfg.Notify.Channel, logger), nil
		}
		own, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect notifier pool: %w", err)
		}
		return &ownedPoolNotifier{
			Notifier: postgres.NewNotifier(own, cfg.Database.URL, cfg.Notify.Channel, logger),
			pool:     own,
		}, nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
}

// ownedPoolNotifier closes the pool it publishes through when the store is not
// postgres-backed.
type ownedPoolNotifier struct {
	*postgres.Notifier
	pool *pgxpool.Pool
}

func (n *ownedPoolNotifier) Close() error {
	err := n.Notifier.Close()
	n.pool.Close()
	return err
}
