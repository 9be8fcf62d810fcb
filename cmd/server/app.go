package main

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fuomag9/pulsebox/internal/config"
	"github.com/fuomag9/pulsebox/internal/database"
	"github.com/fuomag9/pulsebox/internal/jobs"
	"github.com/fuomag9/pulsebox/internal/providers"
	"github.com/fuomag9/pulsebox/internal/replay"
	"github.com/fuomag9/pulsebox/internal/secrets"
	"github.com/fuomag9/pulsebox/internal/store"
	"github.com/fuomag9/pulsebox/internal/subscriptions"
	"github.com/fuomag9/pulsebox/internal/tasks"
)

// app holds the components shared by every command
type app struct {
	cfg           *config.Config
	logger        *zap.Logger
	db            *gorm.DB
	tokens        store.TokenStore
	notifications store.NotificationStore
	cipher        secrets.Cipher
	registry      *providers.Registry
	subscriptions *subscriptions.Service

	closers []func() error
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.Database.Type {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		a.tokens = store.NewMemoryTokenStore()
		a.notifications = store.NewMemoryNotificationStore()
	default:
		db, err := database.Connect(cfg.Database, cfg.IsDevelopment())
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)
		a.db = db
		a.tokens = store.NewGormTokenStore(db)
		a.notifications = store.NewGormNotificationStore(db)
	}

	cipher, err := secrets.New(cfg.CredentialKey)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}
	if _, ok := cipher.(secrets.Passthrough); ok {
		logger.Info("CREDENTIAL_KEY not set; credentials rely on storage encryption at rest")
	}
	a.cipher = cipher

	a.registry = providers.NewDefaultRegistry(cfg, logger)
	a.subscriptions = subscriptions.NewService(a.registry, a.tokens, a.cipher, logger)
	return a, nil
}

// migrate applies pending migrations; memory storage has none
func (a *app) migrate() error {
	if a.db == nil {
		return nil
	}
	return database.RunMigrations(a.db)
}

// queue returns the subscribe task queue: asynq when Redis is configured,
// otherwise tasks run in-process.
func (a *app) queue() (tasks.Queue, error) {
	if a.cfg.RedisURL == "" {
		q := tasks.NewInlineQueue(a.subscriptions, a.logger)
		a.closers = append(a.closers, func() error {
			q.Wait()
			return nil
		})
		return q, nil
	}

	q, err := tasks.NewAsynqQueue(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

// replayGuard shares webhook replay state through Redis when configured
func (a *app) replayGuard() (replay.Guard, error) {
	if a.cfg.RedisURL == "" {
		return replay.NewMemoryGuard(replay.DefaultTTL), nil
	}

	client, err := replay.NewRedisClient(a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return replay.NewRedisGuard(client, replay.DefaultTTL), nil
}

func (a *app) refresher() *jobs.Refresher {
	return jobs.NewRefresher(a.registry, a.tokens, a.cipher, a.cfg.Refresh, a.cfg.WorkerConcurrency, a.logger)
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
