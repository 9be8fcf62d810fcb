package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/store"
)

// Scheduler manages background jobs
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewScheduler creates a new job scheduler. Overlapping runs of the same job
// are skipped and panics are recovered.
func NewScheduler(logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers fn under spec
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		fn(s.ctx)
		s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("job registered", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started")
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")
}

// RegisterRefresh runs the refresh sweep on schedule
func (s *Scheduler) RegisterRefresh(spec string, r *Refresher) error {
	return s.Add("refresh-tokens", spec, func(ctx context.Context) {
		if _, err := r.RunSweep(ctx); err != nil {
			s.logger.Error("refresh sweep failed", zap.Error(err))
		}
	})
}

// RegisterCleanup deletes read notifications older than retention on schedule
func (s *Scheduler) RegisterCleanup(spec string, notifications store.NotificationStore, retention time.Duration) error {
	return s.Add("cleanup-notifications", spec, func(ctx context.Context) {
		deleted, err := CleanupNotifications(ctx, notifications, retention)
		if err != nil {
			s.logger.Error("notification cleanup failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.logger.Info("cleaned up read notifications", zap.Int64("deleted", deleted))
		}
	})
}

// RegisterRenewal queues renewals of expiring provider subscriptions on schedule.
// renew returns the number of renewals queued.
func (s *Scheduler) RegisterRenewal(spec string, renew func(ctx context.Context) (int, error)) error {
	return s.Add("renew-subscriptions", spec, func(ctx context.Context) {
		n, err := renew(ctx)
		if err != nil {
			s.logger.Error("subscription renewal failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("subscription renewals queued", zap.Int("count", n))
		}
	})
}

// CleanupNotifications removes read notifications created before now - retention.
// Their source ids stay known to ingestion.
func CleanupNotifications(ctx context.Context, notifications store.NotificationStore, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	deleted, err := notifications.DeleteReadBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	return deleted, nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
