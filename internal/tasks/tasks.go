// Package tasks runs side effects that must not block the request that
// triggered them. With Redis configured they go through asynq and are retried
// by the worker; otherwise they run in-process once.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
)

// TypeSubscribe registers provider change subscriptions for an integration
const TypeSubscribe = "integration:subscribe"

const (
	defaultMaxRetry = 5
	defaultTimeout  = time.Minute
)

// SubscribePayload is the body of a TypeSubscribe task
type SubscribePayload struct {
	IntegrationID string `json:"integration_id"`
}

// Queue accepts subscription tasks
type Queue interface {
	EnqueueSubscribe(ctx context.Context, integrationID string) error
}

// SubscribeHandler performs a subscription task
type SubscribeHandler interface {
	Subscribe(ctx context.Context, integrationID string) error
}

// InlineQueue runs tasks on a goroutine in the current process without retries
type InlineQueue struct {
	handler SubscribeHandler
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewInlineQueue creates an in-process queue
func NewInlineQueue(handler SubscribeHandler, logger *zap.Logger) *InlineQueue {
	return &InlineQueue{
		handler: handler,
		timeout: defaultTimeout,
		logger:  logger.Named("tasks"),
	}
}

func (q *InlineQueue) EnqueueSubscribe(_ context.Context, integrationID string) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		// Detached from the request so the task outlives the response
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		defer cancel()

		if err := q.handler.Subscribe(ctx, integrationID); err != nil {
			q.logger.Warn("subscribe task failed",
				zap.String("integration_id", integrationID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until every started task has finished
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}

// AsynqQueue enqueues tasks into Redis for the worker
type AsynqQueue struct {
	client *asynq.Client
}

// NewAsynqQueue connects a queue client to the Redis URL
func NewAsynqQueue(redisURL string) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &AsynqQueue{client: asynq.NewClient(opt)}, nil
}

func (q *AsynqQueue) EnqueueSubscribe(ctx context.Context, integrationID string) error {
	task, err := NewSubscribeTask(integrationID)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(defaultTimeout),
	); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Close releases the Redis connection
func (q *AsynqQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close queue client: %w", err)
	}
	return nil
}

// NewSubscribeTask builds the asynq task for an integration
func NewSubscribeTask(integrationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SubscribePayload{IntegrationID: integrationID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	return asynq.NewTask(TypeSubscribe, payload), nil
}

// NewMux routes task types to handlers
func NewMux(handler SubscribeHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSubscribe, subscribeHandlerFunc(handler))
	return mux
}

func subscribeHandlerFunc(handler SubscribeHandler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p SubscribePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.IntegrationID == "" {
			return fmt.Errorf("invalid subscribe payload: %w", asynq.SkipRetry)
		}

		err := handler.Subscribe(ctx, p.IntegrationID)
		if errors.Is(err, apperr.ErrIntegrationNotFound) {
			// Disconnected since enqueue; nothing left to do
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Worker processes queued tasks from Redis
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewWorker creates a worker with the given concurrency
func NewWorker(redisURL string, concurrency int, handler SubscribeHandler, logger *zap.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	logger = logger.Named("worker")
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Logger:      logger.Sugar(),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(1<<uint(n)) * time.Second
			if delay > 5*time.Minute {
				delay = 5 * time.Minute
			}
			logger.Warn("task failed, retrying",
				zap.String("type", task.Type()),
				zap.Int("retry", n),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			return delay
		},
	})

	return &Worker{server: srv, mux: NewMux(handler), logger: logger}, nil
}

// Run processes tasks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	w.logger.Info("worker started")

	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("worker stopped")
	return nil
}
