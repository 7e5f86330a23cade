package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/hibiken/asynq"
)

// TaskType is the asynq task type carrying a job descriptor
const TaskType = "dubbing:translate"

// errRequeue makes asynq schedule the task again. It counts as a retry, so
// MaxRetry bounds redeliveries.
var errRequeue = errors.New("delivery requeued")

// AsynqConfig holds the asynq backend settings
type AsynqConfig struct {
	Queue string
	// MaxRetry bounds how often asynq hands a task out again after a nack or a lost worker
	MaxRetry int
	// TaskTimeout must outlast the worker's hard timeout, or asynq reclaims running jobs
	TaskTimeout time.Duration
	// Concurrency is the number of descriptors handed out at once
	Concurrency int
	RetryDelay  time.Duration
	// PollInterval is how often scheduled retries are moved back to the queue
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Asynq carries job descriptors as asynq tasks in Redis.
// asynq pushes tasks into a handler; the handler parks each task until the
// worker settles the matching Delivery.
type Asynq struct {
	redisOpt asynq.RedisClientOpt
	config   AsynqConfig
	client   *asynq.Client
	logger   *slog.Logger

	mu     sync.Mutex
	server *asynq.Server
}

// NewAsynq creates a new asynq broker adapter
func NewAsynq(redisOpt asynq.RedisClientOpt, config AsynqConfig, logger *slog.Logger) *Asynq {
	if config.Queue == "" {
		config.Queue = "default"
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	return &Asynq{
		redisOpt: redisOpt,
		config:   config,
		client:   asynq.NewClient(redisOpt),
		logger:   logger,
	}
}

func (a *Asynq) Publish(ctx context.Context, desc domain.JobDescriptor) error {
	body, err := Encode(desc)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(a.config.Queue),
		asynq.TaskID(desc.TaskID),
		asynq.MaxRetry(a.config.MaxRetry),
	}
	if a.config.TaskTimeout > 0 {
		opts = append(opts, asynq.Timeout(a.config.TaskTimeout))
	}

	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(TaskType, body), opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue asynq task: %w", err)
	}

	a.logger.Debug("Task enqueued to asynq",
		slog.String("task_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return nil
}

func (a *Asynq) Consume(ctx context.Context, tag string) (<-chan *Delivery, error) {
	out := make(chan *Delivery)

	server := asynq.NewServer(a.redisOpt, asynq.Config{
		Concurrency:              a.config.Concurrency,
		Queues:                   map[string]int{a.config.Queue: 1},
		RetryDelayFunc:           func(int, error, *asynq.Task) time.Duration { return a.config.RetryDelay },
		DelayedTaskCheckInterval: a.config.PollInterval,
		ShutdownTimeout:          a.config.ShutdownTimeout,
		Logger:                   &asynqLogger{logger: a.logger.With(slog.String("consumer_tag", tag))},
		LogLevel:                 asynq.WarnLevel,
	})

	// Handlers may still be running when out is closed after shutdown
	var (
		outMu     sync.RWMutex
		outClosed bool
	)
	send := func(taskCtx context.Context, d *Delivery) error {
		outMu.RLock()
		defer outMu.RUnlock()
		if outClosed {
			return errRequeue
		}
		select {
		case out <- d:
			return nil
		case <-ctx.Done():
			return errRequeue
		case <-taskCtx.Done():
			return taskCtx.Err()
		}
	}

	if err := server.Start(asynq.HandlerFunc(func(taskCtx context.Context, t *asynq.Task) error {
		return a.handle(taskCtx, t, send)
	})); err != nil {
		return nil, fmt.Errorf("failed to start asynq consumer: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	a.logger.Info("Started consuming tasks from asynq",
		slog.String("queue", a.config.Queue),
		slog.String("consumer_tag", tag),
	)

	go func() {
		<-ctx.Done()
		server.Shutdown()
		outMu.Lock()
		outClosed = true
		close(out)
		outMu.Unlock()
	}()

	return out, nil
}

// handle bridges one pushed task to the Delivery channel and blocks until it is settled
func (a *Asynq) handle(taskCtx context.Context, t *asynq.Task, send func(context.Context, *Delivery) error) error {
	desc, err := Decode(t.Payload())
	if err != nil {
		a.logger.Error("Dropping malformed job task",
			slog.Any("error", err),
			slog.String("body", string(t.Payload())),
		)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(taskCtx)
	settled := make(chan error, 1)
	d := NewDelivery(desc, retried > 0, retried+1,
		func() error {
			settled <- nil
			return nil
		},
		func(requeue bool) error {
			if requeue {
				settled <- errRequeue
			} else {
				settled <- fmt.Errorf("delivery rejected: %w", asynq.SkipRetry)
			}
			return nil
		},
	)

	if err := send(taskCtx, d); err != nil {
		return err
	}

	// asynq cannot take the task back from a running handler, so wait for the
	// worker even after shutdown began
	return <-settled
}

func (a *Asynq) Cancel(tag string) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}

	// Stop pulling new tasks; tasks already handed to a handler keep running
	server.Stop()
	a.logger.Info("Asynq consumer stopped pulling tasks",
		slog.String("consumer_tag", tag),
	)
	return nil
}

// Close releases the enqueue client
func (a *Asynq) Close() error {
	return a.client.Close()
}

// asynqLogger routes asynq's logs through slog
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
