package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/queue"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/google/uuid"
)

// ErrRecycle is returned by Run once the worker has executed its maximum
// number of jobs and should be replaced
var ErrRecycle = errors.New("worker reached max jobs and must be recycled")

// errConsumerClosed is returned when the broker stops delivering on its own
var errConsumerClosed = errors.New("delivery channel closed by broker")

// ArtifactStore is where a job's scratch space lives and its output is published
type ArtifactStore interface {
	WorkDir(taskID string) (string, error)
	CleanWorkDir(taskID string) error
	Publish(taskID, srcPath string) (string, error)
}

// RedeliveryPolicy decides what happens to a descriptor delivered again while
// its record is still STARTED
type RedeliveryPolicy struct {
	// Enabled re-claims and executes the task again; otherwise it is failed
	Enabled bool
	// MaxRedeliveries bounds the extra executions when Enabled
	MaxRedeliveries int
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Consumer  queue.Consumer
	Store     status.Store
	Artifacts ArtifactStore
	Executor  *Executor

	// WorkerID identifies this worker in task records and as consumer tag.
	// A random one is generated when empty.
	WorkerID string
	// Concurrency is the number of execution slots, 1 per accelerator
	Concurrency int
	// MaxJobs is the number of executed jobs after which Run returns ErrRecycle; 0 disables recycling
	MaxJobs           int
	HeartbeatInterval time.Duration
	// ShutdownTimeout is how long in-flight jobs may keep running after ctx ends
	ShutdownTimeout time.Duration
	// RequeueDelay is the pause before a job that failed on a transient error
	// goes back to the broker. Defaults to 2s.
	RequeueDelay time.Duration
	Redelivery   RedeliveryPolicy
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	consumer          queue.Consumer
	store             status.Store
	artifacts         ArtifactStore
	executor          *Executor
	workerID          string
	concurrency       int
	maxJobs           int
	heartbeatInterval time.Duration
	shutdownTimeout   time.Duration
	requeueDelay      time.Duration
	redelivery        RedeliveryPolicy
	now               func() time.Time

	wg          sync.WaitGroup
	jobsChan    chan *queue.Delivery
	executed    atomic.Int64
	recycleOnce sync.Once
	recycle     chan struct{}
	cancelOnce  sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	requeueDelay := cfg.RequeueDelay
	if requeueDelay <= 0 {
		requeueDelay = 2 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", workerID)),
		consumer:          cfg.Consumer,
		store:             cfg.Store,
		artifacts:         cfg.Artifacts,
		executor:          cfg.Executor,
		workerID:          workerID,
		concurrency:       concurrency,
		maxJobs:           cfg.MaxJobs,
		heartbeatInterval: heartbeat,
		shutdownTimeout:   cfg.ShutdownTimeout,
		requeueDelay:      requeueDelay,
		redelivery:        cfg.Redelivery,
		now:               time.Now,
		jobsChan:          make(chan *queue.Delivery),
		recycle:           make(chan struct{}),
	}
}

// ID returns the worker id recorded on claimed tasks
func (w *Worker) ID() string {
	return w.workerID
}

// Executed returns the number of jobs this worker has run
func (w *Worker) Executed() int {
	return int(w.executed.Load())
}

// Run consumes and executes jobs until ctx ends, the broker closes the
// delivery channel or the worker has to be recycled. A Worker runs once.
//
// When ctx ends, consuming stops and in-flight jobs get ShutdownTimeout to
// finish before they are killed and handed back to the broker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_jobs", w.maxJobs),
		slog.Bool("redelivery", w.redelivery.Enabled),
	)

	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()

	deliveries, err := w.setupConsumer(consumeCtx)
	if err != nil {
		return err
	}

	// Jobs outlive ctx by the shutdown timeout
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	stopGrace := context.AfterFunc(ctx, func() {
		w.logger.Info("Shutdown requested, waiting for in-flight jobs",
			slog.Duration("shutdown_timeout", w.shutdownTimeout),
		)
		time.AfterFunc(w.shutdownTimeout, cancelExec)
	})
	defer stopGrace()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		w.startMessageDispatcher(consumeCtx, deliveries)
	}()

	w.spawnWorkerPool(execCtx)
	w.wg.Wait()

	// Releases deliveries the broker still holds for this consumer
	cancelConsume()
	<-dispatcherDone

	select {
	case <-w.recycle:
		w.logger.Info("Worker recycled",
			slog.Int("executed", w.Executed()),
		)
		return ErrRecycle
	default:
	}

	if ctx.Err() != nil {
		w.logger.Info("Worker stopped")
		return nil
	}
	return fmt.Errorf("worker %s: %w", w.workerID, errConsumerClosed)
}

// jobExecuted counts an executed job and starts recycling once the limit is reached
func (w *Worker) jobExecuted() {
	n := w.executed.Add(1)
	if w.maxJobs > 0 && n >= int64(w.maxJobs) {
		w.recycleOnce.Do(func() {
			w.logger.Info("Max jobs reached, recycling worker",
				slog.Int64("executed", n),
				slog.Int("max_jobs", w.maxJobs),
			)
			close(w.recycle)
		})
	}
}

// cancelConsumer stops the broker from handing out more descriptors to this worker
func (w *Worker) cancelConsumer() {
	w.cancelOnce.Do(func() {
		if err := w.consumer.Cancel(w.workerID); err != nil {
			w.logger.Warn("Failed to cancel consumer",
				slog.Any("error", err),
			)
		}
	})
}
