package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/queue"
)

// spawnWorkerPool spawns one execution loop per slot
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs one job at a time until the dispatcher closes jobsChan
func (w *Worker) workerLoop(ctx context.Context, slot int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, slot)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for d := range w.jobsChan {
		select {
		case <-w.recycle:
			// Max jobs reached while this one was being handed over
			w.requeue(d)
			continue
		default:
		}

		w.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("task_id", d.Descriptor.TaskID),
			slog.Int("attempt", d.Attempt),
		)

		err := w.processJob(ctx, d)
		w.settle(ctx, d, err, workerName)
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// settle ACKs or NACKs a delivery based on the processing result
func (w *Worker) settle(ctx context.Context, d *queue.Delivery, err error, workerName string) {
	taskID := d.Descriptor.TaskID

	if err == nil || errors.Is(err, errAlreadySettled) {
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK delivery",
				slog.String("worker_name", workerName),
				slog.String("task_id", taskID),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("task_id", taskID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)

	// A failing status store would otherwise bounce the job straight back
	if requeue && !errors.Is(err, errInterrupted) {
		select {
		case <-time.After(w.requeueDelay):
		case <-ctx.Done():
		}
	}

	if nackErr := d.Nack(requeue); nackErr != nil {
		w.logger.Error("Failed to NACK delivery",
			slog.String("worker_name", workerName),
			slog.String("task_id", taskID),
			slog.Any("error", nackErr),
		)
	}
}

// shouldRequeueJob determines if a delivery goes back to the broker
func shouldRequeueJob(err error) bool {
	// The record is gone, nothing could ever run it
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	// Requeue for transient/retryable errors
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	// Default: don't requeue for unknown errors
	return false
}
