package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/lumi-dubbing/internal/queue"
)

// setupConsumer starts consuming with the worker id as consumer tag
func (w *Worker) setupConsumer(ctx context.Context) (<-chan *queue.Delivery, error) {
	deliveries, err := w.consumer.Consume(ctx, w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher hands deliveries to the worker pool until ctx ends,
// the broker closes the channel or the worker starts recycling
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan *queue.Delivery) {
	w.logger.Info("Message dispatcher started")

	// Deferred calls run in reverse: the pool is released before draining
	defer w.drain(deliveries)
	defer close(w.jobsChan)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			w.cancelConsumer()
			return

		case <-w.recycle:
			w.logger.Info("Message dispatcher stopped - worker recycling")
			w.cancelConsumer()
			return

		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			select {
			case w.jobsChan <- d:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("task_id", d.Descriptor.TaskID),
					slog.Bool("redelivered", d.Redelivered),
				)

			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				w.requeue(d)
				w.cancelConsumer()
				return

			case <-w.recycle:
				w.logger.Info("Message dispatcher stopped while dispatching job - worker recycling")
				w.requeue(d)
				w.cancelConsumer()
				return
			}
		}
	}
}

// drain hands back every delivery that arrives after dispatching stopped
func (w *Worker) drain(deliveries <-chan *queue.Delivery) {
	for d := range deliveries {
		w.requeue(d)
	}
}

// requeue returns an undispatched delivery to the broker for another worker
func (w *Worker) requeue(d *queue.Delivery) {
	if err := d.Nack(true); err != nil {
		w.logger.Error("Failed to NACK undispatched delivery",
			slog.String("task_id", d.Descriptor.TaskID),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Info("Undispatched delivery returned to broker",
		slog.String("task_id", d.Descriptor.TaskID),
	)
}
