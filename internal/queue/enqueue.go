package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/google/uuid"
)

// Queue admits jobs: it records them as PENDING and hands them to the broker
type Queue struct {
	publisher Publisher
	store     status.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewQueue creates a new Queue
func NewQueue(publisher Publisher, store status.Store, logger *slog.Logger) *Queue {
	return &Queue{
		publisher: publisher,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue assigns a task id when the descriptor has none, creates the PENDING
// record and publishes the descriptor. When the broker refuses it the record is
// discarded again and domain.ErrQueueUnavailable is returned.
func (q *Queue) Enqueue(ctx context.Context, desc domain.JobDescriptor) (string, error) {
	if desc.TaskID == "" {
		desc.TaskID = uuid.NewString()
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = q.now().UTC()
	}

	rec := domain.NewPendingRecord(desc)
	if err := q.store.Create(ctx, &rec); err != nil {
		q.logger.Error("Failed to create task record",
			slog.String("task_id", desc.TaskID),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if err := q.publisher.Publish(ctx, desc); err != nil {
		q.logger.Error("Failed to publish job, discarding task record",
			slog.String("task_id", desc.TaskID),
			slog.Any("error", err),
		)

		// The request context may be the reason publishing failed
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if discardErr := q.store.Discard(cleanupCtx, desc.TaskID); discardErr != nil {
			q.logger.Error("Failed to discard task record",
				slog.String("task_id", desc.TaskID),
				slog.Any("error", discardErr),
			)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrQueueUnavailable, err)
	}

	q.logger.Info("Job enqueued",
		slog.String("task_id", desc.TaskID),
		slog.String("input_ref", desc.InputRef),
	)
	return desc.TaskID, nil
}
