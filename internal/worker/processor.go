package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/pipeline"
	"github.com/cuongbtq/lumi-dubbing/internal/queue"
)

// errAlreadySettled marks a delivery that needs no execution and is acked as is
var errAlreadySettled = errors.New("task already settled")

// errInterrupted is returned when shutdown killed a running job
var errInterrupted = errors.New("job interrupted by worker shutdown")

// storeUpdateTimeout bounds status writes made after a job ends
const storeUpdateTimeout = 10 * time.Second

// processJob claims, executes and records a single job
func (w *Worker) processJob(ctx context.Context, d *queue.Delivery) error {
	desc := d.Descriptor

	// Step 1: Claim the task (PENDING -> STARTED, or STARTED -> STARTED on redelivery)
	rec, err := w.claim(ctx, d)
	if err != nil {
		return err
	}

	w.logger.Info("Processing job",
		slog.String("task_id", desc.TaskID),
		slog.Int("attempts", rec.Attempts),
	)

	// Step 2: Scratch directory for the pipeline
	workDir, err := w.artifacts.WorkDir(desc.TaskID)
	if err != nil {
		w.failTask(ctx, desc.TaskID, err.Error())
		return nil
	}
	defer func() {
		if err := w.artifacts.CleanWorkDir(desc.TaskID); err != nil {
			w.logger.Warn("Failed to clean work directory",
				slog.String("task_id", desc.TaskID),
				slog.Any("error", err),
			)
		}
	}()

	// Step 3: Heartbeat while the job runs
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.sendJobHeartbeat(heartbeatCtx, desc.TaskID)
	}()

	// Step 4: Execute under the soft and hard timeouts
	outcome := w.executor.Execute(ctx, pipeline.Invocation{
		TaskID:    desc.TaskID,
		InputPath: desc.InputRef,
		OutputDir: workDir,
		Params:    desc.Params,
	})

	stopHeartbeat()
	<-heartbeatDone

	if outcome.Interrupted {
		// Record stays STARTED; the redelivery policy decides on the next delivery
		return domain.NewRetryableError(errInterrupted)
	}
	w.jobExecuted()

	// Step 5: Record the terminal state
	if outcome.State == domain.StateSuccess {
		artifact, err := w.artifacts.Publish(desc.TaskID, outcome.OutputPath)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, domain.ErrNoOutput) {
				reason = domain.ReasonNoOutput
			}
			w.logger.Error("Failed to publish artifact",
				slog.String("task_id", desc.TaskID),
				slog.String("output_path", outcome.OutputPath),
				slog.Any("error", err),
			)
			w.failTask(ctx, desc.TaskID, reason)
			return nil
		}
		w.completeTask(ctx, desc.TaskID, artifact, outcome.Duration)
		return nil
	}

	w.failTask(ctx, desc.TaskID, outcome.Reason)
	return nil
}

// claim takes ownership of the task behind a delivery. It returns errAlreadySettled
// when the delivery must be acked without running the job.
func (w *Worker) claim(ctx context.Context, d *queue.Delivery) (*domain.TaskRecord, error) {
	taskID := d.Descriptor.TaskID

	rec, err := w.store.Claim(ctx, taskID, w.workerID, w.now(), false)
	if err == nil {
		return rec, nil
	}

	if errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("Task record not found, dropping delivery",
			slog.String("task_id", taskID),
		)
		return nil, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		// Status store error - could be transient
		return nil, domain.NewRetryableError(fmt.Errorf("failed to claim task: %w", err))
	}

	current, err := w.store.Get(ctx, taskID)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load task: %w", err))
	}

	if domain.IsTerminal(current.State) {
		w.logger.Info("Task already finished, skipping duplicate delivery",
			slog.String("task_id", taskID),
			slog.String("state", string(current.State)),
		)
		return nil, errAlreadySettled
	}

	// STARTED: a previous execution was lost
	if !w.redelivery.Enabled {
		w.logger.Warn("Redelivered task was already started, failing it",
			slog.String("task_id", taskID),
			slog.String("previous_worker", current.WorkerID),
		)
		w.failTask(ctx, taskID, domain.ReasonWorkerLost)
		return nil, errAlreadySettled
	}

	if current.Attempts > w.redelivery.MaxRedeliveries {
		w.logger.Warn("Redelivery limit exceeded, failing task",
			slog.String("task_id", taskID),
			slog.Int("attempts", current.Attempts),
			slog.Int("max_redeliveries", w.redelivery.MaxRedeliveries),
		)
		w.failTask(ctx, taskID, domain.ReasonRedelivered)
		return nil, errAlreadySettled
	}

	rec, err = w.store.Claim(ctx, taskID, w.workerID, w.now(), true)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Finished or failed by someone else in the meantime
			return nil, errAlreadySettled
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to reclaim task: %w", err))
	}

	w.logger.Info("Redelivered task reclaimed",
		slog.String("task_id", taskID),
		slog.String("previous_worker", current.WorkerID),
		slog.Int("attempts", rec.Attempts),
	)
	return rec, nil
}

func (w *Worker) completeTask(ctx context.Context, taskID, artifact string, took time.Duration) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeUpdateTimeout)
	defer cancel()

	if err := w.store.Complete(updateCtx, taskID, artifact, w.now()); err != nil {
		// Job completed but status update failed - still ACK, the reaper settles the record
		w.logger.Error("Failed to update task status to SUCCESS",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("task_id", taskID),
		slog.String("artifact", artifact),
		slog.Duration("took", took),
	)
}

func (w *Worker) failTask(ctx context.Context, taskID, reason string) {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeUpdateTimeout)
	defer cancel()

	if err := w.store.Fail(updateCtx, taskID, reason, w.now()); err != nil {
		w.logger.Error("Failed to update task status to FAILURE",
			slog.String("task_id", taskID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Warn("Job failed",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
	)
}

// sendJobHeartbeat periodically updates the task's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, taskID, w.workerID, w.now()); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("Failed to update task heartbeat",
					slog.String("task_id", taskID),
					slog.Any("error", err),
				)
				continue
			}
			w.logger.Debug("Task heartbeat updated",
				slog.String("task_id", taskID),
			)
		}
	}
}
