package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/pipeline"
)

// ExecutorConfig holds the execution budget of one job
type ExecutorConfig struct {
	// SoftTimeout asks the pipeline to abort; it must be below HardTimeout
	SoftTimeout time.Duration
	// HardTimeout kills the pipeline
	HardTimeout time.Duration
	// KillGrace is how long Execute waits for a killed pipeline to return
	KillGrace time.Duration
}

// Outcome is the classified result of one execution
type Outcome struct {
	// State is SUCCESS or FAILURE
	State      domain.State
	OutputPath string
	Reason     string
	// Interrupted is set when ctx ended before the job did; State is then empty
	Interrupted bool
	Duration    time.Duration
}

// Executor runs the pipeline collaborator for one job at a time per caller
type Executor struct {
	collaborator pipeline.Collaborator
	config       ExecutorConfig
	logger       *slog.Logger
}

type runResult struct {
	result pipeline.Result
	err    error
}

// NewExecutor creates a new Executor
func NewExecutor(collaborator pipeline.Collaborator, config ExecutorConfig, logger *slog.Logger) *Executor {
	if config.HardTimeout <= 0 {
		config.HardTimeout = 3600 * time.Second
	}
	if config.SoftTimeout <= 0 || config.SoftTimeout >= config.HardTimeout {
		config.SoftTimeout = config.HardTimeout - config.HardTimeout/12
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 10 * time.Second
	}
	return &Executor{
		collaborator: collaborator,
		config:       config,
		logger:       logger,
	}
}

// Execute invokes the collaborator and classifies what it returned.
// Collaborator errors and panics never escape; they become a FAILURE outcome.
// Execute returns at most KillGrace after the hard timeout even when the
// collaborator ignores cancellation.
func (e *Executor) Execute(ctx context.Context, inv pipeline.Invocation) Outcome {
	start := time.Now()

	abort := make(chan struct{})
	inv.Abort = abort

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Pipeline panicked",
					slog.String("task_id", inv.TaskID),
					slog.Any("panic", r),
				)
				done <- runResult{err: errors.New(fmt.Sprint(r))}
			}
		}()
		res, err := e.collaborator.Run(runCtx, inv)
		done <- runResult{result: res, err: err}
	}()

	soft := time.NewTimer(e.config.SoftTimeout)
	defer soft.Stop()
	hard := time.NewTimer(e.config.HardTimeout)
	defer hard.Stop()

	softFired := false
	for {
		select {
		case r := <-done:
			if ctx.Err() != nil {
				return Outcome{
					Interrupted: true,
					Reason:      errInterrupted.Error(),
					Duration:    time.Since(start),
				}
			}
			outcome := e.classify(r, softFired)
			outcome.Duration = time.Since(start)
			return outcome

		case <-soft.C:
			softFired = true
			close(abort)
			e.logger.Warn("Soft timeout reached, asking pipeline to abort",
				slog.String("task_id", inv.TaskID),
				slog.Duration("soft_timeout", e.config.SoftTimeout),
			)

		case <-hard.C:
			e.logger.Error("Hard timeout reached, killing pipeline",
				slog.String("task_id", inv.TaskID),
				slog.Duration("hard_timeout", e.config.HardTimeout),
			)
			cancel()
			e.awaitKilled(inv.TaskID, done)
			timeoutErr := &domain.TimeoutError{Kind: domain.TimeoutHard, Budget: e.config.HardTimeout}
			return Outcome{
				State:    domain.StateFailure,
				Reason:   timeoutErr.Error(),
				Duration: time.Since(start),
			}

		case <-ctx.Done():
			cancel()
			e.awaitKilled(inv.TaskID, done)
			return Outcome{
				Interrupted: true,
				Reason:      errInterrupted.Error(),
				Duration:    time.Since(start),
			}
		}
	}
}

// awaitKilled gives a canceled collaborator KillGrace to return
func (e *Executor) awaitKilled(taskID string, done <-chan runResult) {
	timer := time.NewTimer(e.config.KillGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		e.logger.Error("Pipeline did not stop after kill, abandoning it",
			slog.String("task_id", taskID),
			slog.Duration("kill_grace", e.config.KillGrace),
		)
	}
}

func (e *Executor) classify(r runResult, softFired bool) Outcome {
	switch {
	case r.err == nil && r.result.OutputPath != "":
		return Outcome{State: domain.StateSuccess, OutputPath: r.result.OutputPath}

	case r.err == nil, errors.Is(r.err, domain.ErrNoOutput):
		return Outcome{State: domain.StateFailure, Reason: domain.ReasonNoOutput}

	case softFired:
		timeoutErr := &domain.TimeoutError{Kind: domain.TimeoutSoft, Budget: e.config.SoftTimeout}
		return Outcome{State: domain.StateFailure, Reason: fmt.Sprintf("%s: %s", timeoutErr.Error(), r.err.Error())}

	default:
		return Outcome{State: domain.StateFailure, Reason: r.err.Error()}
	}
}
