package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/internal/status"
	"github.com/robfig/cron/v3"
)

// ReaperConfig holds the supervisor settings
type ReaperConfig struct {
	// Schedule is a cron expression or descriptor such as "@every 1m"
	Schedule    string
	HardTimeout time.Duration
	// Grace is added to HardTimeout before a running task counts as overdue
	Grace time.Duration
	// StaleAfter is how old a heartbeat may get before its worker counts as lost
	StaleAfter time.Duration
	// PendingTimeout is how long a task may wait for a worker; zero waits forever
	PendingTimeout time.Duration
	BatchSize      int
}

// Reaper fails STARTED tasks whose worker is gone or that outlived the hard timeout,
// and PENDING tasks no worker picked up within the pending timeout.
// It covers workers that crash without settling their task and jobs lost by the broker.
type Reaper struct {
	store  status.Store
	config ReaperConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReaper creates a new Reaper
func NewReaper(store status.Store, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Reaper{
		store:  store,
		config: config,
		logger: logger.With(slog.String("component", "reaper")),
		now:    time.Now,
	}
}

// Run sweeps on the configured schedule until ctx ends
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(&cronLogger{logger: r.logger}),
		cron.WithChain(cron.Recover(&cronLogger{logger: r.logger})),
	)

	_, err := c.AddFunc(r.config.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Reaper sweep failed",
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}

	r.logger.Info("Reaper started",
		slog.String("schedule", r.config.Schedule),
		slog.Duration("stale_after", r.config.StaleAfter),
		slog.Duration("pending_timeout", r.config.PendingTimeout),
	)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	r.logger.Info("Reaper stopped")
	return nil
}

// Sweep fails every abandoned task found and returns how many it failed
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	overdue := now.Add(-(r.config.HardTimeout + r.config.Grace))
	query := status.StaleQuery{
		StartedBefore:   overdue,
		HeartbeatBefore: now.Add(-r.config.StaleAfter),
		Limit:           r.config.BatchSize,
	}
	if r.config.PendingTimeout > 0 {
		query.PendingBefore = now.Add(-r.config.PendingTimeout)
	}

	records, err := r.store.ListStale(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	failed := 0
	for _, rec := range records {
		var reason string
		switch {
		case rec.State == domain.StatePending:
			reason = domain.ReasonNeverRun
		case rec.StartedAt != nil && rec.StartedAt.Before(overdue):
			reason = domain.ReasonHardTimeout
		default:
			reason = domain.ReasonWorkerLost
		}

		if err := r.store.Fail(ctx, rec.TaskID, reason, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Settled by its worker in the meantime
				continue
			}
			return failed, fmt.Errorf("fail task %s: %w", rec.TaskID, err)
		}

		failed++
		r.logger.Warn("Abandoned task failed",
			slog.String("task_id", rec.TaskID),
			slog.String("worker_id", rec.WorkerID),
			slog.String("reason", reason),
		)
	}

	if failed > 0 {
		r.logger.Info("Reaper sweep finished",
			slog.Int("failed", failed),
		)
	}
	return failed, nil
}

// cronLogger routes cron's logs through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
