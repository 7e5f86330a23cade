package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/jmoiron/sqlx"
)

const taskColumns = `task_id, state, artifact, failure_reason, worker_id, attempts,
	input_ref, params, created_at, started_at, finished_at, heartbeat_at, updated_at`

// taskRow is the tasks table layout
type taskRow struct {
	TaskID        string       `db:"task_id"`
	State         string       `db:"state"`
	Artifact      string       `db:"artifact"`
	FailureReason string       `db:"failure_reason"`
	WorkerID      string       `db:"worker_id"`
	Attempts      int          `db:"attempts"`
	InputRef      string       `db:"input_ref"`
	Params        []byte       `db:"params"`
	CreatedAt     time.Time    `db:"created_at"`
	StartedAt     sql.NullTime `db:"started_at"`
	FinishedAt    sql.NullTime `db:"finished_at"`
	HeartbeatAt   sql.NullTime `db:"heartbeat_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *taskRow) toRecord() (*domain.TaskRecord, error) {
	rec := &domain.TaskRecord{
		TaskID:        r.TaskID,
		State:         domain.State(r.State),
		Artifact:      r.Artifact,
		FailureReason: r.FailureReason,
		WorkerID:      r.WorkerID,
		Attempts:      r.Attempts,
		InputRef:      r.InputRef,
		CreatedAt:     r.CreatedAt.UTC(),
		StartedAt:     nullTime(r.StartedAt),
		FinishedAt:    nullTime(r.FinishedAt),
		HeartbeatAt:   nullTime(r.HeartbeatAt),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of task %s: %w", r.TaskID, err)
		}
	}
	return rec, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// SQLStore keeps task records in the tasks table.
// Queries use '?' placeholders rebound for the driver, so the store runs on
// PostgreSQL in production and on SQLite in tests.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore creates a new SQLStore
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

func (s *SQLStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	if rec.State != domain.StatePending {
		return fmt.Errorf("create task %s in state %s: %w", rec.TaskID, rec.State, domain.ErrInvalidTransition)
	}

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO tasks (
			task_id, state, artifact, failure_reason, worker_id, attempts,
			input_ref, params, created_at, updated_at
		) VALUES (?, ?, '', '', '', 0, ?, ?, ?, ?)
	`)

	_, err = s.db.ExecContext(ctx, query,
		rec.TaskID,
		string(domain.StatePending),
		rec.InputRef,
		string(params),
		rec.CreatedAt.UTC(),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Debug("Task record created",
		slog.String("task_id", rec.TaskID),
	)
	return nil
}

func (s *SQLStore) Discard(ctx context.Context, taskID string) error {
	query := s.db.Rebind(`DELETE FROM tasks WHERE task_id = ? AND state = ?`)

	result, err := s.db.ExecContext(ctx, query, taskID, string(domain.StatePending))
	if err != nil {
		return fmt.Errorf("failed to discard task: %w", err)
	}
	return s.checkAffected(ctx, result, taskID)
}

func (s *SQLStore) Claim(ctx context.Context, taskID, workerID string, at time.Time, reclaim bool) (*domain.TaskRecord, error) {
	query := `
		UPDATE tasks
		SET state = ?,
		    worker_id = ?,
		    attempts = attempts + 1,
		    started_at = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE task_id = ?
		  AND state IN (?, ?)
	`

	// A plain claim only matches PENDING; both placeholders carry it
	from := domain.StatePending
	if reclaim {
		from = domain.StateStarted
	}

	at = at.UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query),
		string(domain.StateStarted), workerID, at, at, at,
		taskID, string(domain.StatePending), string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if err := s.checkAffected(ctx, result, taskID); err != nil {
		return nil, err
	}

	s.logger.Info("Task claimed",
		slog.String("task_id", taskID),
		slog.String("worker_id", workerID),
		slog.Bool("reclaim", reclaim),
	)
	return s.Get(ctx, taskID)
}

func (s *SQLStore) Heartbeat(ctx context.Context, taskID, workerID string, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET heartbeat_at = ?,
		    updated_at = ?
		WHERE task_id = ? AND state = ? AND worker_id = ?
	`)

	at = at.UTC()
	result, err := s.db.ExecContext(ctx, query, at, at, taskID, string(domain.StateStarted), workerID)
	if err != nil {
		return fmt.Errorf("failed to update task heartbeat: %w", err)
	}
	return s.checkAffected(ctx, result, taskID)
}

func (s *SQLStore) Complete(ctx context.Context, taskID, artifact string, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET state = ?,
		    artifact = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE task_id = ? AND state = ?
	`)

	at = at.UTC()
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StateSuccess), artifact, at, at,
		taskID, string(domain.StateStarted),
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return s.checkAffected(ctx, result, taskID)
}

func (s *SQLStore) Fail(ctx context.Context, taskID, reason string, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE tasks
		SET state = ?,
		    failure_reason = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE task_id = ? AND state IN (?, ?)
	`)

	at = at.UTC()
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StateFailure), reason, at, at,
		taskID, string(domain.StatePending), string(domain.StateStarted),
	)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	return s.checkAffected(ctx, result, taskID)
}

func (s *SQLStore) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`)

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toRecord()
}

func (s *SQLStore) List(ctx context.Context, filter Filter) (*Page, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND task_id < ?))"
		cursorAt := filter.Cursor.CreatedAt.UTC()
		args = append(args, cursorAt, cursorAt, filter.Cursor.TaskID)
	}

	// Order by created_at DESC, task_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, task_id DESC"

	// Fetch one extra to determine if there are more results
	size := filter.pageSize()
	query += " LIMIT ?"
	args = append(args, size+1)

	records, err := s.selectRecords(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return newPage(records, size), nil
}

func (s *SQLStore) ListStale(ctx context.Context, q StaleQuery) ([]domain.TaskRecord, error) {
	where := "(state = ? AND (started_at < ? OR heartbeat_at < ?))"
	args := []interface{}{string(domain.StateStarted), q.StartedBefore.UTC(), q.HeartbeatBefore.UTC()}

	if !q.PendingBefore.IsZero() {
		where += " OR (state = ? AND created_at < ?)"
		args = append(args, string(domain.StatePending), q.PendingBefore.UTC())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where + ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, q.Limit)

	records, err := s.selectRecords(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return records, nil
}

func (s *SQLStore) selectRecords(ctx context.Context, query string, args ...interface{}) ([]domain.TaskRecord, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	records := make([]domain.TaskRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

// checkAffected turns a conditional write that matched nothing into
// ErrNotFound or ErrInvalidTransition
func (s *SQLStore) checkAffected(ctx context.Context, result sql.Result, taskID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}

	s.logger.Warn("Task state transition refused",
		slog.String("task_id", taskID),
		slog.String("state", string(rec.State)),
	)
	return fmt.Errorf("task %s is %s: %w", taskID, rec.State, domain.ErrInvalidTransition)
}
