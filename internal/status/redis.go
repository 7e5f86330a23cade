package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Layout, for prefix "dubbing":
//
//	dubbing:task:<id>       hash with the record fields
//	dubbing:tasks           sorted set of every id, scored by created_at (ms)
//	dubbing:state:<STATE>   sorted set per state, same score
var (
	// KEYS[1] hash, KEYS[2] all-tasks index, KEYS[3] PENDING index
	// ARGV[1] score, ARGV[2] task id, ARGV[3..] field/value pairs
	createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

	// KEYS[1] hash, KEYS[2] all-tasks index, KEYS[3] PENDING index
	discardScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then
  return 0
end
if cur ~= 'PENDING' then
  return -1
end
local id = redis.call('HGET', KEYS[1], 'task_id')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
return 1
`)

	// KEYS[1] hash
	// ARGV[1] allowed source states, comma separated
	// ARGV[2] target state
	// ARGV[3] required owner, empty for any
	// ARGV[4] state index key prefix
	// ARGV[5] '1' to count an attempt
	// ARGV[6..] field/value pairs
	transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then
  return 0
end
local allowed = false
for s in string.gmatch(ARGV[1], '[^,]+') do
  if s == cur then
    allowed = true
  end
end
if not allowed then
  return -1
end
if ARGV[3] ~= '' and redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[3] then
  return -1
end
if #ARGV > 5 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 6))
end
if ARGV[5] == '1' then
  redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
if cur ~= ARGV[2] then
  local id = redis.call('HGET', KEYS[1], 'task_id')
  local score = redis.call('HGET', KEYS[1], 'created_ms')
  redis.call('ZREM', ARGV[4] .. cur, id)
  redis.call('ZADD', ARGV[4] .. ARGV[2], score, id)
  redis.call('HSET', KEYS[1], 'state', ARGV[2])
end
return 1
`)
)

// RedisStore keeps task records in Redis hashes with sorted-set indexes.
// Transitions run as Lua scripts so each compare-and-set is atomic.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a new RedisStore
func NewRedisStore(rdb goredis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: strings.TrimSuffix(prefix, ":"),
		logger: logger,
	}
}

func (s *RedisStore) taskKey(id string) string { return s.prefix + ":task:" + id }
func (s *RedisStore) allKey() string           { return s.prefix + ":tasks" }
func (s *RedisStore) statePrefix() string      { return s.prefix + ":state:" }
func (s *RedisStore) stateKey(st domain.State) string {
	return s.statePrefix() + string(st)
}

func (s *RedisStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	if rec.State != domain.StatePending {
		return fmt.Errorf("create task %s in state %s: %w", rec.TaskID, rec.State, domain.ErrInvalidTransition)
	}

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	createdMs := rec.CreatedAt.UnixMilli()
	args := []interface{}{
		createdMs, rec.TaskID,
		"task_id", rec.TaskID,
		"state", string(domain.StatePending),
		"artifact", "",
		"failure_reason", "",
		"worker_id", "",
		"attempts", 0,
		"input_ref", rec.InputRef,
		"params", string(params),
		"created_at", formatTime(rec.CreatedAt),
		"created_ms", createdMs,
		"started_at", "",
		"finished_at", "",
		"heartbeat_at", "",
		"updated_at", formatTime(rec.CreatedAt),
	}

	keys := []string{s.taskKey(rec.TaskID), s.allKey(), s.stateKey(domain.StatePending)}
	res, err := createScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("failed to create task: task %s already exists", rec.TaskID)
	}

	s.logger.Debug("Task record created",
		slog.String("task_id", rec.TaskID),
	)
	return nil
}

func (s *RedisStore) Discard(ctx context.Context, taskID string) error {
	keys := []string{s.taskKey(taskID), s.allKey(), s.stateKey(domain.StatePending)}
	res, err := discardScript.Run(ctx, s.rdb, keys).Int()
	if err != nil {
		return fmt.Errorf("failed to discard task: %w", err)
	}
	return s.checkResult(ctx, res, taskID)
}

func (s *RedisStore) Claim(ctx context.Context, taskID, workerID string, at time.Time, reclaim bool) (*domain.TaskRecord, error) {
	from := []domain.State{domain.StatePending}
	if reclaim {
		from = append(from, domain.StateStarted)
	}

	ts := formatTime(at)
	err := s.transition(ctx, taskID, from, domain.StateStarted, "", true,
		"worker_id", workerID,
		"started_at", ts,
		"heartbeat_at", ts,
		"updated_at", ts,
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task claimed",
		slog.String("task_id", taskID),
		slog.String("worker_id", workerID),
		slog.Bool("reclaim", reclaim),
	)
	return s.Get(ctx, taskID)
}

func (s *RedisStore) Heartbeat(ctx context.Context, taskID, workerID string, at time.Time) error {
	ts := formatTime(at)
	return s.transition(ctx, taskID, []domain.State{domain.StateStarted}, domain.StateStarted, workerID, false,
		"heartbeat_at", ts,
		"updated_at", ts,
	)
}

func (s *RedisStore) Complete(ctx context.Context, taskID, artifact string, at time.Time) error {
	ts := formatTime(at)
	return s.transition(ctx, taskID, []domain.State{domain.StateStarted}, domain.StateSuccess, "", false,
		"artifact", artifact,
		"finished_at", ts,
		"updated_at", ts,
	)
}

func (s *RedisStore) Fail(ctx context.Context, taskID, reason string, at time.Time) error {
	ts := formatTime(at)
	return s.transition(ctx, taskID, []domain.State{domain.StatePending, domain.StateStarted}, domain.StateFailure, "", false,
		"failure_reason", reason,
		"finished_at", ts,
		"updated_at", ts,
	)
}

func (s *RedisStore) transition(ctx context.Context, taskID string, from []domain.State, to domain.State, owner string, countAttempt bool, fields ...interface{}) error {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	attempt := "0"
	if countAttempt {
		attempt = "1"
	}

	args := append([]interface{}{strings.Join(allowed, ","), string(to), owner, s.statePrefix(), attempt}, fields...)
	res, err := transitionScript.Run(ctx, s.rdb, []string{s.taskKey(taskID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to move task to %s: %w", to, err)
	}
	return s.checkResult(ctx, res, taskID)
}

// checkResult maps a script result onto the store errors
func (s *RedisStore) checkResult(ctx context.Context, res int, taskID string) error {
	switch {
	case res > 0:
		return nil
	case res == 0:
		return domain.ErrNotFound
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

func (s *RedisStore) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeHash(fields)
}

func (s *RedisStore) List(ctx context.Context, filter Filter) (*Page, error) {
	key := s.allKey()
	if filter.State != "" {
		key = s.stateKey(filter.State)
	}

	size := filter.pageSize()
	maxScore := "+inf"
	var cursorMs int64
	if filter.Cursor != nil {
		cursorMs = filter.Cursor.CreatedAt.UnixMilli()
		maxScore = strconv.FormatInt(cursorMs, 10)
	}

	// Scores tie within a millisecond, so the cursor bound is inclusive and
	// members at or after the cursor id are skipped here
	var ids []string
	var offset int64
	batch := int64(size + 1)
	for len(ids) < size+1 {
		entries, err := s.rdb.ZRevRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
			Max:    maxScore,
			Min:    "-inf",
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}

		for _, z := range entries {
			id, _ := z.Member.(string)
			if filter.Cursor != nil && int64(z.Score) == cursorMs && id >= filter.Cursor.TaskID {
				continue
			}
			ids = append(ids, id)
			if len(ids) == size+1 {
				break
			}
		}

		if int64(len(entries)) < batch {
			break
		}
		offset += batch
	}

	records, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return newPage(records, size), nil
}

func (s *RedisStore) ListStale(ctx context.Context, q StaleQuery) ([]domain.TaskRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.stateKey(domain.StateStarted), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	if !q.PendingBefore.IsZero() {
		// Pending members are scored by creation time
		pending, err := s.rdb.ZRangeByScore(ctx, s.stateKey(domain.StatePending), &goredis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("(%d", q.PendingBefore.UnixMilli()),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list stale tasks: %w", err)
		}
		ids = append(ids, pending...)
	}

	records, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	stale := make([]domain.TaskRecord, 0)
	for _, rec := range records {
		if len(stale) == q.Limit {
			break
		}
		switch rec.State {
		case domain.StateStarted:
			startedLate := rec.StartedAt != nil && rec.StartedAt.Before(q.StartedBefore)
			silent := rec.HeartbeatAt != nil && rec.HeartbeatAt.Before(q.HeartbeatBefore)
			if startedLate || silent {
				stale = append(stale, rec)
			}
		case domain.StatePending:
			if !q.PendingBefore.IsZero() && rec.CreatedAt.Before(q.PendingBefore) {
				stale = append(stale, rec)
			}
		}
	}
	return stale, nil
}

// getMany loads records in order, skipping ids deleted in the meantime
func (s *RedisStore) getMany(ctx context.Context, ids []string) ([]domain.TaskRecord, error) {
	if len(ids) == 0 {
		return []domain.TaskRecord{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	records := make([]domain.TaskRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeHash(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}

func decodeHash(fields map[string]string) (*domain.TaskRecord, error) {
	rec := &domain.TaskRecord{
		TaskID:        fields["task_id"],
		State:         domain.State(fields["state"]),
		Artifact:      fields["artifact"],
		FailureReason: fields["failure_reason"],
		WorkerID:      fields["worker_id"],
		InputRef:      fields["input_ref"],
	}

	var err error
	if rec.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("invalid attempts of task %s: %w", rec.TaskID, err)
	}
	if err := json.Unmarshal([]byte(fields["params"]), &rec.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of task %s: %w", rec.TaskID, err)
	}

	if rec.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	for field, dst := range map[string]**time.Time{
		"started_at":   &rec.StartedAt,
		"finished_at":  &rec.FinishedAt,
		"heartbeat_at": &rec.HeartbeatAt,
	} {
		if fields[field] == "" {
			continue
		}
		t, err := parseTime(fields[field])
		if err != nil {
			return nil, err
		}
		*dst = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}
