package status

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/lumi-dubbing/internal/domain"
	"github.com/cuongbtq/lumi-dubbing/shared/logger"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE tasks (
	task_id        TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	artifact       TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	worker_id      TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	input_ref      TEXT NOT NULL,
	params         TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	started_at     DATETIME,
	finished_at    DATETIME,
	heartbeat_at   DATETIME,
	updated_at     DATETIME NOT NULL
)`

func newSQLiteStore(t *testing.T) Store {
	t.Helper()

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "status.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	return NewSQLStore(db, logger.NewDiscard())
}

func newRedisStore(t *testing.T) Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRedisStore(rdb, "test", logger.NewDiscard())
}

var backends = map[string]func(t *testing.T) Store{
	"sqlite": newSQLiteStore,
	"redis":  newRedisStore,
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingRecord(id string, created time.Time) *domain.TaskRecord {
	rec := domain.NewPendingRecord(domain.JobDescriptor{
		TaskID:    id,
		InputRef:  "/data/input/" + id + "_clip.mp4",
		Params:    domain.DefaultParams(),
		CreatedAt: created,
	})
	return &rec
}

func TestStore_Lifecycle(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))

			rec, err := store.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatePending, rec.State)
			assert.Equal(t, "zh", rec.Params.SourceLang)
			assert.True(t, rec.CreatedAt.Equal(t0))
			assert.Nil(t, rec.StartedAt)

			claimed, err := store.Claim(ctx, "task-1", "worker-a", t0.Add(time.Second), false)
			require.NoError(t, err)
			assert.Equal(t, domain.StateStarted, claimed.State)
			assert.Equal(t, "worker-a", claimed.WorkerID)
			assert.Equal(t, 1, claimed.Attempts)
			require.NotNil(t, claimed.StartedAt)
			assert.True(t, claimed.StartedAt.Equal(t0.Add(time.Second)))

			require.NoError(t, store.Heartbeat(ctx, "task-1", "worker-a", t0.Add(time.Minute)))

			require.NoError(t, store.Complete(ctx, "task-1", "task-1.mp4", t0.Add(time.Hour)))

			done, err := store.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StateSuccess, done.State)
			assert.Equal(t, "task-1.mp4", done.Artifact)
			require.NotNil(t, done.FinishedAt)
			require.NotNil(t, done.HeartbeatAt)
			assert.True(t, done.HeartbeatAt.Equal(t0.Add(time.Minute)))
		})
	}
}

func TestStore_TerminalRecordsAreImmutable(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))
			_, err := store.Claim(ctx, "task-1", "worker-a", t0, false)
			require.NoError(t, err)
			require.NoError(t, store.Fail(ctx, "task-1", "boom", t0.Add(time.Second)))

			assert.ErrorIs(t, store.Complete(ctx, "task-1", "task-1.mp4", t0), domain.ErrInvalidTransition)
			assert.ErrorIs(t, store.Fail(ctx, "task-1", "again", t0), domain.ErrInvalidTransition)
			_, err = store.Claim(ctx, "task-1", "worker-b", t0, true)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.ErrorIs(t, store.Heartbeat(ctx, "task-1", "worker-a", t0), domain.ErrInvalidTransition)
			assert.ErrorIs(t, store.Discard(ctx, "task-1"), domain.ErrInvalidTransition)

			rec, err := store.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StateFailure, rec.State)
			assert.Equal(t, "boom", rec.FailureReason)
			assert.Empty(t, rec.Artifact)
		})
	}
}

func TestStore_ClaimAndReclaim(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))

			_, err := store.Claim(ctx, "task-1", "worker-a", t0, false)
			require.NoError(t, err)

			// A second plain claim loses
			_, err = store.Claim(ctx, "task-1", "worker-b", t0, false)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			// An explicit re-claim takes over and counts the attempt
			rec, err := store.Claim(ctx, "task-1", "worker-b", t0.Add(time.Minute), true)
			require.NoError(t, err)
			assert.Equal(t, domain.StateStarted, rec.State)
			assert.Equal(t, "worker-b", rec.WorkerID)
			assert.Equal(t, 2, rec.Attempts)

			// The previous owner can no longer heartbeat
			assert.ErrorIs(t, store.Heartbeat(ctx, "task-1", "worker-a", t0), domain.ErrInvalidTransition)
			assert.NoError(t, store.Heartbeat(ctx, "task-1", "worker-b", t0.Add(2*time.Minute)))
		})
	}
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.Claim(ctx, "task-1", fmt.Sprintf("worker-%d", i), t0, false)
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, domain.ErrInvalidTransition)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			_, err = store.Claim(ctx, "missing", "worker-a", t0, false)
			assert.ErrorIs(t, err, domain.ErrNotFound)

			assert.ErrorIs(t, store.Complete(ctx, "missing", "x.mp4", t0), domain.ErrNotFound)
			assert.ErrorIs(t, store.Discard(ctx, "missing"), domain.ErrNotFound)
		})
	}
}

func TestStore_Discard(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))

			require.NoError(t, store.Discard(ctx, "task-1"))

			_, err := store.Get(ctx, "task-1")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			page, err := store.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Empty(t, page.Records)
		})
	}
}

func TestStore_CreateRejectsDuplicates(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))
			assert.Error(t, store.Create(ctx, pendingRecord("task-1", t0)))

			started := pendingRecord("task-2", t0)
			started.State = domain.StateStarted
			assert.ErrorIs(t, store.Create(ctx, started), domain.ErrInvalidTransition)
		})
	}
}

func TestStore_ListPagination(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			for i := 0; i < 5; i++ {
				require.NoError(t, store.Create(ctx, pendingRecord(fmt.Sprintf("task-%d", i), t0.Add(time.Duration(i)*time.Second))))
			}
			_, err := store.Claim(ctx, "task-3", "worker-a", t0, false)
			require.NoError(t, err)

			page, err := store.List(ctx, Filter{PageSize: 2})
			require.NoError(t, err)
			require.Len(t, page.Records, 2)
			assert.Equal(t, "task-4", page.Records[0].TaskID)
			assert.Equal(t, "task-3", page.Records[1].TaskID)
			require.NotNil(t, page.NextCursor)

			page, err = store.List(ctx, Filter{PageSize: 2, Cursor: page.NextCursor})
			require.NoError(t, err)
			require.Len(t, page.Records, 2)
			assert.Equal(t, "task-2", page.Records[0].TaskID)
			assert.Equal(t, "task-1", page.Records[1].TaskID)

			page, err = store.List(ctx, Filter{PageSize: 2, Cursor: page.NextCursor})
			require.NoError(t, err)
			require.Len(t, page.Records, 1)
			assert.Equal(t, "task-0", page.Records[0].TaskID)
			assert.Nil(t, page.NextCursor)

			started, err := store.List(ctx, Filter{State: domain.StateStarted})
			require.NoError(t, err)
			require.Len(t, started.Records, 1)
			assert.Equal(t, "task-3", started.Records[0].TaskID)
		})
	}
}

func TestStore_ListStale(t *testing.T) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			for _, id := range []string{"overdue", "silent", "healthy", "pending"} {
				require.NoError(t, store.Create(ctx, pendingRecord(id, t0)))
			}

			_, err := store.Claim(ctx, "overdue", "worker-a", t0, false)
			require.NoError(t, err)
			require.NoError(t, store.Heartbeat(ctx, "overdue", "worker-a", t0.Add(59*time.Minute)))

			_, err = store.Claim(ctx, "silent", "worker-b", t0.Add(30*time.Minute), false)
			require.NoError(t, err)

			_, err = store.Claim(ctx, "healthy", "worker-c", t0.Add(40*time.Minute), false)
			require.NoError(t, err)
			require.NoError(t, store.Heartbeat(ctx, "healthy", "worker-c", t0.Add(58*time.Minute)))

			query := StaleQuery{
				StartedBefore:   t0.Add(10 * time.Minute),
				HeartbeatBefore: t0.Add(55 * time.Minute),
				Limit:           10,
			}
			stale, err := store.ListStale(ctx, query)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"overdue", "silent"}, taskIDs(stale))

			require.NoError(t, store.Create(ctx, pendingRecord("fresh", t0.Add(2*time.Hour))))

			query.PendingBefore = t0.Add(time.Hour)
			stale, err = store.ListStale(ctx, query)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"overdue", "silent", "pending"}, taskIDs(stale))

			query.Limit = 1
			stale, err = store.ListStale(ctx, query)
			require.NoError(t, err)
			assert.Len(t, stale, 1)
		})
	}
}

func taskIDs(records []domain.TaskRecord) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.TaskID)
	}
	return ids
}

type countingStore struct {
	Store
	gets int
}

func (s *countingStore) Get(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	s.gets++
	return s.Store.Get(ctx, taskID)
}

func TestCachedStore_CachesOnlyTerminalRecords(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: newSQLiteStore(t)}
	store, err := NewCachedStore(inner, 16)
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, pendingRecord("task-1", t0)))

	_, err = store.Get(ctx, "task-1")
	require.NoError(t, err)
	_, err = store.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.gets, "pending records are read through")

	_, err = store.Claim(ctx, "task-1", "worker-a", t0, false)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "task-1", "task-1.mp4", t0))

	before := inner.gets
	rec, err := store.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, rec.State)

	rec, err = store.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1.mp4", rec.Artifact)
	assert.Equal(t, before+1, inner.gets, "terminal record served from cache")

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
