package status

import (
	"context"
	"time"

	"github.com/cuongbtq/lumi-dubbing/internal/domain"
)

// DefaultPageSize is used when a listing does not ask for a page size
const DefaultPageSize = 20

// MaxPageSize caps a single listing page
const MaxPageSize = 100

// Store persists task records and enforces the task state machine.
// Every transition is a conditional write: a record that already left the
// expected state is reported as domain.ErrInvalidTransition and left untouched.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a PENDING record
	Create(ctx context.Context, rec *domain.TaskRecord) error
	// Discard deletes a record that is still PENDING (admission rollback)
	Discard(ctx context.Context, taskID string) error
	// Claim moves PENDING to STARTED for workerID, or re-claims a STARTED record when reclaim is set
	Claim(ctx context.Context, taskID, workerID string, at time.Time, reclaim bool) (*domain.TaskRecord, error)
	// Heartbeat refreshes the liveness stamp of a STARTED record owned by workerID
	Heartbeat(ctx context.Context, taskID, workerID string, at time.Time) error
	// Complete moves STARTED to SUCCESS with the artifact name
	Complete(ctx context.Context, taskID, artifact string, at time.Time) error
	// Fail moves PENDING or STARTED to FAILURE with the reason
	Fail(ctx context.Context, taskID, reason string, at time.Time) error
	// Get returns the record or domain.ErrNotFound
	Get(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	// List returns records newest first
	List(ctx context.Context, filter Filter) (*Page, error)
	// ListStale returns the abandoned records selected by query
	ListStale(ctx context.Context, query StaleQuery) ([]domain.TaskRecord, error)
}

// StaleQuery selects abandoned records for ListStale. A STARTED record is
// stale when it started before StartedBefore or its last heartbeat is older
// than HeartbeatBefore.
type StaleQuery struct {
	StartedBefore   time.Time
	HeartbeatBefore time.Time
	// PendingBefore also selects PENDING records created before it; zero leaves PENDING records out
	PendingBefore time.Time
	Limit         int
}

// Filter selects records for List
type Filter struct {
	State    domain.State
	PageSize int
	Cursor   *Cursor
}

// Cursor is the keyset position of the last record of a page
type Cursor struct {
	CreatedAt time.Time
	TaskID    string
}

// Page is one listing page; NextCursor is nil on the last page
type Page struct {
	Records    []domain.TaskRecord
	NextCursor *Cursor
}

func (f Filter) pageSize() int {
	switch {
	case f.PageSize <= 0:
		return DefaultPageSize
	case f.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return f.PageSize
	}
}

// newPage trims a result fetched with one extra row into a page
func newPage(records []domain.TaskRecord, size int) *Page {
	page := &Page{Records: records}
	if len(records) > size {
		page.Records = records[:size]
		last := page.Records[size-1]
		page.NextCursor = &Cursor{CreatedAt: last.CreatedAt, TaskID: last.TaskID}
	}
	return page
}
