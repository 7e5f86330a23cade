package domain

import (
	"time"
)

// State is the lifecycle state of a task record
type State string

// Task states
const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Failure reasons recorded by the worker and the reaper
const (
	ReasonNoOutput    = "no output produced"
	ReasonHardTimeout = "hard timeout exceeded"
	ReasonWorkerLost  = "worker lost during execution"
	ReasonRedelivered = "redelivery limit exceeded"
	ReasonNeverRun    = "task was never started"
)

// IsTerminal reports whether no further transition is allowed out of s
func IsTerminal(s State) bool {
	switch s {
	case StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states
func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateSuccess, StateFailure:
		return true
	default:
		return false
	}
}

// CanTransition enforces the task state machine.
// STARTED -> STARTED is a re-claim after broker redelivery.
// PENDING -> FAILURE is reserved for the reaper.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateStarted || to == StateFailure
	case StateStarted:
		return to == StateStarted || to == StateSuccess || to == StateFailure
	default:
		return false
	}
}

// JobDescriptor is what a worker must execute for one submission.
// It is immutable once enqueued and travels as the broker message body.
type JobDescriptor struct {
	TaskID    string    `json:"task_id"`
	InputRef  string    `json:"input_ref"`
	Params    Params    `json:"params"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskRecord is the status store entry for one task
type TaskRecord struct {
	TaskID        string     `json:"task_id"`
	State         State      `json:"state"`
	Artifact      string     `json:"artifact,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Attempts      int        `json:"attempts"`
	InputRef      string     `json:"input_ref"`
	Params        Params     `json:"params"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewPendingRecord builds the initial record for an enqueued descriptor
func NewPendingRecord(desc JobDescriptor) TaskRecord {
	return TaskRecord{
		TaskID:    desc.TaskID,
		State:     StatePending,
		InputRef:  desc.InputRef,
		Params:    desc.Params,
		CreatedAt: desc.CreatedAt,
		UpdatedAt: desc.CreatedAt,
	}
}

// Descriptor rebuilds the job descriptor a record was created from
func (r *TaskRecord) Descriptor() JobDescriptor {
	return JobDescriptor{
		TaskID:    r.TaskID,
		InputRef:  r.InputRef,
		Params:    r.Params,
		CreatedAt: r.CreatedAt,
	}
}
