package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a task record or artifact does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status update would leave a terminal state
	// or skip a step of the state machine
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrQueueUnavailable is returned when the broker cannot accept a descriptor
	ErrQueueUnavailable = errors.New("task queue unavailable")

	// ErrStorageUnavailable is returned when the artifact or status store cannot be written at admission
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoOutput is returned by the pipeline when it finished without producing an artifact
	ErrNoOutput = errors.New(ReasonNoOutput)

	// ErrInvalidPayload is returned when a broker message cannot be decoded into a descriptor
	ErrInvalidPayload = errors.New("invalid job payload")
)

// AdmissionError rejects a submission before anything is enqueued
type AdmissionError struct {
	Field  string
	Reason string
}

func (e *AdmissionError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewAdmissionError creates a new admission error
func NewAdmissionError(field, reason string) error {
	return &AdmissionError{Field: field, Reason: reason}
}

// PipelineError is a failure reported by the pipeline collaborator
type PipelineError struct {
	Reason string
	Err    error
}

func (e *PipelineError) Error() string {
	return e.Reason
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// TimeoutKind distinguishes the cooperative and the forced execution budget
type TimeoutKind string

const (
	TimeoutSoft TimeoutKind = "soft"
	TimeoutHard TimeoutKind = "hard"
)

// TimeoutError is raised when a job outlives its execution budget
type TimeoutError struct {
	Kind   TimeoutKind
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Kind == TimeoutHard {
		return ReasonHardTimeout
	}
	return fmt.Sprintf("%s timeout exceeded after %s", e.Kind, e.Budget)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
