// Package store declares interfaces for persisting process run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the process_runs status column.
type RunStatus string

// Run statuses persisted in process_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunTimeout  RunStatus = "timeout"
	RunCanceled RunStatus = "canceled"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch st := RunStatus(s); st {
	case RunRunning, RunSuccess, RunError, RunTimeout, RunCanceled:
		return st, true
	default:
		return "", false
	}
}

// ProcessRun models one row of process_runs.
type ProcessRun struct {
	OwnerID   string
	ProcessID string
	// Type is the process type label.
	Type  string
	Title string
	// Status is running until the run finishes one way or another.
	Status   RunStatus
	Progress int
	// StartedAt is the registration time.
	StartedAt time.Time
	UpdatedAt time.Time
	// FinishedAt is nil while running.
	FinishedAt   *time.Time
	ResultRef    *string
	ErrorMessage *string
}

// RunOutcome describes how a run finished.
type RunOutcome struct {
	Status       RunStatus
	FinishedAt   time.Time
	Progress     int
	ResultRef    *string
	ErrorMessage *string
}

// RunRepository persists the history of tracked processes. It is written
// asynchronously and never read back into the live registry.
type RunRepository interface {
	// UpsertRunStart inserts a running row, resetting any earlier run with the
	// same owner and process id.
	UpsertRunStart(ctx context.Context, run ProcessRun) error
	// RecordProgress stores the latest percentage of a running row.
	RecordProgress(ctx context.Context, ownerID, processID string, progress int, at time.Time) error
	// FinishRun marks a running row finished. Rows already finished are left alone.
	FinishRun(ctx context.Context, ownerID, processID string, outcome RunOutcome) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, ownerID, processID string) (ProcessRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset,
	// newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]ProcessRun, error)
}
