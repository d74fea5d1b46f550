package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-process-hub/internal/store"
)

// RunStore provides an in-memory store.RunRepository for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[runKey]store.ProcessRun
}

type runKey struct {
	ownerID   string
	processID string
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[runKey]store.ProcessRun)}
}

// UpsertRunStart stores a running row, replacing any earlier run.
func (s *RunStore) UpsertRunStart(_ context.Context, run store.ProcessRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ResultRef = nil
	run.ErrorMessage = nil
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	s.runs[runKey{run.OwnerID, run.ProcessID}] = run
	return nil
}

// RecordProgress updates the percentage of a running row.
func (s *RunStore) RecordProgress(_ context.Context, ownerID, processID string, progress int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{ownerID, processID}
	run, ok := s.runs[key]
	if !ok || run.Status != store.RunRunning {
		return nil
	}
	run.Progress = progress
	run.UpdatedAt = at
	s.runs[key] = run
	return nil
}

// FinishRun marks a running row finished.
func (s *RunStore) FinishRun(_ context.Context, ownerID, processID string, outcome store.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey{ownerID, processID}
	run, ok := s.runs[key]
	if !ok || run.Status != store.RunRunning {
		return nil
	}
	run.Status = outcome.Status
	run.Progress = outcome.Progress
	run.FinishedAt = pointerTime(outcome.FinishedAt)
	run.UpdatedAt = outcome.FinishedAt
	run.ResultRef = cloneString(outcome.ResultRef)
	run.ErrorMessage = cloneString(outcome.ErrorMessage)
	s.runs[key] = run
	return nil
}

// GetRun fetches a run by owner and process id.
func (s *RunStore) GetRun(_ context.Context, ownerID, processID string) (store.ProcessRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey{ownerID, processID}]
	if !ok {
		return store.ProcessRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.ProcessRun, error) {
	s.mu.RLock()
	out := make([]store.ProcessRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.ProcessRun) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OwnerID, b.OwnerID); c != 0 {
			return c
		}
		return cmp.Compare(a.ProcessID, b.ProcessID)
	})
	if offset >= len(out) {
		return []store.ProcessRun{}, nil
	}
	out = out[max(offset, 0):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
