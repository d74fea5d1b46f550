package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-process-hub/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRunStart(ctx, store.ProcessRun{
		OwnerID: "u1", ProcessID: "t1", Type: "transcription", Title: "Demo", StartedAt: start,
	}))
	require.NoError(t, s.RecordProgress(ctx, "u1", "t1", 40, start.Add(time.Second)))

	ref := "doc-42"
	require.NoError(t, s.FinishRun(ctx, "u1", "t1", store.RunOutcome{
		Status: store.RunSuccess, FinishedAt: start.Add(2 * time.Second), Progress: 100, ResultRef: &ref,
	}))
	ref = "mutated"

	// A late removal must not overwrite the outcome.
	require.NoError(t, s.FinishRun(ctx, "u1", "t1", store.RunOutcome{Status: store.RunCanceled, FinishedAt: start}))
	require.NoError(t, s.RecordProgress(ctx, "u1", "t1", 10, start.Add(time.Hour)))

	run, err := s.GetRun(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, 100, run.Progress)
	require.Equal(t, "doc-42", *run.ResultRef)
	require.NotNil(t, run.FinishedAt)

	_, err = s.GetRun(ctx, "u1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.UpsertRunStart(ctx, store.ProcessRun{
			OwnerID: "u1", ProcessID: id, StartedAt: start.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.FinishRun(ctx, "u1", "b", store.RunOutcome{Status: store.RunError, FinishedAt: start}))

	all, err := s.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ProcessID, "newest first")

	running := store.RunRunning
	page, err := s.ListRuns(ctx, &running, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "a", page[0].ProcessID)

	empty, err := s.ListRuns(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
}
