package process

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateRejectsIncompleteRegistrations(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	for _, bad := range []Registration{
		{OwnerID: "u1", Type: TypeAnalysis, Title: "X"},
		{ID: "a1", OwnerID: "u1", Title: "X"},
		{ID: "a1", OwnerID: "u1", Type: TypeAnalysis},
		{ID: "a1", Type: TypeAnalysis, Title: "X"},
		{ID: "  ", OwnerID: "u1", Type: TypeAnalysis, Title: "X"},
	} {
		_, err := reg.Create(bad)
		require.ErrorIs(t, err, ErrInvalidProcess)
	}
	require.Empty(t, reg.ListAll())
}

func TestCreateRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	in := Registration{ID: "a1", OwnerID: "u1", Type: TypeAnalysis, Title: "X"}
	_, err := reg.Create(in)
	require.NoError(t, err)
	_, err = reg.Create(in)
	require.ErrorIs(t, err, ErrDuplicateProcess)

	in.OwnerID = "u2"
	_, err = reg.Create(in)
	require.NoError(t, err, "ids are scoped per owner")
}

func TestTranscriptionLifecycle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := NewRegistry(Config{Clock: clock, GracePeriod: 30 * time.Millisecond})

	p, err := reg.Create(Registration{
		ID:       "t1",
		OwnerID:  "u1",
		Type:     TypeTranscription,
		Title:    "Demo",
		Metadata: map[string]any{"duration_seconds": 180},
	})
	require.NoError(t, err)
	require.Equal(t, 3, p.EstimatedMinutes)
	require.Equal(t, StatusInProgress, p.Status)
	require.Equal(t, 0, p.Progress)

	clock.Advance(time.Second)
	_, ok := reg.Update("u1", "t1", Update{Progress: ptr(40)})
	require.True(t, ok)
	list := reg.List("u1")
	require.Len(t, list, 1)
	require.Equal(t, 40, list[0].Progress)
	require.Equal(t, StatusInProgress, list[0].Status)
	require.True(t, list[0].LastUpdatedAt.After(list[0].CreatedAt))

	done, ok := reg.Complete("u1", "t1", Completion{ResultRef: "doc-42"})
	require.True(t, ok)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 100, done.Progress)
	require.Equal(t, "doc-42", done.ResultRef)
	require.NotNil(t, done.CompletedAt)

	require.Len(t, reg.List("u1"), 1, "completed process stays listable during the grace period")
	require.Eventually(t, func() bool { return len(reg.List("u1")) == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, reg.ListAll())
}

func TestErrorPersistsUntilRemoved(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{GracePeriod: 10 * time.Millisecond})
	_, err := reg.Create(Registration{ID: "a1", OwnerID: "u1", Type: TypeAnalysis, Title: "X"})
	require.NoError(t, err)

	p, ok := reg.Fail("u1", "a1", "upstream failure")
	require.True(t, ok)
	require.Equal(t, StatusError, p.Status)
	require.Equal(t, "upstream failure", p.Error)
	require.NotNil(t, p.ErroredAt)

	time.Sleep(40 * time.Millisecond)
	require.Len(t, reg.List("u1"), 1)

	_, ok = reg.Remove("u1", "a1")
	require.True(t, ok)
	require.Empty(t, reg.List("u1"))
	_, ok = reg.Remove("u1", "a1")
	require.False(t, ok)
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{GracePeriod: time.Hour})
	defer reg.Close()
	for _, id := range []string{"c", "e"} {
		_, err := reg.Create(Registration{ID: id, OwnerID: "u1", Type: TypeGeneric, Title: id})
		require.NoError(t, err)
	}
	_, ok := reg.Complete("u1", "c", Completion{})
	require.True(t, ok)
	_, ok = reg.Fail("u1", "e", "boom")
	require.True(t, ok)

	_, ok = reg.Fail("u1", "c", "late")
	require.False(t, ok)
	_, ok = reg.Complete("u1", "c", Completion{ResultRef: "other"})
	require.False(t, ok)
	_, ok = reg.Complete("u1", "e", Completion{})
	require.False(t, ok)

	p, ok := reg.Update("u1", "c", Update{Progress: ptr(10), Message: ptr("note"), Metadata: map[string]any{"k": "v"}})
	require.True(t, ok)
	require.Equal(t, StatusCompleted, p.Status)
	require.Equal(t, 100, p.Progress)
	require.Equal(t, "note", p.Message)
	require.Equal(t, "v", p.Metadata["k"])

	p, _ = reg.Get("u1", "e")
	require.Equal(t, StatusError, p.Status)
	require.Equal(t, "boom", p.Error)
}

func TestUnknownProcessOperationsAreNoOps(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	_, ok := reg.Update("u1", "nope", Update{Progress: ptr(1)})
	require.False(t, ok)
	_, ok = reg.Complete("u1", "nope", Completion{})
	require.False(t, ok)
	_, ok = reg.Fail("u1", "nope", "x")
	require.False(t, ok)
	require.Empty(t, reg.ListAll())
}

func TestUpdateDoesNotEnforceMonotonicProgress(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{})
	_, err := reg.Create(Registration{ID: "p", OwnerID: "u", Type: TypeMockup, Title: "M"})
	require.NoError(t, err)
	reg.Update("u", "p", Update{Progress: ptr(70)})
	p, _ := reg.Update("u", "p", Update{Progress: ptr(30)})
	require.Equal(t, 30, p.Progress)
	p, _ = reg.Update("u", "p", Update{Progress: ptr(250)})
	require.Equal(t, 100, p.Progress)
}

func TestRemoveCancelsAutoRemoval(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var expired []string
	reg := NewRegistry(Config{
		GracePeriod: 20 * time.Millisecond,
		OnExpire: func(expire func() (Process, bool)) {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := expire(); ok {
				expired = append(expired, p.ID)
			}
		},
	})
	for _, id := range []string{"keep-timer", "removed-early"} {
		_, err := reg.Create(Registration{ID: id, OwnerID: "u1", Type: TypeGeneric, Title: id})
		require.NoError(t, err)
		reg.Complete("u1", id, Completion{})
	}
	_, ok := reg.Remove("u1", "removed-early")
	require.True(t, ok)

	// A new process reusing the id after removal must not be expired by the
	// old timer.
	_, err := reg.Create(Registration{ID: "removed-early", OwnerID: "u1", Type: TypeGeneric, Title: "again"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"keep-timer"}, expired)
	mu.Unlock()
	p, ok := reg.Get("u1", "removed-early")
	require.True(t, ok)
	require.Equal(t, StatusInProgress, p.Status)
}

func TestExpiryRemovesInsideCallerHook(t *testing.T) {
	t.Parallel()

	var reg *Registry
	type observation struct {
		presentBefore bool
		removed       bool
		presentAfter  bool
	}
	seen := make(chan observation, 1)
	reg = NewRegistry(Config{
		GracePeriod: 10 * time.Millisecond,
		OnExpire: func(expire func() (Process, bool)) {
			var obs observation
			_, obs.presentBefore = reg.Get("u1", "c1")
			_, obs.removed = expire()
			_, obs.presentAfter = reg.Get("u1", "c1")
			seen <- obs
		},
	})
	_, err := reg.Create(Registration{ID: "c1", OwnerID: "u1", Type: TypeGeneric, Title: "C"})
	require.NoError(t, err)
	_, ok := reg.Complete("u1", "c1", Completion{})
	require.True(t, ok)

	select {
	case obs := <-seen:
		require.Equal(t, observation{presentBefore: true, removed: true, presentAfter: false}, obs)
	case <-time.After(time.Second):
		t.Fatal("grace timer did not fire")
	}
}

func TestListReturnsCopiesAndDropsEmptyOwners(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := NewRegistry(Config{Clock: clock})
	_, err := reg.Create(Registration{ID: "b", OwnerID: "u2", Type: TypeGeneric, Title: "B", Metadata: map[string]any{"k": 1}})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = reg.Create(Registration{ID: "a", OwnerID: "u1", Type: TypeGeneric, Title: "A"})
	require.NoError(t, err)

	all := reg.ListAll()
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].ID, "ordered by creation time")
	all[0].Metadata["k"] = 2
	all[0].Title = "changed"
	p, _ := reg.Get("u2", "b")
	require.Equal(t, 1, p.Metadata["k"])
	require.Equal(t, "B", p.Title)

	reg.Remove("u2", "b")
	reg.mu.Lock()
	_, ok := reg.owners["u2"]
	reg.mu.Unlock()
	require.False(t, ok)
}

func TestOrphans(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reg := NewRegistry(Config{Clock: clock})
	_, err := reg.Create(Registration{ID: "old", OwnerID: "u1", Type: TypeGeneric, Title: "old"})
	require.NoError(t, err)
	_, err = reg.Create(Registration{ID: "old-done", OwnerID: "u1", Type: TypeGeneric, Title: "done"})
	require.NoError(t, err)
	reg.Fail("u1", "old-done", "x")
	clock.Advance(11 * time.Minute)
	_, err = reg.Create(Registration{ID: "fresh", OwnerID: "u2", Type: TypeGeneric, Title: "fresh"})
	require.NoError(t, err)

	orphans := reg.Orphans(clock.Now(), 10*time.Minute)
	require.Len(t, orphans, 1)
	require.Equal(t, "old", orphans[0].ID)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr[T any](v T) *T {
	return &v
}
