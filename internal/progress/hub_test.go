package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRegistered))
	hub.Emit(sampleEvent(StageUpdate))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRegistered))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRegistered))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubDropsInvalidEvents keeps malformed events away from sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageRegistered, TS: time.Now()})
	hub.Emit(Event{OwnerID: "u", ProcessID: "p", Stage: "BOGUS", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageComplete))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageUpdate))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

// TestHubSinkErrorsDoNotStopDelivery keeps flushing to later sinks when one fails.
func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := sinkFunc(func(context.Context, []Event) error { return errors.New("boom") })
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, nil, sink)
	hub.Emit(sampleEvent(StageError))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

func TestHubFoldsSupersededUpdates(t *testing.T) {
	t.Parallel()

	at := func(stage Stage, processID string, pct int) Event {
		evt := sampleEvent(stage)
		evt.ProcessID = processID
		evt.Progress = pct
		return evt
	}
	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	for _, evt := range []Event{
		at(StageRegistered, "p1", 0),
		at(StageUpdate, "p1", 10),
		at(StageUpdate, "p2", 5),
		at(StageUpdate, "p1", 20),
		at(StageUpdate, "p1", 30),
		at(StageComplete, "p1", 100),
		at(StageUpdate, "p1", 100),
		at(StageUpdate, "p2", 50),
	} {
		hub.Emit(evt)
	}
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	type seen struct {
		stage Stage
		id    string
		pct   int
	}
	got := make([]seen, 0, len(batches[0]))
	for _, evt := range batches[0] {
		got = append(got, seen{evt.Stage, evt.ProcessID, evt.Progress})
	}
	require.Equal(t, []seen{
		{StageRegistered, "p1", 0},
		{StageUpdate, "p1", 30},
		{StageComplete, "p1", 100},
		{StageUpdate, "p1", 100},
		{StageUpdate, "p2", 50},
	}, got)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRegistered))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageAutoRemoved).Validate())

	evt := sampleEvent(StageUpdate)
	evt.Progress = 101
	require.Error(t, evt.Validate())

	evt = sampleEvent(StageUpdate)
	evt.Dur = -time.Second
	require.Error(t, evt.Validate())

	evt = sampleEvent(StageUpdate)
	evt.TS = time.Time{}
	require.Error(t, evt.Validate())

	require.True(t, StageTimeout.Terminal())
	require.False(t, StageRemoved.Terminal())
	require.Equal(t, "u1/p1", sampleEvent(StageUpdate).RunKey())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		OwnerID:   "u1",
		ProcessID: "p1",
		Kind:      "analysis",
		TS:        time.Now(),
		Stage:     stage,
	}
}
