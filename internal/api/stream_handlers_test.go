package api

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-process-hub/internal/broadcast"
	"github.com/JakeFAU/realtime-process-hub/internal/config"
)

func TestStreamProcesses_DeliversSnapshotThenEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, events := openStream(ctx, t, srv.URL+"/api/processes/stream?owner_id=u1")
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first := nextEvent(t, events)
	require.Equal(t, broadcast.EventProcessesList, first.name)
	require.JSONEq(t, `{"processes":[]}`, first.data)

	call(t, srv.URL+"/api/processes", http.MethodPost,
		`{"id":"t1","owner_id":"u1","type":"transcription","title":"Call"}`, http.StatusCreated)
	call(t, srv.URL+"/api/processes/u1/t1", http.MethodPatch, `{"progress":40}`, http.StatusAccepted)
	call(t, srv.URL+"/api/processes/u1/t1", http.MethodDelete, "", http.StatusNoContent)

	require.Equal(t, broadcast.EventProcessRegistered, nextEvent(t, events).name)
	update := nextEvent(t, events)
	require.Equal(t, broadcast.EventProcessUpdate, update.name)
	require.Contains(t, update.data, `"progress":40`)
	removed := nextEvent(t, events)
	require.Equal(t, broadcast.EventProcessRemoved, removed.name)
	require.JSONEq(t, `{"process_id":"t1","owner_id":"u1"}`, removed.data)

	require.Equal(t, 1, env.hub.StreamCount())
	cancel()
	require.Eventually(t, func() bool { return env.hub.StreamCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamProcesses_OwnerFromHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/processes/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Owner-ID", "u2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(resp)
	require.Equal(t, broadcast.EventProcessesList, nextEvent(t, events).name)
}

func TestStreamProcesses_RequiresOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/processes/stream", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "owner_id is required")
}

func TestStreamProgress_HelloPushAndCompletion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events := openStream(ctx, t, srv.URL+"/api/progress/op-1/stream")

	hello := nextEvent(t, events)
	require.Equal(t, broadcast.EventProgress, hello.name)
	require.JSONEq(t,
		`{"percentage":0,"message":"Initializing...","step":"init","step_status":"in-progress"}`,
		hello.data)

	call(t, srv.URL+"/api/progress/op-1", http.MethodPost,
		`{"percentage":30,"message":"Transcribing","step":"asr","step_status":"in-progress",`+
			`"operation_type":"transcription","method":"deepgram"}`,
		http.StatusAccepted)
	call(t, srv.URL+"/api/progress/op-1/complete", http.MethodPost,
		`{"operation_type":"transcription","result":{"doc":"doc-42"}}`, http.StatusAccepted)

	update := nextEvent(t, events)
	require.Equal(t, broadcast.EventProgress, update.name)
	require.Contains(t, update.data, `"message":"Transcribing [Deepgram]"`)
	done := nextEvent(t, events)
	require.Equal(t, broadcast.EventComplete, done.name)
	require.JSONEq(t, `{"operation_type":"transcription","result":{"doc":"doc-42"}}`, done.data)
}

func TestStreamProgress_ReplacedStreamEndsOldRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, oldEvents := openStream(ctx, t, srv.URL+"/api/progress/op-2/stream")
	nextEvent(t, oldEvents)
	_, newEvents := openStream(ctx, t, srv.URL+"/api/progress/op-2/stream")
	nextEvent(t, newEvents)

	// The first response body ends once its writer is replaced.
	select {
	case _, ok := <-oldEvents:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced stream still open")
	}
	require.Equal(t, 1, env.hub.StreamCount())
}

func TestStreamOpen_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.StreamOpensPerSecond = 0.001
		cfg.RateLimit.Burst = 1
	})
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events := openStream(ctx, t, srv.URL+"/api/progress/op-3/stream")
	nextEvent(t, events)

	rec := env.do(http.MethodGet, "/api/progress/op-3/stream", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	metricsBody := env.do(http.MethodGet, "/metrics", "").Body.String()
	require.Contains(t, metricsBody, `processhub_stream_opens_rejected_total{channel="progress"} 1`)
}

type sseEvent struct {
	name string
	data string
}

func openStream(ctx context.Context, t *testing.T, url string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp, readEvents(resp)
}

// readEvents parses frames off the body until it closes. Comment lines are
// skipped.
func readEvents(resp *http.Response) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var cur sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.name != "" {
					out <- cur
				}
				cur = sseEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				cur.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "stream closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func call(t *testing.T, url, method, body string, want int) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, want, resp.StatusCode)
}
