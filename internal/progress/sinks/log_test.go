package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-process-hub/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OwnerID: "u1", ProcessID: "a1", Stage: progress.StageUpdate, Progress: 40, TS: now},
		{OwnerID: "u1", ProcessID: "a1", Stage: progress.StageError, Note: "boom", Dur: time.Second, TS: now},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, "boom", entries[1].ContextMap()["note"])
	require.Equal(t, "ERROR", entries[1].ContextMap()["stage"])
}
