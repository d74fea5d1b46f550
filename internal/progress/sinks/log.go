package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/progress"
)

// LogSink emits structured logs for lifecycle events. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Progress
// updates go to debug, transitions to info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("owner_id", evt.OwnerID),
			zap.String("process_id", evt.ProcessID),
			zap.String("type", evt.Kind),
			zap.String("stage", string(evt.Stage)),
			zap.Int("progress", evt.Progress),
			zap.Time("ts", evt.TS),
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.ResultRef != "" {
			fields = append(fields, zap.String("result_ref", evt.ResultRef))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageUpdate {
			s.logger.Debug("process lifecycle", fields...)
			continue
		}
		s.logger.Info("process lifecycle", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
