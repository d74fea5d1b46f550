package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/progress"
	"github.com/JakeFAU/realtime-process-hub/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Progress updates
// are collapsed per run so a batch writes each run's percentage once.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies lifecycle transitions in order, then writes the latest
// percentage of every updated run. It respects ctx deadlines and returns any
// repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[runKey]progressDelta)

	for _, evt := range batch {
		if evt.Stage == progress.StageUpdate {
			s.recordProgress(latest, evt)
			continue
		}
		if err := s.handleLifecycle(ctx, evt); err != nil {
			return err
		}
	}

	for key, delta := range latest {
		if err := s.repo.RecordProgress(ctx, key.ownerID, key.processID, delta.progress, delta.at); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleLifecycle(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRegistered:
		run := store.ProcessRun{
			OwnerID:   evt.OwnerID,
			ProcessID: evt.ProcessID,
			Type:      evt.Kind,
			Title:     evt.Title,
			Status:    store.RunRunning,
			Progress:  evt.Progress,
			StartedAt: evt.TS,
			UpdatedAt: evt.TS,
		}
		if err := s.repo.UpsertRunStart(ctx, run); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
		return nil
	case progress.StageComplete:
		return s.finish(ctx, evt, store.RunSuccess)
	case progress.StageError:
		return s.finish(ctx, evt, store.RunError)
	case progress.StageTimeout:
		return s.finish(ctx, evt, store.RunTimeout)
	case progress.StageRemoved:
		// Only rows still running are affected, so removing a finished
		// process keeps its outcome.
		return s.finish(ctx, evt, store.RunCanceled)
	default:
		return nil
	}
}

func (s *StoreSink) finish(ctx context.Context, evt progress.Event, status store.RunStatus) error {
	outcome := store.RunOutcome{
		Status:       status,
		FinishedAt:   evt.TS,
		Progress:     evt.Progress,
		ResultRef:    optional(evt.ResultRef),
		ErrorMessage: optional(evt.Note),
	}
	if err := s.repo.FinishRun(ctx, evt.OwnerID, evt.ProcessID, outcome); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *StoreSink) recordProgress(latest map[runKey]progressDelta, evt progress.Event) {
	key := runKey{ownerID: evt.OwnerID, processID: evt.ProcessID}
	if cur, ok := latest[key]; ok && cur.at.After(evt.TS) {
		return
	}
	latest[key] = progressDelta{progress: evt.Progress, at: evt.TS}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runKey struct {
	ownerID   string
	processID string
}

type progressDelta struct {
	progress int
	at       time.Time
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
