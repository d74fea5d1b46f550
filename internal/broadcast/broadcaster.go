package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/process"
	"github.com/JakeFAU/realtime-process-hub/internal/progress"
	"github.com/JakeFAU/realtime-process-hub/internal/sse"
	"github.com/JakeFAU/realtime-process-hub/internal/stream"
)

// Scope selects which panels receive a process event.
type Scope string

// Supported scopes.
const (
	// ScopeGlobal delivers to every open processes stream.
	ScopeGlobal Scope = "global"
	// ScopeOwner delivers only to the owner's processes stream.
	ScopeOwner Scope = "owner"
)

// ParseScope maps a config string to a Scope. Empty means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeOwner:
		return ScopeOwner, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// Config wires the hub. Zero values pick the registry defaults.
//   - KeepaliveInterval: idle ping period per stream (30s).
//   - QueueSize: frames buffered per stream (64).
//   - GracePeriod: delay before a completed process disappears (10s).
//   - SweepInterval / OrphanDeadline: orphan scan period (2m) and age (10m).
type Config struct {
	KeepaliveInterval time.Duration
	QueueSize         int
	GracePeriod       time.Duration
	SweepInterval     time.Duration
	OrphanDeadline    time.Duration
	Scope             Scope

	Clock     process.Clock
	Estimator func(process.Type, map[string]any) int
	Emitter   progress.Emitter
	Observer  stream.Observer
	Logger    *zap.Logger
}

// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	scope   Scope
	clock   process.Clock
	emitter progress.Emitter
	logger  *zap.Logger

	streams *stream.Registry
	procs   *process.Registry
	sweeper *process.Sweeper

	// mu orders registry mutations with the events they enqueue, so every
	// subscriber sees one process's events in registry order.
	mu        sync.Mutex
	closeOnce sync.Once
}

// New builds a Broadcaster. Call Start to run the orphan sweeper.
func New(cfg Config) *Broadcaster {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = process.SystemClock{}
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	b := &Broadcaster{
		scope:   scope,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}
	b.streams = stream.NewRegistry(stream.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		QueueSize:         cfg.QueueSize,
		Logger:            logger.Named("streams"),
		Observer:          cfg.Observer,
	})
	b.procs = process.NewRegistry(process.Config{
		GracePeriod: cfg.GracePeriod,
		Clock:       clock,
		OnExpire:    b.autoRemove,
		Estimator:   cfg.Estimator,
		Logger:      logger.Named("processes"),
	})
	b.sweeper = process.NewSweeper(process.SweeperConfig{
		Interval: cfg.SweepInterval,
		Deadline: cfg.OrphanDeadline,
		Clock:    clock,
		Logger:   logger.Named("sweeper"),
	}, b.procs, timeoutFailer{b})
	return b
}

// Start runs the orphan sweeper until ctx is done or Close is called.
func (b *Broadcaster) Start(ctx context.Context) {
	b.sweeper.Start(ctx)
}

// Close stops the sweeper, cancels pending auto-removals and stops every
// stream writer. Process records stay listable.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.sweeper.Stop()
		b.procs.Close()
		b.streams.Close()
	})
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("broadcaster close: %w", err)
		}
	}
	return nil
}

// OpenProgressStream registers a single-operation stream and queues the
// initializing event.
func (b *Broadcaster) OpenProgressStream(operationKey string, t sse.Transport) (stream.Handle, error) {
	if strings.TrimSpace(operationKey) == "" {
		return stream.Handle{}, fmt.Errorf("operation key is required")
	}
	return b.streams.Register(stream.ProgressKey(operationKey), stream.ChannelProgress, t,
		sse.Event{Name: EventProgress, Data: initializing})
}

// OpenProcessesStream registers the owner's panel stream and queues a
// snapshot of every known process ahead of any later event.
func (b *Broadcaster) OpenProcessesStream(ownerID string, t sse.Transport) (stream.Handle, error) {
	if strings.TrimSpace(ownerID) == "" {
		return stream.Handle{}, fmt.Errorf("owner id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := ProcessesList{Processes: b.procs.ListAll()}
	return b.streams.Register(stream.ProcessesKey(ownerID), stream.ChannelProcesses, t, frame(snapshot))
}

// CloseStream unregisters h. It returns once the stream writer has exited.
func (b *Broadcaster) CloseStream(key string, h stream.Handle) {
	b.streams.Remove(key, h)
}

// PushProgress forwards p to the single-operation stream under operationKey.
func (b *Broadcaster) PushProgress(operationKey string, p Progress) bool {
	return b.streams.Send(stream.ChannelProgress, stream.ProgressKey(operationKey),
		sse.Event{Name: EventProgress, Data: annotate(p)})
}

// PushCompletion sends the terminal complete event of a single operation.
func (b *Broadcaster) PushCompletion(operationKey string, result any, operationType string) bool {
	return b.streams.Send(stream.ChannelProgress, stream.ProgressKey(operationKey), sse.Event{
		Name: EventComplete,
		Data: Completion{OperationType: operationType, Result: result},
	})
}

// RegisterProcess records a new in-progress process and announces it.
func (b *Broadcaster) RegisterProcess(reg process.Registration) (process.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.procs.Create(reg)
	if err != nil {
		return process.Process{}, fmt.Errorf("register process: %w", err)
	}
	b.publish(p.OwnerID, ProcessRegistered{Process: p})
	b.emit(progress.StageRegistered, p, "")
	return p, nil
}

// UpdateProcess applies a partial update. Unknown processes are ignored.
func (b *Broadcaster) UpdateProcess(ownerID, processID string, u process.Update) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs.Update(ownerID, processID, u)
	if !ok {
		return false
	}
	b.publish(ownerID, ProcessUpdated{Process: p})
	b.emit(progress.StageUpdate, p, "")
	return true
}

// CompleteProcess marks a process completed; it disappears after the grace
// period.
func (b *Broadcaster) CompleteProcess(ownerID, processID string, c process.Completion) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs.Complete(ownerID, processID, c)
	if !ok {
		return false
	}
	b.publish(ownerID, ProcessCompleted{Process: p})
	b.emit(progress.StageComplete, p, "")
	return true
}

// FailProcess marks a process errored. It satisfies process.Failer.
func (b *Broadcaster) FailProcess(ownerID, processID, message string) bool {
	return b.fail(ownerID, processID, message, progress.StageError)
}

func (b *Broadcaster) fail(ownerID, processID, message string, stage progress.Stage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs.Fail(ownerID, processID, message)
	if !ok {
		return false
	}
	b.publish(ownerID, ProcessFailed{Process: p})
	b.emit(stage, p, message)
	return true
}

// RemoveProcess discards a process, typically once its result was viewed.
func (b *Broadcaster) RemoveProcess(ownerID, processID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs.Remove(ownerID, processID)
	if !ok {
		return false
	}
	b.publish(ownerID, ProcessRemoved{ProcessID: processID, OwnerID: ownerID})
	b.emit(progress.StageRemoved, p, "")
	return true
}

// GetProcess returns one process.
func (b *Broadcaster) GetProcess(ownerID, processID string) (process.Process, bool) {
	return b.procs.Get(ownerID, processID)
}

// ListProcesses returns the owner's processes.
func (b *Broadcaster) ListProcesses(ownerID string) []process.Process {
	return b.procs.List(ownerID)
}

// ListAllProcesses returns every known process.
func (b *Broadcaster) ListAllProcesses() []process.Process {
	return b.procs.ListAll()
}

// StreamCount returns the number of open streams.
func (b *Broadcaster) StreamCount() int {
	return b.streams.Len()
}

// autoRemove runs the registry's expiry under b.mu, so a process re-registered
// with the same id is announced after the removal of its predecessor.
func (b *Broadcaster) autoRemove(expire func() (process.Process, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := expire()
	if !ok {
		return
	}
	b.publish(p.OwnerID, ProcessAutoRemoved{ProcessID: p.ID, OwnerID: p.OwnerID})
	b.emit(progress.StageAutoRemoved, p, "")
}

// publish must be called with b.mu held.
func (b *Broadcaster) publish(ownerID string, evt ProcessEvent) {
	if b.scope == ScopeOwner {
		b.streams.Send(stream.ChannelProcesses, stream.ProcessesKey(ownerID), frame(evt))
		return
	}
	b.streams.Broadcast(stream.ChannelProcesses, frame(evt))
}

func (b *Broadcaster) emit(stage progress.Stage, p process.Process, note string) {
	now := b.clock.Now()
	evt := progress.Event{
		OwnerID:   p.OwnerID,
		ProcessID: p.ID,
		Kind:      string(p.Type),
		Title:     p.Title,
		TS:        now,
		Stage:     stage,
		Progress:  p.Progress,
		ResultRef: p.ResultRef,
		Note:      note,
	}
	if stage.Terminal() || stage == progress.StageRemoved {
		evt.Dur = p.Runtime(now)
	}
	b.emitter.Emit(evt)
}

// timeoutFailer routes sweeper failures through the error path while tagging
// the lifecycle event as a timeout.
type timeoutFailer struct {
	b *Broadcaster
}

func (f timeoutFailer) FailProcess(ownerID, processID, message string) bool {
	return f.b.fail(ownerID, processID, message, progress.StageTimeout)
}
