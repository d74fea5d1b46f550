package process

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutMessage is the error recorded on swept orphans.
const TimeoutMessage = "timeout: exceeded expected duration"

const (
	defaultSweepInterval  = 2 * time.Minute
	defaultOrphanDeadline = 10 * time.Minute
)

// Failer transitions a process to error and notifies subscribers.
type Failer interface {
	FailProcess(ownerID, processID, message string) bool
}

// OrphanSource lists stuck processes.
type OrphanSource interface {
	Orphans(now time.Time, deadline time.Duration) []Process
}

// SweeperConfig controls the orphan sweep.
//   - Interval: time between scans (default 2m).
//   - Deadline: age after which an in-progress process is an orphan (default 10m).
type SweeperConfig struct {
	Interval time.Duration
	Deadline time.Duration
	Clock    Clock
	Logger   *zap.Logger
}

// Sweeper periodically fails processes whose pipeline went silent.
type Sweeper struct {
	cfg    SweeperConfig
	source OrphanSource
	failer Failer
	clock  Clock
	logger *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewSweeper builds a Sweeper. Call Start to begin scanning.
func NewSweeper(cfg SweeperConfig, source OrphanSource, failer Failer) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultOrphanDeadline
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cfg:    cfg,
		source: source,
		failer: failer,
		clock:  clock,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the scan loop. It runs until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

// Stop ends the scan loop and waits for it to exit. Safe to call without
// Start and more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	// Never started: mark done so a later Start is a no-op.
	s.startOnce.Do(func() {
		close(s.doneCh)
	})
	<-s.doneCh
}

// SweepOnce fails every orphan as of now and returns how many transitioned.
func (s *Sweeper) SweepOnce(now time.Time) int {
	swept := 0
	for _, p := range s.source.Orphans(now, s.cfg.Deadline) {
		if s.failer.FailProcess(p.OwnerID, p.ID, TimeoutMessage) {
			swept++
			s.logger.Warn("orphaned process timed out",
				zap.String("owner_id", p.OwnerID),
				zap.String("process_id", p.ID),
				zap.String("type", string(p.Type)),
				zap.Duration("age", now.Sub(p.CreatedAt)),
			)
		}
	}
	return swept
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce(s.clock.Now())
		}
	}
}
