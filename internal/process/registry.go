package process

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultGracePeriod = 10 * time.Second

// Config controls a Registry.
//   - GracePeriod: delay between completion and automatic removal (default 10s).
//   - OnExpire: called, outside the registry lock, when a grace timer fires.
//     It must call expire, which removes the process unless it was removed or
//     replaced since the timer was set. Callers hold their own lock around
//     expire to order the removal with their notifications. When nil, the
//     registry calls expire itself.
//   - Estimator: overrides Estimate, mainly for tests.
type Config struct {
	GracePeriod time.Duration
	Clock       Clock
	OnExpire    func(expire func() (Process, bool))
	Estimator   func(Type, map[string]any) int
	Logger      *zap.Logger
}

// Registry is the owner -> (id -> process) table. All methods are safe for
// concurrent use and return copies.
type Registry struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu     sync.Mutex
	owners map[string]map[string]*entry
	closed bool
}

type entry struct {
	proc   Process
	expiry *time.Timer
}

// NewRegistry builds an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Estimator == nil {
		cfg.Estimator = Estimate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		owners: make(map[string]map[string]*entry),
	}
}

// Create validates reg and inserts a new in-progress process.
func (r *Registry) Create(reg Registration) (Process, error) {
	if err := reg.Validate(); err != nil {
		return Process{}, err
	}
	now := r.clock.Now()
	proc := Process{
		ID:               reg.ID,
		OwnerID:          reg.OwnerID,
		Type:             reg.Type,
		Title:            reg.Title,
		Status:           StatusInProgress,
		EstimatedMinutes: r.cfg.Estimator(reg.Type, reg.Metadata),
		CreatedAt:        now,
		LastUpdatedAt:    now,
		Metadata:         mergeMetadata(nil, reg.Metadata),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.owners[reg.OwnerID]
	if _, exists := set[reg.ID]; exists {
		return Process{}, fmt.Errorf("%w: %s/%s", ErrDuplicateProcess, reg.OwnerID, reg.ID)
	}
	if set == nil {
		set = make(map[string]*entry)
		r.owners[reg.OwnerID] = set
	}
	set[reg.ID] = &entry{proc: proc}
	return proc.clone(), nil
}

// Update merges u into the process. Unknown ids are ignored. Terminal
// processes keep their status and percentage.
func (r *Registry) Update(ownerID, processID string, u Update) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(ownerID, processID, "update")
	if e == nil {
		return Process{}, false
	}
	p := &e.proc
	if u.Title != nil && *u.Title != "" {
		p.Title = *u.Title
	}
	if u.Progress != nil && !p.Status.Terminal() {
		p.Progress = clampPercent(*u.Progress)
	}
	if u.Message != nil {
		p.Message = *u.Message
	}
	if u.Step != nil {
		p.Step = *u.Step
	}
	p.Metadata = mergeMetadata(p.Metadata, u.Metadata)
	p.LastUpdatedAt = r.clock.Now()
	return p.clone(), true
}

// Complete moves an in-progress process to completed and schedules its
// removal after the grace period.
func (r *Registry) Complete(ownerID, processID string, c Completion) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(ownerID, processID, "complete")
	if e == nil || !r.inProgress(e, "complete") {
		return Process{}, false
	}
	now := r.clock.Now()
	p := &e.proc
	p.Status = StatusCompleted
	p.Progress = 100
	p.CompletedAt = &now
	p.LastUpdatedAt = now
	if c.ResultRef != "" {
		p.ResultRef = c.ResultRef
	}
	p.Metadata = mergeMetadata(p.Metadata, c.Metadata)
	if !r.closed {
		e.expiry = time.AfterFunc(r.cfg.GracePeriod, func() {
			r.expire(ownerID, processID, e)
		})
	}
	return p.clone(), true
}

// Fail moves an in-progress process to error. Errored processes stay until
// removed explicitly.
func (r *Registry) Fail(ownerID, processID, message string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(ownerID, processID, "error")
	if e == nil || !r.inProgress(e, "error") {
		return Process{}, false
	}
	now := r.clock.Now()
	p := &e.proc
	p.Status = StatusError
	p.ErroredAt = &now
	p.LastUpdatedAt = now
	p.Error = message
	return p.clone(), true
}

// Remove deletes the process and cancels its pending removal. Owners with no
// processes left are dropped.
func (r *Registry) Remove(ownerID, processID string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.owners[ownerID][processID]
	if e == nil {
		return Process{}, false
	}
	r.deleteLocked(ownerID, processID)
	if e.expiry != nil {
		e.expiry.Stop()
	}
	return e.proc.clone(), true
}

// Get returns one process.
func (r *Registry) Get(ownerID, processID string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.owners[ownerID][processID]
	if e == nil {
		return Process{}, false
	}
	return e.proc.clone(), true
}

// List returns the owner's processes ordered by creation time.
func (r *Registry) List(ownerID string) []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Process, 0, len(r.owners[ownerID]))
	for _, e := range r.owners[ownerID] {
		out = append(out, e.proc.clone())
	}
	sortProcesses(out)
	return out
}

// ListAll flattens every owner's processes, ordered by creation time.
func (r *Registry) ListAll() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Process
	for _, set := range r.owners {
		for _, e := range set {
			out = append(out, e.proc.clone())
		}
	}
	sortProcesses(out)
	if out == nil {
		out = []Process{}
	}
	return out
}

// Orphans returns in-progress processes created more than deadline before now.
func (r *Registry) Orphans(now time.Time, deadline time.Duration) []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Process
	for _, set := range r.owners {
		for _, e := range set {
			if e.proc.Status == StatusInProgress && now.Sub(e.proc.CreatedAt) > deadline {
				out = append(out, e.proc.clone())
			}
		}
	}
	sortProcesses(out)
	return out
}

// Close cancels every pending removal timer. Records stay listable.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, set := range r.owners {
		for _, e := range set {
			if e.expiry != nil {
				e.expiry.Stop()
			}
		}
	}
}

func (r *Registry) expire(ownerID, processID string, target *entry) {
	remove := func() (Process, bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.owners[ownerID][processID] != target {
			return Process{}, false
		}
		r.deleteLocked(ownerID, processID)
		r.logger.Debug("process auto-removed", zap.String("owner_id", ownerID), zap.String("process_id", processID))
		return target.proc.clone(), true
	}
	if r.cfg.OnExpire == nil {
		remove()
		return
	}
	r.cfg.OnExpire(remove)
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(ownerID, processID, op string) *entry {
	e := r.owners[ownerID][processID]
	if e == nil {
		r.logger.Debug("ignoring "+op+" for unknown process",
			zap.String("owner_id", ownerID),
			zap.String("process_id", processID),
		)
	}
	return e
}

func (r *Registry) inProgress(e *entry, op string) bool {
	if e.proc.Status == StatusInProgress {
		return true
	}
	r.logger.Debug("ignoring "+op+" for finished process",
		zap.String("owner_id", e.proc.OwnerID),
		zap.String("process_id", e.proc.ID),
		zap.String("status", string(e.proc.Status)),
	)
	return false
}

// deleteLocked must be called with r.mu held.
func (r *Registry) deleteLocked(ownerID, processID string) {
	set := r.owners[ownerID]
	delete(set, processID)
	if len(set) == 0 {
		delete(r.owners, ownerID)
	}
}

func sortProcesses(ps []Process) {
	slices.SortFunc(ps, func(a, b Process) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OwnerID, b.OwnerID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
