package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle transition represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageRegistered  Stage = "REGISTERED"
	StageUpdate      Stage = "UPDATE"
	StageComplete    Stage = "COMPLETE"
	StageError       Stage = "ERROR"
	StageTimeout     Stage = "TIMEOUT"
	StageRemoved     Stage = "REMOVED"
	StageAutoRemoved Stage = "AUTO_REMOVED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageComplete, StageError, StageTimeout:
		return true
	default:
		return false
	}
}

// Event captures one process lifecycle transition.
type Event struct {
	// OwnerID and ProcessID address the process.
	OwnerID   string
	ProcessID string
	// Kind is the process type label (analysis, transcription, ...).
	Kind  string
	Title string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Progress is the percentage after the transition.
	Progress int
	// Dur is the runtime so far; set on terminal and removal stages.
	Dur time.Duration
	// ResultRef is set on completion.
	ResultRef string
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.OwnerID == "" || e.ProcessID == "" {
		return errors.New("owner id and process id are required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRegistered, StageUpdate, StageComplete, StageError, StageTimeout, StageRemoved, StageAutoRemoved:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunKey identifies the run an event belongs to.
func (e Event) RunKey() string {
	return e.OwnerID + "/" + e.ProcessID
}
