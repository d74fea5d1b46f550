// Package process tracks long-running business operations: their state,
// percentage and opaque metadata, grouped by the owner that registered them.
package process

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Type labels the business operation behind a process.
type Type string

// Known process types. Unknown types are accepted and estimated as Generic.
const (
	TypeAnalysis      Type = "analysis"
	TypeTranscription Type = "transcription"
	TypeActionPlan    Type = "action-plan"
	TypeMockup        Type = "mockup"
	TypeGeneric       Type = "generic"
)

// Status is the lifecycle state of a process.
type Status string

// Status values. In-progress moves to exactly one terminal state.
const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is completed or error.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

var (
	// ErrInvalidProcess marks registrations missing required fields.
	ErrInvalidProcess = errors.New("invalid process")
	// ErrDuplicateProcess marks a registration whose id is already present
	// for the owner.
	ErrDuplicateProcess = errors.New("process already registered")
)

// Process is one tracked operation as seen by subscribers.
type Process struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Type             Type           `json:"type"`
	Title            string         `json:"title"`
	Status           Status         `json:"status"`
	Progress         int            `json:"progress"`
	Message          string         `json:"message,omitempty"`
	Step             string         `json:"step,omitempty"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdatedAt    time.Time      `json:"last_updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ErroredAt        *time.Time     `json:"errored_at,omitempty"`
	ResultRef        string         `json:"result_ref,omitempty"`
	Error            string         `json:"error,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Runtime returns how long the process ran, or ran so far at now.
func (p Process) Runtime(now time.Time) time.Duration {
	end := now
	switch {
	case p.CompletedAt != nil:
		end = *p.CompletedAt
	case p.ErroredAt != nil:
		end = *p.ErroredAt
	}
	if end.Before(p.CreatedAt) {
		return 0
	}
	return end.Sub(p.CreatedAt)
}

func (p Process) clone() Process {
	cp := p
	cp.Metadata = maps.Clone(p.Metadata)
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		cp.CompletedAt = &ts
	}
	if p.ErroredAt != nil {
		ts := *p.ErroredAt
		cp.ErroredAt = &ts
	}
	return cp
}

// Registration is the input of Registry.Create.
type Registration struct {
	ID       string         `json:"id"`
	OwnerID  string         `json:"owner_id"`
	Type     Type           `json:"type"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate reports every missing required field in one error wrapping
// ErrInvalidProcess.
func (r Registration) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		missing = append(missing, "owner_id")
	}
	if strings.TrimSpace(string(r.Type)) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidProcess, strings.Join(missing, ", "))
	}
	return nil
}

// Update carries the fields of a partial update. Nil fields are left alone;
// Metadata keys are merged.
type Update struct {
	Title    *string        `json:"title,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Message  *string        `json:"message,omitempty"`
	Step     *string        `json:"step,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Completion carries the result of a successful process.
type Completion struct {
	ResultRef string         `json:"result_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
