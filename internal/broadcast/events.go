package broadcast

import (
	"github.com/JakeFAU/realtime-process-hub/internal/process"
	"github.com/JakeFAU/realtime-process-hub/internal/sse"
)

// Event names carried on the wire.
const (
	EventProcessesList      = "processes-list"
	EventProcessRegistered  = "process-registered"
	EventProcessUpdate      = "process-update"
	EventProcessComplete    = "process-complete"
	EventProcessError       = "process-error"
	EventProcessRemoved     = "process-removed"
	EventProcessAutoRemoved = "process-auto-removed"
	EventProgress           = "progress"
	EventComplete           = "complete"
)

// ProcessEvent is one message of the processes channel.
type ProcessEvent interface {
	EventName() string
}

// ProcessesList is the snapshot sent when a panel connects.
type ProcessesList struct {
	Processes []process.Process `json:"processes"`
}

// EventName implements ProcessEvent.
func (ProcessesList) EventName() string { return EventProcessesList }

// ProcessRegistered announces a new process.
type ProcessRegistered struct {
	Process process.Process `json:"process"`
}

// EventName implements ProcessEvent.
func (ProcessRegistered) EventName() string { return EventProcessRegistered }

// ProcessUpdated carries the record after a partial update.
type ProcessUpdated struct {
	Process process.Process `json:"process"`
}

// EventName implements ProcessEvent.
func (ProcessUpdated) EventName() string { return EventProcessUpdate }

// ProcessCompleted carries the record after completion.
type ProcessCompleted struct {
	Process process.Process `json:"process"`
}

// EventName implements ProcessEvent.
func (ProcessCompleted) EventName() string { return EventProcessComplete }

// ProcessFailed carries the record after a failure or timeout.
type ProcessFailed struct {
	Process process.Process `json:"process"`
}

// EventName implements ProcessEvent.
func (ProcessFailed) EventName() string { return EventProcessError }

// ProcessRemoved reports an explicit removal.
type ProcessRemoved struct {
	ProcessID string `json:"process_id"`
	OwnerID   string `json:"owner_id"`
}

// EventName implements ProcessEvent.
func (ProcessRemoved) EventName() string { return EventProcessRemoved }

// ProcessAutoRemoved reports removal after the grace period.
type ProcessAutoRemoved struct {
	ProcessID string `json:"process_id"`
	OwnerID   string `json:"owner_id"`
}

// EventName implements ProcessEvent.
func (ProcessAutoRemoved) EventName() string { return EventProcessAutoRemoved }

func frame(evt ProcessEvent) sse.Event {
	return sse.Event{Name: evt.EventName(), Data: evt}
}

// Progress is one update on a single-operation stream.
type Progress struct {
	Percentage    int    `json:"percentage"`
	Message       string `json:"message"`
	Step          string `json:"step"`
	StepStatus    string `json:"step_status"`
	OperationType string `json:"operation_type,omitempty"`
	Method        string `json:"method,omitempty"`
}

// Completion is the terminal event of a single-operation stream.
type Completion struct {
	OperationType string `json:"operation_type"`
	Result        any    `json:"result"`
}

var initializing = Progress{
	Percentage: 0,
	Message:    "Initializing...",
	Step:       "init",
	StepStatus: string(process.StatusInProgress),
}

// methodLabels names the transcription backends pipelines report.
var methodLabels = map[string]string{
	"whisper":    "OpenAI Whisper",
	"openai":     "OpenAI Whisper",
	"assemblyai": "AssemblyAI",
	"deepgram":   "Deepgram",
	"google":     "Google Speech-to-Text",
	"local":      "local model",
}

// annotate tags transcription messages with the backend that produced them.
func annotate(p Progress) Progress {
	if p.OperationType != string(process.TypeTranscription) || p.Method == "" || p.Message == "" {
		return p
	}
	label, ok := methodLabels[p.Method]
	if !ok {
		label = p.Method
	}
	p.Message = p.Message + " [" + label + "]"
	return p
}
