package models

import "time"

// RunStatus represents the lifecycle state of an in-flight workflow run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// StepStatus represents the lifecycle state of one step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// WorkflowRun is one execution instance of a workflow.
type WorkflowRun struct {
	ID           string                 `json:"id"`
	WorkflowName string                 `json:"workflowName"`
	Status       RunStatus              `json:"status"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	TriggerData  map[string]any         `json:"triggerData,omitempty"`
	Steps        map[string]*StepResult `json:"steps"`
	Error        string                 `json:"error,omitempty"`
	Memory       *MemorySnapshot        `json:"memory,omitempty"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	ID          string     `json:"id"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMS  int64      `json:"duration,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// MemorySnapshot is the assembled memory context of a run, injected into
// the interpolation context as memory.blocks and memory.sources.
type MemorySnapshot struct {
	Blocks  map[string]string            `json:"blocks"`
	Sources map[string]map[string]string `json:"sources"`
}
