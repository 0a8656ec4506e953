package models

import "time"

// CompletedRun is the history record appended when a run reaches a
// terminal state, together with its logs and per-step outcomes.
type CompletedRun struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflowName"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  time.Time      `json:"completedAt"`
	DurationMS   int64          `json:"duration"`
	Error        string         `json:"error,omitempty"`
	TriggerType  string         `json:"triggerType,omitempty"`
	TriggerData  map[string]any `json:"triggerData,omitempty"`
	Logs         []*RunLog      `json:"logs,omitempty"`
	Steps        []*StepRecord  `json:"steps,omitempty"`
}

// RunLog is one log line emitted during a run.
type RunLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	StepID    string    `json:"stepId,omitempty"`
	Message   string    `json:"message"`
}

// StepRecord is the persisted outcome of one step.
type StepRecord struct {
	StepID     string     `json:"stepId"`
	Status     StepStatus `json:"status"`
	DurationMS int64      `json:"duration,omitempty"`
	Error      string     `json:"error,omitempty"`
	Output     any        `json:"output,omitempty"`
}

// HistoryFilter selects a page of completed runs.
type HistoryFilter struct {
	Page         int
	Limit        int
	Days         int
	Status       RunStatus
	WorkflowName string
}

// TokenUsage is one AI token accounting entry.
type TokenUsage struct {
	Timestamp    time.Time `json:"timestamp"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Model        string    `json:"model,omitempty"`
	WorkflowName string    `json:"workflowName,omitempty"`
	RunID        string    `json:"runId,omitempty"`
}

// TokenUsageFilter selects token usage entries for reporting.
type TokenUsageFilter struct {
	Days         int
	WorkflowName string
}

// TokenUsageSummary aggregates usage over the selected window.
type TokenUsageSummary struct {
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	Entries      []*TokenUsage `json:"entries"`
}
