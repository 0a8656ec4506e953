package models

import (
	"fmt"
	"time"
)

// QueueStatus represents the state of a durable queue row.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "queued"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueuedRun is a durable queue row. The workflow content is serialized
// into the row so the claiming worker executes the triggered version even
// if the file changed afterwards.
type QueuedRun struct {
	ID              string         `json:"id"`
	WorkflowName    string         `json:"workflow_name"`
	TriggerType     string         `json:"trigger_type"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	WorkflowContent string         `json:"workflow_content"`
	Status          QueueStatus    `json:"status"`
	Attempts        int            `json:"attempts"`
	NextAttemptAt   time.Time      `json:"next_attempt_at"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ScheduledFor    *time.Time     `json:"scheduled_for,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// EnqueueInput carries everything needed to create a queued run.
type EnqueueInput struct {
	ID              string
	WorkflowName    string
	TriggerType     string
	TriggerData     map[string]any
	WorkflowContent string
	ScheduledFor    *time.Time
}

// ScheduleStatus represents the state machine of a schedule:
// active <-> paused.
type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
)

// Schedule is the persisted state of one workflow trigger. LastRunAt is
// advanced on every cron fire so catch-up can discover missed ticks after
// a restart.
type Schedule struct {
	ID             string         `json:"id"              validate:"required"`
	WorkflowName   string         `json:"workflow_name"   validate:"required"`
	TriggerType    string         `json:"trigger_type"    validate:"required"`
	CronExpression string         `json:"cron_expression,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Status         ScheduleStatus `json:"status"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
}

// ScheduleID builds the stable identifier for the index-th trigger of a
// workflow: <name>::<triggerType>::<index>.
func ScheduleID(workflowName, triggerType string, index int) string {
	return fmt.Sprintf("%s::%s::%d", workflowName, triggerType, index)
}
