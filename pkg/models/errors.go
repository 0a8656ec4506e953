package models

import (
	"errors"
	"fmt"
)

// ErrCircularDependency is the executor's defensive check for a readiness
// deadlock; the validator should reject cyclic graphs before a run exists.
var ErrCircularDependency = errors.New("circular dependency detected between steps")

// ErrWorkflowNotFound is returned when a workflow lookup misses.
var ErrWorkflowNotFound = errors.New("workflow not found")

// InvalidWorkflowError reports a parse or validation failure.
type InvalidWorkflowError struct {
	Field   string
	Message string
}

func (e *InvalidWorkflowError) Error() string {
	if e.Field == "" {
		return "invalid workflow: " + e.Message
	}

	return fmt.Sprintf("invalid workflow: %s: %s", e.Field, e.Message)
}

// UnknownActionError reports a registry miss for a non-built-in action.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// StepFailedError reports that a step's action failed after exhausting its
// per-step retries.
type StepFailedError struct {
	StepID string
	Cause  error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Cause)
}

func (e *StepFailedError) Unwrap() error {
	return e.Cause
}

// MemorySourceError reports a failed memory source. It is logged and
// substituted into the block text, never propagated.
type MemorySourceError struct {
	BlockID  string
	SourceID string
	Type     MemorySourceType
	Cause    error
}

func (e *MemorySourceError) Error() string {
	return fmt.Sprintf("[memory:%s] Failed to load %s source: %v", e.BlockID, e.Type, e.Cause)
}

func (e *MemorySourceError) Unwrap() error {
	return e.Cause
}

// ScheduleInvalidError reports an unusable schedule, typically a cron
// expression that failed to parse. The schedule is left paused.
type ScheduleInvalidError struct {
	ScheduleID string
	Cause      error
}

func (e *ScheduleInvalidError) Error() string {
	return fmt.Sprintf("invalid schedule %s: %v", e.ScheduleID, e.Cause)
}

func (e *ScheduleInvalidError) Unwrap() error {
	return e.Cause
}
