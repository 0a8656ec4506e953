// Package models defines the core domain models for the workflow engine.
package models

// Workflow is the typed form of a workflow document. Workflows are
// content-addressed: the serialized text travels with every queued run so
// a worker always executes the exact version that was triggered.
type Workflow struct {
	Name        string            `json:"name"                  yaml:"name"                  validate:"required"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Env         map[string]string `json:"env,omitempty"         yaml:"env,omitempty"`
	Triggers    []*Trigger        `json:"triggers,omitempty"    yaml:"triggers,omitempty"`
	Memory      []*MemoryBlock    `json:"memory,omitempty"      yaml:"memory,omitempty"`
	Steps       []*Step           `json:"steps"                 yaml:"steps"                 validate:"required,min=1"`
}

// Trigger declares an event source that enqueues runs for its workflow.
type Trigger struct {
	Type   string         `json:"type"             yaml:"type"             validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Step is one action within the workflow's dependency graph.
type Step struct {
	ID        string         `json:"id"                   yaml:"id"                   validate:"required"`
	Action    string         `json:"action"               yaml:"action"               validate:"required"`
	Config    map[string]any `json:"config,omitempty"     yaml:"config,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Retry     RetryPolicy    `json:"retry"                yaml:"retry"`
}

// RetryPolicy bounds the per-step retry loop. This is separate from
// queue-level retry, which re-executes the whole run.
type RetryPolicy struct {
	Attempts int `json:"attempts" yaml:"attempts" validate:"min=1"`
	DelayMS  int `json:"delay_ms" yaml:"delay_ms" validate:"min=0"`
}

const (
	DefaultRetryAttempts = 1
	DefaultRetryDelayMS  = 1000
)

// MemoryBlock assembles a text fragment before the first step that needs
// it, exposed to templates as memory.blocks.<id>.
type MemoryBlock struct {
	ID        string          `json:"id"                  yaml:"id"                  validate:"required"`
	Sources   []*MemorySource `json:"sources"             yaml:"sources"`
	Template  string          `json:"template,omitempty"  yaml:"template,omitempty"`
	Separator string          `json:"separator,omitempty" yaml:"separator,omitempty"`
	Dedupe    bool            `json:"dedupe,omitempty"    yaml:"dedupe,omitempty"`
	MaxChars  int             `json:"maxChars,omitempty"  yaml:"maxChars,omitempty"`
}

// MemorySourceType tags the variant of a memory source.
type MemorySourceType string

const (
	MemorySourceText      MemorySourceType = "text"
	MemorySourceFile      MemorySourceType = "file"
	MemorySourceURL       MemorySourceType = "url"
	MemorySourceWebSearch MemorySourceType = "web_search"
	MemorySourceStep      MemorySourceType = "step"
	MemorySourceTrigger   MemorySourceType = "trigger"
)

// MemorySource resolves to a string during memory assembly. Which fields
// apply depends on Type: text uses Text, file and url use Path and URL,
// step uses Step plus an optional dotted Path, trigger uses Path alone,
// web_search uses Query and MaxResults.
type MemorySource struct {
	ID         string           `json:"id"                   yaml:"id"`
	Type       MemorySourceType `json:"type"                 yaml:"type"                 validate:"required"`
	Label      string           `json:"label,omitempty"      yaml:"label,omitempty"`
	Text       string           `json:"text,omitempty"       yaml:"text,omitempty"`
	URL        string           `json:"url,omitempty"        yaml:"url,omitempty"`
	Path       string           `json:"path,omitempty"       yaml:"path,omitempty"`
	Query      string           `json:"query,omitempty"      yaml:"query,omitempty"`
	MaxResults int              `json:"maxResults,omitempty" yaml:"maxResults,omitempty"`
	Step       string           `json:"step,omitempty"       yaml:"step,omitempty"`
	MaxChars   int              `json:"maxChars,omitempty"   yaml:"maxChars,omitempty"`
}

// Trigger types handled natively by the scheduler. Everything else is
// looked up in the registry and managed by the trigger manager.
const (
	TriggerTypeCron    = "cron.schedule"
	TriggerTypeWebhook = "http.webhook"
	TriggerTypeEmail   = "email.inbound"
	TriggerTypeManual  = "manual"
)

// DefaultEmailWebhookPath is the webhook path used by email.inbound
// triggers that do not configure one.
const DefaultEmailWebhookPath = "email"
