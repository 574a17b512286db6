package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Run is the persisted representation of one workflow execution, including
// its per-step results in step order.
type Run struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowName    string           `json:"workflow_name"`
	Status          schema.RunStatus `json:"status"`
	Input           string           `json:"input"`
	Error           string           `json:"error,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	CancelReason    string           `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StepsResults    []StepResult     `json:"steps_results,omitempty"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.StepsResults != nil {
		cp.StepsResults = make([]StepResult, len(r.StepsResults))
		copy(cp.StepsResults, r.StepsResults)
	}
	return &cp
}

// StepResult is the outcome record of one step within a run.
type StepResult struct {
	Index        int               `json:"index"`
	Status       schema.StepStatus `json:"status"`
	InputContext string            `json:"input_context"`
	Output       string            `json:"output"`
	Error        string            `json:"error,omitempty"`
	RetriesUsed  int               `json:"retries_used"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Event is an immutable entry in a run's change log. Snapshot holds the JSON
// encoded Run as it was right after the mutation.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"event_type"`
	StepIndex *int            `json:"step_index,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}

// Schedule is a cron-triggered run of a stored workflow definition.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Input          string     `json:"input,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs. Results never include step
// results.
type RunFilter struct {
	WorkflowID string             `json:"workflow_id,omitempty"`
	Statuses   []schema.RunStatus `json:"statuses,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status          *schema.RunStatus `json:"status,omitempty"`
	Error           *string           `json:"error,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CancelRequested *bool             `json:"cancel_requested,omitempty"`
	CancelReason    *string           `json:"cancel_reason,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
