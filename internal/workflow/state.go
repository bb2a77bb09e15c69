// Package workflow holds the dependency-aware task set of a run and the pure
// transitions that move it forward.
//
// A State is an immutable value: every transition takes a State and returns
// a new one, leaving its input untouched. The engine applies transitions
// from a single goroutine, so no locking is needed here.
package workflow

import (
	"time"

	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/verify"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskBlocked   TaskStatus = "blocked"
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true for completed and failed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// IsActive returns true for tasks holding an execution slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskAssigned || s == TaskRunning
}

func (s TaskStatus) valid() bool {
	switch s {
	case TaskBlocked, TaskPending, TaskAssigned, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// String returns the string representation of the workflow status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ExecutionMode selects parallel or one-at-a-time scheduling.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// EscalationMode decides what the engine does with an escalated task.
type EscalationMode string

const (
	// EscalationPause returns the task to pending without consuming retry
	// budget and pauses the workflow for a human.
	EscalationPause EscalationMode = "pause"
	// EscalationSkip fails the task terminally.
	EscalationSkip EscalationMode = "skip"
	// EscalationForceContinue treats the escalation as a failed attempt.
	EscalationForceContinue EscalationMode = "force-continue"
)

// Config is fixed when a workflow is created.
type Config struct {
	MaxParallelTasks  int            `json:"max_parallel_tasks"`
	ExecutionMode     ExecutionMode  `json:"execution_mode"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
	FailFast          bool           `json:"fail_fast"`
	MaxRetries        int            `json:"max_retries"`
	// TaskTimeout bounds each executor invocation, not the task as a whole.
	TaskTimeout       time.Duration  `json:"task_timeout"`
	EscalationMode    EscalationMode `json:"escalation_mode"`
	PollInterval      time.Duration  `json:"poll_interval"`
}

// Default configuration values.
const (
	DefaultMaxParallelTasks = 3
	DefaultMaxRetries       = 2
	DefaultTaskTimeout      = 300 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
)

// DefaultConfig returns the default workflow configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallelTasks: DefaultMaxParallelTasks,
		ExecutionMode:    ModeParallel,
		MaxRetries:       DefaultMaxRetries,
		TaskTimeout:      DefaultTaskTimeout,
		EscalationMode:   EscalationPause,
		PollInterval:     DefaultPollInterval,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = d.MaxParallelTasks
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = d.ExecutionMode
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.EscalationMode == "" {
		c.EscalationMode = d.EscalationMode
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Slots returns how many tasks may hold an execution slot at once.
func (c Config) Slots() int {
	if c.ExecutionMode == ModeSequential {
		return 1
	}
	return c.MaxParallelTasks
}

// TaskResult is what a completed task produced.
type TaskResult struct {
	Summary  string           `json:"summary,omitempty"`
	Evidence []retry.Evidence `json:"evidence,omitempty"`
	Attempts int              `json:"attempts"`
}

// Task is one scheduled unit of work.
type Task struct {
	ID                   string                `json:"id"`
	Title                string                `json:"title"`
	Description          string                `json:"description,omitempty"`
	Files                []string              `json:"files,omitempty"`
	Complexity           float64               `json:"complexity"`
	RequiredCapabilities []string              `json:"required_capabilities,omitempty"`
	ValidationType       verify.ValidationType `json:"validation_type,omitempty"`

	Status     TaskStatus `json:"status"`
	BlockedBy  []string   `json:"blocked_by"`
	Blocks     []string   `json:"blocks"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`

	Result     *TaskResult               `json:"result,omitempty"`
	LastError  string                    `json:"last_error,omitempty"`
	Escalation *retry.EscalationDecision `json:"escalation,omitempty"`
	Failure    *retry.FailureReport      `json:"failure,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) clone() Task {
	out := t
	out.Files = append([]string(nil), t.Files...)
	out.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	out.BlockedBy = append([]string{}, t.BlockedBy...)
	out.Blocks = append([]string{}, t.Blocks...)
	if t.Result != nil {
		r := *t.Result
		r.Evidence = append([]retry.Evidence(nil), t.Result.Evidence...)
		out.Result = &r
	}
	if t.Escalation != nil {
		e := *t.Escalation
		out.Escalation = &e
	}
	if t.Failure != nil {
		f := *t.Failure
		f.Attempts = append([]retry.AttemptSummary(nil), t.Failure.Attempts...)
		f.FinalIssues = append([]retry.Issue(nil), t.Failure.FinalIssues...)
		out.Failure = &f
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// Metrics aggregates workflow execution figures.
type Metrics struct {
	TasksCompleted      int           `json:"tasks_completed"`
	TasksFailed         int           `json:"tasks_failed"`
	TotalRetries        int           `json:"total_retries"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
}

// State is the full state of one workflow.
type State struct {
	ID            string     `json:"id"`
	Objective     string     `json:"objective,omitempty"`
	TeamID        string     `json:"team_id,omitempty"`
	Status        Status     `json:"status"`
	Config        Config     `json:"config"`
	Tasks         []Task     `json:"tasks"`
	PauseReason   string     `json:"pause_reason,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Metrics       Metrics    `json:"metrics"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Tasks = make([]Task, len(s.Tasks))
	for i, t := range s.Tasks {
		out.Tasks[i] = t.clone()
	}
	if s.StartedAt != nil {
		ts := *s.StartedAt
		out.StartedAt = &ts
	}
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// Task returns the task with the given ID.
func (s State) Task(id string) (Task, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Tasks[i], true
	}
	return Task{}, false
}

func (s State) indexOf(id string) int {
	for i, t := range s.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Counts is a snapshot of task status counts.
type Counts struct {
	Total     int `json:"total"`
	Blocked   int `json:"blocked"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Counts returns how many tasks are in each status.
func (s State) Counts() Counts {
	c := Counts{Total: len(s.Tasks)}
	for _, t := range s.Tasks {
		switch t.Status {
		case TaskBlocked:
			c.Blocked++
		case TaskPending:
			c.Pending++
		case TaskAssigned:
			c.Assigned++
		case TaskRunning:
			c.Running++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		}
	}
	return c
}

// Active returns the number of tasks holding an execution slot.
func (s State) Active() int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status.IsActive() {
			n++
		}
	}
	return n
}

// IsComplete reports whether every task is terminal.
func (s State) IsComplete() bool {
	for _, t := range s.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}
