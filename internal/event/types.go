package event

import (
	"fmt"
	"strings"
	"time"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "task.completed".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// Subject returns the workflow and task the event concerns.
	Subject() Ref

	// Describe returns a one-line human-readable summary.
	Describe() string
}

// Event type identifiers.
const (
	TypeWorkflowCreated   = "workflow.created"
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowPaused    = "workflow.paused"
	TypeWorkflowResumed   = "workflow.resumed"
	TypeWorkflowCompleted = "workflow.completed"
	TypeWorkflowFailed    = "workflow.failed"

	TypeTaskAssigned   = "task.assigned"
	TypeTaskStarted    = "task.started"
	TypeTaskValidating = "task.validating"
	TypeTaskCompleted  = "task.completed"
	TypeTaskRetrying   = "task.retrying"
	TypeTaskEscalated  = "task.escalated"
	TypeTaskFailed     = "task.failed"
	TypeTaskUnblocked  = "task.unblocked"
)

// Ref identifies the workflow, and optionally the task, an event is about.
type Ref struct {
	WorkflowID string
	TaskID     string
}

// Subject returns the reference itself so embedding types satisfy Event.
func (r Ref) Subject() Ref { return r }

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Workflow Lifecycle Events
// -----------------------------------------------------------------------------

// WorkflowCreatedEvent is emitted once a workflow has been built from a decomposition.
type WorkflowCreatedEvent struct {
	baseEvent
	Ref
	TaskCount int
	Phases    int
}

// NewWorkflowCreatedEvent creates a WorkflowCreatedEvent.
func NewWorkflowCreatedEvent(workflowID string, taskCount, phases int) WorkflowCreatedEvent {
	return WorkflowCreatedEvent{
		baseEvent: newBaseEvent(TypeWorkflowCreated),
		Ref:       Ref{WorkflowID: workflowID},
		TaskCount: taskCount,
		Phases:    phases,
	}
}

func (e WorkflowCreatedEvent) Describe() string {
	return fmt.Sprintf("workflow created with %d tasks in %d phases", e.TaskCount, e.Phases)
}

// WorkflowStartedEvent is emitted when the driver begins scheduling.
type WorkflowStartedEvent struct {
	baseEvent
	Ref
	Resumed bool
}

// NewWorkflowStartedEvent creates a WorkflowStartedEvent.
func NewWorkflowStartedEvent(workflowID string, resumed bool) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		baseEvent: newBaseEvent(TypeWorkflowStarted),
		Ref:       Ref{WorkflowID: workflowID},
		Resumed:   resumed,
	}
}

func (e WorkflowStartedEvent) Describe() string {
	if e.Resumed {
		return "workflow resumed execution"
	}
	return "workflow started"
}

// WorkflowPausedEvent is emitted when the workflow stops launching new batches.
type WorkflowPausedEvent struct {
	baseEvent
	Ref
	Reason string
}

// NewWorkflowPausedEvent creates a WorkflowPausedEvent.
func NewWorkflowPausedEvent(workflowID, reason string) WorkflowPausedEvent {
	return WorkflowPausedEvent{
		baseEvent: newBaseEvent(TypeWorkflowPaused),
		Ref:       Ref{WorkflowID: workflowID},
		Reason:    reason,
	}
}

func (e WorkflowPausedEvent) Describe() string {
	return "workflow paused: " + e.Reason
}

// WorkflowResumedEvent is emitted when a paused workflow is resumed.
type WorkflowResumedEvent struct {
	baseEvent
	Ref
}

// NewWorkflowResumedEvent creates a WorkflowResumedEvent.
func NewWorkflowResumedEvent(workflowID string) WorkflowResumedEvent {
	return WorkflowResumedEvent{
		baseEvent: newBaseEvent(TypeWorkflowResumed),
		Ref:       Ref{WorkflowID: workflowID},
	}
}

func (e WorkflowResumedEvent) Describe() string { return "workflow resumed" }

// WorkflowCompletedEvent is emitted when every task reached a terminal status.
type WorkflowCompletedEvent struct {
	baseEvent
	Ref
	Completed int
	Failed    int
	Duration  time.Duration
}

// NewWorkflowCompletedEvent creates a WorkflowCompletedEvent.
func NewWorkflowCompletedEvent(workflowID string, completed, failed int, duration time.Duration) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		baseEvent: newBaseEvent(TypeWorkflowCompleted),
		Ref:       Ref{WorkflowID: workflowID},
		Completed: completed,
		Failed:    failed,
		Duration:  duration,
	}
}

func (e WorkflowCompletedEvent) Describe() string {
	return fmt.Sprintf("workflow completed: %d completed, %d failed in %s", e.Completed, e.Failed, e.Duration.Round(time.Millisecond))
}

// WorkflowFailedEvent is emitted when the workflow terminates as failed.
type WorkflowFailedEvent struct {
	baseEvent
	Ref
	Reason string
}

// NewWorkflowFailedEvent creates a WorkflowFailedEvent.
func NewWorkflowFailedEvent(workflowID, reason string) WorkflowFailedEvent {
	return WorkflowFailedEvent{
		baseEvent: newBaseEvent(TypeWorkflowFailed),
		Ref:       Ref{WorkflowID: workflowID},
		Reason:    reason,
	}
}

func (e WorkflowFailedEvent) Describe() string {
	return "workflow failed: " + e.Reason
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskAssignedEvent is emitted when a task is bound to a team member.
type TaskAssignedEvent struct {
	baseEvent
	Ref
	MemberID string
}

// NewTaskAssignedEvent creates a TaskAssignedEvent.
func NewTaskAssignedEvent(workflowID, taskID, memberID string) TaskAssignedEvent {
	return TaskAssignedEvent{
		baseEvent: newBaseEvent(TypeTaskAssigned),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
		MemberID:  memberID,
	}
}

func (e TaskAssignedEvent) Describe() string {
	return fmt.Sprintf("task %s assigned to %s", e.TaskID, e.MemberID)
}

// TaskStartedEvent is emitted when a builder attempt begins.
type TaskStartedEvent struct {
	baseEvent
	Ref
	Attempt int
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(workflowID, taskID string, attempt int) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent: newBaseEvent(TypeTaskStarted),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
		Attempt:   attempt,
	}
}

func (e TaskStartedEvent) Describe() string {
	return fmt.Sprintf("task %s started (attempt %d)", e.TaskID, e.Attempt)
}

// TaskValidatingEvent is emitted when a builder result is handed to validators.
type TaskValidatingEvent struct {
	baseEvent
	Ref
	Validators []string
}

// NewTaskValidatingEvent creates a TaskValidatingEvent.
func NewTaskValidatingEvent(workflowID, taskID string, validators []string) TaskValidatingEvent {
	return TaskValidatingEvent{
		baseEvent:  newBaseEvent(TypeTaskValidating),
		Ref:        Ref{WorkflowID: workflowID, TaskID: taskID},
		Validators: append([]string(nil), validators...),
	}
}

func (e TaskValidatingEvent) Describe() string {
	if len(e.Validators) == 0 {
		return fmt.Sprintf("task %s self-validating", e.TaskID)
	}
	return fmt.Sprintf("task %s validating with %s", e.TaskID, strings.Join(e.Validators, ", "))
}

// TaskCompletedEvent is emitted when a task passes verification.
type TaskCompletedEvent struct {
	baseEvent
	Ref
	Attempts int
	Duration time.Duration
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(workflowID, taskID string, attempts int, duration time.Duration) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent(TypeTaskCompleted),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
		Attempts:  attempts,
		Duration:  duration,
	}
}

func (e TaskCompletedEvent) Describe() string {
	return fmt.Sprintf("task %s completed after %d attempt(s)", e.TaskID, e.Attempts)
}

// TaskRetryingEvent is emitted when a failed attempt is recycled to pending.
type TaskRetryingEvent struct {
	baseEvent
	Ref
	RetryCount int
	Reason     string
}

// NewTaskRetryingEvent creates a TaskRetryingEvent.
func NewTaskRetryingEvent(workflowID, taskID string, retryCount int, reason string) TaskRetryingEvent {
	return TaskRetryingEvent{
		baseEvent:  newBaseEvent(TypeTaskRetrying),
		Ref:        Ref{WorkflowID: workflowID, TaskID: taskID},
		RetryCount: retryCount,
		Reason:     reason,
	}
}

func (e TaskRetryingEvent) Describe() string {
	return fmt.Sprintf("task %s retry %d: %s", e.TaskID, e.RetryCount, e.Reason)
}

// TaskEscalatedEvent is emitted when verification hands a task to a higher authority.
type TaskEscalatedEvent struct {
	baseEvent
	Ref
	Level  string
	Reason string
	Mode   string
}

// NewTaskEscalatedEvent creates a TaskEscalatedEvent.
func NewTaskEscalatedEvent(workflowID, taskID, level, reason, mode string) TaskEscalatedEvent {
	return TaskEscalatedEvent{
		baseEvent: newBaseEvent(TypeTaskEscalated),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
		Level:     level,
		Reason:    reason,
		Mode:      mode,
	}
}

func (e TaskEscalatedEvent) Describe() string {
	return fmt.Sprintf("task %s escalated to %s (%s): %s", e.TaskID, e.Level, e.Mode, e.Reason)
}

// TaskFailedEvent is emitted when a task terminally fails.
type TaskFailedEvent struct {
	baseEvent
	Ref
	Reason string
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(workflowID, taskID, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TypeTaskFailed),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
		Reason:    reason,
	}
}

func (e TaskFailedEvent) Describe() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

// TaskUnblockedEvent is emitted when the last blocker of a task completes.
type TaskUnblockedEvent struct {
	baseEvent
	Ref
}

// NewTaskUnblockedEvent creates a TaskUnblockedEvent.
func NewTaskUnblockedEvent(workflowID, taskID string) TaskUnblockedEvent {
	return TaskUnblockedEvent{
		baseEvent: newBaseEvent(TypeTaskUnblocked),
		Ref:       Ref{WorkflowID: workflowID, TaskID: taskID},
	}
}

func (e TaskUnblockedEvent) Describe() string {
	return fmt.Sprintf("task %s unblocked", e.TaskID)
}
