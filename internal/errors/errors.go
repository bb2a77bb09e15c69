// Package errors provides centralized error definitions and error handling utilities
// for crucible. It defines sentinel errors, typed errors carrying severity and
// retryability, and classification helpers.
//
// # Error Types
//
// Domain errors:
//   - ConfigurationError: invalid team template, constraints, or workflow config.
//     Raised synchronously at composition/creation time.
//   - WorkflowError: an invalid operation against a workflow or one of its tasks.
//   - DeadlockError: the dependency graph cannot make progress; carries the
//     offending task IDs.
//
// Semantic errors:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// Validation failures reported by builders and validators are NOT errors in
// this sense. They are data (retry decisions and escalation decisions) and
// never travel up the call stack as Go errors.
//
// # Usage
//
//	err := errors.NewConfigurationError("unknown team template", errors.ErrUnknownTemplate).
//	    WithField("template").WithValue("huge")
//
//	var deadlock *errors.DeadlockError
//	if errors.As(err, &deadlock) {
//	    fmt.Println(deadlock.TaskIDs)
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workflow-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found in a workflow.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a state transition not allowed by the task state machine.
	ErrInvalidTransition = New("invalid status transition")
	// ErrWorkflowTerminal indicates an operation against a workflow that already completed or failed.
	ErrWorkflowTerminal = New("workflow is terminal")
	// ErrDependencyCycle indicates a circular dependency in tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDeadlock indicates that blocked tasks can never become runnable.
	ErrDeadlock = New("workflow deadlocked")
	// ErrBudgetExhausted indicates a task used all of its attempts.
	ErrBudgetExhausted = New("retry budget exhausted")
	// ErrNoEligibleMember indicates no team member can take a task.
	ErrNoEligibleMember = New("no eligible team member")
	// ErrWorkflowRunning is returned when another process drives the workflow.
	ErrWorkflowRunning = New("workflow is already running")
	// ErrMemberAtCapacity indicates a member already runs its maximum number of tasks.
	ErrMemberAtCapacity = New("member at capacity")
)

// Composition-related sentinel errors
var (
	// ErrUnknownTemplate indicates a team template name that is not registered.
	ErrUnknownTemplate = New("unknown team template")
	// ErrInvalidConstraints indicates contradictory or out-of-range team constraints.
	ErrInvalidConstraints = New("invalid team constraints")
)

// Persistence-related sentinel errors
var (
	// ErrMalformedState indicates persisted JSON that does not describe a valid aggregate.
	ErrMalformedState = New("malformed state")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CrucibleError is the base interface for all typed crucible errors.
type CrucibleError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ConfigurationError reports an invalid template, constraint set, or
// workflow configuration. The composer returns it synchronously; it is never
// retryable.
//
// Example:
//
//	err := errors.NewConfigurationError("unknown team template", errors.ErrUnknownTemplate).
//	    WithField("template").WithValue("huge")
//	fmt.Println(err) // "configuration error [field=template, value=huge]: unknown team template: unknown team template"
type ConfigurationError struct {
	baseError
	Field string
	Value any
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds the offending configuration key.
func (e *ConfigurationError) WithField(field string) *ConfigurationError {
	e.Field = field
	return e
}

// WithValue adds the offending value.
func (e *ConfigurationError) WithValue(value any) *ConfigurationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("configuration error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkflowError represents an invalid operation against a workflow or task.
//
// Example:
//
//	err := errors.NewWorkflowError("cannot complete task", errors.ErrInvalidTransition).
//	    WithWorkflowID("wf-1").WithTaskID("task-2")
type WorkflowError struct {
	baseError
	WorkflowID string
	TaskID     string
	Phase      string
}

// NewWorkflowError creates a new WorkflowError.
func NewWorkflowError(message string, cause error) *WorkflowError {
	return &WorkflowError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithWorkflowID adds a workflow ID to the error context.
func (e *WorkflowError) WithWorkflowID(id string) *WorkflowError {
	e.WorkflowID = id
	return e
}

// WithTaskID adds a task ID to the error context.
func (e *WorkflowError) WithTaskID(id string) *WorkflowError {
	e.TaskID = id
	return e
}

// WithPhase adds a phase name to the error context.
func (e *WorkflowError) WithPhase(phase string) *WorkflowError {
	e.Phase = phase
	return e
}

// WithSeverity sets the error severity.
func (e *WorkflowError) WithSeverity(s Severity) *WorkflowError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *WorkflowError) Error() string {
	var parts []string
	if e.WorkflowID != "" {
		parts = append(parts, fmt.Sprintf("workflow=%s", e.WorkflowID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	return formatPrefixed("workflow error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *WorkflowError) Is(target error) bool {
	if _, ok := target.(*WorkflowError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DeadlockError reports a dependency graph that can no longer make progress.
// TaskIDs lists the tasks that remain blocked (for cycles, the cycle members).
type DeadlockError struct {
	baseError
	WorkflowID string
	TaskIDs    []string
}

// NewDeadlockError creates a DeadlockError for the given blocked tasks.
func NewDeadlockError(workflowID string, taskIDs []string) *DeadlockError {
	ids := make([]string, len(taskIDs))
	copy(ids, taskIDs)
	return &DeadlockError{
		baseError: baseError{
			message:    "unresolvable dependencies",
			cause:      ErrDeadlock,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: true,
		},
		WorkflowID: workflowID,
		TaskIDs:    ids,
	}
}

// Error returns the formatted error message.
func (e *DeadlockError) Error() string {
	var parts []string
	if e.WorkflowID != "" {
		parts = append(parts, fmt.Sprintf("workflow=%s", e.WorkflowID))
	}
	if len(e.TaskIDs) > 0 {
		parts = append(parts, fmt.Sprintf("tasks=%s", strings.Join(e.TaskIDs, ",")))
	}
	return formatPrefixed("deadlock", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *DeadlockError) Is(target error) bool {
	if _, ok := target.(*DeadlockError); ok {
		return true
	}
	if errors.Is(target, ErrDependencyCycle) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "task-7")
//	fmt.Println(err) // "task not found: task-7"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
	}
	return fmt.Sprintf("%s not found", e.ResourceType)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if e.ResourceType == "task" && errors.Is(target, ErrTaskNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("builder for task-1", 300*time.Second)
//	fmt.Println(err) // "timeout error: builder for task-1 (timeout: 5m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var typed CrucibleError
	if As(err, &typed) {
		return typed.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var typed CrucibleError
	if As(err, &typed) {
		return typed.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CrucibleError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var typed CrucibleError
	if As(err, &typed) {
		return typed.Severity()
	}
	return SeverityError
}

// IsHalting reports whether the engine must stop unconditionally on err.
// Only deadlocks and configuration errors halt a workflow outright.
func IsHalting(err error) bool {
	if err == nil {
		return false
	}
	var deadlock *DeadlockError
	var cfg *ConfigurationError
	return As(err, &deadlock) || As(err, &cfg)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
