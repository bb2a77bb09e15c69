package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "workflow.max_parallel_tasks")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidExecutionModes returns the list of valid workflow execution modes
func ValidExecutionModes() []string {
	return []string{"parallel", "sequential"}
}

// ValidEscalationModes returns the list of valid escalation modes
func ValidEscalationModes() []string {
	return []string{"pause", "skip", "force-continue"}
}

// ValidModelTiers returns the list of valid model tier caps
func ValidModelTiers() []string {
	return []string{"low", "medium", "high"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWorkflow()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateComposer()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateWorkflow() []ValidationError {
	var errors []ValidationError
	w := c.Workflow

	const maxParallel = 64
	if w.MaxParallelTasks < 1 || w.MaxParallelTasks > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "workflow.max_parallel_tasks",
			Value:   w.MaxParallelTasks,
			Message: fmt.Sprintf("must be between 1 and %d", maxParallel),
		})
	}

	if !slices.Contains(ValidExecutionModes(), w.ExecutionMode) {
		errors = append(errors, ValidationError{
			Field:   "workflow.execution_mode",
			Value:   w.ExecutionMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidExecutionModes(), ", ")),
		})
	}

	if !slices.Contains(ValidEscalationModes(), w.EscalationMode) {
		errors = append(errors, ValidationError{
			Field:   "workflow.escalation_mode",
			Value:   w.EscalationMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidEscalationModes(), ", ")),
		})
	}

	const maxRetries = 10
	if w.MaxRetries < 0 || w.MaxRetries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "workflow.max_retries",
			Value:   w.MaxRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}

	if w.TaskTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "workflow.task_timeout_seconds",
			Value:   w.TaskTimeoutSeconds,
			Message: "must be positive",
		})
	}

	if w.PollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "workflow.poll_interval_ms",
			Value:   w.PollIntervalMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError
	r := c.Retry

	if r.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   r.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	if r.HumanEscalationCeiling < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.human_escalation_ceiling",
			Value:   r.HumanEscalationCeiling,
			Message: "must be at least 1",
		})
	} else if r.MaxAttempts >= 1 && r.HumanEscalationCeiling > r.MaxAttempts {
		errors = append(errors, ValidationError{
			Field:   "retry.human_escalation_ceiling",
			Value:   r.HumanEscalationCeiling,
			Message: fmt.Sprintf("must not exceed retry.max_attempts (%d)", r.MaxAttempts),
		})
	}

	return errors
}

func (c *Config) validateComposer() []ValidationError {
	var errors []ValidationError
	comp := c.Composer

	if comp.MinMembers < 0 {
		errors = append(errors, ValidationError{
			Field:   "composer.min_members",
			Value:   comp.MinMembers,
			Message: "must be non-negative",
		})
	}
	if comp.MaxMembers < 0 {
		errors = append(errors, ValidationError{
			Field:   "composer.max_members",
			Value:   comp.MaxMembers,
			Message: "must be non-negative",
		})
	}
	if comp.MaxMembers > 0 && comp.MinMembers > comp.MaxMembers {
		errors = append(errors, ValidationError{
			Field:   "composer.min_members",
			Value:   comp.MinMembers,
			Message: fmt.Sprintf("must not exceed composer.max_members (%d)", comp.MaxMembers),
		})
	}

	if comp.MaxModelTier != "" && !slices.Contains(ValidModelTiers(), comp.MaxModelTier) {
		errors = append(errors, ValidationError{
			Field:   "composer.max_model_tier",
			Value:   comp.MaxModelTier,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModelTiers(), ", ")),
		})
	}

	for i, pattern := range comp.ExcludeAgentTypes {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("composer.exclude_agent_types[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError
	path := c.Paths.StateDir

	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	return errors
}
