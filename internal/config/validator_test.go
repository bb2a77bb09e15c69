package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"zero parallelism", func(c *Config) { c.Workflow.MaxParallelTasks = 0 }, "workflow.max_parallel_tasks"},
		{"huge parallelism", func(c *Config) { c.Workflow.MaxParallelTasks = 1000 }, "workflow.max_parallel_tasks"},
		{"bad execution mode", func(c *Config) { c.Workflow.ExecutionMode = "random" }, "workflow.execution_mode"},
		{"bad escalation mode", func(c *Config) { c.Workflow.EscalationMode = "ignore" }, "workflow.escalation_mode"},
		{"negative retries", func(c *Config) { c.Workflow.MaxRetries = -1 }, "workflow.max_retries"},
		{"zero timeout", func(c *Config) { c.Workflow.TaskTimeoutSeconds = 0 }, "workflow.task_timeout_seconds"},
		{"zero poll interval", func(c *Config) { c.Workflow.PollIntervalMs = 0 }, "workflow.poll_interval_ms"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"ceiling above attempts", func(c *Config) { c.Retry.HumanEscalationCeiling = 4 }, "retry.human_escalation_ceiling"},
		{"zero ceiling", func(c *Config) { c.Retry.HumanEscalationCeiling = 0 }, "retry.human_escalation_ceiling"},
		{"negative max members", func(c *Config) { c.Composer.MaxMembers = -1 }, "composer.max_members"},
		{"min above max", func(c *Config) { c.Composer.MinMembers = 9 }, "composer.min_members"},
		{"bad tier", func(c *Config) { c.Composer.MaxModelTier = "ultra" }, "composer.max_model_tier"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"null byte path", func(c *Config) { c.Paths.StateDir = "a\x00b" }, "paths.state_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_AcceptsValidVariants(t *testing.T) {
	cfg := Default()
	cfg.Workflow.ExecutionMode = "sequential"
	cfg.Workflow.EscalationMode = "force-continue"
	cfg.Composer.MaxMembers = 0
	cfg.Composer.MinMembers = 3
	cfg.Composer.MaxModelTier = "medium"
	cfg.Composer.ExcludeAgentTypes = []string{"*-reviewer", "security-?uditor"}
	cfg.Logging.Level = ""

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("expected valid config, got %v", errs)
	}
}
