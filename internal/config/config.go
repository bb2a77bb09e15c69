package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (CRUCIBLE_WORKFLOW_MAX_RETRIES, ...).
const EnvPrefix = "CRUCIBLE"

// Config represents the complete crucible configuration
type Config struct {
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Composer ComposerConfig `mapstructure:"composer"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// WorkflowConfig controls scheduling of a workflow's task DAG
type WorkflowConfig struct {
	// MaxParallelTasks caps how many tasks run concurrently (default: 3)
	MaxParallelTasks int `mapstructure:"max_parallel_tasks"`
	// ExecutionMode is "parallel" or "sequential". Sequential caps the batch size at 1.
	ExecutionMode string `mapstructure:"execution_mode"`
	// ContinueOnFailure keeps the workflow running after a task terminally fails.
	// Dependents of the failed task are failed; unrelated tasks proceed.
	ContinueOnFailure bool `mapstructure:"continue_on_failure"`
	// FailFast applies results as they arrive and stops the batch on the first terminal failure.
	FailFast bool `mapstructure:"fail_fast"`
	// MaxRetries is how many times a failed task is recycled to pending (default: 2)
	MaxRetries int `mapstructure:"max_retries"`
	// TaskTimeoutSeconds bounds a single builder or validator invocation (default: 300).
	// Each attempt gets its own timeout, so one task may run for up to
	// retry.max_attempts times this across builds and validations.
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
	// EscalationMode decides what happens to an escalated task.
	// Options: "pause", "skip", "force-continue" (default: "pause")
	EscalationMode string `mapstructure:"escalation_mode"`
	// PollIntervalMs is the backoff between scheduling passes when nothing is ready (default: 250)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// TaskTimeout returns the per-invocation timeout as a Duration.
func (c *WorkflowConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// PollInterval returns the scheduler backoff as a Duration.
func (c *WorkflowConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RetryConfig controls the verification cycle's retry and escalation policy
type RetryConfig struct {
	// MaxAttempts is the number of builder attempts a single verification cycle may make (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// HumanEscalationCeiling is the attempt number at which escalation goes straight to a human.
	// It is deliberately separate from MaxAttempts (default: 2)
	HumanEscalationCeiling int `mapstructure:"human_escalation_ceiling"`
}

// ComposerConfig controls automatic team composition
type ComposerConfig struct {
	// DefaultTemplate forces a template; empty selects one automatically
	DefaultTemplate string `mapstructure:"default_template"`
	// TemplatesFile is an optional YAML file of custom templates merged over the built-ins
	TemplatesFile string `mapstructure:"templates_file"`
	// MinMembers and MaxMembers clamp team size (0 disables the bound)
	MinMembers int `mapstructure:"min_members"`
	MaxMembers int `mapstructure:"max_members"`
	// RequiredCapabilities and RequiredRoles must be present in the final team
	RequiredCapabilities []string `mapstructure:"required_capabilities"`
	RequiredRoles        []string `mapstructure:"required_roles"`
	// ExcludeAgentTypes are glob patterns (e.g. "*-reviewer") of agent types to drop
	ExcludeAgentTypes []string `mapstructure:"exclude_agent_types"`
	// MaxModelTier caps member model tiers: "low", "medium", "high" (empty = no cap)
	MaxModelTier string `mapstructure:"max_model_tier"`
}

// ExecutorConfig configures the external agent executor
type ExecutorConfig struct {
	// BuilderCommand is the argv of the process that runs builder attempts
	BuilderCommand []string `mapstructure:"builder_command"`
	// ValidatorCommand is the argv of the process that runs validators
	ValidatorCommand []string `mapstructure:"validator_command"`
	// Env adds environment variables to executor processes
	Env map[string]string `mapstructure:"env"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is active (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where crucible keeps state
type PathsConfig struct {
	// StateDir holds workflow state files, the debug log and the control file (default: ".crucible")
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the resolved state directory.
// A leading ~ expands to the user's home directory; relative paths resolve against baseDir.
func (p *PathsConfig) ResolveStateDir(baseDir string) string {
	path := p.StateDir
	if path == "" {
		path = ".crucible"
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			MaxParallelTasks:   3,
			ExecutionMode:      "parallel",
			ContinueOnFailure:  false,
			FailFast:           false,
			MaxRetries:         2,
			TaskTimeoutSeconds: 300,
			EscalationMode:     "pause",
			PollIntervalMs:     250,
		},
		Retry: RetryConfig{
			MaxAttempts:            3,
			HumanEscalationCeiling: 2,
		},
		Composer: ComposerConfig{
			DefaultTemplate:      "",
			TemplatesFile:        "",
			MinMembers:           0,
			MaxMembers:           8,
			RequiredCapabilities: []string{},
			RequiredRoles:        []string{},
			ExcludeAgentTypes:    []string{},
			MaxModelTier:         "",
		},
		Executor: ExecutorConfig{
			BuilderCommand:   []string{},
			ValidatorCommand: []string{},
			Env:              map[string]string{},
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			StateDir: ".crucible",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Workflow defaults
	viper.SetDefault("workflow.max_parallel_tasks", defaults.Workflow.MaxParallelTasks)
	viper.SetDefault("workflow.execution_mode", defaults.Workflow.ExecutionMode)
	viper.SetDefault("workflow.continue_on_failure", defaults.Workflow.ContinueOnFailure)
	viper.SetDefault("workflow.fail_fast", defaults.Workflow.FailFast)
	viper.SetDefault("workflow.max_retries", defaults.Workflow.MaxRetries)
	viper.SetDefault("workflow.task_timeout_seconds", defaults.Workflow.TaskTimeoutSeconds)
	viper.SetDefault("workflow.escalation_mode", defaults.Workflow.EscalationMode)
	viper.SetDefault("workflow.poll_interval_ms", defaults.Workflow.PollIntervalMs)

	// Retry defaults
	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.human_escalation_ceiling", defaults.Retry.HumanEscalationCeiling)

	// Composer defaults
	viper.SetDefault("composer.default_template", defaults.Composer.DefaultTemplate)
	viper.SetDefault("composer.templates_file", defaults.Composer.TemplatesFile)
	viper.SetDefault("composer.min_members", defaults.Composer.MinMembers)
	viper.SetDefault("composer.max_members", defaults.Composer.MaxMembers)
	viper.SetDefault("composer.required_capabilities", defaults.Composer.RequiredCapabilities)
	viper.SetDefault("composer.required_roles", defaults.Composer.RequiredRoles)
	viper.SetDefault("composer.exclude_agent_types", defaults.Composer.ExcludeAgentTypes)
	viper.SetDefault("composer.max_model_tier", defaults.Composer.MaxModelTier)

	// Executor defaults
	viper.SetDefault("executor.builder_command", defaults.Executor.BuilderCommand)
	viper.SetDefault("executor.validator_command", defaults.Executor.ValidatorCommand)
	viper.SetDefault("executor.env", defaults.Executor.Env)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if it cannot be loaded
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crucible")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crucible"
	}
	return filepath.Join(home, ".config", "crucible")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
