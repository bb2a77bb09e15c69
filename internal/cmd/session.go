package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Iron-Ham/crucible/internal/config"
	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/executor"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/prompt"
	"github.com/Iron-Ham/crucible/internal/report"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/verify"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

// EventLogName is the per-workflow event log, appended to by every run.
const EventLogName = "events.jsonl"

// nowFunc is the clock used for reports; tests replace it.
var nowFunc = time.Now

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// session is the configuration-derived context shared by subcommands.
type session struct {
	cfg      *config.Config
	stateDir string
	logger   *logging.Logger
	store    *workflow.FileStore
}

func openSession() (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	dir := cfg.Paths.ResolveStateDir(cwd)

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(dir, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
	}
	return &session{
		cfg:      cfg,
		stateDir: dir,
		logger:   logger,
		store:    workflow.NewFileStore(dir),
	}, nil
}

func (s *session) Close() {
	_ = s.logger.Close()
}

// workflowConfig builds the immutable workflow configuration.
func workflowConfig(cfg *config.Config) workflow.Config {
	return workflow.Config{
		MaxParallelTasks:  cfg.Workflow.MaxParallelTasks,
		ExecutionMode:     workflow.ExecutionMode(cfg.Workflow.ExecutionMode),
		ContinueOnFailure: cfg.Workflow.ContinueOnFailure,
		FailFast:          cfg.Workflow.FailFast,
		MaxRetries:        cfg.Workflow.MaxRetries,
		TaskTimeout:       cfg.Workflow.TaskTimeout(),
		EscalationMode:    workflow.EscalationMode(cfg.Workflow.EscalationMode),
		PollInterval:      cfg.Workflow.PollInterval(),
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		HumanCeiling: cfg.Retry.HumanEscalationCeiling,
	}
}

func teamConstraints(cfg *config.Config) team.Constraints {
	roles := make([]team.Role, 0, len(cfg.Composer.RequiredRoles))
	for _, r := range cfg.Composer.RequiredRoles {
		roles = append(roles, team.Role(r))
	}
	return team.Constraints{
		MinMembers:           cfg.Composer.MinMembers,
		MaxMembers:           cfg.Composer.MaxMembers,
		RequiredCapabilities: cfg.Composer.RequiredCapabilities,
		RequiredRoles:        roles,
		ExcludeAgentTypes:    cfg.Composer.ExcludeAgentTypes,
		MaxModelTier:         team.ModelTier(cfg.Composer.MaxModelTier),
	}
}

func (s *session) composer() (*team.Composer, error) {
	opts := []team.Option{
		team.WithLogger(s.logger),
		team.WithRenderer(prompt.Default()),
	}
	if path := s.cfg.Composer.TemplatesFile; path != "" {
		ts, err := team.LoadTemplates(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, team.WithTemplates(ts))
	}
	return team.NewComposer(opts...), nil
}

// compose builds a team for req. template overrides the request's and the
// configured template.
func (s *session) compose(req *plan.Request, template string) (team.Composition, error) {
	c, err := s.composer()
	if err != nil {
		return team.Composition{}, err
	}
	if template == "" {
		template = req.PreferredTemplate
	}
	if template == "" {
		template = s.cfg.Composer.DefaultTemplate
	}
	constraints := teamConstraints(s.cfg)
	return c.Compose(team.Request{
		Analysis:          analysisFor(req),
		Decomposition:     req.Decomposition,
		PreferredTemplate: template,
		Constraints:       &constraints,
	})
}

// verifier builds the verification cycle around the configured executor
// commands. Without a validator command every validator is missing, so
// results escalate for manual review unless tasks use self-only validation.
func (s *session) verifier(wcfg workflow.Config, bus *event.Bus) (*verify.Cycle, error) {
	ecfg := s.cfg.Executor
	if len(ecfg.BuilderCommand) == 0 {
		return nil, errors.NewConfigurationError("executor.builder_command is not set", nil)
	}
	builderCmd, err := executor.NewCommand(ecfg.BuilderCommand,
		executor.WithLogger(s.logger),
		executor.WithTimeout(wcfg.TaskTimeout),
		executor.WithEnv(ecfg.Env),
	)
	if err != nil {
		return nil, err
	}

	opts := []verify.Option{
		verify.WithLogger(s.logger),
		verify.WithPolicy(retryPolicy(s.cfg)),
		verify.WithRenderer(prompt.Default()),
		verify.WithEventBus(bus),
	}
	if len(ecfg.ValidatorCommand) > 0 {
		validatorCmd, err := executor.NewCommand(ecfg.ValidatorCommand,
			executor.WithLogger(s.logger),
			executor.WithTimeout(wcfg.TaskTimeout),
			executor.WithEnv(ecfg.Env),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, verify.WithDefaultValidator(executor.NewValidator(validatorCmd)))
	} else {
		s.logger.Warn("executor.validator_command is not set; validation will escalate for review")
	}
	return verify.NewCycle(executor.NewBuilder(builderCmd), opts...), nil
}

// openEventLog opens the workflow's event log for appending.
func (s *session) openEventLog(id string) (*os.File, error) {
	dir := s.store.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, EventLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// readEventLog returns the workflow's event log; a missing log is empty.
func (s *session) readEventLog(id string) ([]report.Entry, error) {
	f, err := os.Open(filepath.Join(s.store.Dir(id), EventLogName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return report.ReadLog(f)
}

// loadRequest reads a request file and requires a decomposition when
// needDecomposition is set.
func loadRequest(path string, needDecomposition bool) (*plan.Request, error) {
	req, err := plan.LoadRequest(path)
	if err != nil {
		return nil, err
	}
	if needDecomposition && req.Decomposition == nil {
		return nil, errors.NewValidationError("request has no decomposition").WithField("decomposition")
	}
	return req, nil
}

// analysisFor returns the request's analysis, deriving one from the
// decomposition objective when the request carries none.
func analysisFor(req *plan.Request) plan.Analysis {
	a := req.Analysis
	if strings.TrimSpace(a.Task) != "" || a.Type != "" {
		return a
	}
	if req.Decomposition != nil && req.Decomposition.Objective != "" {
		return plan.AnalyzeText(req.Decomposition.Objective)
	}
	return a
}
