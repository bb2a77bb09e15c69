// Package executor runs builder and validator attempts in an external
// process.
//
// The protocol is one JSON document on stdin and one JSON document on
// stdout per invocation. Builders answer with a verify.BuildResult,
// validators with a retry.Outcome. Each invocation is bounded by the
// per-invocation timeout; a timed-out process is killed and reported as a
// TimeoutError, which the verification cycle records as a failed attempt.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/prompt"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/verify"
)

// Kind values sent in the request envelope.
const (
	KindBuild    = "build"
	KindValidate = "validate"
)

// DefaultTimeout bounds one invocation when no timeout is configured.
const DefaultTimeout = 300 * time.Second

// maxStderr caps how much stderr is quoted in errors.
const maxStderr = 2048

// killGrace is how long a killed process may keep its pipes open.
const killGrace = 2 * time.Second

// TaskPayload is the task as sent to the external process.
type TaskPayload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Complexity  float64  `json:"complexity"`
}

func payloadOf(t prompt.TaskInfo) TaskPayload {
	return TaskPayload{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Files:       t.Files,
		DependsOn:   t.DependsOn,
		Complexity:  t.Complexity,
	}
}

// Envelope is the request document written to the process's stdin.
type Envelope struct {
	Kind       string      `json:"kind"`
	WorkflowID string      `json:"workflow_id"`
	MemberID   string      `json:"member_id,omitempty"`
	Task       TaskPayload `json:"task"`
	Attempt    int         `json:"attempt"`
	Prompt     string      `json:"prompt,omitempty"`

	// Build requests after the first attempt.
	Feedback *retry.Feedback `json:"feedback,omitempty"`

	// Validate requests.
	Validator string              `json:"validator,omitempty"`
	Result    *verify.BuildResult `json:"result,omitempty"`
}

// Command runs one argv per invocation.
type Command struct {
	argv    []string
	env     map[string]string
	dir     string
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures a Command.
type Option func(*Command)

// WithLogger sets the logger for the command.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEnv adds environment variables on top of the current environment.
func WithEnv(env map[string]string) Option {
	return func(c *Command) {
		c.env = env
	}
}

// WithDir sets the working directory of the process.
func WithDir(dir string) Option {
	return func(c *Command) {
		c.dir = dir
	}
}

// NewCommand creates a Command for argv. An empty argv is a
// configuration error.
func NewCommand(argv []string, opts ...Option) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.NewConfigurationError("executor command is empty", errors.ErrInvalidInput)
	}
	c := &Command{
		argv:    append([]string(nil), argv...),
		timeout: DefaultTimeout,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the program the command runs.
func (c *Command) Name() string {
	return c.argv[0]
}

// Invoke writes in as JSON to the process and decodes its stdout into
// out. label names the invocation in errors.
func (c *Command) Invoke(ctx context.Context, label string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", label, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Env = c.environ()
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	if runErr != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if runCtx.Err() == context.DeadlineExceeded {
			c.logger.Warn("executor timed out", "command", c.Name(), "label", label, "timeout", c.timeout)
			return errors.NewTimeoutError(label, c.timeout).WithCause(runErr)
		}
		c.logger.Warn("executor failed", "command", c.Name(), "label", label, "error", runErr, "stderr", tail(stderr.String()))
		return fmt.Errorf("%s: %s: %w\nstderr: %s", label, c.Name(), runErr, tail(stderr.String()))
	}
	c.logger.Debug("executor finished", "command", c.Name(), "label", label, "duration", elapsed)

	data := bytes.TrimSpace(stdout.Bytes())
	if len(data) == 0 {
		return errors.Wrapf(errors.ErrInvalidInput, "%s: %s produced no output", label, c.Name())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewValidationError(fmt.Sprintf("%s: malformed executor output", label)).WithCause(err)
	}
	return nil
}

func (c *Command) environ() []string {
	if len(c.env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+c.env[k])
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return "..." + s[len(s)-maxStderr:]
	}
	return s
}

// Builder runs builder attempts through a Command.
type Builder struct {
	cmd *Command
}

// NewBuilder wraps cmd as a verify.Builder.
// Panics if cmd is nil.
func NewBuilder(cmd *Command) *Builder {
	if cmd == nil {
		panic("executor.NewBuilder: command must not be nil")
	}
	return &Builder{cmd: cmd}
}

// Build implements verify.Builder.
func (b *Builder) Build(ctx context.Context, req verify.BuildRequest) (verify.BuildResult, error) {
	env := Envelope{
		Kind:       KindBuild,
		WorkflowID: req.WorkflowID,
		MemberID:   req.MemberID,
		Task:       payloadOf(req.Task),
		Attempt:    req.Attempt,
		Prompt:     req.Prompt,
		Feedback:   req.Feedback,
	}
	var res verify.BuildResult
	label := fmt.Sprintf("builder for %s attempt %d", req.Task.ID, req.Attempt)
	if err := b.cmd.Invoke(ctx, label, env, &res); err != nil {
		return verify.BuildResult{}, err
	}
	return res, nil
}

// Validator runs validators through a Command.
type Validator struct {
	cmd *Command
}

// NewValidator wraps cmd as a verify.Validator.
// Panics if cmd is nil.
func NewValidator(cmd *Command) *Validator {
	if cmd == nil {
		panic("executor.NewValidator: command must not be nil")
	}
	return &Validator{cmd: cmd}
}

// Validate implements verify.Validator. An output without a verdict is
// rejected as malformed.
func (v *Validator) Validate(ctx context.Context, req verify.ValidateRequest) (retry.Outcome, error) {
	result := req.Result
	env := Envelope{
		Kind:       KindValidate,
		WorkflowID: req.WorkflowID,
		Task:       payloadOf(req.Task),
		Attempt:    req.Attempt,
		Prompt:     req.Prompt,
		Validator:  string(req.Kind),
		Result:     &result,
	}
	var out retry.Outcome
	label := fmt.Sprintf("%s validator for %s attempt %d", req.Kind, req.Task.ID, req.Attempt)
	if err := v.cmd.Invoke(ctx, label, env, &out); err != nil {
		return retry.Outcome{}, err
	}
	switch out.Verdict {
	case retry.VerdictApproved, retry.VerdictRejected, retry.VerdictNeedsReview:
		return out, nil
	default:
		return retry.Outcome{}, errors.NewValidationError("unknown validator verdict").
			WithField("verdict").WithValue(string(out.Verdict))
	}
}
