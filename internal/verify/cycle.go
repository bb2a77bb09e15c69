package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/prompt"
	"github.com/Iron-Ham/crucible/internal/retry"
)

// Request describes one task to verify.
type Request struct {
	WorkflowID     string
	Objective      string
	MemberID       string
	Task           prompt.TaskInfo
	ValidationType ValidationType
	// Prior is the task's retry state from earlier cycles. The cycle
	// continues it, so a recycled task never gets a fresh budget.
	Prior *retry.State
}

// Result is the outcome of a verification cycle. Escalations and terminal
// failures are reported here, not as errors.
type Result struct {
	TaskID string
	// Passed is true only when the final decision accepted the result.
	Passed   bool
	Decision retry.Decision
	// State is the cycle's retry state. It is in progress when the cycle
	// ended in an escalation.
	State retry.State
	// Evidence is ordered by attempt, then builder before validators.
	Evidence []retry.Evidence
	// Summary is the last builder summary.
	Summary string
	// Failure is set when the retry budget was exhausted.
	Failure *retry.FailureReport
}

// Attempts returns the number of attempts the cycle made.
func (r Result) Attempts() int {
	return r.State.CurrentAttempt
}

// Cycle runs builder-validator verification for tasks.
type Cycle struct {
	builder          Builder
	validators       map[ValidatorKind]Validator
	defaultValidator Validator
	renderer         prompt.Renderer
	policy           retry.Policy
	bus              *event.Bus
	logger           *logging.Logger
	now              func() time.Time
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithLogger sets the logger for the cycle.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cycle) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPolicy sets the retry policy. Non-positive budgets fall back to defaults.
func WithPolicy(p retry.Policy) Option {
	return func(c *Cycle) {
		if p.MaxAttempts > 0 {
			c.policy.MaxAttempts = p.MaxAttempts
		}
		if p.HumanCeiling > 0 {
			c.policy.HumanCeiling = p.HumanCeiling
		}
	}
}

// WithRenderer sets the prompt renderer. Without one, builders and
// validators receive empty prompts and rely on the structured request.
func WithRenderer(r prompt.Renderer) Option {
	return func(c *Cycle) {
		c.renderer = r
	}
}

// WithEventBus sets the bus attempt events are published to.
func WithEventBus(bus *event.Bus) Option {
	return func(c *Cycle) {
		c.bus = bus
	}
}

// WithValidator registers the validator used for one kind.
func WithValidator(kind ValidatorKind, v Validator) Option {
	return func(c *Cycle) {
		if v != nil {
			c.validators[kind] = v
		}
	}
}

// WithDefaultValidator registers a validator for every kind without a
// dedicated one.
func WithDefaultValidator(v Validator) Option {
	return func(c *Cycle) {
		c.defaultValidator = v
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cycle) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCycle creates a verification cycle around a builder.
// Panics if builder is nil.
func NewCycle(builder Builder, opts ...Option) *Cycle {
	if builder == nil {
		panic("verify.NewCycle: builder must not be nil")
	}
	c := &Cycle{
		builder:    builder,
		validators: make(map[ValidatorKind]Validator),
		policy:     retry.DefaultPolicy(),
		logger:     logging.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the retry policy in effect.
func (c *Cycle) Policy() retry.Policy {
	return c.policy
}

// Run verifies a task, retrying with feedback while the retry engine says
// so. Attempts recorded in req.Prior count against the budget. It returns
// an error only for invalid input or context cancellation; the partial
// result is still returned on cancellation.
func (c *Cycle) Run(ctx context.Context, req Request) (Result, error) {
	vt := req.ValidationType
	if vt == "" {
		vt = ValidationValidator
	}
	if !vt.Valid() {
		return Result{}, errors.NewValidationError(fmt.Sprintf("unknown validation type %q", vt)).WithField("validation_type").WithValue(string(vt))
	}
	if req.Task.ID == "" {
		return Result{}, errors.NewValidationError("task id is required").WithField("task.id")
	}

	logger := c.logger.WithWorkflow(req.WorkflowID).WithTask(req.Task.ID)
	kinds := SelectValidators(vt, req.Task.Complexity)
	state := retry.NewState(req.Task.ID, c.policy.MaxAttempts)
	if req.Prior != nil && len(req.Prior.History) > 0 {
		state = req.Prior.Clone()
		state.MaxAttempts = c.policy.MaxAttempts
		state.Status = retry.StatusInProgress
	}
	res := Result{TaskID: req.Task.ID, State: state}

	if state.Exhausted() {
		action, reason := retry.DetermineAction(state, retry.Outcome{})
		res.Decision = retry.Decision{Action: action, Reason: reason}
		res.State = state.Finish(retry.StatusFailed)
		report := retry.BuildFailureReport(res.State)
		res.Failure = &report
		logger.Warn("no attempts left", "attempts", state.CurrentAttempt, "max_attempts", state.MaxAttempts)
		return res, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		attempt := state.CurrentAttempt + 1
		var feedback *retry.Feedback
		if state.CurrentAttempt > 0 {
			fb := retry.BuildFeedback(taskText(req.Task), state)
			feedback = &fb
		}

		c.bus.Publish(event.NewTaskStartedEvent(req.WorkflowID, req.Task.ID, attempt))
		logger.Debug("builder attempt started", "attempt", attempt, "max_attempts", c.policy.MaxAttempts)

		started := c.now()
		built, buildErr := c.builder.Build(ctx, BuildRequest{
			WorkflowID: req.WorkflowID,
			MemberID:   req.MemberID,
			Task:       req.Task,
			Attempt:    attempt,
			Prompt:     c.builderPrompt(logger, req, feedback),
			Feedback:   feedback,
		})
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, evidence := c.judge(ctx, logger, req, vt, kinds, attempt, built, buildErr)
		if err := ctx.Err(); err != nil {
			return res, err
		}

		state = state.Record(retry.Attempt{
			Summary:   built.Summary,
			Outcome:   outcome,
			Evidence:  evidence,
			StartedAt: started,
			Duration:  c.now().Sub(started),
		})
		decision := retry.Decide(c.policy, state, outcome)
		state.History[len(state.History)-1].Action = decision.Action
		state.History[len(state.History)-1].Reason = decision.Reason

		res.Evidence = append(res.Evidence, evidence...)
		res.Summary = built.Summary
		res.Decision = decision
		res.State = state

		logger.Info("attempt judged",
			"attempt", attempt,
			"verdict", string(outcome.Verdict),
			"action", string(decision.Action),
			"reason", decision.Reason,
		)

		switch decision.Action {
		case retry.ActionAccept:
			res.State = state.Finish(retry.StatusSuccess)
			res.Passed = true
			return res, nil
		case retry.ActionRetry:
			c.bus.Publish(event.NewTaskRetryingEvent(req.WorkflowID, req.Task.ID, attempt, decision.Reason))
			continue
		case retry.ActionEscalate:
			return res, nil
		case retry.ActionFail:
			res.State = state.Finish(retry.StatusFailed)
			report := retry.BuildFailureReport(res.State)
			res.Failure = &report
			return res, nil
		default:
			return res, fmt.Errorf("unhandled retry action %q", decision.Action)
		}
	}
}

// judge evaluates one builder result and returns the aggregate outcome and
// the attempt's evidence in order.
func (c *Cycle) judge(ctx context.Context, logger *logging.Logger, req Request, vt ValidationType, kinds []ValidatorKind, attempt int, built BuildResult, buildErr error) (retry.Outcome, []retry.Evidence) {
	evidence := append([]retry.Evidence(nil), built.Evidence...)
	builderEvidence := retry.Evidence{
		Type:      "builder",
		Passed:    buildErr == nil && built.Success,
		Content:   built.Summary,
		Timestamp: c.now(),
	}
	if buildErr != nil {
		builderEvidence.Content = buildErr.Error()
	}
	evidence = append(evidence, builderEvidence)

	if !builderEvidence.Passed {
		logger.Warn("builder attempt failed", "attempt", attempt, "error", builderEvidence.Content)
		return builderFailure(built, buildErr), evidence
	}

	if vt == ValidationSelfOnly {
		out := JudgeSelfCheck(built)
		evidence = append(evidence, retry.Evidence{
			Type:      "self-check",
			Passed:    out.Verdict == retry.VerdictApproved,
			Content:   out.Summary,
			Timestamp: c.now(),
		})
		return out, evidence
	}

	c.bus.Publish(event.NewTaskValidatingEvent(req.WorkflowID, req.Task.ID, kindNames(kinds)))

	outcomes := iter.Map(kinds, func(kind *ValidatorKind) retry.Outcome {
		return c.validate(ctx, logger, req, *kind, attempt, built)
	})
	for i, out := range outcomes {
		evidence = append(evidence, retry.Evidence{
			Type:      "validator:" + string(kinds[i]),
			Passed:    out.Verdict == retry.VerdictApproved && !out.HasCriticalFailure(),
			Content:   fmt.Sprintf("%s: %s", out.Verdict, out.Summary),
			Timestamp: c.now(),
		})
	}
	return Aggregate(outcomes), evidence
}

func (c *Cycle) validate(ctx context.Context, logger *logging.Logger, req Request, kind ValidatorKind, attempt int, built BuildResult) retry.Outcome {
	v, ok := c.validators[kind]
	if !ok {
		v = c.defaultValidator
	}
	if v == nil {
		return retry.Outcome{
			Verdict: retry.VerdictNeedsReview,
			Issues:  []retry.Issue{{Severity: retry.SeverityMedium, Category: "configuration", Message: "no validator registered", Location: string(kind)}},
			Summary: fmt.Sprintf("no %s validator registered", kind),
		}
	}

	out, err := v.Validate(ctx, ValidateRequest{
		WorkflowID: req.WorkflowID,
		Kind:       kind,
		Task:       req.Task,
		Attempt:    attempt,
		Prompt:     c.validatorPrompt(logger, req, kind, built),
		Result:     built,
	})
	if err != nil {
		logger.Warn("validator failed", "validator", string(kind), "error", err.Error())
		return retry.Outcome{
			Verdict: retry.VerdictRejected,
			Checks:  []retry.Check{{Name: string(kind), Passed: false, Severity: retry.SeverityMedium, Message: err.Error()}},
			Issues:  []retry.Issue{{Severity: retry.SeverityMedium, Category: "validator", Message: "validator did not respond: " + err.Error(), Location: string(kind)}},
			Summary: fmt.Sprintf("%s validator error", kind),
		}
	}
	return out
}

func (c *Cycle) builderPrompt(logger *logging.Logger, req Request, feedback *retry.Feedback) string {
	pc := &prompt.Context{
		Kind:       prompt.KindBuilder,
		WorkflowID: req.WorkflowID,
		Objective:  req.Objective,
		Task:       &req.Task,
	}
	if feedback != nil {
		pc.Kind = prompt.KindRetry
		pc.Feedback = feedback
	}
	return c.render(logger, pc)
}

func (c *Cycle) validatorPrompt(logger *logging.Logger, req Request, kind ValidatorKind, built BuildResult) string {
	return c.render(logger, &prompt.Context{
		Kind:           prompt.KindValidator,
		WorkflowID:     req.WorkflowID,
		Objective:      req.Objective,
		Task:           &req.Task,
		Validator:      string(kind),
		BuilderSummary: built.Summary,
	})
}

func (c *Cycle) render(logger *logging.Logger, pc *prompt.Context) string {
	if c.renderer == nil {
		return ""
	}
	text, err := c.renderer.Render(pc)
	if err != nil {
		logger.Warn("prompt rendering failed", "kind", string(pc.Kind), "error", err.Error())
		return ""
	}
	return text
}

func taskText(t prompt.TaskInfo) string {
	if t.Description == "" {
		return t.Title
	}
	if t.Title == "" {
		return t.Description
	}
	return t.Title + "\n\n" + t.Description
}
