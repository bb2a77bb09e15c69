// Package verify implements the builder-validator verification cycle.
//
// A cycle runs a builder attempt, judges it according to the task's
// validation type, and asks the retry engine what to do next. Retryable
// rejections are recovered locally with a feedback-driven attempt; every
// other outcome is returned to the caller as data.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/crucible/internal/prompt"
	"github.com/Iron-Ham/crucible/internal/retry"
)

// ValidationType selects how a builder result is judged.
type ValidationType string

const (
	// ValidationSelfOnly trusts the builder's own self-check.
	ValidationSelfOnly ValidationType = "self-only"
	// ValidationValidator dispatches validators by task complexity.
	ValidationValidator ValidationType = "validator"
	// ValidationArchitect adds integration and architect review on top.
	ValidationArchitect ValidationType = "architect"
)

// Valid reports whether t is a known validation type.
func (t ValidationType) Valid() bool {
	switch t {
	case ValidationSelfOnly, ValidationValidator, ValidationArchitect:
		return true
	}
	return false
}

// Rank orders validation types by thoroughness.
func (t ValidationType) Rank() int {
	switch t {
	case ValidationSelfOnly:
		return 1
	case ValidationValidator:
		return 2
	case ValidationArchitect:
		return 3
	default:
		return 0
	}
}

// ValidatorKind names a validator role.
type ValidatorKind string

const (
	KindSyntax      ValidatorKind = "syntax"
	KindLogic       ValidatorKind = "logic"
	KindSecurity    ValidatorKind = "security"
	KindIntegration ValidatorKind = "integration"
	KindArchitect   ValidatorKind = "architect"
)

// Complexity thresholds for validator selection.
const (
	lowComplexity    = 0.4
	mediumComplexity = 0.7
)

// SelectValidators returns the validators to dispatch, in dispatch order.
// Self-only validation dispatches none.
func SelectValidators(vt ValidationType, complexity float64) []ValidatorKind {
	if vt == ValidationSelfOnly {
		return nil
	}

	kinds := []ValidatorKind{KindSyntax}
	if complexity >= lowComplexity {
		kinds = append(kinds, KindLogic)
	}
	if complexity >= mediumComplexity {
		kinds = append(kinds, KindSecurity)
	}
	if vt == ValidationArchitect {
		kinds = append(kinds, KindIntegration, KindArchitect)
	}
	return kinds
}

// BuildRequest is what a builder receives for one attempt.
type BuildRequest struct {
	WorkflowID string
	MemberID   string
	Task       prompt.TaskInfo
	// Attempt is 1-based across every cycle of the task.
	Attempt int
	// Prompt is the rendered builder or retry prompt; empty when no renderer
	// is configured.
	Prompt string
	// Feedback is set for every attempt after the first.
	Feedback *retry.Feedback
}

// SelfCheck is the builder's own judgement of its result.
type SelfCheck struct {
	Passed bool          `json:"passed"`
	Notes  string        `json:"notes,omitempty"`
	Issues []retry.Issue `json:"issues,omitempty"`
}

// BuildResult is the contract returned by the external executor.
type BuildResult struct {
	Success  bool             `json:"success"`
	Summary  string           `json:"summary,omitempty"`
	Evidence []retry.Evidence `json:"evidence,omitempty"`
	Issues   []retry.Issue    `json:"issues,omitempty"`
	// SelfCheck is nil when the builder did not report one.
	SelfCheck *SelfCheck `json:"self_check,omitempty"`
}

// ValidateRequest is what a validator receives.
type ValidateRequest struct {
	WorkflowID string
	Kind       ValidatorKind
	Task       prompt.TaskInfo
	Attempt    int
	Prompt     string
	Result     BuildResult
}

// Builder executes a task attempt.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
}

// Validator judges a builder result.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (retry.Outcome, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, req BuildRequest) (BuildResult, error)

// Build calls f(ctx, req).
func (f BuilderFunc) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	return f(ctx, req)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, req ValidateRequest) (retry.Outcome, error)

// Validate calls f(ctx, req).
func (f ValidatorFunc) Validate(ctx context.Context, req ValidateRequest) (retry.Outcome, error) {
	return f(ctx, req)
}

// Aggregate merges validator outcomes in order. Any REJECTED outcome or
// critical failed check makes the aggregate REJECTED; otherwise any
// NEEDS_REVIEW makes it NEEDS_REVIEW. No outcomes at all is NEEDS_REVIEW,
// since nothing approved the result.
func Aggregate(outcomes []retry.Outcome) retry.Outcome {
	if len(outcomes) == 0 {
		return retry.Outcome{
			Verdict: retry.VerdictNeedsReview,
			Summary: "no validator judged the result",
		}
	}

	agg := retry.Outcome{Verdict: retry.VerdictApproved}
	var summaries []string
	rejected, review := false, false
	for _, o := range outcomes {
		agg.Checks = append(agg.Checks, o.Checks...)
		agg.Issues = append(agg.Issues, o.Issues...)
		agg.Recommendations = append(agg.Recommendations, o.Recommendations...)
		if o.Summary != "" {
			summaries = append(summaries, o.Summary)
		}
		switch {
		case o.Verdict == retry.VerdictRejected, o.HasCriticalFailure():
			rejected = true
		case o.Verdict == retry.VerdictNeedsReview:
			review = true
		case o.Verdict != retry.VerdictApproved:
			// Unrecognized verdicts are never counted as approval.
			review = true
		}
	}

	switch {
	case rejected:
		agg.Verdict = retry.VerdictRejected
	case review:
		agg.Verdict = retry.VerdictNeedsReview
	}
	agg.Summary = strings.Join(summaries, "; ")
	return agg
}

// JudgeSelfCheck turns a builder's self-check into an outcome. A missing
// self-check is a failure.
func JudgeSelfCheck(res BuildResult) retry.Outcome {
	if res.SelfCheck == nil {
		return retry.Outcome{
			Verdict: retry.VerdictRejected,
			Checks:  []retry.Check{{Name: "self-check", Passed: false, Severity: retry.SeverityHigh, Message: "builder reported no self-check"}},
			Issues:  []retry.Issue{{Severity: retry.SeverityHigh, Category: "verification", Message: "builder reported no self-check"}},
			Summary: "self-check missing",
		}
	}

	sc := res.SelfCheck
	out := retry.Outcome{
		Checks:  []retry.Check{{Name: "self-check", Passed: sc.Passed, Message: sc.Notes}},
		Issues:  append([]retry.Issue(nil), sc.Issues...),
		Summary: sc.Notes,
	}
	if sc.Passed {
		out.Verdict = retry.VerdictApproved
	} else {
		out.Verdict = retry.VerdictRejected
		out.Checks[0].Severity = retry.SeverityHigh
		if len(out.Issues) == 0 {
			out.Issues = []retry.Issue{{Severity: retry.SeverityMedium, Category: "self-check", Message: "builder self-check failed"}}
		}
	}
	return out
}

// builderFailure is the outcome of an attempt whose execution failed before
// validation.
func builderFailure(res BuildResult, err error) retry.Outcome {
	msg := res.Summary
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "builder reported failure"
	}
	issues := append([]retry.Issue{{Severity: retry.SeverityHigh, Category: "execution", Message: msg}}, res.Issues...)
	return retry.Outcome{
		Verdict: retry.VerdictRejected,
		Checks:  []retry.Check{{Name: "execution", Passed: false, Severity: retry.SeverityHigh, Message: msg}},
		Issues:  issues,
		Summary: fmt.Sprintf("builder failed: %s", msg),
	}
}

func kindNames(kinds []ValidatorKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
