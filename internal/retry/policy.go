package retry

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Action is what the verification cycle does after an attempt.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionFail     Action = "fail"
)

// EscalationLevel is the authority a stuck task is routed to.
type EscalationLevel string

const (
	LevelCoordinator EscalationLevel = "coordinator"
	LevelArchitect   EscalationLevel = "architect"
	LevelHuman       EscalationLevel = "human"
)

// Default policy values.
const (
	DefaultMaxAttempts  = 3
	DefaultHumanCeiling = 2
)

// Policy holds the two budgets of the retry engine. MaxAttempts bounds
// retries; HumanCeiling is the stricter attempt count at which an
// escalation goes straight to a human.
type Policy struct {
	MaxAttempts  int `json:"max_attempts"`
	HumanCeiling int `json:"human_ceiling"`
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, HumanCeiling: DefaultHumanCeiling}
}

// EscalationDecision is derived from an attempt and attached to its result.
type EscalationDecision struct {
	ShouldEscalate bool            `json:"should_escalate"`
	Level          EscalationLevel `json:"level,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Decision is the retry engine's verdict on the latest attempt.
type Decision struct {
	ShouldRetry bool               `json:"should_retry"`
	Action      Action             `json:"action"`
	Reason      string             `json:"reason"`
	Escalation  EscalationDecision `json:"escalation"`
}

// DetermineAction decides the next step after the latest attempt recorded
// in s was judged as out. Rules, in order:
//
//  1. APPROVED without a critical failed check is accepted.
//  2. Exhausted attempts fail.
//  3. NEEDS_REVIEW always escalates, whatever budget remains.
//  4. A critical failed check escalates.
//  5. Any non-retryable issue escalates.
//  6. Everything else is retried.
func DetermineAction(s State, out Outcome) (Action, string) {
	if out.Verdict == VerdictApproved && !out.HasCriticalFailure() {
		return ActionAccept, "validation approved"
	}
	if s.Exhausted() {
		return ActionFail, fmt.Sprintf("%v after %d attempts", errors.ErrBudgetExhausted, s.CurrentAttempt)
	}
	if out.Verdict == VerdictNeedsReview {
		return ActionEscalate, "validator requested manual review"
	}
	for _, c := range out.Checks {
		if !c.Passed && c.Severity == SeverityCritical {
			return ActionEscalate, fmt.Sprintf("critical check %q failed", c.Name)
		}
	}
	var blocking []string
	for _, issue := range out.Issues {
		if cls := ClassifyIssue(issue); !cls.Retryable {
			blocking = append(blocking, string(cls.Class))
		}
	}
	if len(blocking) > 0 {
		return ActionEscalate, "non-retryable issues: " + strings.Join(dedupe(blocking), ", ")
	}
	return ActionRetry, fmt.Sprintf("retryable issues with %d attempt(s) remaining", s.Remaining())
}

// DetermineEscalation picks the escalation level for an attempt. It is a
// pure function: identical inputs always yield the same decision.
// Security issues go to an architect; attempts at or past the human
// ceiling go to a human; everything else goes to the coordinator.
func DetermineEscalation(p Policy, s State, out Outcome) EscalationDecision {
	action, reason := DetermineAction(s, out)
	if action != ActionEscalate {
		return EscalationDecision{ShouldEscalate: false}
	}

	switch {
	case HasSecurityIssue(out.Issues):
		return EscalationDecision{ShouldEscalate: true, Level: LevelArchitect, Reason: "security concern: " + reason}
	case p.HumanCeiling > 0 && s.CurrentAttempt >= p.HumanCeiling:
		return EscalationDecision{
			ShouldEscalate: true,
			Level:          LevelHuman,
			Reason:         fmt.Sprintf("attempt %d reached human ceiling %d: %s", s.CurrentAttempt, p.HumanCeiling, reason),
		}
	default:
		return EscalationDecision{ShouldEscalate: true, Level: LevelCoordinator, Reason: reason}
	}
}

// Decide combines DetermineAction and DetermineEscalation.
func Decide(p Policy, s State, out Outcome) Decision {
	action, reason := DetermineAction(s, out)
	return Decision{
		ShouldRetry: action == ActionRetry,
		Action:      action,
		Reason:      reason,
		Escalation:  DetermineEscalation(p, s, out),
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
