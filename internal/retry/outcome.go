// Package retry implements the retry engine of the builder-validator cycle.
//
// Everything here is a pure function of its inputs: classifying validator
// issues, deciding whether an attempt is accepted, retried, escalated or
// failed, and picking an escalation level. The Tracker is the only stateful
// type; it accumulates per-task attempt history across cycles.
package retry

import "time"

// Verdict is the overall judgement of a validator.
type Verdict string

const (
	VerdictApproved    Verdict = "APPROVED"
	VerdictRejected    Verdict = "REJECTED"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
)

// Severity ranks checks and issues.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; higher is more severe. Unknown severities rank as low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Check is a single pass/fail check performed by a validator.
type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Issue is a problem found in a builder result.
type Issue struct {
	Severity Severity `json:"severity,omitempty"`
	Category string   `json:"category,omitempty"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
}

// Outcome is a validator's (or the aggregate) judgement of one attempt.
type Outcome struct {
	Verdict         Verdict  `json:"verdict"`
	Checks          []Check  `json:"checks,omitempty"`
	Issues          []Issue  `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

// HasCriticalFailure reports whether any failed check is critical.
func (o Outcome) HasCriticalFailure() bool {
	for _, c := range o.Checks {
		if !c.Passed && c.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// FailedChecks returns the checks that did not pass, in order.
func (o Outcome) FailedChecks() []Check {
	var failed []Check
	for _, c := range o.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Evidence is an immutable record of something observed during an attempt.
type Evidence struct {
	Type      string    `json:"type"`
	Passed    bool      `json:"passed"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
