package retry

import (
	"fmt"
	"strings"
)

// Feedback is the structured context for a retry prompt: the original task,
// what the previous attempt produced and what validators said about it.
type Feedback struct {
	TaskID          string   `json:"task_id"`
	Task            string   `json:"task"`
	Attempt         int      `json:"attempt"`
	MaxAttempts     int      `json:"max_attempts"`
	PreviousSummary string   `json:"previous_summary,omitempty"`
	Issues          []Issue  `json:"issues,omitempty"`
	FailedChecks    []Check  `json:"failed_checks,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// BuildFeedback derives retry feedback from the last attempt in s.
// Attempt is the number of the attempt about to run.
func BuildFeedback(task string, s State) Feedback {
	fb := Feedback{
		TaskID:      s.TaskID,
		Task:        task,
		Attempt:     s.CurrentAttempt + 1,
		MaxAttempts: s.MaxAttempts,
	}
	if last, ok := s.Last(); ok {
		fb.PreviousSummary = last.Summary
		fb.Issues = append([]Issue(nil), last.Outcome.Issues...)
		fb.FailedChecks = last.Outcome.FailedChecks()
		fb.Recommendations = append([]string(nil), last.Outcome.Recommendations...)
	}
	return fb
}

// AttemptSummary is a condensed attempt for failure reports.
type AttemptSummary struct {
	Cycle      int     `json:"cycle,omitempty"`
	Number     int     `json:"number"`
	Verdict    Verdict `json:"verdict"`
	Action     Action  `json:"action"`
	Summary    string  `json:"summary,omitempty"`
	IssueCount int     `json:"issue_count"`
}

// FailureReport explains a terminally failed task to a human.
type FailureReport struct {
	TaskID            string           `json:"task_id"`
	Attempts          []AttemptSummary `json:"attempts"`
	RootCause         string           `json:"root_cause"`
	RecommendedAction string           `json:"recommended_action"`
	FinalIssues       []Issue          `json:"final_issues,omitempty"`
}

// String renders the report as plain text.
func (r FailureReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s failed after %d attempt(s)\n", r.TaskID, len(r.Attempts))
	for _, a := range r.Attempts {
		prefix := fmt.Sprintf("#%d", a.Number)
		if a.Cycle > 0 {
			prefix = fmt.Sprintf("#%d.%d", a.Cycle, a.Number)
		}
		fmt.Fprintf(&sb, "  %s %s -> %s (%d issues)", prefix, a.Verdict, a.Action, a.IssueCount)
		if a.Summary != "" {
			fmt.Fprintf(&sb, ": %s", a.Summary)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Root cause: %s\n", r.RootCause)
	fmt.Fprintf(&sb, "Recommended action: %s\n", r.RecommendedAction)
	return sb.String()
}

// BuildFailureReport summarizes the history in s. The root cause is the
// most severe issue of the latest attempt; the recommendation follows that
// issue's classification.
func BuildFailureReport(s State) FailureReport {
	report := FailureReport{
		TaskID:   s.TaskID,
		Attempts: make([]AttemptSummary, 0, len(s.History)),
	}
	for _, a := range s.History {
		report.Attempts = append(report.Attempts, AttemptSummary{
			Cycle:      a.Cycle,
			Number:     a.Number,
			Verdict:    a.Outcome.Verdict,
			Action:     a.Action,
			Summary:    a.Summary,
			IssueCount: len(a.Outcome.Issues),
		})
	}

	last, ok := s.Last()
	if !ok {
		report.RootCause = "no attempt was recorded"
		report.RecommendedAction = "Check that the builder is configured and reachable, then resume the workflow."
		return report
	}
	report.FinalIssues = append([]Issue(nil), last.Outcome.Issues...)

	worst, found := mostSevere(last.Outcome.Issues)
	if !found {
		if failed := last.Outcome.FailedChecks(); len(failed) > 0 {
			report.RootCause = fmt.Sprintf("check %q failed: %s", failed[0].Name, failed[0].Message)
		} else if last.Reason != "" {
			report.RootCause = last.Reason
		} else {
			report.RootCause = "builder produced no passing result and validators reported no issues"
		}
		report.RecommendedAction = "Inspect the builder output and the task description; the failure did not produce actionable issues."
		return report
	}

	report.RootCause = describeIssue(worst)
	report.RecommendedAction = recommendFor(ClassifyIssue(worst).Class)
	return report
}

func mostSevere(issues []Issue) (Issue, bool) {
	if len(issues) == 0 {
		return Issue{}, false
	}
	worst := issues[0]
	for _, issue := range issues[1:] {
		if issue.Severity.Rank() > worst.Severity.Rank() {
			worst = issue
		}
	}
	return worst, true
}

func describeIssue(issue Issue) string {
	var sb strings.Builder
	if issue.Severity != "" {
		fmt.Fprintf(&sb, "[%s] ", issue.Severity)
	}
	if issue.Category != "" {
		fmt.Fprintf(&sb, "%s: ", issue.Category)
	}
	sb.WriteString(issue.Message)
	if issue.Location != "" {
		fmt.Fprintf(&sb, " (%s)", issue.Location)
	}
	return sb.String()
}

func recommendFor(class IssueClass) string {
	switch class {
	case ClassSecurity:
		return "Have a security reviewer assess the finding before any further automated attempts."
	case ClassMissingDependency:
		return "Add or declare the missing dependency, then resume the workflow."
	case ClassArchitecture:
		return "Revisit the design with an architect; the task may need to be re-scoped or split."
	case ClassManual:
		return "A human decision is required; review the validator notes and resolve manually."
	default:
		return "Automated retries were exhausted; refine the task description using the validator feedback and retry."
	}
}
