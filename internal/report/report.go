// Package report turns a workflow's final state, its retry history and its
// event log into an execution report, and renders that report for humans.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

// Context is everything a report is generated from.
type Context struct {
	State   workflow.State
	Retries map[string]retry.State
	Events  []Entry
	// Now is used for the duration of workflows that have not finished.
	// Zero means time.Now.
	Now time.Time
}

// TaskReport is the per-task line of a report.
type TaskReport struct {
	ID         string                `json:"id"`
	Title      string                `json:"title,omitempty"`
	Status     workflow.TaskStatus   `json:"status"`
	AssignedTo string                `json:"assigned_to,omitempty"`
	Attempts   int                   `json:"attempts"`
	RetryCount int                   `json:"retry_count"`
	Duration   time.Duration         `json:"duration,omitempty"`
	Error      string                `json:"error,omitempty"`
	Escalation retry.EscalationLevel `json:"escalation,omitempty"`
}

// Report is the execution report of one workflow.
type Report struct {
	WorkflowID     string                `json:"workflow_id"`
	Objective      string                `json:"objective,omitempty"`
	Status         workflow.Status       `json:"status"`
	Reason         string                `json:"reason,omitempty"`
	Duration       time.Duration         `json:"duration"`
	TasksTotal     int                   `json:"tasks_total"`
	TasksCompleted int                   `json:"tasks_completed"`
	TasksFailed    int                   `json:"tasks_failed"`
	TotalRetries   int                   `json:"total_retries"`
	TotalAttempts  int                   `json:"total_attempts"`
	AverageTask    time.Duration         `json:"average_task_duration"`
	Tasks          []TaskReport          `json:"tasks"`
	Failures       []retry.FailureReport `json:"failures,omitempty"`
	EventLog       []Entry               `json:"event_log"`
	Summary        string                `json:"summary"`
}

// Generate builds the report for c.
//
// TotalRetries counts every builder attempt beyond the first of each task,
// across verification cycles. Without retry history it falls back to the
// workflow's own retry counter.
func Generate(c Context) Report {
	s := c.State
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}

	counts := s.Counts()
	r := Report{
		WorkflowID:     s.ID,
		Objective:      s.Objective,
		Status:         s.Status,
		Duration:       duration(s.StartedAt, s.CompletedAt, now),
		TasksTotal:     counts.Total,
		TasksCompleted: counts.Completed,
		TasksFailed:    counts.Failed,
		AverageTask:    s.Metrics.AverageTaskDuration,
		Tasks:          make([]TaskReport, 0, len(s.Tasks)),
		EventLog:       append([]Entry{}, c.Events...),
	}
	switch s.Status {
	case workflow.StatusFailed:
		r.Reason = s.FailureReason
	case workflow.StatusPaused:
		r.Reason = s.PauseReason
	}

	for _, t := range s.Tasks {
		tr := TaskReport{
			ID:         t.ID,
			Title:      t.Title,
			Status:     t.Status,
			AssignedTo: t.AssignedTo,
			RetryCount: t.RetryCount,
			Error:      t.LastError,
		}
		if t.Status == workflow.TaskCompleted {
			tr.Error = ""
		}
		if t.Result != nil {
			tr.Attempts = t.Result.Attempts
		}
		if st, ok := c.Retries[t.ID]; ok {
			tr.Attempts = st.CurrentAttempt
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			tr.Duration = t.CompletedAt.Sub(*t.StartedAt)
		}
		if t.Escalation != nil && t.Escalation.ShouldEscalate {
			tr.Escalation = t.Escalation.Level
		}
		if t.Failure != nil {
			r.Failures = append(r.Failures, *t.Failure)
		}
		r.TotalAttempts += tr.Attempts
		r.Tasks = append(r.Tasks, tr)
	}

	if len(c.Retries) > 0 {
		for _, st := range c.Retries {
			r.TotalRetries += max(st.CurrentAttempt-1, 0)
		}
	} else {
		r.TotalRetries = s.Metrics.TotalRetries
	}

	sort.SliceStable(r.EventLog, func(i, j int) bool { return r.EventLog[i].Time.Before(r.EventLog[j].Time) })
	r.Summary = summarize(r)
	return r
}

func duration(start, end *time.Time, now time.Time) time.Duration {
	if start == nil {
		return 0
	}
	if end != nil {
		return end.Sub(*start)
	}
	return now.Sub(*start)
}

func summarize(r Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow %s %s", r.WorkflowID, r.Status)
	if r.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", r.Reason)
	}
	fmt.Fprintf(&sb, ": %d/%d tasks completed, %d failed, %d %s",
		r.TasksCompleted, r.TasksTotal, r.TasksFailed, r.TotalRetries, plural(r.TotalRetries, "retry", "retries"))
	if r.Duration > 0 {
		fmt.Fprintf(&sb, " in %s", r.Duration.Round(time.Millisecond))
	}
	sb.WriteString(".")
	if len(r.Failures) > 0 {
		ids := make([]string, 0, len(r.Failures))
		for _, f := range r.Failures {
			ids = append(ids, f.TaskID)
		}
		fmt.Fprintf(&sb, " Failure reports for %s.", strings.Join(ids, ", "))
	}
	return sb.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
