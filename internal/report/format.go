package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/crucible/internal/workflow"
)

// Formatter renders a report for humans.
type Formatter interface {
	Format(r Report) string
}

// Options controls what formatters include.
type Options struct {
	// ShowEvents includes the event log.
	ShowEvents bool
	// MaxEvents keeps only the last n events; zero keeps all.
	MaxEvents int
}

var (
	primaryColor   = lipgloss.Color("#A78BFA")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#F87171")
	mutedColor     = lipgloss.Color("#9CA3AF")
	pausedColor    = lipgloss.Color("#60A5FA")
	borderColor    = lipgloss.Color("#6B7280")
)

// Styles are the lipgloss styles of the styled formatter.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Section lipgloss.Style
	Box     lipgloss.Style
	Status  map[string]lipgloss.Style
}

// DefaultStyles returns the default report styles.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(primaryColor),
		Label: lipgloss.NewStyle().Foreground(mutedColor).Width(16),
		Muted: lipgloss.NewStyle().Foreground(mutedColor),
		Section: lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(borderColor).
			MarginTop(1),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1),
		Status: map[string]lipgloss.Style{
			string(workflow.StatusCompleted): lipgloss.NewStyle().Bold(true).Foreground(secondaryColor),
			string(workflow.StatusFailed):    lipgloss.NewStyle().Bold(true).Foreground(errorColor),
			string(workflow.StatusPaused):    lipgloss.NewStyle().Bold(true).Foreground(pausedColor),
			string(workflow.StatusRunning):   lipgloss.NewStyle().Bold(true).Foreground(warningColor),
			string(workflow.TaskBlocked):     lipgloss.NewStyle().Foreground(mutedColor),
			string(workflow.TaskPending):     lipgloss.NewStyle().Foreground(mutedColor),
		},
	}
}

func (s Styles) status(v string) string {
	if st, ok := s.Status[v]; ok {
		return st.Render(v)
	}
	return v
}

// StyledFormatter renders reports with lipgloss.
type StyledFormatter struct {
	Styles  Styles
	Options Options
}

// NewStyledFormatter returns a StyledFormatter with the default styles.
func NewStyledFormatter(opts Options) *StyledFormatter {
	return &StyledFormatter{Styles: DefaultStyles(), Options: opts}
}

// Format implements Formatter.
func (f *StyledFormatter) Format(r Report) string {
	st := f.Styles
	var sb strings.Builder

	header := []string{
		st.Title.Render("Workflow " + r.WorkflowID),
	}
	if r.Objective != "" {
		header = append(header, st.Muted.Render(r.Objective))
	}
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, st.Label.Render(label), value)
	}
	header = append(header, "",
		row("Status", st.status(string(r.Status))),
	)
	if r.Reason != "" {
		header = append(header, row("Reason", r.Reason))
	}
	header = append(header,
		row("Duration", formatDuration(r.Duration)),
		row("Tasks", fmt.Sprintf("%d/%d completed, %d failed", r.TasksCompleted, r.TasksTotal, r.TasksFailed)),
		row("Retries", fmt.Sprintf("%d (%d attempts)", r.TotalRetries, r.TotalAttempts)),
	)
	sb.WriteString(st.Box.Render(strings.Join(header, "\n")))
	sb.WriteString("\n")

	sb.WriteString(st.Section.Render("Tasks"))
	sb.WriteString("\n")
	for _, t := range r.Tasks {
		line := fmt.Sprintf("%-20s %s", t.ID, st.status(string(t.Status)))
		details := taskDetails(t)
		if details != "" {
			line += " " + st.Muted.Render(details)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		if t.Error != "" {
			sb.WriteString("  " + lipgloss.NewStyle().Foreground(errorColor).Render(t.Error))
			sb.WriteString("\n")
		}
	}

	if len(r.Failures) > 0 {
		sb.WriteString(st.Section.Render("Failure reports"))
		sb.WriteString("\n")
		for _, fr := range r.Failures {
			sb.WriteString(fr.String())
			sb.WriteString("\n")
		}
	}

	if f.Options.ShowEvents && len(r.EventLog) > 0 {
		sb.WriteString(st.Section.Render("Events"))
		sb.WriteString("\n")
		for _, e := range lastEvents(r.EventLog, f.Options.MaxEvents) {
			sb.WriteString(st.Muted.Render(e.Time.Format(time.TimeOnly)))
			sb.WriteString(fmt.Sprintf(" %-18s %s\n", e.Type, e.Message))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(r.Summary)
	sb.WriteString("\n")
	return sb.String()
}

// PlainFormatter renders reports as plain text, for pipes and logs.
type PlainFormatter struct {
	Options Options
}

// Format implements Formatter.
func (f PlainFormatter) Format(r Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow: %s\n", r.WorkflowID)
	if r.Objective != "" {
		fmt.Fprintf(&sb, "Objective: %s\n", r.Objective)
	}
	fmt.Fprintf(&sb, "Status: %s\n", r.Status)
	if r.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", r.Reason)
	}
	fmt.Fprintf(&sb, "Duration: %s\n", formatDuration(r.Duration))
	fmt.Fprintf(&sb, "Tasks: %d/%d completed, %d failed\n", r.TasksCompleted, r.TasksTotal, r.TasksFailed)
	fmt.Fprintf(&sb, "Retries: %d (%d attempts)\n", r.TotalRetries, r.TotalAttempts)

	sb.WriteString("\nTasks:\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(&sb, "  %-20s %-10s", t.ID, t.Status)
		if d := taskDetails(t); d != "" {
			sb.WriteString(" " + d)
		}
		sb.WriteString("\n")
		if t.Error != "" {
			fmt.Fprintf(&sb, "    error: %s\n", t.Error)
		}
	}

	if len(r.Failures) > 0 {
		sb.WriteString("\nFailure reports:\n")
		for _, fr := range r.Failures {
			sb.WriteString(fr.String())
			sb.WriteString("\n")
		}
	}

	if f.Options.ShowEvents && len(r.EventLog) > 0 {
		sb.WriteString("\nEvents:\n")
		for _, e := range lastEvents(r.EventLog, f.Options.MaxEvents) {
			fmt.Fprintf(&sb, "  %s %-18s %s\n", e.Time.Format(time.TimeOnly), e.Type, e.Message)
		}
	}

	fmt.Fprintf(&sb, "\n%s\n", r.Summary)
	return sb.String()
}

func taskDetails(t TaskReport) string {
	var parts []string
	if t.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", t.Attempts, plural(t.Attempts, "attempt", "attempts")))
	}
	if t.RetryCount > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", t.RetryCount, plural(t.RetryCount, "retry", "retries")))
	}
	if t.Duration > 0 {
		parts = append(parts, formatDuration(t.Duration))
	}
	if t.AssignedTo != "" {
		parts = append(parts, "by "+t.AssignedTo)
	}
	if t.Escalation != "" {
		parts = append(parts, "escalated to "+string(t.Escalation))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func lastEvents(entries []Entry, n int) []Entry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
