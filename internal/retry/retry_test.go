package retry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/crucible/internal/errors"
)

func TestClassifyIssue(t *testing.T) {
	tests := []struct {
		name      string
		issue     Issue
		wantClass IssueClass
		retryable bool
	}{
		{"syntax", Issue{Message: "Syntax error near line 4"}, ClassSyntax, true},
		{"type", Issue{Message: "type mismatch: int vs string"}, ClassType, true},
		{"logic", Issue{Category: "logic", Message: "off-by-one in loop bound"}, ClassLogic, true},
		{"nil check", Issue{Message: "missing nil check before dereference"}, ClassNullCheck, true},
		{"security", Issue{Category: "security", Message: "token logged"}, ClassSecurity, false},
		{"sql injection", Issue{Message: "possible SQL injection in query builder"}, ClassSecurity, false},
		{"vulnerability beats type", Issue{Message: "type confusion vulnerability"}, ClassSecurity, false},
		{"missing dependency", Issue{Message: "Module not found: lodash"}, ClassMissingDependency, false},
		{"architecture", Issue{Message: "violates the layered architecture"}, ClassArchitecture, false},
		{"manual", Issue{Message: "needs manual intervention to migrate data"}, ClassManual, false},
		{"unknown", Issue{Message: "output looks odd"}, ClassUnknown, true},
		{"word boundary", Issue{Message: "vanilla implementation"}, ClassUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyIssue(tt.issue)
			if got.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q", got.Class, tt.wantClass)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if IsRetryable(tt.issue) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(tt.issue), tt.retryable)
			}
		})
	}
}

// stateAt returns a state with n recorded attempts.
func stateAt(n, max int) State {
	s := NewState("task-1", max)
	for i := 0; i < n; i++ {
		s = s.Record(Attempt{Outcome: Outcome{Verdict: VerdictRejected}})
	}
	return s
}

func TestDetermineAction(t *testing.T) {
	critical := Check{Name: "compiles", Passed: false, Severity: SeverityCritical}

	tests := []struct {
		name string
		s    State
		out  Outcome
		want Action
	}{
		{"approved", stateAt(1, 3), Outcome{Verdict: VerdictApproved}, ActionAccept},
		{"approved on last attempt", stateAt(3, 3), Outcome{Verdict: VerdictApproved}, ActionAccept},
		{"approved with critical failure", stateAt(1, 3), Outcome{Verdict: VerdictApproved, Checks: []Check{critical}}, ActionEscalate},
		{"rejected retryable", stateAt(1, 3), Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "syntax error"}}}, ActionRetry},
		{"rejected no issues", stateAt(1, 3), Outcome{Verdict: VerdictRejected}, ActionRetry},
		{"exhausted", stateAt(3, 3), Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "syntax error"}}}, ActionFail},
		{"needs review on attempt 1 of 3", stateAt(1, 3), Outcome{Verdict: VerdictNeedsReview}, ActionEscalate},
		{"critical check", stateAt(1, 3), Outcome{Verdict: VerdictRejected, Checks: []Check{critical}}, ActionEscalate},
		{"non-retryable only", stateAt(1, 3), Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "missing dependency foo"}}}, ActionEscalate},
		{"mixed escalates", stateAt(1, 3), Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "syntax error"}, {Category: "security", Message: "x"}}}, ActionEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := DetermineAction(tt.s, tt.out)
			if got != tt.want {
				t.Errorf("DetermineAction() = %q (%s), want %q", got, reason, tt.want)
			}
			if reason == "" {
				t.Error("reason should not be empty")
			}
		})
	}
}

func TestDecide_NeedsReviewEscalatesDespiteBudget(t *testing.T) {
	d := Decide(DefaultPolicy(), stateAt(1, 3), Outcome{Verdict: VerdictNeedsReview})

	if d.ShouldRetry {
		t.Error("ShouldRetry = true, want false")
	}
	if d.Action != ActionEscalate {
		t.Errorf("Action = %q, want %q", d.Action, ActionEscalate)
	}
	if !d.Escalation.ShouldEscalate || d.Escalation.Level != LevelCoordinator {
		t.Errorf("Escalation = %+v, want coordinator escalation", d.Escalation)
	}
}

func TestDetermineEscalation(t *testing.T) {
	policy := Policy{MaxAttempts: 3, HumanCeiling: 2}
	needsReview := Outcome{Verdict: VerdictNeedsReview}

	tests := []struct {
		name      string
		s         State
		out       Outcome
		escalate  bool
		wantLevel EscalationLevel
	}{
		{"no escalation on retry", stateAt(1, 3), Outcome{Verdict: VerdictRejected}, false, ""},
		{"no escalation on accept", stateAt(1, 3), Outcome{Verdict: VerdictApproved}, false, ""},
		{"coordinator below ceiling", stateAt(1, 3), needsReview, true, LevelCoordinator},
		{"human at ceiling", stateAt(2, 3), needsReview, true, LevelHuman},
		{"security beats ceiling", stateAt(2, 3), Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "XSS in template"}}}, true, LevelArchitect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineEscalation(policy, tt.s, tt.out)
			if got.ShouldEscalate != tt.escalate {
				t.Fatalf("ShouldEscalate = %v, want %v", got.ShouldEscalate, tt.escalate)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", got.Level, tt.wantLevel)
			}
		})
	}
}

func TestDetermineEscalation_Deterministic(t *testing.T) {
	s := stateAt(2, 3)
	out := Outcome{Verdict: VerdictRejected, Issues: []Issue{{Message: "architecture violation"}, {Message: "typo"}}}

	first := DetermineEscalation(DefaultPolicy(), s, out)
	for i := 0; i < 20; i++ {
		if diff := cmp.Diff(first, DetermineEscalation(DefaultPolicy(), s, out)); diff != "" {
			t.Fatalf("decision changed on call %d:\n%s", i, diff)
		}
	}
}

func TestState_RecordIsPure(t *testing.T) {
	s := NewState("t", 3)
	next := s.Record(Attempt{Summary: "first"})

	if s.CurrentAttempt != 0 || len(s.History) != 0 {
		t.Error("Record mutated the receiver")
	}
	if next.CurrentAttempt != 1 || next.History[0].Number != 1 {
		t.Errorf("next = %+v, want one attempt numbered 1", next)
	}
	if next.Remaining() != 2 || next.Exhausted() {
		t.Errorf("Remaining() = %d Exhausted() = %v", next.Remaining(), next.Exhausted())
	}

	done := next.Finish(StatusSuccess)
	if !done.Status.IsTerminal() || next.Status != StatusInProgress {
		t.Error("Finish should return a terminal copy without mutating the receiver")
	}
}

func TestParseState(t *testing.T) {
	s := NewState("task-9", 3).Record(Attempt{
		Summary:   "built",
		Outcome:   Outcome{Verdict: VerdictRejected, Issues: []Issue{{Severity: SeverityHigh, Message: "nil deref"}}},
		Evidence:  []Evidence{{Type: "self-check", Passed: false, Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}},
		Action:    ActionRetry,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Duration:  2 * time.Second,
	})

	data, err := MarshalState(s)
	if err != nil {
		t.Fatalf("MarshalState() error = %v", err)
	}
	got, err := ParseState(data)
	if err != nil {
		t.Fatalf("ParseState() error = %v", err)
	}
	if diff := cmp.Diff(s, *got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	malformed := []string{
		`{`,
		`[]`,
		`{"task_id": "", "status": "in_progress"}`,
		`{"task_id": "t", "status": "exploded"}`,
		`{"task_id": "t", "status": "in_progress", "current_attempt": 2, "history": []}`,
	}
	for _, m := range malformed {
		got, err := ParseState([]byte(m))
		if err == nil || got != nil {
			t.Errorf("ParseState(%q) = %v, %v; want nil, error", m, got, err)
		}
		if err != nil && !errors.Is(err, errors.ErrMalformedState) {
			t.Errorf("ParseState(%q) error %v should wrap ErrMalformedState", m, err)
		}
	}
}

func TestBuildFeedback(t *testing.T) {
	s := NewState("t1", 3).Record(Attempt{
		Summary: "added handler",
		Outcome: Outcome{
			Verdict:         VerdictRejected,
			Checks:          []Check{{Name: "lint", Passed: true}, {Name: "tests", Passed: false}},
			Issues:          []Issue{{Message: "nil map write"}},
			Recommendations: []string{"initialise the map"},
		},
	})

	fb := BuildFeedback("Add handler", s)
	want := Feedback{
		TaskID:          "t1",
		Task:            "Add handler",
		Attempt:         2,
		MaxAttempts:     3,
		PreviousSummary: "added handler",
		Issues:          []Issue{{Message: "nil map write"}},
		FailedChecks:    []Check{{Name: "tests", Passed: false}},
		Recommendations: []string{"initialise the map"},
	}
	if diff := cmp.Diff(want, fb); diff != "" {
		t.Errorf("BuildFeedback mismatch (-want +got):\n%s", diff)
	}

	empty := BuildFeedback("x", NewState("t2", 3))
	if empty.Attempt != 1 || empty.PreviousSummary != "" {
		t.Errorf("first-attempt feedback = %+v", empty)
	}
}

func TestBuildFailureReport(t *testing.T) {
	t.Run("most severe issue drives root cause", func(t *testing.T) {
		s := stateAt(1, 2).Record(Attempt{
			Summary: "second try",
			Action:  ActionFail,
			Outcome: Outcome{Verdict: VerdictRejected, Issues: []Issue{
				{Severity: SeverityLow, Message: "style"},
				{Severity: SeverityCritical, Category: "dependency", Message: "module not found: foo", Location: "go.mod"},
			}},
		})

		r := BuildFailureReport(s)
		if len(r.Attempts) != 2 {
			t.Fatalf("len(Attempts) = %d, want 2", len(r.Attempts))
		}
		if want := "[critical] dependency: module not found: foo (go.mod)"; r.RootCause != want {
			t.Errorf("RootCause = %q, want %q", r.RootCause, want)
		}
		if !strings.Contains(r.RecommendedAction, "missing dependency") {
			t.Errorf("RecommendedAction = %q", r.RecommendedAction)
		}
		if !strings.Contains(r.String(), "failed after 2 attempt(s)") {
			t.Errorf("String() = %q", r.String())
		}
	})

	t.Run("no attempts", func(t *testing.T) {
		r := BuildFailureReport(NewState("t", 3))
		if r.RootCause == "" || r.RecommendedAction == "" {
			t.Errorf("report should still explain itself: %+v", r)
		}
	})

	t.Run("failed check without issues", func(t *testing.T) {
		s := NewState("t", 1).Record(Attempt{Outcome: Outcome{
			Verdict: VerdictRejected,
			Checks:  []Check{{Name: "self-check", Passed: false, Message: "no self-check reported"}},
		}})
		r := BuildFailureReport(s)
		if !strings.Contains(r.RootCause, "self-check") {
			t.Errorf("RootCause = %q", r.RootCause)
		}
	})
}

func TestTracker(t *testing.T) {
	tr := NewTracker()

	first := tr.Merge(stateAt(2, 3))
	// The next cycle continues from the tracked state.
	continued := first.Record(Attempt{Outcome: Outcome{Verdict: VerdictApproved}}).Finish(StatusSuccess)
	merged := tr.Merge(continued)

	if merged.CurrentAttempt != 3 || len(merged.History) != 3 {
		t.Fatalf("merged attempts = %d/%d, want 3", merged.CurrentAttempt, len(merged.History))
	}
	if merged.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", merged.Status)
	}
	if merged.History[0].Cycle != 1 || merged.History[2].Cycle != 2 {
		t.Errorf("cycles = %d, %d; want 1, 2", merged.History[0].Cycle, merged.History[2].Cycle)
	}
	if merged.History[2].Number != 3 {
		t.Errorf("third attempt number = %d, want 3", merged.History[2].Number)
	}
	if tr.TotalAttempts() != 3 {
		t.Errorf("TotalAttempts() = %d, want 3", tr.TotalAttempts())
	}

	restored := NewTracker()
	restored.Load(map[string]State{"task-1": merged})
	got, ok := restored.Get("task-1")
	if !ok {
		t.Fatal("restored tracker lost task-1")
	}
	if diff := cmp.Diff(merged, got); diff != "" {
		t.Errorf("restored state mismatch (-want +got):\n%s", diff)
	}
	next := restored.Merge(got.Record(Attempt{}))
	if last, _ := next.Last(); last.Cycle != 3 || last.Number != 4 {
		t.Errorf("attempt after restore = cycle %d number %d, want 3, 4", last.Cycle, last.Number)
	}
}

func TestTracker_MergeFreshCycleAppends(t *testing.T) {
	tr := NewTracker()
	tr.Merge(stateAt(1, 3))
	merged := tr.Merge(stateAt(1, 3))

	if merged.CurrentAttempt != 2 {
		t.Fatalf("CurrentAttempt = %d, want 2", merged.CurrentAttempt)
	}
	if merged.History[1].Number != 2 || merged.History[1].Cycle != 2 {
		t.Errorf("second attempt = number %d cycle %d, want 2, 2", merged.History[1].Number, merged.History[1].Cycle)
	}
}

func TestTracker_ConcurrentMerge(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s := NewState(id, 3).Record(Attempt{})
			tr.Merge(s)
		}(ids[i])
	}
	wg.Wait()

	for _, id := range ids {
		if st, ok := tr.Get(id); !ok || st.CurrentAttempt != 1 {
			t.Errorf("Get(%q) = %+v, %v", id, st, ok)
		}
	}
	if tr.TotalAttempts() != 10 {
		t.Errorf("TotalAttempts() = %d, want 10", tr.TotalAttempts())
	}
}
