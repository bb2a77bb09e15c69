package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/Iron-Ham/crucible/internal/control"
	crerrors "github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/verify"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Scripted verification results.

func passed(id string) verify.Result {
	st := retry.NewState(id, 3).Record(retry.Attempt{
		Summary: "built " + id,
		Outcome: retry.Outcome{Verdict: retry.VerdictApproved},
		Action:  retry.ActionAccept,
	}).Finish(retry.StatusSuccess)
	return verify.Result{
		TaskID:   id,
		Passed:   true,
		Decision: retry.Decision{Action: retry.ActionAccept, Reason: "validation approved"},
		State:    st,
		Summary:  "built " + id,
		Evidence: []retry.Evidence{{Type: "builder", Passed: true, Content: "built " + id}},
	}
}

func failed(id string) verify.Result {
	st := retry.NewState(id, 1).Record(retry.Attempt{
		Outcome: retry.Outcome{
			Verdict: retry.VerdictRejected,
			Issues:  []retry.Issue{{Severity: retry.SeverityHigh, Category: "logic", Message: "wrong result"}},
		},
		Action: retry.ActionFail,
		Reason: "retry budget exhausted after 1 attempts",
	}).Finish(retry.StatusFailed)
	report := retry.BuildFailureReport(st)
	return verify.Result{
		TaskID:   id,
		Decision: retry.Decision{Action: retry.ActionFail, Reason: "retry budget exhausted after 1 attempts"},
		State:    st,
		Failure:  &report,
	}
}

func escalated(id string) verify.Result {
	st := retry.NewState(id, 3).Record(retry.Attempt{
		Outcome: retry.Outcome{Verdict: retry.VerdictNeedsReview},
		Action:  retry.ActionEscalate,
		Reason:  "validator requested manual review",
	})
	return verify.Result{
		TaskID: id,
		Decision: retry.Decision{
			Action: retry.ActionEscalate,
			Reason: "validator requested manual review",
			Escalation: retry.EscalationDecision{
				ShouldEscalate: true,
				Level:          retry.LevelCoordinator,
				Reason:         "validator requested manual review",
			},
		},
		State: st,
	}
}

// fakeVerifier returns scripted results per task. The last scripted
// result repeats; unscripted tasks pass.
type fakeVerifier struct {
	mu      sync.Mutex
	script  map[string][]verify.Result
	errs    map[string]error
	calls   []verify.Request
	running int
	peak    int

	// hold, when set, blocks tasks listed in holdTasks until it is closed
	// or the context is done.
	hold      chan struct{}
	holdTasks map[string]bool
	started   chan string
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{script: make(map[string][]verify.Result), started: make(chan string, 64)}
}

func (f *fakeVerifier) on(id string, results ...verify.Result) *fakeVerifier {
	f.script[id] = results
	return f
}

func (f *fakeVerifier) Run(ctx context.Context, req verify.Request) (verify.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.running++
	f.peak = max(f.peak, f.running)
	res := passed(req.Task.ID)
	if script := f.script[req.Task.ID]; len(script) > 0 {
		res = script[0]
		if len(script) > 1 {
			f.script[req.Task.ID] = script[1:]
		}
	}
	held := f.hold != nil && f.holdTasks[req.Task.ID]
	hold := f.hold
	runErr := f.errs[req.Task.ID]
	delete(f.errs, req.Task.ID)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	f.started <- req.Task.ID
	if held {
		select {
		case <-hold:
		case <-ctx.Done():
			return verify.Result{TaskID: req.Task.ID}, ctx.Err()
		}
	}
	if runErr != nil {
		return verify.Result{TaskID: req.Task.ID}, runErr
	}
	return res, nil
}

func (f *fakeVerifier) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.calls {
		ids = append(ids, c.Task.ID)
	}
	return ids
}

// recorder collects event types from a bus.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e event.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recorder) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func decomposition(subtasks ...plan.Subtask) *plan.Decomposition {
	return &plan.Decomposition{Objective: "ship it", Subtasks: subtasks}
}

// abc is A, B (depends on A) and C.
func abc() *plan.Decomposition {
	return decomposition(
		plan.Subtask{ID: "A", Title: "schema"},
		plan.Subtask{ID: "B", Title: "handler", DependsOn: []string{"A"}},
		plan.Subtask{ID: "C", Title: "docs"},
	)
}

func create(t *testing.T, e *Engine, d *plan.Decomposition, def *team.Definition, cfg workflow.Config) workflow.State {
	t.Helper()
	s, err := e.Create("wf-test", d, 0.5, def, cfg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s
}

func taskStatus(s workflow.State, id string) workflow.TaskStatus {
	t, _ := s.Task(id)
	return t.Status
}

func TestNew_PanicsOnNilVerifier(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) did not panic")
		}
	}()
	New(nil)
}

func TestRun_CompletesDependencyGraph(t *testing.T) {
	v := newFakeVerifier()
	bus := event.NewBus()
	rec := record(bus)
	store := workflow.NewMemoryStore()
	e := New(v, WithEventBus(bus), WithStore(store))

	s := create(t, e, abc(), nil, workflow.Config{MaxParallelTasks: 2})
	out, err := e.Run(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.State.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %q, want completed", out.State.Status)
	}
	calls := v.callIDs()
	if len(calls) != 3 || calls[2] != "B" {
		t.Errorf("verification order = %v, want B after A and C", calls)
	}
	if len(out.Retries) != 3 {
		t.Errorf("Retries = %d entries, want 3", len(out.Retries))
	}
	if a, _ := out.State.Task("A"); a.Result == nil || a.Result.Summary != "built A" || a.Result.Attempts != 1 {
		t.Errorf("A.Result = %+v", a.Result)
	}

	types := rec.types()
	if types[0] != event.TypeWorkflowCreated || types[1] != event.TypeWorkflowStarted {
		t.Errorf("first events = %v", types[:2])
	}
	if last := types[len(types)-1]; last != event.TypeWorkflowCompleted {
		t.Errorf("last event = %q, want workflow.completed", last)
	}
	if n := rec.count(event.TypeTaskUnblocked); n != 1 {
		t.Errorf("task.unblocked events = %d, want 1", n)
	}

	saved, err := store.LoadWorkflow("wf-test")
	if err != nil {
		t.Fatalf("LoadWorkflow() error = %v", err)
	}
	if saved.Status != workflow.StatusCompleted {
		t.Errorf("persisted status = %q", saved.Status)
	}
}

func TestRun_ParallelLimit(t *testing.T) {
	v := newFakeVerifier()
	e := New(v)
	d := decomposition(plan.Subtask{ID: "A"}, plan.Subtask{ID: "B"}, plan.Subtask{ID: "C"})

	out, err := e.Run(context.Background(), create(t, e, d, nil, workflow.Config{MaxParallelTasks: 2}), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %q", out.State.Status)
	}
	if v.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", v.peak)
	}
	if calls := v.callIDs(); len(calls) != 3 || calls[2] != "C" {
		t.Errorf("verification order = %v, want C in the second batch", calls)
	}
}

func TestRun_WorkflowRetryMergesHistory(t *testing.T) {
	v := newFakeVerifier().on("A", escalated("A"), passed("A"))
	bus := event.NewBus()
	rec := record(bus)
	e := New(v, WithEventBus(bus))

	cfg := workflow.Config{MaxRetries: 1, EscalationMode: workflow.EscalationForceContinue}
	out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil, cfg), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %q", out.State.Status)
	}
	a, _ := out.State.Task("A")
	if a.RetryCount != 1 || a.Result.Attempts != 2 {
		t.Errorf("A = retry %d, attempts %d; want 1, 2", a.RetryCount, a.Result.Attempts)
	}
	if out.State.Metrics.TotalRetries != 1 {
		t.Errorf("TotalRetries = %d, want 1", out.State.Metrics.TotalRetries)
	}

	hist := out.Retries["A"]
	if hist.CurrentAttempt != 2 || hist.Status != retry.StatusSuccess {
		t.Errorf("merged retry state = %+v", hist)
	}
	if len(hist.History) == 2 && hist.History[1].Cycle != 2 {
		t.Errorf("second attempt cycle = %d, want 2", hist.History[1].Cycle)
	}
	if n := rec.count(event.TypeTaskRetrying); n != 1 {
		t.Errorf("task.retrying events = %d, want 1", n)
	}
	if calls := v.calls; len(calls) == 2 && (calls[1].Prior == nil || calls[1].Prior.CurrentAttempt != 1) {
		t.Errorf("second cycle prior = %+v, want the first cycle's attempt", calls[1].Prior)
	}
}

func TestRun_ExhaustedBudgetIsTerminal(t *testing.T) {
	v := newFakeVerifier().on("A", failed("A"), passed("A"))
	e := New(v)

	out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil,
		workflow.Config{MaxRetries: 2, ContinueOnFailure: true}), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	a, _ := out.State.Task("A")
	if a.Status != workflow.TaskFailed || a.RetryCount != 0 {
		t.Errorf("A = %q retry %d; want failed without workflow retries", a.Status, a.RetryCount)
	}
	if !strings.Contains(a.LastError, crerrors.ErrBudgetExhausted.Error()) {
		t.Errorf("LastError = %q", a.LastError)
	}
	if len(v.callIDs()) != 1 {
		t.Errorf("verifications = %v, want one", v.callIDs())
	}
}

// countingBuilder counts builder invocations.
type countingBuilder struct {
	mu     sync.Mutex
	builds int
}

func (b *countingBuilder) Build(_ context.Context, req verify.BuildRequest) (verify.BuildResult, error) {
	b.mu.Lock()
	b.builds++
	b.mu.Unlock()
	return verify.BuildResult{Success: true, Summary: "built " + req.Task.ID}, nil
}

func (b *countingBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

func TestRun_AttemptBudgetSpansRecycles(t *testing.T) {
	tests := []struct {
		name    string
		outcome retry.Outcome
		cfg     workflow.Config
	}{
		{
			name: "rejected every attempt",
			outcome: retry.Outcome{
				Verdict: retry.VerdictRejected,
				Issues:  []retry.Issue{{Severity: retry.SeverityMedium, Category: "logic", Message: "off-by-one in loop bound"}},
			},
			cfg: workflow.DefaultConfig(),
		},
		{
			name:    "force-continue on manual review",
			outcome: retry.Outcome{Verdict: retry.VerdictNeedsReview},
			cfg:     workflow.Config{MaxRetries: 5, EscalationMode: workflow.EscalationForceContinue},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := &countingBuilder{}
			validator := verify.ValidatorFunc(func(context.Context, verify.ValidateRequest) (retry.Outcome, error) {
				return tt.outcome, nil
			})
			cycle := verify.NewCycle(builder, verify.WithDefaultValidator(validator))
			e := New(cycle)
			maxAttempts := cycle.Policy().MaxAttempts

			s, err := e.Create("wf-budget", decomposition(plan.Subtask{ID: "A"}), 0.2, nil, tt.cfg)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			out, err := e.Run(context.Background(), s, nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if got := builder.count(); got != maxAttempts {
				t.Errorf("builder ran %d times, want %d", got, maxAttempts)
			}
			st := out.Retries["A"]
			if st.CurrentAttempt > st.MaxAttempts || st.CurrentAttempt != len(st.History) {
				t.Errorf("retry state = %d/%d with %d history entries", st.CurrentAttempt, st.MaxAttempts, len(st.History))
			}
			if st.Status != retry.StatusFailed {
				t.Errorf("retry status = %q, want failed", st.Status)
			}
			a, _ := out.State.Task("A")
			if a.Status != workflow.TaskFailed || a.Failure == nil {
				t.Errorf("A = %q failure %v", a.Status, a.Failure)
			}
			if out.State.Status != workflow.StatusFailed {
				t.Errorf("Status = %q, want failed", out.State.Status)
			}
		})
	}
}

func TestRun_VerificationErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus workflow.TaskStatus
		wantRetry  int
		wantFlow   workflow.Status
	}{
		{"retryable", crerrors.NewTimeoutError("builder for A", time.Second), workflow.TaskCompleted, 1, workflow.StatusCompleted},
		{"invalid request", crerrors.NewValidationError("task id is required"), workflow.TaskFailed, 0, workflow.StatusCompleted},
		{"halting", crerrors.NewConfigurationError("no builder", nil), workflow.TaskPending, 0, workflow.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newFakeVerifier()
			v.errs = map[string]error{"A": tt.err}
			e := New(v)

			cfg := workflow.Config{MaxRetries: 1, ContinueOnFailure: true}
			out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil, cfg), nil)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			a, _ := out.State.Task("A")
			if a.Status != tt.wantStatus || a.RetryCount != tt.wantRetry {
				t.Errorf("A = %q retry %d; want %q retry %d", a.Status, a.RetryCount, tt.wantStatus, tt.wantRetry)
			}
			if out.State.Status != tt.wantFlow {
				t.Errorf("Status = %q, want %q", out.State.Status, tt.wantFlow)
			}
		})
	}
}

func TestRun_TerminalFailureCascades(t *testing.T) {
	v := newFakeVerifier().on("A", failed("A"))
	e := New(v)

	out, err := e.Run(context.Background(), create(t, e, abc(), nil, workflow.Config{MaxParallelTasks: 2}), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s := out.State
	if s.Status != workflow.StatusFailed || !strings.Contains(s.FailureReason, "task A failed") {
		t.Errorf("workflow = %q %q", s.Status, s.FailureReason)
	}
	if b, _ := s.Task("B"); b.Status != workflow.TaskFailed || b.LastError != "dependency A failed" {
		t.Errorf("B = %+v", b)
	}
	for _, id := range v.callIDs() {
		if id == "B" {
			t.Error("B was verified after its dependency failed")
		}
	}
	if a, _ := s.Task("A"); a.Failure == nil || a.Failure.TaskID != "A" {
		t.Errorf("A.Failure = %+v", a.Failure)
	}
}

func TestRun_ContinueOnFailure(t *testing.T) {
	v := newFakeVerifier().on("A", failed("A"))
	e := New(v)

	out, err := e.Run(context.Background(), create(t, e, abc(), nil, workflow.Config{ContinueOnFailure: true}), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s := out.State
	if s.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %q, want completed", s.Status)
	}
	want := map[string]workflow.TaskStatus{"A": workflow.TaskFailed, "B": workflow.TaskFailed, "C": workflow.TaskCompleted}
	for id, st := range want {
		if got := taskStatus(s, id); got != st {
			t.Errorf("task %s = %q, want %q", id, got, st)
		}
	}
}

func TestRun_EscalationModes(t *testing.T) {
	t.Run("pause", func(t *testing.T) {
		v := newFakeVerifier().on("A", escalated("A"))
		bus := event.NewBus()
		rec := record(bus)
		e := New(v, WithEventBus(bus))

		out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil,
			workflow.Config{EscalationMode: workflow.EscalationPause, MaxRetries: 2}), nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		s := out.State
		if s.Status != workflow.StatusPaused || !strings.Contains(s.PauseReason, "escalated to coordinator") {
			t.Errorf("workflow = %q %q", s.Status, s.PauseReason)
		}
		a, _ := s.Task("A")
		if a.Status != workflow.TaskPending || a.RetryCount != 0 {
			t.Errorf("A = %q retry %d; want pending without consuming retries", a.Status, a.RetryCount)
		}
		if a.Escalation == nil || a.Escalation.Level != retry.LevelCoordinator {
			t.Errorf("A.Escalation = %+v", a.Escalation)
		}
		if rec.count(event.TypeTaskEscalated) != 1 || rec.count(event.TypeWorkflowPaused) != 1 {
			t.Errorf("events = %v", rec.types())
		}
	})

	t.Run("skip", func(t *testing.T) {
		v := newFakeVerifier().on("A", escalated("A"))
		e := New(v)
		out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil,
			workflow.Config{EscalationMode: workflow.EscalationSkip, MaxRetries: 2}), nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		a, _ := out.State.Task("A")
		if a.Status != workflow.TaskFailed || a.RetryCount != 0 || a.Failure == nil {
			t.Errorf("A = %+v", a)
		}
		if out.State.Status != workflow.StatusFailed {
			t.Errorf("Status = %q, want failed", out.State.Status)
		}
	})

	t.Run("force-continue", func(t *testing.T) {
		v := newFakeVerifier().on("A", escalated("A"), passed("A"))
		e := New(v)
		out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), nil,
			workflow.Config{EscalationMode: workflow.EscalationForceContinue, MaxRetries: 1}), nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		a, _ := out.State.Task("A")
		if out.State.Status != workflow.StatusCompleted || a.RetryCount != 1 {
			t.Errorf("workflow %q, A retry %d; want completed after one retry", out.State.Status, a.RetryCount)
		}
	})
}

func TestRun_DeadlockOnCycle(t *testing.T) {
	v := newFakeVerifier()
	e := New(v)
	d := decomposition(
		plan.Subtask{ID: "X", DependsOn: []string{"Y"}},
		plan.Subtask{ID: "Y", DependsOn: []string{"X"}},
		plan.Subtask{ID: "Z"},
	)

	out, err := e.Run(context.Background(), create(t, e, d, nil, workflow.DefaultConfig()), nil)
	var deadlock *crerrors.DeadlockError
	if !errors.As(err, &deadlock) {
		t.Fatalf("Run() error = %v, want DeadlockError", err)
	}
	if diff := cmp.Diff([]string{"X", "Y"}, deadlock.TaskIDs); diff != "" {
		t.Errorf("TaskIDs mismatch (-want +got):\n%s", diff)
	}
	if out.State.Status != workflow.StatusFailed || !strings.Contains(out.State.FailureReason, "deadlock") {
		t.Errorf("workflow = %q %q", out.State.Status, out.State.FailureReason)
	}
	if len(v.callIDs()) != 0 {
		t.Errorf("tasks verified despite deadlock: %v", v.callIDs())
	}
	if !crerrors.IsHalting(err) {
		t.Error("deadlock should be a halting error")
	}
}

func builderTeam(caps ...int) *team.Definition {
	def := &team.Definition{ID: "team-test"}
	for i, c := range caps {
		def.Members = append(def.Members, team.Member{
			ID:                 "builder-" + string(rune('1'+i)),
			Role:               team.RoleBuilder,
			ModelTier:          team.TierMedium,
			MaxConcurrentTasks: c,
			Status:             team.StatusIdle,
			AssignedTasks:      []string{},
		})
	}
	def.Members = append(def.Members, team.Member{ID: "validator-1", Role: team.RoleValidator, MaxConcurrentTasks: 3, Status: team.StatusIdle})
	return def
}

func TestRun_TeamAssignment(t *testing.T) {
	v := newFakeVerifier()
	bus := event.NewBus()
	rec := record(bus)
	e := New(v, WithEventBus(bus))
	d := decomposition(plan.Subtask{ID: "A"}, plan.Subtask{ID: "B"}, plan.Subtask{ID: "C"})
	def := builderTeam(1, 1)

	out, err := e.Run(context.Background(), create(t, e, d, def, workflow.Config{MaxParallelTasks: 3}), def)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Fatalf("Status = %q", out.State.Status)
	}
	if v.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2 with two single-slot builders", v.peak)
	}
	if n := rec.count(event.TypeTaskAssigned); n != 3 {
		t.Errorf("task.assigned events = %d, want 3", n)
	}
	for _, c := range v.calls {
		if !strings.HasPrefix(c.MemberID, "builder-") {
			t.Errorf("task %s verified by %q", c.Task.ID, c.MemberID)
		}
	}
	for _, m := range out.Team.Members {
		if m.Load() != 0 {
			t.Errorf("member %s still holds %v", m.ID, m.AssignedTasks)
		}
	}
	if def.Members[0].Load() != 0 {
		t.Error("Run modified the caller's team")
	}
}

func TestRun_TeamCapsParallelism(t *testing.T) {
	v := newFakeVerifier()
	v.hold = make(chan struct{})
	v.holdTasks = map[string]bool{"A": true, "B": true, "C": true, "D": true}
	e := New(v)
	d := decomposition(plan.Subtask{ID: "A"}, plan.Subtask{ID: "B"}, plan.Subtask{ID: "C"}, plan.Subtask{ID: "D"})
	def := builderTeam(4)
	def.MaxParallelTasks = 2

	s := create(t, e, d, def, workflow.Config{MaxParallelTasks: 4})
	if s.Config.MaxParallelTasks != 2 {
		t.Fatalf("Config.MaxParallelTasks = %d, want the team's 2", s.Config.MaxParallelTasks)
	}

	done := make(chan runResult, 1)
	go func() {
		out, err := e.Run(context.Background(), s, def)
		done <- runResult{out, err}
	}()
	for range 2 {
		select {
		case <-v.started:
		case <-time.After(5 * time.Second):
			t.Fatal("first batch never started")
		}
	}
	select {
	case id := <-v.started:
		t.Errorf("task %s started while two builds were running", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(v.hold)

	r := waitRun(t, done)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if r.out.State.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q", r.out.State.Status)
	}
	if v.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", v.peak)
	}
}

func TestTeamSlots(t *testing.T) {
	tests := []struct {
		name string
		cfg  int
		team int
		want int
	}{
		{"team is tighter", 4, 2, 2},
		{"config is tighter", 2, 5, 2},
		{"team unset", 4, 0, 4},
		{"config defaulted", 0, 5, workflow.DefaultMaxParallelTasks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := teamSlots(workflow.Config{MaxParallelTasks: tt.cfg}, &team.Definition{MaxParallelTasks: tt.team})
			if got.MaxParallelTasks != tt.want {
				t.Errorf("MaxParallelTasks = %d, want %d", got.MaxParallelTasks, tt.want)
			}
		})
	}
	if got := teamSlots(workflow.Config{MaxParallelTasks: 4}, nil); got.MaxParallelTasks != 4 {
		t.Errorf("without a team MaxParallelTasks = %d, want 4", got.MaxParallelTasks)
	}
}

func TestRun_WarnsOnUncoveredCapabilities(t *testing.T) {
	var logs bytes.Buffer
	v := newFakeVerifier()
	e := New(v, WithLogger(logging.NewWriterLogger(&logs, "warn")))
	d := decomposition(plan.Subtask{ID: "A", RequiredCapabilities: []string{team.CapDesign}})
	def := builderTeam(1)

	out, err := e.Run(context.Background(), create(t, e, d, def, workflow.DefaultConfig()), def)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q", out.State.Status)
	}
	if got := logs.String(); !strings.Contains(got, "lacking required capabilities") || !strings.Contains(got, team.CapDesign) {
		t.Errorf("log output does not warn about the missing capability:\n%s", got)
	}
}

func TestRun_NoEligibleMember(t *testing.T) {
	v := newFakeVerifier()
	e := New(v)
	def := &team.Definition{ID: "reviewers", Members: []team.Member{
		{ID: "validator-1", Role: team.RoleValidator, MaxConcurrentTasks: 2, Status: team.StatusIdle},
	}}

	out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A"}), def, workflow.DefaultConfig()), def)
	if !errors.Is(err, crerrors.ErrNoEligibleMember) {
		t.Fatalf("Run() error = %v, want ErrNoEligibleMember", err)
	}
	if out.State.Status != workflow.StatusFailed {
		t.Errorf("Status = %q, want failed", out.State.Status)
	}
}

type runResult struct {
	out Outcome
	err error
}

func runAsync(e *Engine, ctx context.Context, s workflow.State) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		out, err := e.Run(ctx, s, nil)
		done <- runResult{out, err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return runResult{}
	}
}

func waitStarted(t *testing.T, v *fakeVerifier, id string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-v.started:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("task %s never started", id)
		}
	}
}

func TestRun_CancelSignal(t *testing.T) {
	v := newFakeVerifier()
	v.hold = make(chan struct{})
	v.holdTasks = map[string]bool{"A": true}
	ctrl := control.NewController()
	e := New(v, WithSignals(ctrl))

	done := runAsync(e, context.Background(), create(t, e, abc(), nil, workflow.DefaultConfig()))
	waitStarted(t, v, "A")
	ctrl.Cancel("operator stop")

	r := waitRun(t, done)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if r.out.State.Status != workflow.StatusFailed || r.out.State.FailureReason != "operator stop" {
		t.Errorf("workflow = %q %q", r.out.State.Status, r.out.State.FailureReason)
	}
	if taskStatus(r.out.State, "A") == workflow.TaskCompleted {
		t.Error("late result for A was applied after cancel")
	}
	close(v.hold)
}

func TestRun_PauseAndResumeSignals(t *testing.T) {
	v := newFakeVerifier()
	v.hold = make(chan struct{})
	v.holdTasks = map[string]bool{"A": true}
	ctrl := control.NewController()
	bus := event.NewBus()
	paused := make(chan struct{}, 1)
	bus.Subscribe(event.TypeWorkflowPaused, func(event.Event) { paused <- struct{}{} })
	e := New(v, WithSignals(ctrl), WithEventBus(bus))

	done := runAsync(e, context.Background(), create(t, e, abc(), nil, workflow.DefaultConfig()))
	waitStarted(t, v, "A")
	ctrl.Pause("coffee")
	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never paused")
	}
	close(v.hold)

	// A finishes while paused; B must wait for the resume.
	time.Sleep(50 * time.Millisecond)
	for _, id := range v.callIDs() {
		if id == "B" {
			t.Fatal("B launched while paused")
		}
	}
	ctrl.Resume()

	r := waitRun(t, done)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	if r.out.State.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q, want completed", r.out.State.Status)
	}
}

func TestRun_FailFast(t *testing.T) {
	v := newFakeVerifier().on("A", failed("A"))
	v.hold = make(chan struct{})
	v.holdTasks = map[string]bool{"C": true}
	e := New(v)
	defer close(v.hold)

	cfg := workflow.Config{FailFast: true, ContinueOnFailure: true}
	done := runAsync(e, context.Background(), create(t, e, abc(), nil, cfg))

	r := waitRun(t, done)
	if r.err != nil {
		t.Fatalf("Run() error = %v", r.err)
	}
	s := r.out.State
	if s.Status != workflow.StatusFailed || s.FailureReason != "fail-fast: task A failed" {
		t.Errorf("workflow = %q %q", s.Status, s.FailureReason)
	}
	if taskStatus(s, "C") == workflow.TaskCompleted {
		t.Error("C completed after fail-fast stop")
	}
}

func TestRun_InterruptAndResume(t *testing.T) {
	v := newFakeVerifier()
	v.hold = make(chan struct{})
	v.holdTasks = map[string]bool{"A": true}
	store := workflow.NewMemoryStore()
	e := New(v, WithStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(e, ctx, create(t, e, abc(), nil, workflow.DefaultConfig()))
	waitStarted(t, v, "A")
	cancel()

	r := waitRun(t, done)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", r.err)
	}
	if got := taskStatus(r.out.State, "A"); got != workflow.TaskPending {
		t.Errorf("A after interrupt = %q, want pending", got)
	}

	v2 := newFakeVerifier()
	bus := event.NewBus()
	rec := record(bus)
	resumed := New(v2, WithStore(store), WithEventBus(bus))
	out, err := resumed.Resume(context.Background(), "wf-test")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Errorf("Status after resume = %q", out.State.Status)
	}
	if rec.count(event.TypeWorkflowStarted) != 1 {
		t.Errorf("events = %v", rec.types())
	}
	close(v.hold)
}

func TestResume_RequiresStore(t *testing.T) {
	e := New(newFakeVerifier())
	_, err := e.Resume(context.Background(), "wf-x")
	var cfgErr *crerrors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Resume() error = %v, want ConfigurationError", err)
	}
}

func TestRun_RejectsWorkflowAlreadyRunning(t *testing.T) {
	v := newFakeVerifier()
	store := workflow.NewFileStore(t.TempDir())
	e := New(v, WithStore(store))
	s := create(t, e, abc(), nil, workflow.DefaultConfig())

	lock, err := store.AcquireRun("wf-test")
	if err != nil {
		t.Fatalf("AcquireRun() error = %v", err)
	}

	if _, err := e.Run(context.Background(), s, nil); !errors.Is(err, crerrors.ErrWorkflowRunning) {
		t.Errorf("Run() error = %v, want ErrWorkflowRunning", err)
	}
	if _, err := e.Resume(context.Background(), "wf-test"); !errors.Is(err, crerrors.ErrWorkflowRunning) {
		t.Errorf("Resume() error = %v, want ErrWorkflowRunning", err)
	}
	if calls := v.callIDs(); len(calls) != 0 {
		t.Errorf("verifications while locked = %v, want none", calls)
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	out, err := e.Resume(context.Background(), "wf-test")
	if err != nil {
		t.Fatalf("Resume() after release error = %v", err)
	}
	if out.State.Status != workflow.StatusCompleted {
		t.Errorf("Status = %q, want completed", out.State.Status)
	}
	if running, _ := store.Running("wf-test"); running {
		t.Error("run lock still held after Resume returned")
	}
}

func TestRun_TerminalWorkflow(t *testing.T) {
	e := New(newFakeVerifier())
	s := create(t, e, abc(), nil, workflow.DefaultConfig())
	s, err := workflow.Cancel(s, "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), s, nil); !errors.Is(err, crerrors.ErrWorkflowTerminal) {
		t.Errorf("Run() error = %v, want ErrWorkflowTerminal", err)
	}
}

func TestRun_WithVerificationCycle(t *testing.T) {
	builder := verify.BuilderFunc(func(_ context.Context, req verify.BuildRequest) (verify.BuildResult, error) {
		return verify.BuildResult{Success: true, Summary: "attempt " + string(rune('0'+req.Attempt))}, nil
	})
	validator := verify.ValidatorFunc(func(_ context.Context, req verify.ValidateRequest) (retry.Outcome, error) {
		if req.Attempt == 1 {
			return retry.Outcome{
				Verdict: retry.VerdictRejected,
				Issues:  []retry.Issue{{Severity: retry.SeverityMedium, Category: "logic", Message: "off-by-one in loop bound"}},
			}, nil
		}
		return retry.Outcome{Verdict: retry.VerdictApproved}, nil
	})
	bus := event.NewBus()
	rec := record(bus)
	cycle := verify.NewCycle(builder, verify.WithDefaultValidator(validator), verify.WithEventBus(bus))
	e := New(cycle, WithEventBus(bus))

	out, err := e.Run(context.Background(), create(t, e, decomposition(plan.Subtask{ID: "A", Complexity: 0.5}), nil, workflow.DefaultConfig()), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	a, _ := out.State.Task("A")
	if out.State.Status != workflow.StatusCompleted || a.Result.Attempts != 2 {
		t.Fatalf("workflow %q, attempts %d", out.State.Status, a.Result.Attempts)
	}
	if a.RetryCount != 0 {
		t.Errorf("RetryCount = %d; cycle retries must not consume workflow retries", a.RetryCount)
	}
	if a.Result.Summary != "attempt 2" {
		t.Errorf("Summary = %q", a.Result.Summary)
	}
	if rec.count(event.TypeTaskStarted) != 2 || rec.count(event.TypeTaskValidating) != 2 {
		t.Errorf("events = %v", rec.types())
	}
}
