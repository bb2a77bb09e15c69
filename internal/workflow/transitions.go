package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/verify"
)

// NewID returns a fresh workflow ID.
func NewID() string {
	return "wf-" + uuid.NewString()[:8]
}

// Create builds a workflow with one task per subtask. Tasks with
// dependencies start blocked, the rest pending. Subtasks without a
// complexity inherit defaultComplexity.
func Create(id string, d *plan.Decomposition, defaultComplexity float64, cfg Config, now time.Time) (State, error) {
	if id == "" {
		return State{}, errors.NewValidationError("workflow id is required").WithField("id")
	}
	if err := plan.Validate(d); err != nil {
		return State{}, err
	}
	cfg = cfg.withDefaults()

	s := State{
		ID:        id,
		Objective: d.Objective,
		Status:    StatusCreated,
		Config:    cfg,
		Tasks:     make([]Task, 0, len(d.Subtasks)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for i, st := range d.Subtasks {
		vt := verify.ValidationType(st.ValidationType)
		if vt != "" && !vt.Valid() {
			return State{}, errors.NewValidationError("unknown validation type").
				WithField(fmt.Sprintf("subtasks[%d].validation_type", i)).WithValue(st.ValidationType)
		}
		complexity := st.Complexity
		if complexity == 0 {
			complexity = plan.ClampComplexity(defaultComplexity)
		}
		t := Task{
			ID:                   st.ID,
			Title:                st.Title,
			Description:          st.Description,
			Files:                append([]string(nil), st.Files...),
			Complexity:           complexity,
			RequiredCapabilities: append([]string(nil), st.RequiredCapabilities...),
			ValidationType:       vt,
			Status:               TaskPending,
			BlockedBy:            append([]string{}, st.DependsOn...),
			Blocks:               []string{},
			MaxRetries:           cfg.MaxRetries,
		}
		if len(t.BlockedBy) > 0 {
			t.Status = TaskBlocked
		}
		s.Tasks = append(s.Tasks, t)
	}

	for _, t := range s.Tasks {
		for _, dep := range t.BlockedBy {
			i := s.indexOf(dep)
			s.Tasks[i].Blocks = append(s.Tasks[i].Blocks, t.ID)
		}
	}
	return s, nil
}

// Start moves a created workflow to running.
func Start(s State, now time.Time) (State, error) {
	if s.Status != StatusCreated {
		return s, transitionError(s, "", fmt.Sprintf("cannot start a %s workflow", s.Status))
	}
	next := s.Clone()
	next.Status = StatusRunning
	next.StartedAt = &now
	next.UpdatedAt = now
	return finishIfComplete(next, now), nil
}

// Pause stops the scheduling of new tasks. In-flight tasks still finish.
func Pause(s State, reason string, now time.Time) (State, error) {
	if s.Status != StatusRunning {
		return s, transitionError(s, "", fmt.Sprintf("cannot pause a %s workflow", s.Status))
	}
	next := s.Clone()
	next.Status = StatusPaused
	next.PauseReason = reason
	next.UpdatedAt = now
	return next, nil
}

// Resume continues a paused workflow.
func Resume(s State, now time.Time) (State, error) {
	if s.Status != StatusPaused {
		return s, transitionError(s, "", fmt.Sprintf("cannot resume a %s workflow", s.Status))
	}
	next := s.Clone()
	next.Status = StatusRunning
	next.PauseReason = ""
	next.UpdatedAt = now
	return finishIfComplete(next, now), nil
}

// Fail marks the workflow failed with a reason. Task statuses are left as
// they are; results arriving afterwards must be ignored by the caller.
func Fail(s State, reason string, now time.Time) (State, error) {
	if s.Status.IsTerminal() {
		return s, terminalError(s)
	}
	next := s.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	next.CompletedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// Cancel fails the workflow immediately. Cancellation is cooperative:
// executions already running are not interrupted.
func Cancel(s State, reason string, now time.Time) (State, error) {
	if reason == "" {
		reason = "canceled"
	}
	return Fail(s, reason, now)
}

// AvailableTasks returns the pending tasks that may be launched now, up
// to the free execution slots, in task order.
func AvailableTasks(s State) []Task {
	if s.Status != StatusRunning {
		return nil
	}
	free := s.Config.Slots() - s.Active()
	if free <= 0 {
		return nil
	}
	var out []Task
	for _, t := range s.Tasks {
		if len(out) == free {
			break
		}
		if t.Status == TaskPending && blockersDone(s, t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Assignment pairs a task with the member it was given to.
type Assignment struct {
	TaskID   string
	MemberID string
	// Missing lists required capabilities the member lacks; set only when
	// no member covered them all.
	Missing []string
}

// AssignTask assigns a pending task to a member.
func AssignTask(s State, taskID, memberID string, now time.Time) (State, error) {
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, err
	}
	t := &next.Tasks[i]
	if t.Status != TaskPending {
		return s, transitionError(s, taskID, fmt.Sprintf("cannot assign a %s task", t.Status))
	}
	t.Status = TaskAssigned
	t.AssignedTo = memberID
	next.UpdatedAt = now
	return next, nil
}

// AutoAssign greedily assigns each available task to the least-loaded
// eligible builder or specialist of the team. When no member covers a
// task's required capabilities it goes to the least-loaded builder with
// capacity and the assignment records what is missing. Tasks no member
// can take stay pending. It returns the updated workflow and team.
func AutoAssign(s State, d team.Definition, now time.Time) (State, team.Definition, []Assignment) {
	var assignments []Assignment
	for _, t := range AvailableTasks(s) {
		m, ok := d.LeastLoaded(t.RequiredCapabilities)
		var missing []string
		if !ok && len(t.RequiredCapabilities) > 0 {
			if m, ok = d.LeastLoaded(nil); ok {
				missing = team.MissingCapabilities(m, t.RequiredCapabilities)
			}
		}
		if !ok {
			continue
		}
		nextTeam, err := d.Assign(m.ID, t.ID)
		if err != nil {
			continue
		}
		nextState, err := AssignTask(s, t.ID, m.ID, now)
		if err != nil {
			continue
		}
		s, d = nextState, nextTeam
		assignments = append(assignments, Assignment{TaskID: t.ID, MemberID: m.ID, Missing: missing})
	}
	return s, d, assignments
}

// StartTask marks an assigned task running. A pending task may be started
// directly when no team assignment is used.
func StartTask(s State, taskID string, now time.Time) (State, error) {
	if s.Status != StatusRunning {
		return s, transitionError(s, taskID, fmt.Sprintf("cannot start tasks in a %s workflow", s.Status))
	}
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, err
	}
	t := &next.Tasks[i]
	if t.Status != TaskAssigned && t.Status != TaskPending {
		return s, transitionError(s, taskID, fmt.Sprintf("cannot start a %s task", t.Status))
	}
	if !blockersDone(s, *t) {
		return s, transitionError(s, taskID, "dependencies are not complete")
	}
	t.Status = TaskRunning
	t.StartedAt = &now
	next.UpdatedAt = now
	return next, nil
}

// CompleteTask marks a running task completed, updates the running
// average duration and unblocks dependents whose blockers are now all
// complete. It returns the IDs of the unblocked tasks.
func CompleteTask(s State, taskID string, result TaskResult, now time.Time) (State, []string, error) {
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, nil, err
	}
	t := &next.Tasks[i]
	if t.Status != TaskRunning {
		return s, nil, transitionError(s, taskID, fmt.Sprintf("cannot complete a %s task", t.Status))
	}
	t.Status = TaskCompleted
	t.Result = &result
	t.Escalation = nil
	t.CompletedAt = &now

	if t.StartedAt != nil {
		n := next.Metrics.TasksCompleted
		dur := now.Sub(*t.StartedAt)
		next.Metrics.AverageTaskDuration = (next.Metrics.AverageTaskDuration*time.Duration(n) + dur) / time.Duration(n+1)
	}
	next.Metrics.TasksCompleted++
	next.UpdatedAt = now

	next, unblocked := resolveDependencies(next)
	return finishIfComplete(next, now), unblocked, nil
}

// FailOutcome reports what FailTask did.
type FailOutcome struct {
	// Retried is true when the task was recycled to pending.
	Retried bool
	// Cascaded lists dependents failed because of this task.
	Cascaded []string
}

// FailTask records a failed attempt. With retries left the task is
// recycled to pending and its assignment cleared. Otherwise it fails
// terminally and so do its transitive dependents; without
// ContinueOnFailure the whole workflow fails too.
func FailTask(s State, taskID, reason string, now time.Time) (State, FailOutcome, error) {
	if s.Status.IsTerminal() {
		return s, FailOutcome{}, terminalError(s)
	}
	t, ok := s.Task(taskID)
	if !ok {
		return s, FailOutcome{}, notFound(s, taskID)
	}
	if !t.Status.IsActive() {
		return s, FailOutcome{}, transitionError(s, taskID, fmt.Sprintf("cannot fail a %s task", t.Status))
	}
	if t.RetryCount < t.MaxRetries {
		next, i, _ := mutableTask(s, taskID)
		nt := &next.Tasks[i]
		nt.RetryCount++
		nt.Status = TaskPending
		nt.AssignedTo = ""
		nt.LastError = reason
		nt.StartedAt = nil
		next.Metrics.TotalRetries++
		next.UpdatedAt = now
		return next, FailOutcome{Retried: true}, nil
	}
	return failTerminal(s, taskID, reason, now)
}

// SkipTask fails an active task terminally without consuming retries.
func SkipTask(s State, taskID, reason string, now time.Time) (State, FailOutcome, error) {
	if s.Status.IsTerminal() {
		return s, FailOutcome{}, terminalError(s)
	}
	t, ok := s.Task(taskID)
	if !ok {
		return s, FailOutcome{}, notFound(s, taskID)
	}
	if !t.Status.IsActive() {
		return s, FailOutcome{}, transitionError(s, taskID, fmt.Sprintf("cannot skip a %s task", t.Status))
	}
	return failTerminal(s, taskID, reason, now)
}

// RequeueTask returns an active task to pending without consuming a retry.
func RequeueTask(s State, taskID string, now time.Time) (State, error) {
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, err
	}
	t := &next.Tasks[i]
	if !t.Status.IsActive() {
		return s, transitionError(s, taskID, fmt.Sprintf("cannot requeue a %s task", t.Status))
	}
	t.Status = TaskPending
	t.AssignedTo = ""
	t.StartedAt = nil
	next.UpdatedAt = now
	return next, nil
}

// RecordEscalation attaches an escalation decision to a task.
func RecordEscalation(s State, taskID string, decision retry.EscalationDecision, now time.Time) (State, error) {
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, err
	}
	next.Tasks[i].Escalation = &decision
	next.UpdatedAt = now
	return next, nil
}

// RecordFailureReport attaches a failure report to a task.
func RecordFailureReport(s State, taskID string, report retry.FailureReport, now time.Time) (State, error) {
	next, i, err := mutableTask(s, taskID)
	if err != nil {
		return s, err
	}
	next.Tasks[i].Failure = &report
	next.UpdatedAt = now
	return next, nil
}

// Deadlocked returns the blocked task IDs when nothing is pending or
// active but blocked tasks remain, which means their dependencies can
// never complete.
func Deadlocked(s State) ([]string, bool) {
	var blocked []string
	for _, t := range s.Tasks {
		switch t.Status {
		case TaskPending, TaskAssigned, TaskRunning:
			return nil, false
		case TaskBlocked:
			blocked = append(blocked, t.ID)
		}
	}
	return blocked, len(blocked) > 0
}

func failTerminal(s State, taskID, reason string, now time.Time) (State, FailOutcome, error) {
	next, i, _ := mutableTask(s, taskID)
	t := &next.Tasks[i]
	t.Status = TaskFailed
	t.LastError = reason
	t.AssignedTo = ""
	t.CompletedAt = &now
	next.Metrics.TasksFailed++
	next.UpdatedAt = now

	var outcome FailOutcome
	for _, id := range dependentsOf(next, taskID) {
		j := next.indexOf(id)
		dt := &next.Tasks[j]
		if dt.Status.IsTerminal() {
			continue
		}
		dt.Status = TaskFailed
		dt.LastError = fmt.Sprintf("dependency %s failed", taskID)
		dt.AssignedTo = ""
		dt.CompletedAt = &now
		next.Metrics.TasksFailed++
		outcome.Cascaded = append(outcome.Cascaded, id)
	}

	if !next.Config.ContinueOnFailure && !next.Status.IsTerminal() {
		next.Status = StatusFailed
		next.FailureReason = fmt.Sprintf("task %s failed: %s", taskID, reason)
		next.CompletedAt = &now
		return next, outcome, nil
	}
	return finishIfComplete(next, now), outcome, nil
}

// dependentsOf returns every task transitively reachable through Blocks,
// in breadth-first order.
func dependentsOf(s State, taskID string) []string {
	seen := map[string]bool{taskID: true}
	var out []string
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t, ok := s.Task(id)
		if !ok {
			continue
		}
		for _, dep := range t.Blocks {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// resolveDependencies moves blocked tasks whose blockers are all complete
// to pending.
func resolveDependencies(s State) (State, []string) {
	var unblocked []string
	for i, t := range s.Tasks {
		if t.Status == TaskBlocked && blockersDone(s, t) {
			s.Tasks[i].Status = TaskPending
			unblocked = append(unblocked, t.ID)
		}
	}
	return s, unblocked
}

func blockersDone(s State, t Task) bool {
	for _, dep := range t.BlockedBy {
		bt, ok := s.Task(dep)
		if !ok || bt.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// finishIfComplete flips a running workflow to completed once every task
// is terminal.
func finishIfComplete(s State, now time.Time) State {
	if s.Status == StatusRunning && s.IsComplete() {
		s.Status = StatusCompleted
		s.CompletedAt = &now
	}
	return s
}

// mutableTask clones s and returns the index of the task, rejecting
// terminal workflows and unknown tasks.
func mutableTask(s State, taskID string) (State, int, error) {
	if s.Status.IsTerminal() {
		return s, -1, terminalError(s)
	}
	i := s.indexOf(taskID)
	if i < 0 {
		return s, -1, notFound(s, taskID)
	}
	return s.Clone(), i, nil
}

func notFound(s State, taskID string) error {
	return errors.NewWorkflowError("task not found", errors.NewNotFoundError("task", taskID)).
		WithWorkflowID(s.ID).WithTaskID(taskID)
}

func terminalError(s State) error {
	return errors.NewWorkflowError(fmt.Sprintf("workflow is %s", s.Status), errors.ErrWorkflowTerminal).
		WithWorkflowID(s.ID)
}

func transitionError(s State, taskID, msg string) error {
	e := errors.NewWorkflowError(msg, errors.ErrInvalidTransition).WithWorkflowID(s.ID)
	if taskID != "" {
		e = e.WithTaskID(taskID)
	}
	return e
}
