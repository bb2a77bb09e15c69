package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/crucible/internal/control"
	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/prompt"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/verify"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

// run holds the mutable driver state of one Engine.Run call. Only the
// goroutine executing Run touches it.
type run struct {
	engine *Engine
	state  workflow.State
	team   *team.Definition
	logger *logging.Logger
}

// taskRun is the result of verifying one task of a batch.
type taskRun struct {
	index  int
	task   workflow.Task
	result verify.Result
	err    error
}

func (r *run) outcome() Outcome {
	out := Outcome{State: r.state, Retries: r.engine.retriesFor(r.state)}
	if r.team != nil {
		d := r.team.Clone()
		out.Team = &d
	}
	return out
}

func (r *run) persist() error {
	return r.engine.persist(r.state, r.team)
}

func (r *run) publish(e event.Event) {
	r.engine.bus.Publish(e)
}

// begin moves the workflow into running from whatever status it was
// persisted in.
func (r *run) begin() error {
	now := r.engine.now()
	switch r.state.Status {
	case workflow.StatusCreated:
		next, err := workflow.Start(r.state, now)
		if err != nil {
			return err
		}
		r.state = next
		r.logger.Info("workflow started", "tasks", len(r.state.Tasks))
		r.publish(event.NewWorkflowStartedEvent(r.state.ID, false))

	case workflow.StatusPaused:
		next, err := workflow.Resume(r.state, now)
		if err != nil {
			return err
		}
		r.state = next
		r.requeueActive(now)
		r.logger.Info("workflow resumed")
		r.publish(event.NewWorkflowResumedEvent(r.state.ID))
		r.publish(event.NewWorkflowStartedEvent(r.state.ID, true))

	case workflow.StatusRunning:
		// Interrupted mid-batch; the lost executions start over.
		r.requeueActive(now)
		r.logger.Info("workflow restarted after interruption")
		r.publish(event.NewWorkflowStartedEvent(r.state.ID, true))

	default:
		return errors.NewWorkflowError(fmt.Sprintf("workflow is %s", r.state.Status), errors.ErrWorkflowTerminal).
			WithWorkflowID(r.state.ID)
	}
	return nil
}

// requeueActive returns tasks holding a slot to pending and clears their
// team assignments.
func (r *run) requeueActive(now time.Time) {
	for _, t := range r.state.Tasks {
		if !t.Status.IsActive() {
			continue
		}
		next, err := workflow.RequeueTask(r.state, t.ID, now)
		if err != nil {
			r.logger.Warn("failed to requeue task", "task_id", t.ID, "error", err)
			continue
		}
		r.state = next
		r.release(t)
	}
}

// checkGraph fails the workflow up front when its dependency graph has a
// cycle.
func (r *run) checkGraph() error {
	err := workflow.ValidateGraph(r.state)
	if err == nil {
		return nil
	}
	var deadlock *errors.DeadlockError
	if !errors.As(err, &deadlock) {
		return err
	}
	return r.deadlock(deadlock.TaskIDs)
}

func (r *run) deadlock(ids []string) error {
	reason := fmt.Sprintf("deadlock: tasks %s can never run", strings.Join(ids, ", "))
	r.fail(reason)
	if err := r.persist(); err != nil {
		return err
	}
	return errors.NewDeadlockError(r.state.ID, ids)
}

// fail marks the workflow failed unless it already is terminal.
func (r *run) fail(reason string) {
	if r.state.Status.IsTerminal() {
		return
	}
	next, err := workflow.Fail(r.state, reason, r.engine.now())
	if err != nil {
		return
	}
	r.state = next
	r.logger.Error("workflow failed", "reason", reason)
	r.publish(event.NewWorkflowFailedEvent(r.state.ID, reason))
}

func (r *run) loop(ctx context.Context) (Outcome, error) {
	backoff := r.state.Config.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return r.interrupted(err)
		}
		r.applySignals()

		if r.state.Status.IsTerminal() {
			return r.finish()
		}
		if r.state.Status == workflow.StatusPaused {
			if r.engine.signals == nil {
				r.logger.Info("workflow paused", "reason", r.state.PauseReason)
				return r.outcome(), r.persist()
			}
			if err := r.waitForSignal(ctx); err != nil {
				return r.interrupted(err)
			}
			continue
		}

		if blocked, ok := workflow.Deadlocked(r.state); ok {
			return r.outcome(), r.deadlock(blocked)
		}

		batch, err := r.schedule()
		if err != nil {
			r.fail(err.Error())
			if perr := r.persist(); perr != nil {
				return r.outcome(), perr
			}
			return r.outcome(), err
		}
		if len(batch) == 0 {
			// Only reachable while tasks still hold slots.
			if err := r.poll(ctx, backoff); err != nil {
				return r.interrupted(err)
			}
			backoff = min(backoff*2, r.state.Config.PollInterval*maxBackoffFactor)
			continue
		}
		backoff = r.state.Config.PollInterval

		if err := r.persist(); err != nil {
			return r.outcome(), err
		}
		if err := r.execute(ctx, batch); err != nil {
			return r.interrupted(err)
		}
		if err := r.persist(); err != nil {
			return r.outcome(), err
		}
	}
}

// interrupted persists the state and returns ctx's error. Tasks left
// running are requeued on the next Run.
func (r *run) interrupted(cause error) (Outcome, error) {
	r.logger.Warn("workflow interrupted", "error", cause)
	if err := r.persist(); err != nil {
		r.logger.Error("failed to persist interrupted workflow", "error", err)
	}
	return r.outcome(), cause
}

func (r *run) finish() (Outcome, error) {
	s := r.state
	if s.Status == workflow.StatusCompleted {
		var dur time.Duration
		if s.StartedAt != nil && s.CompletedAt != nil {
			dur = s.CompletedAt.Sub(*s.StartedAt)
		}
		c := s.Counts()
		r.logger.Info("workflow completed",
			"completed", c.Completed,
			"failed", c.Failed,
			"attempts", r.engine.tracker.TotalAttempts(),
			"duration", dur,
		)
		r.publish(event.NewWorkflowCompletedEvent(s.ID, c.Completed, c.Failed, dur))
	}
	return r.outcome(), r.persist()
}

// schedule assigns and starts the next batch.
func (r *run) schedule() ([]workflow.Task, error) {
	available := workflow.AvailableTasks(r.state)
	if len(available) == 0 {
		if r.state.Active() == 0 {
			return nil, errors.NewWorkflowError("no runnable tasks", errors.ErrInvalidTransition).
				WithWorkflowID(r.state.ID)
		}
		return nil, nil
	}

	now := r.engine.now()
	var ids []string
	if r.team != nil {
		next, nextTeam, assignments := workflow.AutoAssign(r.state, *r.team, now)
		r.state, r.team = next, &nextTeam
		for _, a := range assignments {
			if len(a.Missing) > 0 {
				r.logger.Warn("task assigned to a member lacking required capabilities",
					"task_id", a.TaskID, "member_id", a.MemberID, "missing", a.Missing)
			}
			r.logger.Debug("task assigned", "task_id", a.TaskID, "member_id", a.MemberID)
			r.publish(event.NewTaskAssignedEvent(r.state.ID, a.TaskID, a.MemberID))
			ids = append(ids, a.TaskID)
		}
		if len(ids) == 0 && r.state.Active() == 0 {
			pending := make([]string, 0, len(available))
			for _, t := range available {
				pending = append(pending, t.ID)
			}
			return nil, errors.NewWorkflowError(
				fmt.Sprintf("no team member can take tasks %s", strings.Join(pending, ", ")),
				errors.ErrNoEligibleMember,
			).WithWorkflowID(r.state.ID)
		}
	} else {
		for _, t := range available {
			ids = append(ids, t.ID)
		}
	}

	batch := make([]workflow.Task, 0, len(ids))
	for _, id := range ids {
		next, err := workflow.StartTask(r.state, id, now)
		if err != nil {
			return nil, err
		}
		r.state = next
		t, _ := r.state.Task(id)
		batch = append(batch, t)
	}
	return batch, nil
}

// execute verifies a batch concurrently and applies the results. Without
// fail-fast the whole batch is awaited and results are applied in task
// order; with fail-fast each result is applied as it arrives and the first
// terminal task failure stops the batch.
func (r *run) execute(ctx context.Context, batch []workflow.Task) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskRun, len(batch))
	var g errgroup.Group
	for i, t := range batch {
		req := r.request(t)
		g.Go(func() error {
			res, err := r.engine.verifier.Run(batchCtx, req)
			results <- taskRun{index: i, task: t, result: res, err: err}
			return nil
		})
	}

	failFast := r.state.Config.FailFast
	var ready <-chan struct{}
	if r.engine.signals != nil {
		ready = r.engine.signals.Ready()
	}

	var collected []taskRun
	stopped := false
	for received := 0; received < len(batch); {
		select {
		case tr := <-results:
			received++
			if !failFast {
				collected = append(collected, tr)
				continue
			}
			if stopped {
				r.drop(tr)
				continue
			}
			if r.apply(ctx, tr) {
				stopped = true
				cancel()
			}
		case <-ready:
			r.applySignals()
			if r.state.Status.IsTerminal() && !stopped {
				stopped = true
				cancel()
			}
		}
	}
	_ = g.Wait()

	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	for _, tr := range collected {
		if r.state.Status.IsTerminal() {
			r.drop(tr)
			continue
		}
		r.apply(ctx, tr)
	}
	return ctx.Err()
}

// request builds the verification request for a task.
func (r *run) request(t workflow.Task) verify.Request {
	vt := t.ValidationType
	if vt == "" && r.team != nil {
		vt = r.team.DefaultValidationType
	}
	req := verify.Request{
		WorkflowID: r.state.ID,
		Objective:  r.state.Objective,
		MemberID:   t.AssignedTo,
		Task: prompt.TaskInfo{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Files:       append([]string(nil), t.Files...),
			DependsOn:   append([]string(nil), t.BlockedBy...),
			Complexity:  t.Complexity,
		},
		ValidationType: vt,
	}
	if prior, ok := r.engine.tracker.Get(t.ID); ok {
		req.Prior = &prior
	}
	return req
}

// drop discards a result that arrived after the workflow turned terminal.
func (r *run) drop(tr taskRun) {
	r.release(tr.task)
	r.logger.Debug("ignoring late task result", "task_id", tr.task.ID, "status", r.state.Status.String())
}

// release frees the member holding t.
func (r *run) release(t workflow.Task) {
	if r.team == nil || t.AssignedTo == "" {
		return
	}
	next, err := r.team.Release(t.AssignedTo, t.ID)
	if err != nil {
		r.logger.Warn("failed to release member", "member_id", t.AssignedTo, "task_id", t.ID, "error", err)
		return
	}
	r.team = &next
}

// apply turns one verification result into workflow transitions. It
// reports whether a fail-fast batch must stop.
func (r *run) apply(ctx context.Context, tr taskRun) bool {
	if r.state.Status.IsTerminal() {
		r.drop(tr)
		return true
	}
	r.release(tr.task)

	if tr.err != nil {
		if ctx.Err() != nil {
			// The caller stopped us; the task starts over on resume.
			if next, err := workflow.RequeueTask(r.state, tr.task.ID, r.engine.now()); err == nil {
				r.state = next
			}
			return false
		}
		return r.verificationError(tr)
	}

	merged := r.engine.tracker.Merge(tr.result.State)
	switch {
	case tr.result.Passed:
		r.complete(tr, merged)
		return false
	case tr.result.Decision.Action == retry.ActionEscalate:
		return r.escalate(tr, merged)
	case tr.result.Decision.Action == retry.ActionFail:
		return r.exhaust(tr, merged)
	default:
		report := retry.BuildFailureReport(merged)
		return r.failAttempt(tr.task.ID, tr.result.Decision.Reason, &report)
	}
}

// verificationError handles a verifier that returned an error instead of
// a result. Halting errors fail the workflow, retryable ones consume a
// workflow retry, and anything else fails the task.
func (r *run) verificationError(tr taskRun) bool {
	logger := r.logger.WithTask(tr.task.ID)
	reason := fmt.Sprintf("verification error: %v", tr.err)
	switch {
	case errors.IsHalting(tr.err):
		logger.Error("verification error halts the workflow", "error", tr.err)
		if next, err := workflow.RequeueTask(r.state, tr.task.ID, r.engine.now()); err == nil {
			r.state = next
		}
		r.fail(fmt.Sprintf("task %s: %s", tr.task.ID, reason))
		return true
	case errors.IsRetryable(tr.err):
		logger.Warn("verification error", "error", tr.err)
		return r.failAttempt(tr.task.ID, reason, nil)
	default:
		logger.Error("verification error", "error", tr.err)
		return r.failTask(tr.task.ID, reason)
	}
}

// exhaust fails a task whose attempt budget ran out. The failure is
// terminal whatever workflow retries remain.
func (r *run) exhaust(tr taskRun, merged retry.State) bool {
	now := r.engine.now()
	report := retry.BuildFailureReport(merged)
	if tr.result.Failure != nil {
		report = *tr.result.Failure
	}
	if next, err := workflow.RecordFailureReport(r.state, tr.task.ID, report, now); err == nil {
		r.state = next
	}
	err := errors.NewWorkflowError(tr.result.Decision.Reason, errors.ErrBudgetExhausted).
		WithWorkflowID(r.state.ID).WithTaskID(tr.task.ID)
	r.logger.Warn("task out of attempts", "task_id", tr.task.ID, "attempts", merged.CurrentAttempt, "error", err)
	return r.failTask(tr.task.ID, tr.result.Decision.Reason)
}

// failTask fails a task terminally without consuming workflow retries.
func (r *run) failTask(taskID, reason string) bool {
	next, out, err := workflow.SkipTask(r.state, taskID, reason, r.engine.now())
	if err != nil {
		r.logger.Warn("failed to fail task", "task_id", taskID, "error", err)
		return false
	}
	r.state = next
	r.publishFailure(taskID, reason, out)
	return r.stopOnFailure(taskID)
}

func (r *run) complete(tr taskRun, merged retry.State) {
	now := r.engine.now()
	next, unblocked, err := workflow.CompleteTask(r.state, tr.task.ID, workflow.TaskResult{
		Summary:  tr.result.Summary,
		Evidence: tr.result.Evidence,
		Attempts: merged.CurrentAttempt,
	}, now)
	if err != nil {
		r.logger.Warn("failed to complete task", "task_id", tr.task.ID, "error", err)
		return
	}
	r.state = next

	var dur time.Duration
	if t, ok := r.state.Task(tr.task.ID); ok && t.StartedAt != nil {
		dur = now.Sub(*t.StartedAt)
	}
	r.logger.Info("task completed", "task_id", tr.task.ID, "attempts", merged.CurrentAttempt, "duration", dur)
	r.publish(event.NewTaskCompletedEvent(r.state.ID, tr.task.ID, merged.CurrentAttempt, dur))
	for _, id := range unblocked {
		r.publish(event.NewTaskUnblockedEvent(r.state.ID, id))
	}
}

// escalate applies the workflow's escalation mode to an escalated task.
func (r *run) escalate(tr taskRun, merged retry.State) bool {
	now := r.engine.now()
	esc := tr.result.Decision.Escalation
	mode := r.state.Config.EscalationMode
	reason := fmt.Sprintf("escalated to %s: %s", esc.Level, esc.Reason)

	if next, err := workflow.RecordEscalation(r.state, tr.task.ID, esc, now); err == nil {
		r.state = next
	}
	r.logger.Warn("task escalated", "task_id", tr.task.ID, "level", string(esc.Level), "mode", string(mode), "reason", esc.Reason)
	r.publish(event.NewTaskEscalatedEvent(r.state.ID, tr.task.ID, string(esc.Level), esc.Reason, string(mode)))

	switch mode {
	case workflow.EscalationSkip:
		report := retry.BuildFailureReport(merged)
		if next, err := workflow.RecordFailureReport(r.state, tr.task.ID, report, now); err == nil {
			r.state = next
		}
		return r.failTask(tr.task.ID, reason)

	case workflow.EscalationForceContinue:
		report := retry.BuildFailureReport(merged)
		return r.failAttempt(tr.task.ID, reason, &report)

	default:
		next, err := workflow.RequeueTask(r.state, tr.task.ID, now)
		if err != nil {
			r.logger.Warn("failed to requeue task", "task_id", tr.task.ID, "error", err)
			return false
		}
		r.state = next
		if r.state.Status == workflow.StatusRunning {
			paused, err := workflow.Pause(r.state, fmt.Sprintf("task %s %s", tr.task.ID, reason), now)
			if err == nil {
				r.state = paused
				r.publish(event.NewWorkflowPausedEvent(r.state.ID, r.state.PauseReason))
			}
		}
		return false
	}
}

// failAttempt records a failed attempt through FailTask. report is
// attached when the failure is terminal.
func (r *run) failAttempt(taskID, reason string, report *retry.FailureReport) bool {
	now := r.engine.now()
	t, _ := r.state.Task(taskID)
	if report != nil && t.RetryCount >= t.MaxRetries {
		if next, err := workflow.RecordFailureReport(r.state, taskID, *report, now); err == nil {
			r.state = next
		}
	}

	next, out, err := workflow.FailTask(r.state, taskID, reason, now)
	if err != nil {
		r.logger.Warn("failed to fail task", "task_id", taskID, "error", err)
		return false
	}
	r.state = next

	if out.Retried {
		nt, _ := r.state.Task(taskID)
		r.logger.Info("task recycled for retry", "task_id", taskID, "retry", nt.RetryCount, "max_retries", nt.MaxRetries, "reason", reason)
		r.publish(event.NewTaskRetryingEvent(r.state.ID, taskID, nt.RetryCount, reason))
		return false
	}
	r.publishFailure(taskID, reason, out)
	return r.stopOnFailure(taskID)
}

func (r *run) publishFailure(taskID, reason string, out workflow.FailOutcome) {
	r.logger.Error("task failed", "task_id", taskID, "reason", reason, "cascaded", out.Cascaded)
	r.publish(event.NewTaskFailedEvent(r.state.ID, taskID, reason))
	for _, id := range out.Cascaded {
		r.publish(event.NewTaskFailedEvent(r.state.ID, id, fmt.Sprintf("dependency %s failed", taskID)))
	}
	if r.state.Status == workflow.StatusFailed {
		r.logger.Error("workflow failed", "reason", r.state.FailureReason)
		r.publish(event.NewWorkflowFailedEvent(r.state.ID, r.state.FailureReason))
	}
}

// stopOnFailure fails the workflow under fail-fast and reports whether
// the current batch must stop.
func (r *run) stopOnFailure(taskID string) bool {
	if !r.state.Config.FailFast {
		return false
	}
	r.fail(fmt.Sprintf("fail-fast: task %s failed", taskID))
	return true
}

// applySignals drains operator commands and applies them in order.
func (r *run) applySignals() {
	if r.engine.signals == nil {
		return
	}
	for _, cmd := range r.engine.signals.Drain() {
		now := r.engine.now()
		switch cmd.Action {
		case control.ActionPause:
			reason := cmd.Reason
			if reason == "" {
				reason = "paused by operator"
			}
			next, err := workflow.Pause(r.state, reason, now)
			if err != nil {
				r.logger.Debug("ignoring pause", "error", err)
				continue
			}
			r.state = next
			r.logger.Info("workflow paused", "reason", reason)
			r.publish(event.NewWorkflowPausedEvent(r.state.ID, reason))

		case control.ActionResume:
			next, err := workflow.Resume(r.state, now)
			if err != nil {
				r.logger.Debug("ignoring resume", "error", err)
				continue
			}
			r.state = next
			r.logger.Info("workflow resumed")
			r.publish(event.NewWorkflowResumedEvent(r.state.ID))

		case control.ActionCancel:
			if r.state.Status.IsTerminal() {
				continue
			}
			reason := cmd.Reason
			if reason == "" {
				reason = "canceled by operator"
			}
			next, err := workflow.Cancel(r.state, reason, now)
			if err != nil {
				continue
			}
			r.state = next
			r.logger.Warn("workflow canceled", "reason", reason)
			r.publish(event.NewWorkflowFailedEvent(r.state.ID, reason))
		}
	}
}

// waitForSignal blocks a paused workflow until a command arrives.
func (r *run) waitForSignal(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.engine.signals.Ready():
		return nil
	}
}

// poll sleeps for d or until a command arrives.
func (r *run) poll(ctx context.Context, d time.Duration) error {
	var ready <-chan struct{}
	if r.engine.signals != nil {
		ready = r.engine.signals.Ready()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	case <-timer.C:
		return nil
	}
}
