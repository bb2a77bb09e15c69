// Package engine drives workflows to a terminal state.
//
// The driver loop is cooperative batch scheduling: compute the tasks that
// may run, assign them to team members, launch the whole batch
// concurrently, await it, then apply every result to the workflow state
// from the driver goroutine alone. Verification of a single task (builder
// attempts, validators, retry decisions) is delegated to a Verifier.
//
// Pause and cancel arrive through Signals. A pause lets running
// verifications finish and starts nothing new. A cancel stops running
// verifications, and results that arrive after the workflow turned
// terminal are dropped.
//
// A store that implements RunLocker is locked for the duration of Run and
// Resume, so two processes never drive the same workflow.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/crucible/internal/control"
	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/event"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/retry"
	"github.com/Iron-Ham/crucible/internal/team"
	"github.com/Iron-Ham/crucible/internal/verify"
	"github.com/Iron-Ham/crucible/internal/workflow"
)

// Verifier runs the builder-validator cycle for one task.
// *verify.Cycle implements it.
type Verifier interface {
	Run(ctx context.Context, req verify.Request) (verify.Result, error)
}

// Signals delivers operator commands. *control.Controller implements it.
type Signals interface {
	Drain() []control.Command
	Ready() <-chan struct{}
}

// RunLocker is implemented by stores that can reserve a workflow for one
// driver. *workflow.FileStore implements it.
type RunLocker interface {
	AcquireRun(workflowID string) (*workflow.FileLock, error)
}

// maxBackoffFactor bounds the idle poll at this multiple of the workflow's
// poll interval.
const maxBackoffFactor = 8

// Engine schedules and executes workflows.
type Engine struct {
	verifier Verifier
	store    workflow.Store
	bus      *event.Bus
	signals  Signals
	tracker  *retry.Tracker
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore persists workflow, retry and team state after every batch.
func WithStore(store workflow.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithEventBus sets the bus lifecycle events are published to.
func WithEventBus(bus *event.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithSignals attaches an operator command source. With signals attached
// a paused workflow waits for a resume or cancel; without, Run returns as
// soon as the workflow pauses.
func WithSignals(s Signals) Option {
	return func(e *Engine) {
		e.signals = s
	}
}

// WithTracker sets the retry tracker that accumulates attempt history
// across verification cycles.
func WithTracker(t *retry.Tracker) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracker = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine around a verifier.
// Panics if verifier is nil.
func New(verifier Verifier, opts ...Option) *Engine {
	if verifier == nil {
		panic("engine.New: verifier must not be nil")
	}
	e := &Engine{
		verifier: verifier,
		tracker:  retry.NewTracker(),
		logger:   logging.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tracker returns the engine's retry tracker.
func (e *Engine) Tracker() *retry.Tracker {
	return e.tracker
}

// Outcome is the state a Run left behind.
type Outcome struct {
	State   workflow.State
	Team    *team.Definition
	Retries map[string]retry.State
}

// Create builds a workflow for a decomposition and persists it. An empty
// id generates one. With a team, MaxParallelTasks is capped at the team's
// limit. A dependency cycle does not fail creation; Run reports it as a
// deadlock.
func (e *Engine) Create(id string, d *plan.Decomposition, defaultComplexity float64, def *team.Definition, cfg workflow.Config) (workflow.State, error) {
	if id == "" {
		id = workflow.NewID()
	}
	cfg = teamSlots(cfg, def)
	s, err := workflow.Create(id, d, defaultComplexity, cfg, e.now())
	if err != nil {
		return workflow.State{}, err
	}
	if def != nil {
		s.TeamID = def.ID
	}

	logger := e.logger.WithWorkflow(s.ID)
	ep, planErr := workflow.GenerateExecutionPlan(s)
	if planErr != nil {
		logger.Warn("workflow has unresolvable dependencies", "tasks", ep.Unresolved)
	}
	logger.Info("workflow created", "tasks", len(s.Tasks), "phases", len(ep.Phases), "max_parallel", s.Config.MaxParallelTasks)
	e.bus.Publish(event.NewWorkflowCreatedEvent(s.ID, len(s.Tasks), len(ep.Phases)))

	if err := e.persist(s, def); err != nil {
		return s, err
	}
	return s, nil
}

// Resume loads a persisted workflow and runs it. Requires a store.
func (e *Engine) Resume(ctx context.Context, id string) (Outcome, error) {
	if e.store == nil {
		return Outcome{}, errors.NewConfigurationError("resume requires a workflow store", nil)
	}
	unlock, err := e.reserve(id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	s, err := e.store.LoadWorkflow(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load workflow %s: %w", id, err)
	}
	states, err := e.store.LoadRetryStates(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load retry states %s: %w", id, err)
	}
	e.tracker.Load(states)

	var def *team.Definition
	if s.TeamID != "" {
		def, err = e.store.LoadTeam(id)
		if err != nil {
			return Outcome{}, fmt.Errorf("load team %s: %w", id, err)
		}
	}
	return e.drive(ctx, *s, def)
}

// Run drives s until it is terminal, paused without signals attached, or
// ctx is done. A failed workflow is reported through its state, not as an
// error; errors are returned only for deadlocks, configuration problems,
// persistence failures, cancellation of ctx, and a workflow another
// process is already driving (errors.ErrWorkflowRunning, with an empty
// Outcome).
func (e *Engine) Run(ctx context.Context, s workflow.State, def *team.Definition) (Outcome, error) {
	unlock, err := e.reserve(s.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()
	return e.drive(ctx, s, def)
}

// reserve takes the store's run lock for id when the store has one. The
// returned func releases it.
func (e *Engine) reserve(id string) (func(), error) {
	locker, ok := e.store.(RunLocker)
	if !ok {
		return func() {}, nil
	}
	lock, err := locker.AcquireRun(id)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			e.logger.WithWorkflow(id).Warn("failed to release run lock", "error", err)
		}
	}, nil
}

// teamSlots caps the workflow's parallelism at the team's.
func teamSlots(cfg workflow.Config, def *team.Definition) workflow.Config {
	if def == nil || def.MaxParallelTasks <= 0 {
		return cfg
	}
	limit := cfg.MaxParallelTasks
	if limit <= 0 {
		limit = workflow.DefaultMaxParallelTasks
	}
	cfg.MaxParallelTasks = min(limit, def.MaxParallelTasks)
	return cfg
}

func (e *Engine) drive(ctx context.Context, s workflow.State, def *team.Definition) (Outcome, error) {
	r := &run{
		engine: e,
		state:  s,
		logger: e.logger.WithWorkflow(s.ID),
	}
	if def != nil {
		d := def.Clone()
		r.team = &d
	}

	if err := r.begin(); err != nil {
		return r.outcome(), err
	}
	if err := r.checkGraph(); err != nil {
		return r.outcome(), err
	}
	if err := r.persist(); err != nil {
		return r.outcome(), err
	}
	return r.loop(ctx)
}

func (e *Engine) persist(s workflow.State, def *team.Definition) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveWorkflow(s); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if err := e.store.SaveRetryStates(s.ID, e.retriesFor(s)); err != nil {
		return fmt.Errorf("save retry states: %w", err)
	}
	if def != nil {
		if err := e.store.SaveTeam(s.ID, *def); err != nil {
			return fmt.Errorf("save team: %w", err)
		}
	}
	return nil
}

// retriesFor returns the tracked retry states of the tasks in s.
func (e *Engine) retriesFor(s workflow.State) map[string]retry.State {
	out := make(map[string]retry.State)
	for _, t := range s.Tasks {
		if st, ok := e.tracker.Get(t.ID); ok {
			out[t.ID] = st
		}
	}
	return out
}
