package retry

import "sync"

// Tracker holds the retry state of every task across verification cycles.
// A task recycled to pending by the workflow starts a new cycle that
// continues the tracked state, so all cycles of a task share one attempt
// budget. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*trackedState
}

type trackedState struct {
	state  State
	cycles int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*trackedState)}
}

// Merge folds the state a verification cycle returned into the task's
// tracked state and returns the result. Attempts already tracked (Cycle
// set) are skipped; the rest are appended as the next cycle and
// renumbered so that CurrentAttempt always equals the history length.
func (t *Tracker) Merge(cycle State) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.states[cycle.TaskID]
	if !ok {
		ts = &trackedState{state: NewState(cycle.TaskID, cycle.MaxAttempts)}
		t.states[cycle.TaskID] = ts
	}

	added := false
	for _, a := range cycle.History {
		if a.Cycle != 0 {
			continue
		}
		if !added {
			ts.cycles++
			added = true
		}
		a = a.clone()
		a.Cycle = ts.cycles
		a.Number = len(ts.state.History) + 1
		ts.state.History = append(ts.state.History, a)
	}
	ts.state.CurrentAttempt = len(ts.state.History)
	if cycle.MaxAttempts > 0 {
		ts.state.MaxAttempts = cycle.MaxAttempts
	}
	ts.state.Status = cycle.Status
	return ts.state.Clone()
}

// Get returns a copy of the tracked state for a task.
func (t *Tracker) Get(taskID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ts, ok := t.states[taskID]
	if !ok {
		return State{}, false
	}
	return ts.state.Clone(), true
}

// TotalAttempts returns the number of builder attempts across all tasks.
func (t *Tracker) TotalAttempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, ts := range t.states {
		total += len(ts.state.History)
	}
	return total
}

// Load replaces the tracker contents, for restoring from persistence.
// The cycle count is recovered from the highest Cycle in each history.
func (t *Tracker) Load(states map[string]State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states = make(map[string]*trackedState, len(states))
	for id, s := range states {
		cycles := 0
		for _, a := range s.History {
			if a.Cycle > cycles {
				cycles = a.Cycle
			}
		}
		t.states[id] = &trackedState{state: s.Clone(), cycles: cycles}
	}
}
