package workflow

import (
	"github.com/Iron-Ham/crucible/internal/errors"
)

// ExecutionPlan is the static schedule of a workflow.
type ExecutionPlan struct {
	// Phases groups task IDs that can run together once every earlier
	// phase has completed.
	Phases [][]string `json:"phases"`
	// CriticalPath is the longest dependency chain.
	CriticalPath []string `json:"critical_path"`
	// Unresolved lists tasks caught in or behind a dependency cycle.
	Unresolved []string `json:"unresolved,omitempty"`
}

// GenerateExecutionPlan layers tasks into phases with Kahn's algorithm and
// computes the critical path. Tasks that can never be layered are returned
// in Unresolved together with a *errors.DeadlockError.
func GenerateExecutionPlan(s State) (ExecutionPlan, error) {
	indegree := make(map[string]int, len(s.Tasks))
	for _, t := range s.Tasks {
		indegree[t.ID] = 0
	}
	for _, t := range s.Tasks {
		for _, dep := range t.BlockedBy {
			if _, ok := indegree[dep]; ok {
				indegree[t.ID]++
			}
		}
	}

	var plan ExecutionPlan
	var layer []string
	for _, t := range s.Tasks {
		if indegree[t.ID] == 0 {
			layer = append(layer, t.ID)
		}
	}

	placed := make(map[string]bool, len(s.Tasks))
	for len(layer) > 0 {
		plan.Phases = append(plan.Phases, layer)
		for _, id := range layer {
			placed[id] = true
		}
		ready := make(map[string]bool)
		for _, id := range layer {
			t, _ := s.Task(id)
			for _, dep := range t.Blocks {
				indegree[dep]--
				if indegree[dep] == 0 {
					ready[dep] = true
				}
			}
		}
		// Keep the next layer in task order so plans are deterministic.
		var next []string
		for _, t := range s.Tasks {
			if ready[t.ID] {
				next = append(next, t.ID)
			}
		}
		layer = next
	}

	for _, t := range s.Tasks {
		if !placed[t.ID] {
			plan.Unresolved = append(plan.Unresolved, t.ID)
		}
	}
	plan.CriticalPath = criticalPath(s, placed)

	if len(plan.Unresolved) > 0 {
		return plan, errors.NewDeadlockError(s.ID, plan.Unresolved)
	}
	return plan, nil
}

// criticalPath walks Blocks edges depth-first from every root and returns
// the longest chain. Ties go to the chain found first in task order. Only
// placed tasks take part, so cycles are never followed.
func criticalPath(s State, placed map[string]bool) []string {
	longest := make(map[string][]string, len(s.Tasks))
	var walk func(id string) []string
	walk = func(id string) []string {
		if chain, ok := longest[id]; ok {
			return chain
		}
		t, _ := s.Task(id)
		var best []string
		for _, dep := range t.Blocks {
			if !placed[dep] {
				continue
			}
			if chain := walk(dep); len(chain) > len(best) {
				best = chain
			}
		}
		chain := append([]string{id}, best...)
		longest[id] = chain
		return chain
	}

	var best []string
	for _, t := range s.Tasks {
		if !placed[t.ID] || len(t.BlockedBy) > 0 {
			continue
		}
		if chain := walk(t.ID); len(chain) > len(best) {
			best = chain
		}
	}
	return best
}

// ValidateGraph reports a dependency cycle as a *errors.DeadlockError.
func ValidateGraph(s State) error {
	_, err := GenerateExecutionPlan(s)
	return err
}
