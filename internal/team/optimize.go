package team

import (
	"fmt"
	"math"

	"github.com/Iron-Ham/crucible/internal/plan"
)

const (
	// dedupeAbove is the team size above which redundant members are removed.
	dedupeAbove = 5
	// maxParallel caps the parallelism a team is configured for.
	maxParallel = 5
)

// Optimize tunes a balanced team for the analysis and returns the copy
// with notes describing each change.
func Optimize(d Definition, a plan.Analysis) (Definition, []string) {
	next := d.Clone()
	var notes []string

	for i := len(next.Members) - 1; i >= 0 && len(next.Members) > dedupeAbove; i-- {
		if j := coveredBy(next.Members, i); j >= 0 {
			notes = append(notes, fmt.Sprintf("removed %s: capabilities covered by %s", next.Members[i].ID, next.Members[j].ID))
			next.Members = append(next.Members[:i], next.Members[i+1:]...)
		}
	}

	if plan.LevelOf(a.Complexity) == plan.ComplexityLow {
		for i := range next.Members {
			m := &next.Members[i]
			if m.Role != RoleValidator {
				continue
			}
			switch m.ModelTier {
			case TierHigh:
				m.ModelTier = TierMedium
			case TierMedium:
				m.ModelTier = TierLow
			default:
				continue
			}
			notes = append(notes, fmt.Sprintf("downgraded %s to %s tier for a low-complexity task", m.ID, m.ModelTier))
		}
	}

	next.MaxParallelTasks = 1
	if a.EstimatedComponents > 1 {
		next.MaxParallelTasks = min(a.EstimatedComponents, maxParallel)
		notes = append(notes, fmt.Sprintf("parallelism set to %d for %d components", next.MaxParallelTasks, a.EstimatedComponents))
	}
	return next, notes
}

// coveredBy returns the index of another member with the same role whose
// capabilities include every capability of members[i], or -1. The first
// builder is never considered redundant.
func coveredBy(members []Member, i int) int {
	m := members[i]
	if m.Role == RoleBuilder && firstBuilder(members) == i {
		return -1
	}
	for j, other := range members {
		if j == i || other.Role != m.Role {
			continue
		}
		if len(MissingCapabilities(other, m.Capabilities)) == 0 {
			return j
		}
	}
	return -1
}

func firstBuilder(members []Member) int {
	for i, m := range members {
		if m.Role == RoleBuilder {
			return i
		}
	}
	return -1
}

// RecommendedValidators is the validator count implied by complexity.
func RecommendedValidators(complexity float64) int {
	switch plan.LevelOf(complexity) {
	case plan.ComplexityLow:
		return 1
	case plan.ComplexityMedium:
		return 2
	default:
		return 3
	}
}

// IdealSize estimates the team size for an analysis: one builder per
// component up to the parallelism cap, plus the recommended validators.
func IdealSize(a plan.Analysis) int {
	return min(max(a.EstimatedComponents, 1), maxParallel) + RecommendedValidators(a.Complexity)
}

// Score rates how well d fits the analysis, in [0,1].
//
//   - Up to 0.2 is lost in proportion to uncovered required capabilities.
//   - Under-validation costs 0.15 and over-validation 0.05.
//   - A size below half the ideal costs 0.15, above double costs 0.10.
//   - Full coverage earns 0.05 and parallelism matching the component
//     count earns 0.03.
func Score(d Definition, a plan.Analysis, required []string) float64 {
	score := 1.0

	covered := 0
	for _, c := range required {
		if d.HasCapability(c) {
			covered++
		}
	}
	if len(required) > 0 {
		score -= 0.2 * float64(len(required)-covered) / float64(len(required))
	}
	if covered == len(required) {
		score += 0.05
	}

	validators := d.CountRole(RoleValidator)
	switch want := RecommendedValidators(a.Complexity); {
	case validators < want:
		score -= 0.15
	case validators > want:
		score -= 0.05
	}

	ratio := float64(len(d.Members)) / float64(IdealSize(a))
	switch {
	case ratio < 0.5:
		score -= 0.15
	case ratio > 2.0:
		score -= 0.10
	}

	if a.EstimatedComponents > 1 && d.MaxParallelTasks == min(a.EstimatedComponents, maxParallel) {
		score += 0.03
	}

	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1000) / 1000
}
