package plan

import (
	"fmt"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Validate checks a decomposition for structural problems: missing or
// duplicate IDs, unknown dependency references and self-dependencies.
// All problems are reported together. Cycles are not checked here; the
// workflow's execution plan reports them with the offending task IDs.
func Validate(d *Decomposition) error {
	if d == nil {
		return errors.NewValidationError("decomposition is nil").WithCause(errors.ErrInvalidInput)
	}
	if len(d.Subtasks) == 0 {
		return errors.NewValidationError("decomposition has no subtasks").WithField("subtasks")
	}

	var problems []error
	seen := make(map[string]bool, len(d.Subtasks))
	for i, s := range d.Subtasks {
		if s.ID == "" {
			problems = append(problems, errors.NewValidationError("subtask has empty id").
				WithField(fmt.Sprintf("subtasks[%d].id", i)))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, errors.NewValidationError("duplicate subtask id").
				WithField(fmt.Sprintf("subtasks[%d].id", i)).WithValue(s.ID))
		}
		seen[s.ID] = true

		if s.Complexity < 0 || s.Complexity > 1 {
			problems = append(problems, errors.NewValidationError("complexity must be within [0,1]").
				WithField(fmt.Sprintf("subtasks[%d].complexity", i)).WithValue(s.Complexity))
		}
	}

	for i, s := range d.Subtasks {
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				problems = append(problems, errors.NewValidationError("subtask depends on itself").
					WithField(fmt.Sprintf("subtasks[%d].depends_on", i)).WithValue(dep))
			case !seen[dep]:
				problems = append(problems, errors.NewValidationError("unknown dependency").
					WithField(fmt.Sprintf("subtasks[%d].depends_on", i)).WithValue(dep))
			}
		}
	}

	return errors.Join(problems...)
}
