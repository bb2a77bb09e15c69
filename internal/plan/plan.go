// Package plan defines the input model of a crucible run: the analysis of a
// top-level request and its decomposition into dependent subtasks.
//
// Both are immutable once loaded. The team composer reads the Analysis, the
// workflow engine turns each Subtask into a scheduled task.
package plan

import "strings"

// TaskType classifies the overall request.
type TaskType string

const (
	TypeFullstackApp  TaskType = "fullstack-app"
	TypeWebApp        TaskType = "web-app"
	TypeAPI           TaskType = "api"
	TypeBugFix        TaskType = "bug-fix"
	TypeRefactor      TaskType = "refactor"
	TypeSecurity      TaskType = "security"
	TypeDocumentation TaskType = "documentation"
	TypeFeature       TaskType = "feature"
)

// Analysis describes a request before any team exists.
type Analysis struct {
	Task                string   `json:"task" yaml:"task"`
	Type                TaskType `json:"type" yaml:"type"`
	Complexity          float64  `json:"complexity" yaml:"complexity"`
	Areas               []string `json:"areas,omitempty" yaml:"areas,omitempty"`
	Technologies        []string `json:"technologies,omitempty" yaml:"technologies,omitempty"`
	EstimatedComponents int      `json:"estimated_components" yaml:"estimated_components"`
	IsParallelizable    bool     `json:"is_parallelizable" yaml:"is_parallelizable"`
}

// Text returns the task text and areas joined for keyword scanning.
func (a Analysis) Text() string {
	parts := append([]string{a.Task}, a.Areas...)
	return strings.ToLower(strings.Join(parts, " "))
}

// Subtask is one unit of work in a decomposition.
type Subtask struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Complexity in [0,1]. Zero inherits the analysis complexity.
	Complexity           float64  `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Files                []string `json:"files,omitempty" yaml:"files,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	// ValidationType overrides the team default ("self-only", "validator", "architect").
	ValidationType string `json:"validation_type,omitempty" yaml:"validation_type,omitempty"`
}

// Decomposition is the ordered set of subtasks for one objective.
type Decomposition struct {
	Objective string    `json:"objective" yaml:"objective"`
	Summary   string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	Subtasks  []Subtask `json:"subtasks" yaml:"subtasks"`
}

// Subtask returns the subtask with the given ID.
func (d *Decomposition) Subtask(id string) (Subtask, bool) {
	if d == nil {
		return Subtask{}, false
	}
	for _, s := range d.Subtasks {
		if s.ID == id {
			return s, true
		}
	}
	return Subtask{}, false
}

// Request bundles everything needed to compose a team and run a workflow.
type Request struct {
	Analysis          Analysis       `json:"analysis" yaml:"analysis"`
	Decomposition     *Decomposition `json:"decomposition,omitempty" yaml:"decomposition,omitempty"`
	PreferredTemplate string         `json:"preferred_template,omitempty" yaml:"preferred_template,omitempty"`
}

// ComplexityLevel buckets a complexity score.
type ComplexityLevel string

const (
	ComplexityLow    ComplexityLevel = "low"
	ComplexityMedium ComplexityLevel = "medium"
	ComplexityHigh   ComplexityLevel = "high"
)

// LevelOf returns the complexity bucket for c: low below 0.4, medium below 0.7, high otherwise.
func LevelOf(c float64) ComplexityLevel {
	switch {
	case c < 0.4:
		return ComplexityLow
	case c < 0.7:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// ClampComplexity bounds c to [0,1].
func ClampComplexity(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
