package team

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/verify"
)

// Built-in template names, in increasing order of thoroughness.
const (
	TemplateMinimal   = "minimal"
	TemplateStandard  = "standard"
	TemplateRobust    = "robust"
	TemplateSecure    = "secure"
	TemplateFullstack = "fullstack"
)

// MemberSpec describes members a template instantiates.
type MemberSpec struct {
	AgentType          string    `yaml:"agent_type" json:"agent_type"`
	Role               Role      `yaml:"role" json:"role"`
	ModelTier          ModelTier `yaml:"model_tier" json:"model_tier"`
	Capabilities       []string  `yaml:"capabilities" json:"capabilities"`
	MaxConcurrentTasks int       `yaml:"max_concurrent_tasks,omitempty" json:"max_concurrent_tasks,omitempty"`
	// Count instantiates the spec more than once. Zero means one.
	Count int `yaml:"count,omitempty" json:"count,omitempty"`
}

// Template is a named starting roster.
type Template struct {
	Name                  string                `yaml:"name" json:"name"`
	Description           string                `yaml:"description,omitempty" json:"description,omitempty"`
	Members               []MemberSpec          `yaml:"members" json:"members"`
	DefaultValidationType verify.ValidationType `yaml:"default_validation" json:"default_validation"`
	// Rank orders templates by thoroughness. Custom templates default to 0.
	Rank int `yaml:"rank,omitempty" json:"rank,omitempty"`
}

// Size returns the number of members the template instantiates.
func (t Template) Size() int {
	n := 0
	for _, s := range t.Members {
		n += max(s.Count, 1)
	}
	return n
}

func (t Template) validate() error {
	if t.Name == "" {
		return errors.NewConfigurationError("template has no name", errors.ErrInvalidConstraints).WithField("name")
	}
	if len(t.Members) == 0 {
		return errors.NewConfigurationError(fmt.Sprintf("template %q has no members", t.Name), errors.ErrInvalidConstraints).WithField("members")
	}
	builders := 0
	for _, s := range t.Members {
		if !s.Role.IsValid() {
			return errors.NewConfigurationError(fmt.Sprintf("template %q has unknown role %q", t.Name, s.Role), errors.ErrInvalidConstraints).WithField("role")
		}
		if !s.ModelTier.IsValid() {
			return errors.NewConfigurationError(fmt.Sprintf("template %q has unknown model tier %q", t.Name, s.ModelTier), errors.ErrInvalidConstraints).WithField("model_tier")
		}
		if s.Role == RoleBuilder {
			builders++
		}
	}
	if builders == 0 {
		return errors.NewConfigurationError(fmt.Sprintf("template %q has no builder", t.Name), errors.ErrInvalidConstraints).WithField("members")
	}
	if t.DefaultValidationType != "" && !t.DefaultValidationType.Valid() {
		return errors.NewConfigurationError(fmt.Sprintf("template %q has unknown validation type %q", t.Name, t.DefaultValidationType), errors.ErrInvalidConstraints).WithField("default_validation")
	}
	return nil
}

// Templates maps template names to templates.
type Templates map[string]Template

// Names returns template names ordered by rank, then name.
func (ts Templates) Names() []string {
	names := make([]string, 0, len(ts))
	for n := range ts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := ts[names[i]].Rank, ts[names[j]].Rank
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// Merge returns a copy of ts with other's templates layered on top.
func (ts Templates) Merge(other Templates) Templates {
	out := make(Templates, len(ts)+len(other))
	for k, v := range ts {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func builder(agent string, tier ModelTier, caps ...string) MemberSpec {
	return MemberSpec{AgentType: agent, Role: RoleBuilder, ModelTier: tier, Capabilities: caps, MaxConcurrentTasks: 2}
}

func validator(agent string, tier ModelTier, caps ...string) MemberSpec {
	return MemberSpec{AgentType: agent, Role: RoleValidator, ModelTier: tier, Capabilities: caps, MaxConcurrentTasks: 3}
}

// BuiltinTemplates returns the five built-in templates.
func BuiltinTemplates() Templates {
	return Templates{
		TemplateMinimal: {
			Name:                  TemplateMinimal,
			Description:           "single builder trusting its own self-check",
			Rank:                  1,
			DefaultValidationType: verify.ValidationSelfOnly,
			Members: []MemberSpec{
				builder("implementer", TierMedium, CapCode, CapTesting),
			},
		},
		TemplateStandard: {
			Name:                  TemplateStandard,
			Description:           "builder with one reviewing validator",
			Rank:                  2,
			DefaultValidationType: verify.ValidationValidator,
			Members: []MemberSpec{
				builder("implementer", TierMedium, CapCode),
				validator("reviewer", TierMedium, CapCodeReview, CapTesting),
			},
		},
		TemplateRobust: {
			Name:                  TemplateRobust,
			Description:           "two builders and two validators",
			Rank:                  3,
			DefaultValidationType: verify.ValidationValidator,
			Members: []MemberSpec{
				builder("implementer", TierHigh, CapCode),
				builder("implementer", TierMedium, CapCode, CapTesting),
				validator("reviewer", TierMedium, CapCodeReview),
				validator("tester", TierMedium, CapTesting),
			},
		},
		TemplateSecure: {
			Name:                  TemplateSecure,
			Description:           "high-tier builder with security review and architect validation",
			Rank:                  4,
			DefaultValidationType: verify.ValidationArchitect,
			Members: []MemberSpec{
				builder("implementer", TierHigh, CapCode),
				validator("reviewer", TierHigh, CapCodeReview),
				validator("tester", TierMedium, CapTesting),
				validator("security-auditor", TierHigh, CapSecurityAnalysis),
			},
		},
		TemplateFullstack: {
			Name:                  TemplateFullstack,
			Description:           "frontend, backend and data builders with full validation and a coordinator",
			Rank:                  5,
			DefaultValidationType: verify.ValidationArchitect,
			Members: []MemberSpec{
				builder("frontend-developer", TierHigh, CapCode, CapFrontend),
				builder("backend-developer", TierHigh, CapCode, CapBackend),
				builder("data-engineer", TierMedium, CapCode, CapDatabase),
				validator("reviewer", TierHigh, CapCodeReview),
				validator("tester", TierMedium, CapTesting),
				{AgentType: "coordinator", Role: RoleCoordinator, ModelTier: TierMedium, Capabilities: []string{CapCoordination}, MaxConcurrentTasks: 1},
			},
		},
	}
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// ParseTemplates decodes a YAML document of the form
//
//	templates:
//	  - name: lean
//	    members: [...]
//
// Every template is validated; the first invalid one is returned as a
// configuration error.
func ParseTemplates(data []byte) (Templates, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewConfigurationError("failed to parse templates", err)
	}
	out := make(Templates, len(f.Templates))
	for _, t := range f.Templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := out[t.Name]; dup {
			return nil, errors.NewConfigurationError(fmt.Sprintf("template %q defined twice", t.Name), errors.ErrInvalidConstraints).WithField("name")
		}
		out[t.Name] = t
	}
	return out, nil
}

// LoadTemplates reads custom templates from path and merges them over the
// built-ins. An empty path returns the built-ins.
func LoadTemplates(path string) (Templates, error) {
	if path == "" {
		return BuiltinTemplates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigurationError("failed to read templates file", err).WithField("composer.templates_file").WithValue(path)
	}
	custom, err := ParseTemplates(data)
	if err != nil {
		return nil, err
	}
	return BuiltinTemplates().Merge(custom), nil
}
