package team

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/crucible/internal/errors"
	"github.com/Iron-Ham/crucible/internal/logging"
	"github.com/Iron-Ham/crucible/internal/plan"
	"github.com/Iron-Ham/crucible/internal/prompt"
)

// Request is the input to a composition.
type Request struct {
	Analysis      plan.Analysis
	Decomposition *plan.Decomposition
	// PreferredTemplate skips recommendation. It must name a known template.
	PreferredTemplate string
	Constraints       *Constraints
}

// Composition is the result of composing a team.
type Composition struct {
	Team         Definition        `json:"team"`
	TemplateUsed string            `json:"template_used"`
	Reasoning    []string          `json:"reasoning"`
	Score        float64           `json:"score"`
	Warnings     []string          `json:"warnings,omitempty"`
	Prompts      map[string]string `json:"prompts,omitempty"`
}

// Composer builds team definitions from task analyses.
type Composer struct {
	templates Templates
	renderer  prompt.Renderer
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Composer.
type Option func(*Composer)

// WithLogger sets the logger for the composer.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTemplates layers custom templates over the built-ins.
func WithTemplates(ts Templates) Option {
	return func(c *Composer) {
		c.templates = c.templates.Merge(ts)
	}
}

// WithRenderer sets the renderer for per-member prompts. Without one the
// composition has an empty prompt map.
func WithRenderer(r prompt.Renderer) Option {
	return func(c *Composer) {
		c.renderer = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides team ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Composer) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewComposer creates a Composer with the built-in templates.
func NewComposer(opts ...Option) *Composer {
	c := &Composer{
		templates: BuiltinTemplates(),
		logger:    logging.NopLogger(),
		now:       time.Now,
		newID:     func() string { return "team-" + uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Templates returns the templates available to the composer.
func (c *Composer) Templates() Templates {
	return c.templates.Merge(nil)
}

// Compose builds a team for the request. Unknown templates and invalid
// constraints are returned as configuration errors.
func (c *Composer) Compose(req Request) (Composition, error) {
	var constraints Constraints
	if req.Constraints != nil {
		constraints = *req.Constraints
	}
	if err := constraints.Validate(); err != nil {
		return Composition{}, err
	}

	required := requiredCapabilities(req, constraints)

	var (
		name      string
		reasoning []string
	)
	if req.PreferredTemplate != "" {
		if _, ok := c.templates[req.PreferredTemplate]; !ok {
			return Composition{}, errors.NewConfigurationError("unknown team template", errors.ErrUnknownTemplate).
				WithField("template").WithValue(req.PreferredTemplate)
		}
		name = req.PreferredTemplate
		reasoning = []string{fmt.Sprintf("using requested template %s", name)}
	} else {
		name, reasoning = RecommendTemplate(req.Analysis, required)
	}
	tmpl, ok := c.templates[name]
	if !ok {
		return Composition{}, errors.NewConfigurationError("unknown team template", errors.ErrUnknownTemplate).
			WithField("template").WithValue(name)
	}

	def := c.instantiate(tmpl)

	for _, capability := range DetectCapabilities(req.Analysis.Text()) {
		if def.HasCapability(capability) {
			continue
		}
		spec, _ := specialistFor(capability)
		def.Members = append(def.Members, newMember(spec, RoleSpecialist, countRole(def.Members, RoleSpecialist)+1))
		reasoning = append(reasoning, fmt.Sprintf("added %s specialist for %s", spec.AgentType, capability))
	}

	def, warnings, err := BalanceTeam(def, constraints)
	if err != nil {
		return Composition{}, err
	}

	def, notes := Optimize(def, req.Analysis)
	reasoning = append(reasoning, notes...)

	comp := Composition{
		Team:         def,
		TemplateUsed: name,
		Reasoning:    reasoning,
		Score:        Score(def, req.Analysis, required),
		Warnings:     warnings,
		Prompts:      c.prompts(def, req),
	}

	c.logger.Info("team composed",
		"team_id", def.ID,
		"template", name,
		"members", len(def.Members),
		"score", comp.Score,
		"warnings", len(warnings),
	)
	return comp, nil
}

func (c *Composer) instantiate(t Template) Definition {
	def := Definition{
		ID:                    c.newID(),
		Template:              t.Name,
		DefaultValidationType: t.DefaultValidationType,
		MaxParallelTasks:      1,
		CreatedAt:             c.now(),
	}
	for _, spec := range t.Members {
		for range max(spec.Count, 1) {
			def.Members = append(def.Members, newMember(spec, spec.Role, countRole(def.Members, spec.Role)+1))
		}
	}
	return def
}

func newMember(spec MemberSpec, role Role, n int) Member {
	capacity := spec.MaxConcurrentTasks
	if capacity <= 0 {
		capacity = 1
	}
	return Member{
		ID:                 fmt.Sprintf("%s-%d", role, n),
		AgentType:          spec.AgentType,
		Role:               role,
		ModelTier:          spec.ModelTier,
		Capabilities:       append([]string(nil), spec.Capabilities...),
		MaxConcurrentTasks: capacity,
		Status:             StatusIdle,
		AssignedTasks:      []string{},
	}
}

func countRole(members []Member, r Role) int {
	n := 0
	for _, m := range members {
		if m.Role == r {
			n++
		}
	}
	return n
}

// requiredCapabilities is the ordered union of constraint, subtask and
// detected capabilities.
func requiredCapabilities(req Request, c Constraints) []string {
	var out []string
	add := func(caps ...string) {
		for _, capability := range caps {
			if capability != "" && !contains(out, capability) {
				out = append(out, capability)
			}
		}
	}
	add(c.RequiredCapabilities...)
	if req.Decomposition != nil {
		for _, s := range req.Decomposition.Subtasks {
			add(s.RequiredCapabilities...)
		}
	}
	add(DetectCapabilities(req.Analysis.Text())...)
	return out
}

func (c *Composer) prompts(def Definition, req Request) map[string]string {
	out := make(map[string]string, len(def.Members))
	if c.renderer == nil {
		return out
	}
	objective := req.Analysis.Task
	if req.Decomposition != nil && req.Decomposition.Objective != "" {
		objective = req.Decomposition.Objective
	}
	for _, m := range def.Members {
		text, err := c.renderer.Render(&prompt.Context{
			Kind:      prompt.KindMember,
			Objective: objective,
			Member: &prompt.MemberInfo{
				ID:           m.ID,
				AgentType:    m.AgentType,
				Role:         string(m.Role),
				ModelTier:    string(m.ModelTier),
				Capabilities: m.Capabilities,
				TeamSize:     len(def.Members),
			},
		})
		if err != nil {
			c.logger.Warn("member prompt rendering failed", "member_id", m.ID, "error", err.Error())
			continue
		}
		out[m.ID] = text
	}
	return out
}
