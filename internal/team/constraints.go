package team

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Constraints limit a composed team.
type Constraints struct {
	MinMembers           int
	MaxMembers           int
	RequiredCapabilities []string
	RequiredRoles        []Role
	// ExcludeAgentTypes are glob patterns matched against Member.AgentType.
	ExcludeAgentTypes []string
	// MaxModelTier caps every member's tier. Empty means no cap.
	MaxModelTier ModelTier
}

// Validate checks the constraints themselves, independent of any team.
func (c Constraints) Validate() error {
	switch {
	case c.MinMembers < 0:
		return errors.NewConfigurationError("min members must not be negative", errors.ErrInvalidConstraints).WithField("min_members").WithValue(c.MinMembers)
	case c.MaxMembers < 0:
		return errors.NewConfigurationError("max members must not be negative", errors.ErrInvalidConstraints).WithField("max_members").WithValue(c.MaxMembers)
	case c.MaxMembers > 0 && c.MinMembers > c.MaxMembers:
		return errors.NewConfigurationError(fmt.Sprintf("min members %d exceeds max members %d", c.MinMembers, c.MaxMembers), errors.ErrInvalidConstraints).WithField("min_members")
	case c.MaxModelTier != "" && !c.MaxModelTier.IsValid():
		return errors.NewConfigurationError("unknown model tier", errors.ErrInvalidConstraints).WithField("max_model_tier").WithValue(string(c.MaxModelTier))
	}
	for _, r := range c.RequiredRoles {
		if !r.IsValid() {
			return errors.NewConfigurationError("unknown role", errors.ErrInvalidConstraints).WithField("required_roles").WithValue(string(r))
		}
	}
	if _, err := compileExclusions(c.ExcludeAgentTypes); err != nil {
		return err
	}
	return nil
}

func compileExclusions(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.NewConfigurationError("invalid agent type pattern", err).WithField("exclude_agent_types").WithValue(p)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// keepPriority ranks members for trimming; lower is kept first. The first
// builder always outranks everything so a clamped team can still build.
func keepPriority(m Member, firstBuilder bool) int {
	switch {
	case firstBuilder:
		return 0
	case m.Role == RoleValidator:
		return 1
	case m.Role == RoleBuilder:
		return 2
	case m.Role == RoleSpecialist:
		return 3
	default:
		return 4
	}
}

// BalanceTeam applies constraints to a team and returns the adjusted copy
// and any unmet requirements as warnings. Excluding every builder is an
// error; other violations are reported, not fatal.
func BalanceTeam(d Definition, c Constraints) (Definition, []string, error) {
	if err := c.Validate(); err != nil {
		return d, nil, err
	}
	globs, _ := compileExclusions(c.ExcludeAgentTypes)
	next := d.Clone()
	var warnings []string

	if len(globs) > 0 {
		kept := next.Members[:0]
		for _, m := range next.Members {
			if excluded(m.AgentType, globs) {
				warnings = append(warnings, fmt.Sprintf("removed %s: agent type %s is excluded", m.ID, m.AgentType))
				continue
			}
			kept = append(kept, m)
		}
		next.Members = kept
		if next.CountRole(RoleBuilder) == 0 {
			return d, warnings, errors.NewConfigurationError("constraints exclude every builder", errors.ErrInvalidConstraints).WithField("exclude_agent_types")
		}
	}

	if c.MaxModelTier != "" {
		for i := range next.Members {
			if next.Members[i].ModelTier.Rank() > c.MaxModelTier.Rank() {
				next.Members[i].ModelTier = c.MaxModelTier
			}
		}
	}

	if c.MaxMembers > 0 && len(next.Members) > c.MaxMembers {
		before := len(next.Members)
		next.Members = clamp(next.Members, c.MaxMembers)
		warnings = append(warnings, fmt.Sprintf("trimmed team from %d to %d members", before, len(next.Members)))
	}

	if c.MinMembers > 0 && len(next.Members) < c.MinMembers {
		warnings = append(warnings, fmt.Sprintf("team has %d members, below the minimum of %d", len(next.Members), c.MinMembers))
	}
	for _, capability := range c.RequiredCapabilities {
		if !next.HasCapability(capability) {
			warnings = append(warnings, fmt.Sprintf("required capability %s is not covered", capability))
		}
	}
	for _, r := range c.RequiredRoles {
		if next.CountRole(r) == 0 {
			warnings = append(warnings, fmt.Sprintf("required role %s is not present", r))
		}
	}
	return next, warnings, nil
}

func excluded(agentType string, globs []glob.Glob) bool {
	for _, g := range globs {
		if g.Match(agentType) {
			return true
		}
	}
	return false
}

// clamp keeps the n highest-priority members in roster order.
func clamp(members []Member, n int) []Member {
	type ranked struct {
		idx      int
		priority int
	}
	order := make([]ranked, len(members))
	seenBuilder := false
	for i, m := range members {
		first := m.Role == RoleBuilder && !seenBuilder
		if first {
			seenBuilder = true
		}
		order[i] = ranked{idx: i, priority: keepPriority(m, first)}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].priority < order[j].priority })

	keep := make([]int, 0, n)
	for _, r := range order[:n] {
		keep = append(keep, r.idx)
	}
	sort.Ints(keep)

	out := make([]Member, 0, n)
	for _, idx := range keep {
		out = append(out, members[idx])
	}
	return out
}
