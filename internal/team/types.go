package team

import (
	"sort"
	"time"

	"github.com/Iron-Ham/crucible/internal/verify"
)

// Role describes what a member does in the team.
type Role string

const (
	RoleBuilder      Role = "builder"
	RoleValidator    Role = "validator"
	RoleSpecialist   Role = "specialist"
	RoleCoordinator  Role = "coordinator"
	RoleOrchestrator Role = "orchestrator"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid returns true if this is a recognized role value.
func (r Role) IsValid() bool {
	switch r {
	case RoleBuilder, RoleValidator, RoleSpecialist, RoleCoordinator, RoleOrchestrator:
		return true
	default:
		return false
	}
}

// CanBuild reports whether members with this role may be assigned tasks.
func (r Role) CanBuild() bool {
	return r == RoleBuilder || r == RoleSpecialist
}

// ModelTier is the capability tier of the model backing a member.
type ModelTier string

const (
	TierLow    ModelTier = "low"
	TierMedium ModelTier = "medium"
	TierHigh   ModelTier = "high"
)

// Rank orders tiers; unknown tiers rank 0.
func (t ModelTier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	default:
		return 0
	}
}

// IsValid returns true if this is a recognized tier.
func (t ModelTier) IsValid() bool {
	return t.Rank() > 0
}

// MemberStatus is the availability of a member.
type MemberStatus string

const (
	StatusIdle    MemberStatus = "idle"
	StatusBusy    MemberStatus = "busy"
	StatusBlocked MemberStatus = "blocked"
	StatusOffline MemberStatus = "offline"
)

// IsValid returns true if this is a recognized status.
func (s MemberStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusBlocked, StatusOffline:
		return true
	default:
		return false
	}
}

// Capability names used by the built-in templates and specialists.
const (
	CapCode               = "code"
	CapFrontend           = "frontend"
	CapBackend            = "backend"
	CapDatabase           = "database"
	CapTesting            = "testing"
	CapCodeReview         = "code_review"
	CapSecurityAnalysis   = "security_analysis"
	CapDesign             = "design"
	CapArchitectureReview = "architecture_review"
	CapDocumentation      = "documentation"
	CapCoordination       = "coordination"
)

// Member is one agent in a team.
type Member struct {
	ID                 string       `json:"id"`
	AgentType          string       `json:"agent_type"`
	Role               Role         `json:"role"`
	ModelTier          ModelTier    `json:"model_tier"`
	Capabilities       []string     `json:"capabilities"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	Status             MemberStatus `json:"status"`
	AssignedTasks      []string     `json:"assigned_tasks"`
}

// HasCapability reports whether the member offers capability c.
func (m Member) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Load returns the number of tasks assigned to the member.
func (m Member) Load() int {
	return len(m.AssignedTasks)
}

// HasCapacity reports whether the member can take another task.
func (m Member) HasCapacity() bool {
	if m.Status == StatusOffline || m.Status == StatusBlocked {
		return false
	}
	return m.Load() < m.MaxConcurrentTasks
}

func (m Member) clone() Member {
	out := m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	out.AssignedTasks = append([]string{}, m.AssignedTasks...)
	return out
}

// Definition is a composed team. It is created once by the Composer and
// afterwards changed only through Assign and Release.
type Definition struct {
	ID                    string                `json:"id"`
	Template              string                `json:"template"`
	Members               []Member              `json:"members"`
	DefaultValidationType verify.ValidationType `json:"default_validation_type"`
	MaxParallelTasks      int                   `json:"max_parallel_tasks"`
	CreatedAt             time.Time             `json:"created_at"`
}

// Member returns the member with the given ID.
func (d Definition) Member(id string) (Member, bool) {
	for _, m := range d.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// CountRole returns the number of members with role r.
func (d Definition) CountRole(r Role) int {
	n := 0
	for _, m := range d.Members {
		if m.Role == r {
			n++
		}
	}
	return n
}

// Capabilities returns the sorted union of member capabilities.
func (d Definition) Capabilities() []string {
	seen := make(map[string]bool)
	for _, m := range d.Members {
		for _, c := range m.Capabilities {
			seen[c] = true
		}
	}
	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// HasCapability reports whether any member offers capability c.
func (d Definition) HasCapability(c string) bool {
	for _, m := range d.Members {
		if m.HasCapability(c) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := d
	out.Members = make([]Member, len(d.Members))
	for i, m := range d.Members {
		out.Members[i] = m.clone()
	}
	return out
}
