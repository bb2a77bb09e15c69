package team

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Assign returns a copy of d with taskID assigned to the member.
// Assigning a task the member already holds is a no-op.
func (d Definition) Assign(memberID, taskID string) (Definition, error) {
	idx := d.indexOf(memberID)
	if idx < 0 {
		return d, errors.NewNotFoundError("member", memberID)
	}
	m := d.Members[idx]
	for _, t := range m.AssignedTasks {
		if t == taskID {
			return d, nil
		}
	}
	if !m.HasCapacity() {
		return d, fmt.Errorf("%w: %s holds %d of %d tasks", errors.ErrMemberAtCapacity, memberID, m.Load(), m.MaxConcurrentTasks)
	}

	next := d.Clone()
	nm := &next.Members[idx]
	nm.AssignedTasks = append(nm.AssignedTasks, taskID)
	nm.Status = StatusBusy
	return next, nil
}

// Release returns a copy of d with taskID removed from the member.
// Releasing a task the member does not hold is a no-op.
func (d Definition) Release(memberID, taskID string) (Definition, error) {
	idx := d.indexOf(memberID)
	if idx < 0 {
		return d, errors.NewNotFoundError("member", memberID)
	}

	next := d.Clone()
	nm := &next.Members[idx]
	kept := nm.AssignedTasks[:0]
	for _, t := range nm.AssignedTasks {
		if t != taskID {
			kept = append(kept, t)
		}
	}
	nm.AssignedTasks = kept
	if len(kept) == 0 && nm.Status == StatusBusy {
		nm.Status = StatusIdle
	}
	return next, nil
}

// Eligible returns the members that may take a task requiring caps, least
// loaded first. Ties keep roster order. Only builders and specialists with
// spare capacity are eligible.
func (d Definition) Eligible(caps []string) []Member {
	var out []Member
	for _, m := range d.Members {
		if !m.Role.CanBuild() || !m.HasCapacity() {
			continue
		}
		if len(MissingCapabilities(m, caps)) > 0 {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Load() < out[j].Load() })
	return out
}

// LeastLoaded returns the eligible member covering caps with the fewest
// assigned tasks.
func (d Definition) LeastLoaded(caps []string) (Member, bool) {
	eligible := d.Eligible(caps)
	if len(eligible) == 0 {
		return Member{}, false
	}
	return eligible[0], true
}

func (d Definition) indexOf(memberID string) int {
	for i, m := range d.Members {
		if m.ID == memberID {
			return i
		}
	}
	return -1
}

// MissingCapabilities returns the capabilities in caps that m lacks.
func MissingCapabilities(m Member, caps []string) []string {
	var missing []string
	for _, c := range caps {
		if !m.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// MarshalDefinition encodes d as indented JSON.
func MarshalDefinition(d Definition) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ParseDefinition decodes a Definition. Malformed input yields (nil, error).
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedState, err.Error())
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	for i := range d.Members {
		if d.Members[i].AssignedTasks == nil {
			d.Members[i].AssignedTasks = []string{}
		}
	}
	return &d, nil
}

func (d Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: team has no id", errors.ErrMalformedState)
	}
	if len(d.Members) == 0 {
		return fmt.Errorf("%w: team %s has no members", errors.ErrMalformedState, d.ID)
	}
	if d.DefaultValidationType != "" && !d.DefaultValidationType.Valid() {
		return fmt.Errorf("%w: unknown validation type %q", errors.ErrMalformedState, d.DefaultValidationType)
	}
	seen := make(map[string]bool, len(d.Members))
	for _, m := range d.Members {
		switch {
		case m.ID == "":
			return fmt.Errorf("%w: member without id", errors.ErrMalformedState)
		case seen[m.ID]:
			return fmt.Errorf("%w: duplicate member %s", errors.ErrMalformedState, m.ID)
		case !m.Role.IsValid():
			return fmt.Errorf("%w: member %s has unknown role %q", errors.ErrMalformedState, m.ID, m.Role)
		case m.Status != "" && !m.Status.IsValid():
			return fmt.Errorf("%w: member %s has unknown status %q", errors.ErrMalformedState, m.ID, m.Status)
		case m.MaxConcurrentTasks < 0:
			return fmt.Errorf("%w: member %s has negative capacity", errors.ErrMalformedState, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}
