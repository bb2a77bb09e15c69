package retry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Status is the lifecycle status of a task's retry state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for success and failed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Attempt records one builder attempt and its validation.
type Attempt struct {
	// Number is 1-based across every cycle of the task.
	Number int `json:"number"`
	// Cycle is 1-based; set when the Tracker merges a cycle's history.
	// Zero marks an attempt the Tracker has not seen yet.
	Cycle     int           `json:"cycle,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Evidence  []Evidence    `json:"evidence,omitempty"`
	Action    Action        `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// State is the append-only retry state of a task.
type State struct {
	TaskID         string    `json:"task_id"`
	CurrentAttempt int       `json:"current_attempt"`
	MaxAttempts    int       `json:"max_attempts"`
	History        []Attempt `json:"history"`
	Status         Status    `json:"status"`
}

// NewState returns an empty in-progress state.
func NewState(taskID string, maxAttempts int) State {
	return State{
		TaskID:      taskID,
		MaxAttempts: maxAttempts,
		History:     []Attempt{},
		Status:      StatusInProgress,
	}
}

// Record returns a copy of s with attempt appended and CurrentAttempt advanced.
// The attempt number is assigned from the new CurrentAttempt.
func (s State) Record(attempt Attempt) State {
	next := s.Clone()
	next.CurrentAttempt++
	attempt.Number = next.CurrentAttempt
	next.History = append(next.History, attempt)
	return next
}

// Finish returns a copy of s with the given status.
func (s State) Finish(status Status) State {
	next := s.Clone()
	next.Status = status
	return next
}

// Exhausted reports whether every allowed attempt has been used.
func (s State) Exhausted() bool {
	return s.CurrentAttempt >= s.MaxAttempts
}

// Remaining returns how many attempts are left.
func (s State) Remaining() int {
	if r := s.MaxAttempts - s.CurrentAttempt; r > 0 {
		return r
	}
	return 0
}

// Last returns the most recent attempt.
func (s State) Last() (Attempt, bool) {
	if len(s.History) == 0 {
		return Attempt{}, false
	}
	return s.History[len(s.History)-1], true
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.History = make([]Attempt, len(s.History))
	for i, a := range s.History {
		out.History[i] = a.clone()
	}
	return out
}

func (a Attempt) clone() Attempt {
	out := a
	out.Evidence = append([]Evidence(nil), a.Evidence...)
	out.Outcome.Checks = append([]Check(nil), a.Outcome.Checks...)
	out.Outcome.Issues = append([]Issue(nil), a.Outcome.Issues...)
	out.Outcome.Recommendations = append([]string(nil), a.Outcome.Recommendations...)
	return out
}

// MarshalState encodes s as JSON.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// ParseState decodes a State. Malformed input yields (nil, error).
func ParseState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedState, err.Error())
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.History == nil {
		s.History = []Attempt{}
	}
	return &s, nil
}

func (s State) validate() error {
	switch {
	case s.TaskID == "":
		return fmt.Errorf("%w: retry state has no task id", errors.ErrMalformedState)
	case !s.Status.valid():
		return fmt.Errorf("%w: unknown retry status %q", errors.ErrMalformedState, s.Status)
	case s.CurrentAttempt < 0 || s.MaxAttempts < 0:
		return fmt.Errorf("%w: negative attempt counters", errors.ErrMalformedState)
	case s.CurrentAttempt != len(s.History):
		return fmt.Errorf("%w: current_attempt %d does not match %d history entries",
			errors.ErrMalformedState, s.CurrentAttempt, len(s.History))
	}
	return nil
}
