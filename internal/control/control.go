// Package control delivers cooperative pause, resume and cancel commands to
// a running workflow engine.
//
// A Controller is an in-memory mailbox the engine drains between batches.
// A FileWatcher feeds the same mailbox from a control file in the
// workflow's state directory, so a second crucible process can steer a run.
package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/crucible/internal/errors"
)

// Action is a control command verb.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionPause, ActionResume, ActionCancel:
		return true
	}
	return false
}

// Command is one control request.
type Command struct {
	Action   Action    `json:"action"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at,omitempty"`
}

// ParseCommand decodes a command. Both the JSON form and a plain text
// line ("pause waiting on review") are accepted.
func ParseCommand(data []byte) (Command, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Command{}, errors.NewValidationError("empty control command")
	}

	var cmd Command
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return Command{}, errors.NewValidationError("malformed control command").WithCause(err)
		}
	} else {
		verb, reason, _ := strings.Cut(text, " ")
		cmd = Command{Action: Action(strings.ToLower(verb)), Reason: strings.TrimSpace(reason)}
	}
	if !cmd.Action.Valid() {
		return Command{}, errors.NewValidationError(fmt.Sprintf("unknown control action %q", cmd.Action)).
			WithField("action").WithValue(string(cmd.Action))
	}
	return cmd, nil
}

// Controller queues commands until the engine drains them. It is safe for
// concurrent use.
type Controller struct {
	mu      sync.Mutex
	pending []Command
	ready   chan struct{}
	now     func() time.Time
}

// NewController creates an empty Controller.
func NewController() *Controller {
	return &Controller{
		ready: make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Send queues a command.
func (c *Controller) Send(cmd Command) error {
	if !cmd.Action.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown control action %q", cmd.Action)).
			WithField("action").WithValue(string(cmd.Action))
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = c.now()
	}

	c.mu.Lock()
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pause requests that no new batches are launched.
func (c *Controller) Pause(reason string) {
	_ = c.Send(Command{Action: ActionPause, Reason: reason})
}

// Resume requests that a paused workflow continues.
func (c *Controller) Resume() {
	_ = c.Send(Command{Action: ActionResume})
}

// Cancel requests that the workflow fails immediately.
func (c *Controller) Cancel(reason string) {
	_ = c.Send(Command{Action: ActionCancel, Reason: reason})
}

// Drain returns and clears the queued commands in arrival order.
func (c *Controller) Drain() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Ready is signaled whenever a command is queued.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}
