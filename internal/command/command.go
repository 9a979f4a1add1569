package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/g960059/tronclient/internal/reply"
)

type State int

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var (
	ErrCommandFailed  = errors.New("command failed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoTransport    = errors.New("no transport attached")
)

// CommandError is the rejection of a command that the hub finished with a
// failure code.
type CommandError struct {
	ID        int
	Text      string
	Code      reply.Code
	Message   string
	Cancelled bool
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	verb := "failed"
	if e.Cancelled {
		verb = "cancelled"
	}
	if e.Message != "" {
		return fmt.Sprintf("command %d (%s) %s: %s", e.ID, e.Text, verb, e.Message)
	}
	return fmt.Sprintf("command %d (%s) %s with code %s", e.ID, e.Text, verb, e.Code)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Command is one submitted command. It is resolved exactly once.
type Command struct {
	ID          int
	Text        string
	SubmittedAt time.Time

	mu             sync.Mutex
	state          State
	replies        []reply.Reply
	err            error
	finishedAt     time.Time
	abortRequested bool
	onResolve      func()
	done           chan struct{}
}

func newCommand(id int, text string, now time.Time) *Command {
	return &Command{
		ID:          id,
		Text:        text,
		SubmittedAt: now,
		state:       StateQueued,
		done:        make(chan struct{}),
	}
}

// Done is closed once the command reaches a terminal state.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command resolves or ctx is done. Giving up on the
// wait does not cancel the command.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Command) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Command) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

func (c *Command) AbortRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortRequested
}

// Replies returns every reply seen for this command, in arrival order.
func (c *Command) Replies() []reply.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reply.Reply, len(c.replies))
	copy(out, c.replies)
	return out
}

func (c *Command) addReply(r reply.Reply) (from State, promoted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, r)
	if c.state == StateQueued && !r.Code.Terminal() {
		c.state = StateRunning
		return StateQueued, true
	}
	return c.state, false
}

// resolve moves the command to a terminal state once; later calls report
// false. Waiters are released by settle.
func (c *Command) resolve(state State, err error, at time.Time) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return c.state, false
	}
	from := c.state
	c.state = state
	c.err = err
	c.finishedAt = at
	return from, true
}

func (c *Command) settle() {
	c.mu.Lock()
	hook := c.onResolve
	c.onResolve = nil
	c.mu.Unlock()
	close(c.done)
	if hook != nil {
		hook()
	}
}

func failureMessage(r reply.Reply) string {
	for _, name := range []string{"text", "msg", "error", "why"} {
		if e, ok := r.Keyword(name); ok && len(e.Values) > 0 {
			parts := make([]string, 0, len(e.Values))
			for _, v := range e.Values {
				parts = append(parts, v.String())
			}
			return strings.Join(parts, ", ")
		}
	}
	return ""
}
