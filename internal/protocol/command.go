package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one submitted command.
type Status int

// Command lifecycle states. Pending commands sit in the queue; Sent commands
// are in flight; Succeeded, Failed and Cancelled are terminal; Retrying loops
// back through Sent until the retry budget is exhausted.
const (
	StatusPending Status = iota
	StatusSent
	StatusSucceeded
	StatusFailed
	StatusRetrying
	StatusCancelled
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusRetrying:
		return "retrying"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CommandContext tracks one in-flight command from enqueue to a terminal
// state. It is created by Adapter.Submit and owned exclusively by the
// adapter instance that created it; correlation is by ID, never by queue
// position.
//
// Waiters block on Done() or Wait(); the channel closes exactly once, when
// the command reaches a terminal state.
type CommandContext struct {
	// ID is the globally unique command identifier, generated at enqueue time.
	ID string

	// Command is the opaque payload as submitted by the caller.
	Command any

	mu        sync.Mutex
	status    Status
	attempts  int
	startTime time.Time
	endTime   time.Time
	result    any
	err       error

	done chan struct{}
}

func newCommandContext(command any) *CommandContext {
	return &CommandContext{
		ID:        uuid.NewString(),
		Command:   command,
		status:    StatusPending,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (c *CommandContext) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns how many times the command has been dispatched.
func (c *CommandContext) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err returns the terminal error, or nil if the command succeeded or has
// not finished.
func (c *CommandContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the decoded response once the command has succeeded.
func (c *CommandContext) Result() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Duration returns the wall time from enqueue to terminal state, or the
// time elapsed so far for an unfinished command.
func (c *CommandContext) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endTime.IsZero() {
		return time.Since(c.startTime)
	}
	return c.endTime.Sub(c.startTime)
}

// Done returns a channel closed when the command reaches a terminal state.
func (c *CommandContext) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command reaches a terminal state or ctx is
// cancelled. On success it returns the decoded response.
func (c *CommandContext) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markSent transitions the command to Sent and counts the attempt.
// Returns false if the command already reached a terminal state (e.g.
// cancelled by a disconnect racing the dispatcher).
func (c *CommandContext) markSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalLocked() {
		return false
	}
	c.status = StatusSent
	c.attempts++
	return true
}

// markRetrying transitions a failed attempt back to Retrying.
// Returns false if the command already reached a terminal state.
func (c *CommandContext) markRetrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminalLocked() {
		return false
	}
	c.status = StatusRetrying
	return true
}

// succeed completes the command with a decoded result.
func (c *CommandContext) succeed(result any) {
	c.finish(StatusSucceeded, result, nil)
}

// fail completes the command with a terminal error.
func (c *CommandContext) fail(err error) {
	c.finish(StatusFailed, nil, err)
}

// cancel completes the command as Cancelled. Safe to call on commands that
// already reached a terminal state; re-cancelling is a no-op.
func (c *CommandContext) cancel() {
	c.finish(StatusCancelled, nil, ErrCommandCancelled)
}

func (c *CommandContext) finish(status Status, result any, err error) {
	c.mu.Lock()
	if c.terminalLocked() {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.result = result
	c.err = err
	c.endTime = time.Now()
	c.mu.Unlock()
	close(c.done)
}

func (c *CommandContext) terminalLocked() bool {
	switch c.status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
