package builder

import (
	"sync"
	"sync/atomic"
)

// State is the coarse build lifecycle state carried in the shared context.
type State string

const (
	StateRunning   State = "Running"
	StateCancelled State = "Cancelled"
	StateFailed    State = "Failed"
	StateCompleted State = "Completed"
)

// Context is the orchestration context shared with interactive front-ends:
// a cooperative cancellation flag, the build state, and a user-visible
// message channel. It is not a context.Context — phase bodies are never
// interrupted mid-operation; the flag is polled at phase boundaries only.
type Context struct {
	cancel atomic.Bool

	mu    sync.Mutex
	state State

	// Notify receives user-visible warning messages. May be nil.
	Notify func(msg string)
}

// NewContext creates a Context in the Running state.
func NewContext(notify func(string)) *Context {
	return &Context{state: StateRunning, Notify: notify}
}

// RequestCancel raises the cancellation flag. Safe from any goroutine
// (typically a signal handler or UI callback).
func (c *Context) RequestCancel() {
	c.cancel.Store(true)
}

// CancelRequested reports whether a cancel has been requested.
func (c *Context) CancelRequested() bool {
	return c.cancel.Load()
}

// SetState records the build state.
func (c *Context) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current build state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) notify(msg string) {
	if c.Notify != nil {
		c.Notify(msg)
	}
}
