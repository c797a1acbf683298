package taskloop

// Context is the per-poll-call environment. It carries the current task's
// [Waker] and task id, and is valid only for the duration of a single Poll
// invocation - implementations that wish to be re-woken must clone the Waker
// rather than retain the Context.
type Context struct {
	waker  Waker
	taskID uint64
}

// NewContext returns a Context carrying w, with no task id.
//
// Intended for driving pollables outside the runtime (tests, custom
// executors). The runtime constructs its own contexts.
func NewContext(w Waker) *Context {
	return &Context{waker: w}
}

// Waker returns the Waker to invoke (or clone and store) to have the current
// task polled again.
func (c *Context) Waker() Waker {
	return c.waker
}

// TaskID returns the id of the task being polled, or zero when the pollable
// is being driven outside the runtime.
func (c *Context) TaskID() uint64 {
	return c.taskID
}
