package taskloop

// Poll is the result of one attempted step of a [Pollable]: either ready with
// a value, or pending.
//
// The zero value is pending. Construct with [Ready] and [Pending].
type Poll[T any] struct {
	value T
	ready bool
}

// Ready returns a completed poll result carrying v.
func Ready[T any](v T) Poll[T] {
	return Poll[T]{value: v, ready: true}
}

// Pending returns a poll result indicating the computation has not completed
// and has arranged to be re-woken.
func Pending[T any]() Poll[T] {
	return Poll[T]{}
}

// IsReady reports whether the poll completed.
func (p Poll[T]) IsReady() bool {
	return p.ready
}

// IsPending reports whether the computation is still pending.
func (p Poll[T]) IsPending() bool {
	return !p.ready
}

// Value returns the completed value.
//
// Value must only be called when IsReady reports true; the zero value is
// returned otherwise.
func (p Poll[T]) Value() T {
	return p.value
}

// Pollable is a computation driven to completion by repeated polling.
//
// CONTRACT: Poll must be non-blocking. It either makes progress and returns
// [Ready], or it stores (a clone of) ctx's [Waker] with some event source and
// returns [Pending]. Returning Pending without arranging a wake stalls the
// computation forever.
//
// Poll may be invoked spuriously - a wake does not guarantee readiness, and
// the runtime is free to poll without a wake. Implementations must tolerate
// this and re-register interest each time they return Pending.
//
// Pollables are single-owner: once Poll returns Ready, it must not be called
// again. The value passed to Poll must not be moved or copied between calls;
// implementations may hold internal state whose address has been handed to
// the reactor (see [CompletionBridge]).
type Pollable[T any] interface {
	Poll(ctx *Context) Poll[T]
}

// PollFunc adapts a function to the [Pollable] interface.
type PollFunc[T any] func(ctx *Context) Poll[T]

// Poll implements [Pollable].
func (f PollFunc[T]) Poll(ctx *Context) Poll[T] {
	return f(ctx)
}

// Dropper is implemented by pollables that hold external resources
// (reactor registrations, queued waiters).
//
// When a task is dropped before completion, its pollable's Drop is invoked;
// composite pollables must propagate Drop to any held children. Drop is
// called at most once, and never concurrently with Poll.
type Dropper interface {
	Drop()
}

// dropPollable invokes Drop if p implements [Dropper].
func dropPollable(p any) {
	if d, ok := p.(Dropper); ok {
		d.Drop()
	}
}

// Result pairs a value with the error that produced it, for operations whose
// completion may be a failure (I/O, timeouts, panics surfaced from a task).
type Result[T any] struct {
	Value T
	Err   error
}

// Unit is the output type of pollables that complete with no value.
type Unit = struct{}
