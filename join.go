package taskloop

import (
	"sync/atomic"
)

// JoinHandle is the consumer side of a spawned task. It is itself a
// [Pollable] over the task's [Result], so it can be awaited from another
// task or driven by [BlockOn].
//
// Dropping the handle (via [JoinHandle.Detach] or [JoinHandle.Drop]) detaches
// the task: it keeps running, its output discarded. [JoinHandle.Abort]
// requests cancellation instead.
type JoinHandle[T any] struct {
	t        *task
	p        *payload[T]
	released atomic.Bool
}

// Poll implements [Pollable]. It completes with the task's result once the
// task reaches its terminal state; a panicking task yields a Result whose
// Err is a [PanicError], an aborted task yields [ErrTaskAborted].
func (h *JoinHandle[T]) Poll(ctx *Context) Poll[Result[T]] {
	t := h.t
	if t.state.Load() == taskCompleted {
		return Ready(h.p.result)
	}
	t.join.store(ctx.Waker().Clone())
	// Re-check: completion may have raced the store, taking (or missing) the
	// waker. A missed waker is reclaimed on the next poll or at release.
	if t.state.Load() == taskCompleted {
		if w, ok := t.join.take(); ok {
			w.Drop()
		}
		return Ready(h.p.result)
	}
	return Pending[Result[T]]()
}

// TaskID returns the spawned task's id.
func (h *JoinHandle[T]) TaskID() uint64 {
	return h.t.id
}

// Done reports whether the task has reached its terminal state.
func (h *JoinHandle[T]) Done() bool {
	return h.t.state.Load() == taskCompleted
}

// Abort requests cancellation of the task. An idle task completes
// immediately with [ErrTaskAborted]; a queued task is dropped at its next
// dequeue; a running task is dropped once its current poll returns Pending
// (a poll that completes the task keeps its result). Abort does not release
// the handle.
func (h *JoinHandle[T]) Abort() {
	h.t.abort()
}

// Detach releases the handle's reference, leaving the task to run to
// completion with its output discarded. Idempotent.
func (h *JoinHandle[T]) Detach() {
	if h.released.CompareAndSwap(false, true) {
		if w, ok := h.t.join.take(); ok {
			w.Drop()
		}
		h.t.release()
	}
}

// Drop implements [Dropper]; equivalent to [JoinHandle.Detach]. This is what
// makes `select(handle, timer)` composition cancellation-safe.
func (h *JoinHandle[T]) Drop() {
	h.Detach()
}
