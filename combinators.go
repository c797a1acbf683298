package taskloop

import (
	"time"
)

// Delay is a pollable that completes after a duration, driven by the
// reactor's timer wheel. Completes with nil, with [ErrCancelled] if the
// runtime tore down while the timer was pending, or with [ErrReactorClosed]
// if the runtime had already torn down at the first poll. Create with
// [Runtime.Delay].
type Delay struct {
	rt        *Runtime
	d         time.Duration
	bridge    *CompletionBridge
	submitted bool
}

// Delay returns a pollable that completes after d. Durations below 1ms
// round up to the next reactor tick.
func (rt *Runtime) Delay(d time.Duration) *Delay {
	return &Delay{rt: rt, d: d, bridge: NewCompletionBridge()}
}

// Poll implements [Pollable].
func (d *Delay) Poll(ctx *Context) Poll[error] {
	if !d.submitted {
		d.submitted = true
		d.bridge.SetWaker(ctx.Waker().Clone())
		if err := d.rt.reactor.SubmitTimer(d.d, d.bridge); err != nil {
			return Ready(err)
		}
		return Pending[error]()
	}
	return pollBridge(d.bridge, ctx, func() error { return d.bridge.Err() })
}

// Drop implements [Dropper], cancelling the pending timer.
func (d *Delay) Drop() {
	d.bridge.Cancel()
}

// pollBridge is the shared bridge-backed poll step: completed → extract;
// pending → refresh the waker and re-check so a completion racing the store
// is not lost.
func pollBridge[T any](b *CompletionBridge, ctx *Context, extract func() T) Poll[T] {
	if b.IsCompleted() {
		return Ready(extract())
	}
	b.SetWaker(ctx.Waker().Clone())
	if b.IsCompleted() {
		// Completion raced the waker store; reclaim the orphaned waker.
		if w, ok := b.waker.take(); ok {
			w.Drop()
		}
		return Ready(extract())
	}
	return Pending[T]()
}

// timeoutPollable polls the inner pollable and a timer, completing with
// whichever finishes first and dropping the loser.
type timeoutPollable[T any] struct {
	inner Pollable[T]
	delay *Delay
}

// Timeout wraps inner so it completes with Err == [ErrTimeout] if it does
// not finish within d. The loser (inner on timeout, the timer on success)
// is dropped, releasing its resources.
func Timeout[T any](rt *Runtime, inner Pollable[T], d time.Duration) Pollable[Result[T]] {
	return &timeoutPollable[T]{inner: inner, delay: rt.Delay(d)}
}

// Poll implements [Pollable].
func (t *timeoutPollable[T]) Poll(ctx *Context) Poll[Result[T]] {
	if res := t.inner.Poll(ctx); res.IsReady() {
		t.delay.Drop()
		return Ready(Result[T]{Value: res.Value()})
	}
	if res := t.delay.Poll(ctx); res.IsReady() {
		dropPollable(t.inner)
		err := res.Value()
		if err == nil {
			err = ErrTimeout
		}
		return Ready(Result[T]{Err: err})
	}
	return Pending[Result[T]]()
}

// Drop implements [Dropper], propagating to both children.
func (t *timeoutPollable[T]) Drop() {
	dropPollable(t.inner)
	t.delay.Drop()
}

// Either is the output of [Select2]: exactly one side is set.
type Either[A, B any] struct {
	// First reports which side completed.
	First bool
	A     A
	B     B
}

// selectPollable races two pollables.
type selectPollable[A, B any] struct {
	a Pollable[A]
	b Pollable[B]
}

// Select2 polls both children and completes when either does, dropping the
// other.
func Select2[A, B any](a Pollable[A], b Pollable[B]) Pollable[Either[A, B]] {
	return &selectPollable[A, B]{a: a, b: b}
}

// Poll implements [Pollable].
func (s *selectPollable[A, B]) Poll(ctx *Context) Poll[Either[A, B]] {
	if res := s.a.Poll(ctx); res.IsReady() {
		dropPollable(s.b)
		return Ready(Either[A, B]{First: true, A: res.Value()})
	}
	if res := s.b.Poll(ctx); res.IsReady() {
		dropPollable(s.a)
		return Ready(Either[A, B]{B: res.Value()})
	}
	return Pending[Either[A, B]]()
}

// Drop implements [Dropper], propagating to both children.
func (s *selectPollable[A, B]) Drop() {
	dropPollable(s.a)
	dropPollable(s.b)
}

// yieldPollable returns Pending exactly once, waking itself immediately, so
// the worker interleaves other queued tasks.
type yieldPollable struct {
	polled bool
}

// Yield returns a pollable that reschedules the current task once before
// completing. Cooperative tasks insert it into long computations.
func Yield() Pollable[Unit] {
	return &yieldPollable{}
}

// Poll implements [Pollable].
func (y *yieldPollable) Poll(ctx *Context) Poll[Unit] {
	if !y.polled {
		y.polled = true
		ctx.Waker().WakeByRef()
		return Pending[Unit]()
	}
	return Ready(Unit{})
}
