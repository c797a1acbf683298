// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// taskPayload is the erased pollable payload behind a task header. The
// concrete type is payload[T], which also owns the join result slot.
type taskPayload interface {
	// poll advances the pollable; returns true when complete, with the
	// result stored for the JoinHandle consumer.
	poll(ctx *Context) bool
	// fail stores a failure result (abort, panic) without polling.
	fail(err error)
	// drop releases resources held by a pollable that never completed.
	drop()
}

// payload owns the user pollable and the join slot for its output.
//
// The result fields are written by the worker (or aborter) that completes
// the task, strictly before the taskCompleted state store; readers load the
// state first. Go's sequentially consistent atomics supply the required
// release/acquire pairing.
type payload[T any] struct {
	inner  Pollable[T]
	result Result[T]
}

func (p *payload[T]) poll(ctx *Context) bool {
	res := p.inner.Poll(ctx)
	if res.IsReady() {
		p.result = Result[T]{Value: res.Value()}
		return true
	}
	return false
}

func (p *payload[T]) fail(err error) {
	p.result = Result[T]{Err: err}
}

func (p *payload[T]) drop() {
	dropPollable(p.inner)
}

// task is the scheduler-owned wrapper around a pollable: a header with an
// atomic state machine, a refcount, and intrusive queue linkage, followed by
// the erased payload.
//
// Reference owners: the scheduler queue holding the task, every outstanding
// Waker clone, and the JoinHandle (if retained). The task's lifetime is the
// longest of the three; when the count reaches zero before completion, the
// payload is dropped (cancelling any reactor registrations it holds).
type task struct { // betteralign:ignore
	// Hot header fields, worker-contended.
	state   atomic.Uint32
	aborted atomic.Bool
	refs    atomic.Int32
	dropped atomic.Bool

	// id is process-wide monotonic; zero is never issued.
	id uint64

	// next is the intrusive link for the global injection queue.
	// Guarded by the owning queue's mutex; never accessed while the task is
	// outside a linked queue.
	next *task

	sched   *scheduler
	payload taskPayload

	// join holds the Waker registered by the JoinHandle consumer.
	join wakerSlot
}

// taskWakerVTable implements the Waker ABI over a *task data pointer.
//
// Wake idempotence: the idle→scheduled CAS admits exactly one winner per
// cycle; losers drop their reference without enqueueing.
//
// Populated in init: the Clone closure references the vtable itself, which
// a package-level initializer expression cannot.
var taskWakerVTable = &WakerVTable{}

func init() {
	taskWakerVTable.Clone = func(d unsafe.Pointer) Waker {
		t := (*task)(d)
		t.ref()
		return Waker{data: d, vt: taskWakerVTable}
	}
	taskWakerVTable.Wake = func(d unsafe.Pointer) {
		t := (*task)(d)
		t.wakeByRef()
		t.release()
	}
	taskWakerVTable.WakeByRef = func(d unsafe.Pointer) {
		(*task)(d).wakeByRef()
	}
	taskWakerVTable.Drop = func(d unsafe.Pointer) {
		(*task)(d).release()
	}
}

// waker returns a borrowed Waker for this task. Callers that retain it past
// the current call must Clone first.
func (t *task) waker() Waker {
	return Waker{data: unsafe.Pointer(t), vt: taskWakerVTable}
}

func (t *task) ref() {
	t.refs.Add(1)
}

// release drops one reference. The last owner out cancels a never-completed
// task (dropping the payload propagates cancellation into any held
// completion bridges) and unlinks the payload for GC.
func (t *task) release() {
	if t.refs.Add(-1) != 0 {
		return
	}
	if t.state.CompareAndSwap(taskIdle, taskCompleted) {
		t.dropPayload(ErrTaskAborted)
		t.wakeJoiner()
	}
	t.payload = nil
}

// wakeByRef transitions the task towards re-polling. Legal from any
// goroutine, against any state; waking a scheduled or completed task is a
// no-op.
func (t *task) wakeByRef() {
	for {
		switch t.state.Load() {
		case taskIdle:
			if t.state.CompareAndSwap(taskIdle, taskScheduled) {
				// The wake's reference is handed to the queue.
				t.ref()
				t.sched.schedule(t, true)
				return
			}
		case taskRunning:
			// Mark for re-poll; the polling worker observes the failed
			// running→idle CAS and re-enqueues with its own reference.
			if t.state.CompareAndSwap(taskRunning, taskScheduled) {
				return
			}
		default: // taskScheduled, taskCompleted
			return
		}
	}
}

// execute runs one poll cycle on the calling worker's goroutine. Returns
// true if the task must be re-enqueued (woken during its own poll).
//
// The caller holds the queue's reference; execute consumes it unless it
// returns true.
func (t *task) execute() (requeue bool) {
	if t.aborted.Load() {
		if t.state.CompareAndSwap(taskScheduled, taskCompleted) {
			t.dropPayload(ErrTaskAborted)
			t.wakeJoiner()
		}
		t.release()
		return false
	}
	if !t.state.CompareAndSwap(taskScheduled, taskRunning) {
		// Completed or cancelled between dequeue and here.
		t.release()
		return false
	}

	ctx := Context{waker: t.waker(), taskID: t.id}
	done := t.pollPayload(&ctx)

	if done {
		// Result already stored by the payload; the state store publishes it.
		t.state.Store(taskCompleted)
		t.dropped.Store(true) // completed normally; nothing left to cancel
		t.wakeJoiner()
		t.release()
		return false
	}
	if t.state.CompareAndSwap(taskRunning, taskIdle) {
		// An abort that raced this poll found the task running; honour it
		// now that the task is idle.
		if t.aborted.Load() && t.state.CompareAndSwap(taskIdle, taskCompleted) {
			t.dropPayload(ErrTaskAborted)
			t.wakeJoiner()
		}
		t.release()
		return false
	}
	// Woken while running: state is taskScheduled, queue reference retained.
	return true
}

// pollPayload invokes the payload with panic recovery. Panics are caught at
// this worker loop boundary, marked against the task, and surfaced to the
// JoinHandle consumer.
func (t *task) pollPayload(ctx *Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			stack = stack[:runtime.Stack(stack, false)]
			perr := PanicError{Value: r, Stack: stack}
			t.payload.fail(perr)
			t.sched.onTaskPanic(t.id, perr)
			done = true
		}
	}()
	return t.payload.poll(ctx)
}

// dropPayload stores err as the result and drops the payload exactly once.
func (t *task) dropPayload(err error) {
	if !t.dropped.CompareAndSwap(false, true) {
		return
	}
	t.payload.fail(err)
	t.payload.drop()
}

// wakeJoiner invokes the JoinHandle's registered Waker, if any.
func (t *task) wakeJoiner() {
	if w, ok := t.join.take(); ok {
		w.Wake()
	}
}

// abort requests cancellation. An idle task completes immediately; a
// scheduled task is dropped at its next dequeue; a running task is dropped
// once its current poll returns Pending (see execute).
func (t *task) abort() {
	t.aborted.Store(true)
	if t.state.CompareAndSwap(taskIdle, taskCompleted) {
		t.dropPayload(ErrTaskAborted)
		t.wakeJoiner()
	}
}

// wakerSlot stores at most one Waker under a small mutex, per the
// single-writer discipline required of completion bridges and join slots.
type wakerSlot struct {
	mu  sync.Mutex
	w   Waker
	set bool
}

// store installs w, releasing any previously stored Waker's reference. The
// caller transfers ownership of w's reference.
func (s *wakerSlot) store(w Waker) {
	s.mu.Lock()
	prev, had := s.w, s.set
	s.w, s.set = w, true
	s.mu.Unlock()
	if had {
		prev.Drop()
	}
}

// take removes and returns the stored Waker.
func (s *wakerSlot) take() (Waker, bool) {
	s.mu.Lock()
	w, ok := s.w, s.set
	s.w, s.set = Waker{}, false
	s.mu.Unlock()
	return w, ok
}
