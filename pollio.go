package taskloop

import (
	"time"
)

// Asynchronous fd operations over the reactor: each is a pollable backed by
// one [CompletionBridge]. Descriptors must be nonblocking (see
// [SetNonblock]); the reactor performs the syscall when the backend reports
// readiness.
//
// All four follow the same bridge lifecycle: first poll stores the waker
// and submits; later polls refresh the waker or extract the result;
// dropping a still-pending operation withdraws the registration.

// SetNonblock marks fd nonblocking. Convenience re-export for descriptors
// headed into the async ops.
func SetNonblock(fd int) error {
	return setNonblockFD(fd)
}

// FDRead is an asynchronous read. Completes with the byte count (0 at EOF)
// or error. Create with [Runtime.ReadFD] or [Runtime.ReadFDAt].
type FDRead struct {
	rt        *Runtime
	fd        int
	buf       []byte
	off       int64
	deadline  time.Time
	bridge    *CompletionBridge
	submitted bool
}

// ReadFD reads into buf at fd's current position.
func (rt *Runtime) ReadFD(fd int, buf []byte) *FDRead {
	return &FDRead{rt: rt, fd: fd, buf: buf, off: -1, bridge: NewCompletionBridge()}
}

// ReadFDAt reads into buf at offset off (pread semantics).
func (rt *Runtime) ReadFDAt(fd int, buf []byte, off int64) *FDRead {
	return &FDRead{rt: rt, fd: fd, buf: buf, off: off, bridge: NewCompletionBridge()}
}

// WithDeadline completes the read as [ErrTimeout] if readiness does not
// arrive by t. Must be set before the first poll.
func (r *FDRead) WithDeadline(t time.Time) *FDRead {
	r.deadline = t
	return r
}

// Poll implements [Pollable].
func (r *FDRead) Poll(ctx *Context) Poll[Result[int]] {
	if !r.submitted {
		r.submitted = true
		r.bridge.SetWaker(ctx.Waker().Clone())
		if err := r.rt.reactor.SubmitRead(r.fd, r.buf, r.off, r.deadline, r.bridge); err != nil {
			return Ready(Result[int]{Err: err})
		}
		return Pending[Result[int]]()
	}
	return pollBridge(r.bridge, ctx, func() Result[int] {
		n, err := r.bridge.Bytes()
		return Result[int]{Value: n, Err: err}
	})
}

// Drop implements [Dropper].
func (r *FDRead) Drop() {
	r.bridge.Cancel()
}

// FDWrite is an asynchronous write. Completes with the byte count written
// or error. Create with [Runtime.WriteFD] or [Runtime.WriteFDAt].
type FDWrite struct {
	rt        *Runtime
	fd        int
	buf       []byte
	off       int64
	deadline  time.Time
	bridge    *CompletionBridge
	submitted bool
}

// WriteFD writes buf at fd's current position.
func (rt *Runtime) WriteFD(fd int, buf []byte) *FDWrite {
	return &FDWrite{rt: rt, fd: fd, buf: buf, off: -1, bridge: NewCompletionBridge()}
}

// WriteFDAt writes buf at offset off (pwrite semantics).
func (rt *Runtime) WriteFDAt(fd int, buf []byte, off int64) *FDWrite {
	return &FDWrite{rt: rt, fd: fd, buf: buf, off: off, bridge: NewCompletionBridge()}
}

// WithDeadline completes the write as [ErrTimeout] if readiness does not
// arrive by t. Must be set before the first poll.
func (w *FDWrite) WithDeadline(t time.Time) *FDWrite {
	w.deadline = t
	return w
}

// Poll implements [Pollable].
func (w *FDWrite) Poll(ctx *Context) Poll[Result[int]] {
	if !w.submitted {
		w.submitted = true
		w.bridge.SetWaker(ctx.Waker().Clone())
		if err := w.rt.reactor.SubmitWrite(w.fd, w.buf, w.off, w.deadline, w.bridge); err != nil {
			return Ready(Result[int]{Err: err})
		}
		return Pending[Result[int]]()
	}
	return pollBridge(w.bridge, ctx, func() Result[int] {
		n, err := w.bridge.Bytes()
		return Result[int]{Value: n, Err: err}
	})
}

// Drop implements [Dropper].
func (w *FDWrite) Drop() {
	w.bridge.Cancel()
}

// FDAccept is an asynchronous accept on a listening descriptor. Completes
// with the accepted (nonblocking, close-on-exec) descriptor. Create with
// [Runtime.AcceptFD].
type FDAccept struct {
	rt        *Runtime
	fd        int
	deadline  time.Time
	bridge    *CompletionBridge
	submitted bool
}

// AcceptFD accepts one connection from the bound, listening fd.
func (rt *Runtime) AcceptFD(fd int) *FDAccept {
	return &FDAccept{rt: rt, fd: fd, bridge: NewCompletionBridge()}
}

// WithDeadline completes the accept as [ErrTimeout] if no connection
// arrives by t. Must be set before the first poll.
func (a *FDAccept) WithDeadline(t time.Time) *FDAccept {
	a.deadline = t
	return a
}

// Poll implements [Pollable].
func (a *FDAccept) Poll(ctx *Context) Poll[Result[int]] {
	if !a.submitted {
		a.submitted = true
		a.bridge.SetWaker(ctx.Waker().Clone())
		if err := a.rt.reactor.SubmitAccept(a.fd, a.deadline, a.bridge); err != nil {
			return Ready(Result[int]{Err: err})
		}
		return Pending[Result[int]]()
	}
	return pollBridge(a.bridge, ctx, func() Result[int] {
		fd, err := a.bridge.FD()
		return Result[int]{Value: fd, Err: err}
	})
}

// Drop implements [Dropper]. Dropping a pending accept removes the reactor
// registration before returning: no fd leak, no callback after.
func (a *FDAccept) Drop() {
	a.bridge.Cancel()
}

// FDConnect awaits completion of a nonblocking connect already initiated on
// fd (EINPROGRESS). Completes with the SO_ERROR-derived result. Create with
// [Runtime.ConnectFD].
type FDConnect struct {
	rt        *Runtime
	fd        int
	deadline  time.Time
	bridge    *CompletionBridge
	submitted bool
}

// ConnectFD awaits the in-progress connect on fd.
func (rt *Runtime) ConnectFD(fd int) *FDConnect {
	return &FDConnect{rt: rt, fd: fd, bridge: NewCompletionBridge()}
}

// WithDeadline completes the connect as [ErrTimeout] if it does not settle
// by t. Must be set before the first poll.
func (c *FDConnect) WithDeadline(t time.Time) *FDConnect {
	c.deadline = t
	return c
}

// Poll implements [Pollable].
func (c *FDConnect) Poll(ctx *Context) Poll[error] {
	if !c.submitted {
		c.submitted = true
		c.bridge.SetWaker(ctx.Waker().Clone())
		if err := c.rt.reactor.SubmitConnect(c.fd, c.deadline, c.bridge); err != nil {
			return Ready(err)
		}
		return Pending[error]()
	}
	return pollBridge(c.bridge, ctx, func() error { return c.bridge.Err() })
}

// Drop implements [Dropper].
func (c *FDConnect) Drop() {
	c.bridge.Cancel()
}
