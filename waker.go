// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"unsafe"
)

// WakerVTable is the stable wake-up ABI: four operations over an opaque data
// pointer. Wakers are built from an explicit vtable rather than closures so
// that a wake site costs no allocation and arbitrary ownership schemes
// (refcounted task, arena proxy, no-op singleton) share one representation.
type WakerVTable struct {
	// Clone produces a new Waker over the same data, taking a new strong
	// reference where the scheme is refcounted.
	Clone func(data unsafe.Pointer) Waker

	// Wake schedules the associated task for re-polling and consumes the
	// Waker's reference. The Waker must not be used again afterwards.
	Wake func(data unsafe.Pointer)

	// WakeByRef schedules the associated task without consuming the
	// reference.
	WakeByRef func(data unsafe.Pointer)

	// Drop releases the Waker's reference without waking.
	Drop func(data unsafe.Pointer)
}

// Waker is an opaque handle that schedules its associated task for
// re-polling when invoked.
//
// Wakers are cheaply cloneable (refcount bump) and may be invoked from any
// goroutine. Waking an already-scheduled or already-completed task is a
// no-op. The zero Waker is inert (all operations no-op).
type Waker struct {
	data unsafe.Pointer
	vt   *WakerVTable
}

// NewWaker constructs a Waker from a data pointer and vtable.
//
// The caller is responsible for the reference-counting discipline implied by
// the vtable: NewWaker itself takes no reference.
func NewWaker(data unsafe.Pointer, vt *WakerVTable) Waker {
	return Waker{data: data, vt: vt}
}

// Clone returns a new Waker over the same target.
func (w Waker) Clone() Waker {
	if w.vt == nil || w.vt.Clone == nil {
		return w
	}
	return w.vt.Clone(w.data)
}

// Wake schedules the associated task and consumes this Waker.
func (w Waker) Wake() {
	if w.vt == nil || w.vt.Wake == nil {
		return
	}
	w.vt.Wake(w.data)
}

// WakeByRef schedules the associated task without consuming this Waker.
func (w Waker) WakeByRef() {
	if w.vt == nil || w.vt.WakeByRef == nil {
		return
	}
	w.vt.WakeByRef(w.data)
}

// Drop releases this Waker without waking.
func (w Waker) Drop() {
	if w.vt == nil || w.vt.Drop == nil {
		return
	}
	w.vt.Drop(w.data)
}

// Is reports whether two Wakers refer to the same target by identity.
//
// A pollable can use this to skip re-storing a Waker on spurious re-polls
// when the Context's Waker has not changed; the pollables in this package
// re-store unconditionally.
func (w Waker) Is(o Waker) bool {
	return w.data == o.data && w.vt == o.vt
}

// noopWakerVTable backs [NoopWaker]: all operations are nil, which the
// Waker methods treat as no-ops (Clone returns the receiver unchanged).
var noopWakerVTable = &WakerVTable{}

// NoopWaker returns a Waker that does nothing when invoked. It is intended
// for tests and for polling contexts that cannot be re-woken.
func NoopWaker() Waker {
	return Waker{vt: noopWakerVTable}
}
