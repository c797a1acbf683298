// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"sync"
	"sync/atomic"
)

// BridgeState is the lifecycle state of a [CompletionBridge].
type BridgeState uint32

const (
	// BridgePending indicates the operation has not completed.
	BridgePending BridgeState = iota
	// BridgeReady indicates the operation completed successfully.
	BridgeReady
	// BridgeError indicates the operation completed with an I/O error.
	BridgeError
	// BridgeTimeout indicates the operation's deadline expired first.
	BridgeTimeout
	// BridgeCancelled indicates the operation was cancelled before completion.
	BridgeCancelled
)

// String returns a human-readable representation of the state.
func (s BridgeState) String() string {
	switch s {
	case BridgePending:
		return "Pending"
	case BridgeReady:
		return "Ready"
	case BridgeError:
		return "Error"
	case BridgeTimeout:
		return "Timeout"
	case BridgeCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// opKind identifies the submitted operation, selecting both the readiness
// direction and the syscall performed at dispatch.
type opKind uint8

const (
	opNone opKind = iota
	opRead
	opWrite
	opAccept
	opConnect
	opTimer
)

// CompletionBridge is the per-I/O-operation state object linking reactor
// callbacks to task wake-ups. The reactor stores a raw pointer to the bridge
// in its registration tables, so a bridge must not be moved or copied while
// an operation is outstanding (the pinning convention documented on
// [Pollable]).
//
// Exactly one completion transitions the state out of [BridgePending], and
// the stored Waker is invoked at most once per submission: completers race
// on an atomic CAS, and the result fields are written under the completion
// mutex strictly before the state is published.
type CompletionBridge struct { // betteralign:ignore
	state atomic.Uint32

	// mu guards the result fields and completion ordering; the state word
	// alone is read lock-free by pollables.
	mu sync.Mutex

	// Result, valid once state is terminal.
	n   int
	err error
	fd  int

	// waker to invoke on completion. Replaced by the owning pollable on each
	// poll that finds the operation still pending.
	waker wakerSlot

	// Backend registration, owned by the reactor while submitted.
	reactor *Reactor
	op      opKind
	regFD   int
	timer   *timerEntry

	// Operation data for dispatch.
	buf []byte
	off int64
}

// NewCompletionBridge returns a bridge in [BridgePending] with no submission.
func NewCompletionBridge() *CompletionBridge {
	return &CompletionBridge{regFD: -1, off: -1, fd: -1}
}

// State returns the current state.
func (b *CompletionBridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

// IsCompleted reports whether the state is terminal.
func (b *CompletionBridge) IsCompleted() bool {
	return b.State() != BridgePending
}

// SetWaker stores w as the Waker to invoke on completion, taking ownership
// of its reference and releasing any previously stored Waker.
func (b *CompletionBridge) SetWaker(w Waker) {
	b.waker.store(w)
}

// Bytes returns the transferred byte count and error for read/write
// operations. Valid only once IsCompleted reports true.
func (b *CompletionBridge) Bytes() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n, b.err
}

// FD returns the accepted connection's descriptor and error for accept
// operations. Valid only once IsCompleted reports true.
func (b *CompletionBridge) FD() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fd, b.err
}

// Err returns the completion error, if any (connect, timer, cancellation).
// Valid only once IsCompleted reports true.
func (b *CompletionBridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reset returns a completed bridge to [BridgePending] for resubmission.
// It must not be called while an operation is outstanding.
func (b *CompletionBridge) Reset() {
	b.mu.Lock()
	b.n, b.err, b.fd = 0, nil, -1
	b.op, b.regFD, b.timer = opNone, -1, nil
	b.buf, b.off = nil, -1
	b.state.Store(uint32(BridgePending))
	b.mu.Unlock()
	if w, ok := b.waker.take(); ok {
		w.Drop()
	}
}

// Cancel withdraws the outstanding operation, if any. After Cancel returns,
// the reactor will not complete the bridge: the registration is removed
// under the reactor's dispatch lock. Completes the bridge as
// [BridgeCancelled] if it was still pending. Safe to call on a bridge that
// was never submitted, or that already completed (no-op).
func (b *CompletionBridge) Cancel() {
	if b.IsCompleted() {
		return
	}
	if r := b.reactor; r != nil {
		r.cancel(b)
		return
	}
	// Never submitted: complete locally.
	b.complete(BridgeCancelled, 0, ErrCancelled, -1)
}

// Drop implements [Dropper]: a pollable dropped while its operation is still
// pending must withdraw the registration (no fd leak, no callback after drop
// returns).
func (b *CompletionBridge) Drop() {
	b.Cancel()
}

// complete performs the single terminal transition, storing the result and
// invoking the stored Waker at most once. Returns false if the bridge had
// already completed.
func (b *CompletionBridge) complete(st BridgeState, n int, err error, fd int) bool {
	b.mu.Lock()
	if BridgeState(b.state.Load()) != BridgePending {
		b.mu.Unlock()
		return false
	}
	b.n, b.err, b.fd = n, err, fd
	// Publishes the result fields written above.
	b.state.Store(uint32(st))
	b.mu.Unlock()

	if w, ok := b.waker.take(); ok {
		w.Wake()
	}
	return true
}
