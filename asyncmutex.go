// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"sync"
)

// AsyncMutex is a mutual-exclusion lock for tasks: a locked flag plus a FIFO
// wait queue of Wakers. Unlike sync.Mutex, a contended lock suspends the
// task (returning Pending) rather than blocking the worker.
//
// Unlock hands the lock directly to the head waiter (no barging): the set
// of critical sections is totally ordered, FIFO in arrival.
type AsyncMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters waiterList
}

// NewAsyncMutex returns an unlocked mutex.
func NewAsyncMutex() *AsyncMutex {
	return &AsyncMutex{}
}

// TryLock acquires the lock if it is free, without queueing.
func (m *AsyncMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Lock returns a pollable that completes once the lock is held. The caller
// must pair it with [AsyncMutex.Unlock].
func (m *AsyncMutex) Lock() *MutexLock {
	return &MutexLock{m: m}
}

// Unlock releases the lock, waking the head waiter if any (the lock
// transfers to it directly).
func (m *AsyncMutex) Unlock() {
	m.mu.Lock()
	head := m.waiters.popFront()
	if head == nil {
		m.locked = false
		m.mu.Unlock()
		return
	}
	head.ready = true
	w, hasW := head.takeWaker()
	m.mu.Unlock()
	if hasW {
		w.Wake()
	}
}

// MutexLock is the lock-acquisition pollable. Dropping it while queued
// unlinks the waiter; dropping it after the lock was handed over releases
// the lock onward, so cancellation can never strand the mutex.
type MutexLock struct {
	m        *AsyncMutex
	node     waiter
	acquired bool
}

// Poll implements [Pollable].
func (l *MutexLock) Poll(ctx *Context) Poll[Unit] {
	m := l.m
	m.mu.Lock()
	if l.node.ready {
		// Handed the lock by Unlock.
		l.acquired = true
		m.mu.Unlock()
		return Ready(Unit{})
	}
	if !m.locked && m.waiters.empty() {
		m.locked = true
		l.acquired = true
		m.mu.Unlock()
		return Ready(Unit{})
	}
	if !l.node.queued {
		m.waiters.pushBack(&l.node)
	}
	prev, had := l.node.setWaker(ctx.Waker().Clone())
	m.mu.Unlock()
	if had {
		prev.Drop()
	}
	return Pending[Unit]()
}

// Drop implements [Dropper]: cancellation-safe removal from the wait queue.
func (l *MutexLock) Drop() {
	m := l.m
	m.mu.Lock()
	handedOver := l.node.ready && !l.acquired
	m.waiters.unlink(&l.node)
	w, hasW := l.node.takeWaker()
	m.mu.Unlock()
	if hasW {
		w.Drop()
	}
	if handedOver {
		// The lock reached an abandoned waiter; pass it on.
		m.Unlock()
	}
}
