// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"fmt"
	"sync"
)

// AsyncChannel is a bounded MPMC channel over the poll contract: a FIFO
// buffer plus two wait queues (senders park when full, receivers when
// empty). Values are handed to waiters under the channel lock, so delivery
// order matches arrival order even across suspensions.
//
// Close wakes every waiter: parked sends complete with [ErrChannelClosed],
// parked receives with ok == false. A send against a closed channel returns
// [ErrChannelClosed] (it does not silently drop the value); a receive from
// a closed channel drains the buffer first, then reports ok == false.
type AsyncChannel[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	sendQ    chanWaiterList[T]
	recvQ    chanWaiterList[T]
}

// RecvResult is the output of a receive: ok is false only when the channel
// is closed and drained.
type RecvResult[T any] struct {
	Value T
	OK    bool
}

// NewAsyncChannel returns a channel buffering up to capacity values.
// Capacity must be at least 1.
func NewAsyncChannel[T any](capacity int) *AsyncChannel[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("taskloop: channel capacity %d", capacity))
	}
	return &AsyncChannel[T]{capacity: capacity}
}

// Len returns the momentary number of buffered values.
func (c *AsyncChannel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Cap returns the buffer capacity.
func (c *AsyncChannel[T]) Cap() int {
	return c.capacity
}

// Close closes the channel, waking all waiters. Idempotent.
func (c *AsyncChannel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var wakers []Waker
	for {
		x := c.sendQ.popFront()
		if x == nil {
			break
		}
		x.ready = true
		if w, ok := x.takeWaker(); ok {
			wakers = append(wakers, w)
		}
	}
	for {
		x := c.recvQ.popFront()
		if x == nil {
			break
		}
		x.ready = true
		if w, ok := x.takeWaker(); ok {
			wakers = append(wakers, w)
		}
	}
	c.mu.Unlock()
	for _, w := range wakers {
		w.Wake()
	}
}

// Send returns a pollable that completes with nil once v is delivered, or
// with [ErrChannelClosed].
func (c *AsyncChannel[T]) Send(v T) *ChannelSend[T] {
	op := &ChannelSend[T]{c: c}
	op.node.val = v
	op.node.hasVal = true
	return op
}

// Recv returns a pollable that completes with the next value, or with
// ok == false once the channel is closed and drained.
func (c *AsyncChannel[T]) Recv() *ChannelRecv[T] {
	return &ChannelRecv[T]{c: c}
}

// deliverLocked moves the oldest available value (buffer first, then the
// head parked sender's) to the head parked receiver, if both exist.
// Returns wakers for the caller to invoke after unlocking.
func (c *AsyncChannel[T]) deliverLocked(wakers []Waker) []Waker {
	for {
		r := c.recvQ.head
		if r == nil {
			return wakers
		}
		var v T
		switch {
		case len(c.items) > 0:
			v = c.items[0]
			var zero T
			c.items[0] = zero
			c.items = c.items[1:]
		default:
			s := c.sendQ.head
			if s == nil {
				return wakers
			}
			v = s.val
			var zero T
			s.val, s.hasVal = zero, false
			c.sendQ.popFront()
			s.ready = true
			if w, ok := s.takeWaker(); ok {
				wakers = append(wakers, w)
			}
		}
		c.recvQ.popFront()
		r.val, r.hasVal = v, true
		r.ready = true
		if w, ok := r.takeWaker(); ok {
			wakers = append(wakers, w)
		}
	}
}

// refillLocked tops the buffer up from parked senders after space opened.
func (c *AsyncChannel[T]) refillLocked(wakers []Waker) []Waker {
	for len(c.items) < c.capacity {
		s := c.sendQ.popFront()
		if s == nil {
			return wakers
		}
		c.items = append(c.items, s.val)
		var zero T
		s.val, s.hasVal = zero, false
		s.ready = true
		if w, ok := s.takeWaker(); ok {
			wakers = append(wakers, w)
		}
	}
	return wakers
}

// ChannelSend is the send pollable. Dropping it while parked unlinks the
// waiter; a send whose value was already delivered is unaffected.
type ChannelSend[T any] struct {
	c    *AsyncChannel[T]
	node chanWaiter[T]
	done bool
}

// Poll implements [Pollable].
func (s *ChannelSend[T]) Poll(ctx *Context) Poll[error] {
	c := s.c
	c.mu.Lock()
	if s.node.ready {
		s.done = true
		closed := s.node.hasVal // value never taken: woken by Close
		c.mu.Unlock()
		if closed {
			return Ready[error](ErrChannelClosed)
		}
		return Ready[error](nil)
	}
	if c.closed {
		c.mu.Unlock()
		return Ready[error](ErrChannelClosed)
	}
	if !s.node.queued {
		if c.recvQ.head != nil || len(c.items) < c.capacity {
			// Deliver directly or buffer; either way the send completes now.
			c.items = append(c.items, s.node.val)
			var zero T
			s.node.val, s.node.hasVal = zero, false
			s.done = true
			wakers := c.deliverLocked(nil)
			c.mu.Unlock()
			for _, w := range wakers {
				w.Wake()
			}
			return Ready[error](nil)
		}
		c.sendQ.pushBack(&s.node)
	}
	prev, had := s.node.setWaker(ctx.Waker().Clone())
	c.mu.Unlock()
	if had {
		prev.Drop()
	}
	return Pending[error]()
}

// Drop implements [Dropper].
func (s *ChannelSend[T]) Drop() {
	c := s.c
	c.mu.Lock()
	c.sendQ.unlink(&s.node)
	w, hasW := s.node.takeWaker()
	c.mu.Unlock()
	if hasW {
		w.Drop()
	}
}

// ChannelRecv is the receive pollable. Dropping it after a value was handed
// over but before it was observed re-queues the value at the buffer head,
// so no send is ever lost to cancellation.
type ChannelRecv[T any] struct {
	c    *AsyncChannel[T]
	node chanWaiter[T]
	done bool
}

// Poll implements [Pollable].
func (r *ChannelRecv[T]) Poll(ctx *Context) Poll[RecvResult[T]] {
	c := r.c
	c.mu.Lock()
	if r.node.ready {
		r.done = true
		if r.node.hasVal {
			v := r.node.val
			var zero T
			r.node.val, r.node.hasVal = zero, false
			wakers := c.refillLocked(nil)
			c.mu.Unlock()
			for _, w := range wakers {
				w.Wake()
			}
			return Ready(RecvResult[T]{Value: v, OK: true})
		}
		// Woken by Close with nothing in flight.
		c.mu.Unlock()
		return Ready(RecvResult[T]{})
	}
	if len(c.items) > 0 {
		v := c.items[0]
		var zero T
		c.items[0] = zero
		c.items = c.items[1:]
		r.done = true
		wakers := c.refillLocked(nil)
		c.mu.Unlock()
		for _, w := range wakers {
			w.Wake()
		}
		return Ready(RecvResult[T]{Value: v, OK: true})
	}
	if c.closed {
		c.mu.Unlock()
		return Ready(RecvResult[T]{})
	}
	if !r.node.queued {
		c.recvQ.pushBack(&r.node)
	}
	prev, had := r.node.setWaker(ctx.Waker().Clone())
	c.mu.Unlock()
	if had {
		prev.Drop()
	}
	return Pending[RecvResult[T]]()
}

// Drop implements [Dropper].
func (r *ChannelRecv[T]) Drop() {
	c := r.c
	c.mu.Lock()
	c.recvQ.unlink(&r.node)
	w, hasW := r.node.takeWaker()
	var wakers []Waker
	if r.node.ready && r.node.hasVal && !r.done {
		// Granted but abandoned: put the value back at the head.
		var zero T
		v := r.node.val
		r.node.val, r.node.hasVal = zero, false
		c.items = append([]T{v}, c.items...)
		wakers = c.deliverLocked(nil)
	}
	c.mu.Unlock()
	if hasW {
		w.Drop()
	}
	for _, x := range wakers {
		x.Wake()
	}
}

// chanWaiter is the channel's typed waiter node (the value slot rules out
// the shared untyped list).
type chanWaiter[T any] struct {
	next, prev *chanWaiter[T]

	w        Waker
	hasWaker bool
	queued   bool
	ready    bool

	val    T
	hasVal bool
}

func (x *chanWaiter[T]) setWaker(w Waker) (prev Waker, had bool) {
	prev, had = x.w, x.hasWaker
	x.w, x.hasWaker = w, true
	return prev, had
}

func (x *chanWaiter[T]) takeWaker() (Waker, bool) {
	w, ok := x.w, x.hasWaker
	x.w, x.hasWaker = Waker{}, false
	return w, ok
}

// chanWaiterList is an intrusive FIFO of channel waiters.
type chanWaiterList[T any] struct {
	head, tail *chanWaiter[T]
}

func (l *chanWaiterList[T]) pushBack(x *chanWaiter[T]) {
	x.next, x.prev = nil, l.tail
	if l.tail == nil {
		l.head = x
	} else {
		l.tail.next = x
	}
	l.tail = x
	x.queued = true
}

func (l *chanWaiterList[T]) popFront() *chanWaiter[T] {
	x := l.head
	if x == nil {
		return nil
	}
	l.head = x.next
	if l.head == nil {
		l.tail = nil
	} else {
		l.head.prev = nil
	}
	x.next, x.prev = nil, nil
	x.queued = false
	return x
}

func (l *chanWaiterList[T]) unlink(x *chanWaiter[T]) {
	if !x.queued {
		return
	}
	if x.prev == nil {
		l.head = x.next
	} else {
		x.prev.next = x.next
	}
	if x.next == nil {
		l.tail = x.prev
	} else {
		x.next.prev = x.prev
	}
	x.next, x.prev = nil, nil
	x.queued = false
}
