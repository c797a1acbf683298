package taskloop

import (
	"fmt"
	"sync"
)

// AsyncSemaphore is a counting semaphore over the poll contract: a permit
// counter plus a FIFO wait queue. Waiters are granted strictly in arrival
// order - a large request at the head blocks smaller ones behind it, which
// prevents starvation of bulk acquirers.
type AsyncSemaphore struct {
	mu      sync.Mutex
	permits int64
	waiters waiterList
}

// NewAsyncSemaphore returns a semaphore holding n permits.
func NewAsyncSemaphore(n int64) *AsyncSemaphore {
	if n < 0 {
		panic(fmt.Sprintf("taskloop: negative semaphore permits %d", n))
	}
	return &AsyncSemaphore{permits: n}
}

// TryAcquire takes n permits if immediately available and no waiter is
// queued ahead.
func (s *AsyncSemaphore) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waiters.empty() || s.permits < n {
		return false
	}
	s.permits -= n
	return true
}

// Acquire returns a pollable that completes once n permits are held.
func (s *AsyncSemaphore) Acquire(n int64) *SemaphoreAcquire {
	if n < 1 {
		panic(fmt.Sprintf("taskloop: semaphore acquire of %d permits", n))
	}
	op := &SemaphoreAcquire{s: s}
	op.node.n = n
	return op
}

// Release returns n permits and wakes the waiters whose requests are now
// satisfiable, in FIFO order.
func (s *AsyncSemaphore) Release(n int64) {
	if n < 1 {
		panic(fmt.Sprintf("taskloop: semaphore release of %d permits", n))
	}
	s.mu.Lock()
	s.permits += n
	wakers := s.grantLocked(nil)
	s.mu.Unlock()
	for _, w := range wakers {
		w.Wake()
	}
}

// grantLocked pops satisfied head waiters, appending their wakers to out.
// Caller holds s.mu and invokes the wakers after unlocking.
func (s *AsyncSemaphore) grantLocked(out []Waker) []Waker {
	for {
		head := s.waiters.head
		if head == nil || head.n > s.permits {
			return out
		}
		s.permits -= head.n
		s.waiters.popFront()
		head.ready = true
		if w, ok := head.takeWaker(); ok {
			out = append(out, w)
		}
	}
}

// Permits returns the momentary free permit count.
func (s *AsyncSemaphore) Permits() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

// SemaphoreAcquire is the acquisition pollable. Dropping it while queued
// unlinks the waiter; dropping it after the grant returns the permits.
type SemaphoreAcquire struct {
	s        *AsyncSemaphore
	node     waiter
	acquired bool
}

// Poll implements [Pollable].
func (a *SemaphoreAcquire) Poll(ctx *Context) Poll[Unit] {
	s := a.s
	s.mu.Lock()
	if a.node.ready {
		a.acquired = true
		s.mu.Unlock()
		return Ready(Unit{})
	}
	// FIFO: only acquire directly when nothing is queued ahead.
	if s.waiters.empty() && s.permits >= a.node.n {
		s.permits -= a.node.n
		a.acquired = true
		s.mu.Unlock()
		return Ready(Unit{})
	}
	if !a.node.queued {
		s.waiters.pushBack(&a.node)
	}
	prev, had := a.node.setWaker(ctx.Waker().Clone())
	s.mu.Unlock()
	if had {
		prev.Drop()
	}
	return Pending[Unit]()
}

// Drop implements [Dropper]: cancellation-safe removal, returning granted
// permits that were never observed.
func (a *SemaphoreAcquire) Drop() {
	s := a.s
	s.mu.Lock()
	granted := a.node.ready && !a.acquired
	s.waiters.unlink(&a.node)
	w, hasW := a.node.takeWaker()
	var wakers []Waker
	if granted {
		s.permits += a.node.n
		wakers = s.grantLocked(nil)
	}
	s.mu.Unlock()
	if hasW {
		w.Drop()
	}
	for _, x := range wakers {
		x.Wake()
	}
}
