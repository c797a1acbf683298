package taskloop

// waiter is one parked pollable in a primitive's wait queue. Intrusive
// doubly-linked so cancellation unlinks in O(1). All fields are guarded by
// the owning primitive's mutex; the displaced Waker from setWaker is
// dropped by the caller outside the lock.
type waiter struct {
	next, prev *waiter

	w        Waker
	hasWaker bool

	// queued: currently linked into the list.
	queued bool
	// ready: the resource was granted (or the queue closed); the waiter
	// must not be re-enqueued.
	ready bool

	// n is the requested permit count (semaphore only).
	n int64
}

// setWaker replaces the stored waker, returning the displaced one for the
// caller to drop after releasing the primitive's lock.
func (x *waiter) setWaker(w Waker) (prev Waker, had bool) {
	prev, had = x.w, x.hasWaker
	x.w, x.hasWaker = w, true
	return prev, had
}

// takeWaker removes the stored waker.
func (x *waiter) takeWaker() (Waker, bool) {
	w, ok := x.w, x.hasWaker
	x.w, x.hasWaker = Waker{}, false
	return w, ok
}

// waiterList is an intrusive FIFO of waiters.
type waiterList struct {
	head, tail *waiter
}

func (l *waiterList) empty() bool {
	return l.head == nil
}

func (l *waiterList) pushBack(x *waiter) {
	x.next, x.prev = nil, l.tail
	if l.tail == nil {
		l.head = x
	} else {
		l.tail.next = x
	}
	l.tail = x
	x.queued = true
}

func (l *waiterList) popFront() *waiter {
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

// unlink removes x from anywhere in the list. No-op if not queued.
func (l *waiterList) unlink(x *waiter) {
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
