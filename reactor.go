// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskloop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Size of the direct-indexed interest table: fds 0 through maxFDs-1 are
// supported.
const maxFDs = 65536

// Standard reactor errors.
var (
	ErrFDOutOfRange  = errors.New("taskloop: fd out of range (max 65535)")
	ErrFDBusy        = errors.New("taskloop: fd already has an outstanding operation in that direction")
	ErrPollerClosed  = errors.New("taskloop: poller closed")
	ErrReactorClosed = errors.New("taskloop: reactor closed")
)

// fdInterest is the per-fd registration record: at most one outstanding
// bridge per direction (read side also covers accept, write side also
// covers connect).
type fdInterest struct {
	read  *CompletionBridge
	write *CompletionBridge
	armed bool
}

// Reactor adapts an OS readiness backend (epoll/kqueue) into task wake-ups.
//
// One reactor exists per runtime and is shared by all workers. Exactly one
// worker at a time blocks in PollIO (ownership is a single CAS flag); the
// rest steal or park. Dispatch performs the nonblocking syscall for the
// ready operation and completes its bridge, which wakes the suspended task.
//
// PERFORMANCE: Direct fd indexing into a fixed interest table (no map), per
// the backend pollers; the table mutex is held only across registration
// mutation and dispatch, never across the blocking wait.
type Reactor struct { // betteralign:ignore
	poller poller
	events []pollerEvent

	mu        sync.Mutex
	interests []fdInterest

	timers timerWheel
	due    []*timerEntry

	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// owner is the reactor-polling ownership flag: the worker that wins the
	// CAS blocks in PollIO for the next interval, releasing on wake-up.
	owner atomic.Bool

	// pendingOps counts outstanding submissions (registrations + timers);
	// drops to zero when every bridge has completed or cancelled.
	pendingOps atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once

	log *logging
}

func newReactor(eventsCapacity int, log *logging) (*Reactor, error) {
	r := &Reactor{
		events:      make([]pollerEvent, eventsCapacity),
		interests:   make([]fdInterest, maxFDs),
		wakeFd:      -1,
		wakeWriteFd: -1,
		log:         log,
	}
	if err := r.poller.init(eventsCapacity); err != nil {
		return nil, err
	}
	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		_ = r.poller.close()
		return nil, err
	}
	r.wakeFd, r.wakeWriteFd = wakeFd, wakeWriteFd
	if err := r.poller.arm(wakeFd, true, false, false); err != nil {
		_ = r.poller.close()
		_ = closeFD(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = closeFD(wakeWriteFd)
		}
		return nil, err
	}
	return r, nil
}

// SubmitRead registers a read of buf from fd. off < 0 reads at the current
// position; otherwise pread semantics. A non-zero deadline completes the
// bridge as [BridgeTimeout] if readiness does not arrive in time.
func (r *Reactor) SubmitRead(fd int, buf []byte, off int64, deadline time.Time, b *CompletionBridge) error {
	return r.submitFD(b, opRead, fd, buf, off, deadline)
}

// SubmitWrite registers a write of buf to fd. off < 0 writes at the current
// position; otherwise pwrite semantics.
func (r *Reactor) SubmitWrite(fd int, buf []byte, off int64, deadline time.Time, b *CompletionBridge) error {
	return r.submitFD(b, opWrite, fd, buf, off, deadline)
}

// SubmitAccept registers an accept on the listening descriptor fd. The
// accepted descriptor is delivered via [CompletionBridge.FD].
func (r *Reactor) SubmitAccept(fd int, deadline time.Time, b *CompletionBridge) error {
	return r.submitFD(b, opAccept, fd, nil, -1, deadline)
}

// SubmitConnect registers interest in the completion of a nonblocking
// connect already initiated on fd (EINPROGRESS). The result is the
// SO_ERROR-derived error via [CompletionBridge.Err].
func (r *Reactor) SubmitConnect(fd int, deadline time.Time, b *CompletionBridge) error {
	return r.submitFD(b, opConnect, fd, nil, -1, deadline)
}

// SubmitTimer schedules the bridge to complete [BridgeReady] after d.
// Durations below 1ms round up to the next tick.
func (r *Reactor) SubmitTimer(d time.Duration, b *CompletionBridge) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	b.reactor = r
	b.op = opTimer
	b.timer = r.timers.schedule(d, b, false)
	r.pendingOps.Add(1)
	// The new deadline may be earlier than the current poll interval.
	r.Wake()
	return nil
}

func (r *Reactor) submitFD(b *CompletionBridge, op opKind, fd int, buf []byte, off int64, deadline time.Time) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}
	b.reactor = r
	b.op = op
	b.regFD = fd
	b.buf = buf
	b.off = off

	r.mu.Lock()
	it := &r.interests[fd]
	readDir := op == opRead || op == opAccept
	if readDir {
		if it.read != nil {
			r.mu.Unlock()
			return ErrFDBusy
		}
		it.read = b
	} else {
		if it.write != nil {
			r.mu.Unlock()
			return ErrFDBusy
		}
		it.write = b
	}
	if err := r.armLocked(fd, it); err != nil {
		if readDir {
			it.read = nil
		} else {
			it.write = nil
		}
		if isEPERM(err) {
			// Regular files reject readiness registration but never block
			// meaningfully; perform the operation inline.
			var c bridgeCompletion
			var ok bool
			if readDir {
				c, ok = r.performRead(b)
			} else {
				c, ok = r.performWrite(b)
			}
			r.mu.Unlock()
			if !ok {
				c = bridgeCompletion{b: b, st: BridgeError, err: errEAGAIN(), fd: -1}
			}
			b.complete(c.st, c.n, c.err, c.fd)
			return nil
		}
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.pendingOps.Add(1)
	if !deadline.IsZero() {
		b.timer = r.timers.schedule(time.Until(deadline), b, true)
		r.Wake()
	}
	return nil
}

// armLocked synchronises the backend registration with the interest record.
// Caller holds r.mu.
func (r *Reactor) armLocked(fd int, it *fdInterest) error {
	read := it.read != nil
	write := it.write != nil
	if !read && !write {
		if it.armed {
			it.armed = false
			return r.poller.disarm(fd)
		}
		return nil
	}
	err := r.poller.arm(fd, read, write, it.armed)
	if err == nil {
		it.armed = true
	}
	return err
}

// cancel withdraws b's registration and completes it as cancelled. Called
// via [CompletionBridge.Cancel]; after the interest record is cleared under
// r.mu no dispatch can observe the bridge.
func (r *Reactor) cancel(b *CompletionBridge) {
	if b.timer != nil {
		r.timers.cancel(b.timer)
	}
	if b.op != opTimer && b.regFD >= 0 && b.regFD < maxFDs {
		r.mu.Lock()
		it := &r.interests[b.regFD]
		cleared := false
		if it.read == b {
			it.read = nil
			cleared = true
		}
		if it.write == b {
			it.write = nil
			cleared = true
		}
		if cleared {
			if err := r.armLocked(b.regFD, it); err != nil && r.log != nil {
				r.log.pollerError(err)
			}
		}
		r.mu.Unlock()
	}
	if b.complete(BridgeCancelled, 0, ErrCancelled, -1) {
		r.pendingOps.Add(-1)
	}
}

// TryAcquireOwner attempts to become the polling owner for the next
// interval.
func (r *Reactor) TryAcquireOwner() bool {
	return r.owner.CompareAndSwap(false, true)
}

// ReleaseOwner releases polling ownership. The caller must hold it.
func (r *Reactor) ReleaseOwner() {
	r.owner.Store(false)
}

// Owned reports whether some worker currently owns the reactor.
func (r *Reactor) Owned() bool {
	return r.owner.Load()
}

// Wake interrupts a blocked PollIO, with write-side deduplication so
// concurrent wakes cost one syscall.
func (r *Reactor) Wake() {
	if !r.wakePending.CompareAndSwap(0, 1) {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	// Write errors are expected while the wake fd is closing down.
	_, _ = writeFD(r.wakeWriteFd, buf)
}

func (r *Reactor) drainWake() {
	for {
		if _, err := readFD(r.wakeFd, r.wakeBuf[:]); err != nil {
			break
		}
	}
	r.wakePending.Store(0)
}

// PollIO blocks for up to timeoutMs (capped by the next timer deadline, -1
// blocks until woken), drains ready events, completes their bridges (waking
// the suspended tasks), and fires expired timers. Returns the number of
// completions processed.
func (r *Reactor) PollIO(timeoutMs int) (int, error) {
	if r.closed.Load() {
		return 0, ErrReactorClosed
	}

	effective := timeoutMs
	if _, ok := r.timers.nextDeadline(); ok {
		maxDelay := 10 * time.Second
		if timeoutMs >= 0 {
			maxDelay = time.Duration(timeoutMs) * time.Millisecond
		}
		effective = r.timers.timeoutMillis(maxDelay)
	}

	n, err := r.poller.wait(effective, r.events)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		if ev.fd == r.wakeFd {
			r.drainWake()
			continue
		}
		processed += r.dispatchFD(ev)
	}

	processed += r.expireTimers()
	return processed, nil
}

// bridgeCompletion is a completion decided under the dispatch lock, applied
// outside it (completing wakes tasks, which must not run under r.mu).
type bridgeCompletion struct {
	b   *CompletionBridge
	st  BridgeState
	n   int
	err error
	fd  int
}

// dispatchFD performs the ready operations on one fd and completes their
// bridges. Returns the number of completions.
func (r *Reactor) dispatchFD(ev pollerEvent) int {
	var done [2]bridgeCompletion
	cnt := 0

	r.mu.Lock()
	it := &r.interests[ev.fd]
	if b := it.read; b != nil && (ev.read || ev.err || ev.hup) {
		if c, ok := r.performRead(b); ok {
			it.read = nil
			done[cnt] = c
			cnt++
		}
	}
	if b := it.write; b != nil && (ev.write || ev.err || ev.hup) {
		if c, ok := r.performWrite(b); ok {
			it.write = nil
			done[cnt] = c
			cnt++
		}
	}
	if cnt > 0 {
		if err := r.armLocked(ev.fd, it); err != nil && r.log != nil {
			r.log.pollerError(err)
		}
	}
	r.mu.Unlock()

	for i := 0; i < cnt; i++ {
		r.applyCompletion(done[i])
	}
	return cnt
}

// performRead runs the read-direction syscall for b. ok is false when the
// readiness was spurious (EAGAIN) and the registration stays armed.
func (r *Reactor) performRead(b *CompletionBridge) (bridgeCompletion, bool) {
	switch b.op {
	case opAccept:
		nfd, err := acceptFD(b.regFD)
		if isEAGAIN(err) {
			return bridgeCompletion{}, false
		}
		if err != nil {
			return bridgeCompletion{b: b, st: BridgeError, err: err, fd: -1}, true
		}
		return bridgeCompletion{b: b, st: BridgeReady, fd: nfd}, true
	default: // opRead
		var n int
		var err error
		if b.off >= 0 {
			n, err = preadFD(b.regFD, b.buf, b.off)
		} else {
			n, err = readFD(b.regFD, b.buf)
		}
		if isEAGAIN(err) {
			return bridgeCompletion{}, false
		}
		if err != nil {
			return bridgeCompletion{b: b, st: BridgeError, err: err, fd: -1}, true
		}
		return bridgeCompletion{b: b, st: BridgeReady, n: n, fd: -1}, true
	}
}

// performWrite runs the write-direction syscall for b.
func (r *Reactor) performWrite(b *CompletionBridge) (bridgeCompletion, bool) {
	switch b.op {
	case opConnect:
		err := connectErrFD(b.regFD)
		if err != nil {
			return bridgeCompletion{b: b, st: BridgeError, err: err, fd: -1}, true
		}
		return bridgeCompletion{b: b, st: BridgeReady, fd: -1}, true
	default: // opWrite
		var n int
		var err error
		if b.off >= 0 {
			n, err = pwriteFD(b.regFD, b.buf, b.off)
		} else {
			n, err = writeFD(b.regFD, b.buf)
		}
		if isEAGAIN(err) {
			return bridgeCompletion{}, false
		}
		if err != nil {
			return bridgeCompletion{b: b, st: BridgeError, err: err, fd: -1}, true
		}
		return bridgeCompletion{b: b, st: BridgeReady, n: n, fd: -1}, true
	}
}

func (r *Reactor) applyCompletion(c bridgeCompletion) {
	if c.b.timer != nil {
		r.timers.cancel(c.b.timer)
	}
	if c.b.complete(c.st, c.n, c.err, c.fd) {
		r.pendingOps.Add(-1)
	} else if c.fd >= 0 {
		// The bridge was cancelled or timed out after the accept ran; nobody
		// will receive the descriptor.
		_ = closeFD(c.fd)
	}
}

// expireTimers completes every due timer: plain timers as Ready, I/O
// deadlines as Timeout (withdrawing the fd registration first).
func (r *Reactor) expireTimers() int {
	r.due = r.timers.expire(time.Now(), r.due[:0])
	for _, e := range r.due {
		b := e.bridge
		if e.timeout {
			// Deadline on an fd operation: withdraw the registration so the
			// backend cannot complete it after the timeout.
			r.clearInterest(b)
			if b.complete(BridgeTimeout, 0, ErrTimeout, -1) {
				r.pendingOps.Add(-1)
			}
		} else {
			if b.complete(BridgeReady, 0, nil, -1) {
				r.pendingOps.Add(-1)
			}
		}
	}
	return len(r.due)
}

func (r *Reactor) clearInterest(b *CompletionBridge) {
	if b.regFD < 0 || b.regFD >= maxFDs {
		return
	}
	r.mu.Lock()
	it := &r.interests[b.regFD]
	cleared := false
	if it.read == b {
		it.read = nil
		cleared = true
	}
	if it.write == b {
		it.write = nil
		cleared = true
	}
	if cleared {
		if err := r.armLocked(b.regFD, it); err != nil && r.log != nil {
			r.log.pollerError(err)
		}
	}
	r.mu.Unlock()
}

// PendingOps returns the number of outstanding submissions. Useful for
// verifying cancellation removed its registration.
func (r *Reactor) PendingOps() int64 {
	return r.pendingOps.Load()
}

// Close tears the reactor down: outstanding operations complete as
// cancelled, then the backend and wake descriptors are closed. Idempotent.
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		// Cancel outstanding fd operations.
		var cancelled []*CompletionBridge
		r.mu.Lock()
		for fd := range r.interests {
			it := &r.interests[fd]
			if it.read != nil {
				cancelled = append(cancelled, it.read)
				it.read = nil
			}
			if it.write != nil {
				cancelled = append(cancelled, it.write)
				it.write = nil
			}
			it.armed = false
		}
		r.mu.Unlock()

		// Flush the timer wheel.
		r.due = r.timers.expire(time.Now().Add(365*24*time.Hour), r.due[:0])
		for _, e := range r.due {
			cancelled = append(cancelled, e.bridge)
		}

		for _, b := range cancelled {
			if b.complete(BridgeCancelled, 0, ErrCancelled, -1) {
				r.pendingOps.Add(-1)
			}
		}

		_ = r.poller.close()
		_ = closeFD(r.wakeFd)
		if r.wakeWriteFd != r.wakeFd {
			_ = closeFD(r.wakeWriteFd)
		}
	})
	return nil
}
