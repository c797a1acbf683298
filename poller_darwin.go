//go:build darwin

package taskloop

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller wraps the kqueue readiness backend (Darwin). It is a thin syscall
// layer: the fd→bridge interest table and dispatch live in the reactor, so
// the poller itself holds no locks.
type poller struct { // betteralign:ignore
	_      [64]byte //nolint:unused
	kq     int32
	_      [60]byte //nolint:unused
	closed atomic.Bool

	eventBuf []unix.Kevent_t
}

// pollerEvent is one readiness notification, normalised across backends.
type pollerEvent struct {
	fd    int
	read  bool
	write bool
	err   bool
	hup   bool
}

func (p *poller) init(eventsCapacity int) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)
	p.eventBuf = make([]unix.Kevent_t, eventsCapacity)
	return nil
}

func (p *poller) close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

// arm registers or updates interest for fd. kqueue filters are independent,
// so the previous registration state (update) only decides which filter to
// delete when interest narrows.
func (p *poller) arm(fd int, read, write, update bool) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	changes := make([]unix.Kevent_t, 0, 2)
	flagFor := func(want bool) uint16 {
		if want {
			return unix.EV_ADD | unix.EV_ENABLE
		}
		if update {
			return unix.EV_DELETE
		}
		return 0
	}
	if f := flagFor(read); f != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: f,
		})
	}
	if f := flagFor(write); f != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: f,
		})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(int(p.kq), changes, nil, nil)
	// Deleting a filter that was never added is not an error worth
	// surfacing; kqueue reports it as ENOENT.
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// disarm removes all interest for fd.
func (p *poller) disarm(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(int(p.kq), changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for up to timeoutMs (-1 blocks indefinitely) and fills out
// with normalised events. EINTR is reported as zero events, not an error.
func (p *poller) wait(timeoutMs int, out []pollerEvent) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		e := pollerEvent{fd: int(ev.Ident)}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.read = true
		case unix.EVFILT_WRITE:
			e.write = true
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e.err = true
		}
		if ev.Flags&unix.EV_EOF != 0 {
			e.hup = true
		}
		out[i] = e
	}
	return n, nil
}
