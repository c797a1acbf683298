//go:build linux

package taskloop

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller wraps the epoll readiness backend (Linux). It is a thin syscall
// layer: the fd→bridge interest table and dispatch live in the reactor, so
// the poller itself holds no locks.
type poller struct { // betteralign:ignore
	_      [64]byte //nolint:unused
	epfd   int32
	_      [60]byte //nolint:unused
	closed atomic.Bool

	eventBuf []unix.EpollEvent
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
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = int32(epfd)
	p.eventBuf = make([]unix.EpollEvent, eventsCapacity)
	return nil
}

func (p *poller) close() error {
	p.closed.Store(true)
	if p.epfd > 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// arm registers or updates interest for fd. update selects EPOLL_CTL_MOD
// over EPOLL_CTL_ADD (the reactor tracks which applies).
func (p *poller) arm(fd int, read, write, update bool) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	var events uint32
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if update {
		op = unix.EPOLL_CTL_MOD
	}
	return unix.EpollCtl(int(p.epfd), op, fd, ev)
}

// disarm removes all interest for fd.
func (p *poller) disarm(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 blocks indefinitely) and fills out
// with normalised events. EINTR is reported as zero events, not an error.
func (p *poller) wait(timeoutMs int, out []pollerEvent) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(int(p.epfd), p.eventBuf, timeoutMs)
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
		out[i] = pollerEvent{
			fd:    int(ev.Fd),
			read:  ev.Events&unix.EPOLLIN != 0,
			write: ev.Events&unix.EPOLLOUT != 0,
			err:   ev.Events&unix.EPOLLERR != 0,
			hup:   ev.Events&unix.EPOLLHUP != 0,
		}
	}
	return n, nil
}
