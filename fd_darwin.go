//go:build darwin

package taskloop

import (
	"golang.org/x/sys/unix"
)

// acceptFD accepts a pending connection, returning a nonblocking
// close-on-exec descriptor. Darwin has no accept4; the flags are applied
// after the fact.
func acceptFD(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
