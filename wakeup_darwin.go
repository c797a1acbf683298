//go:build darwin

package taskloop

import (
	"syscall"
)

// createWakeFd creates a self-pipe for reactor wake-up notifications
// (Darwin). Returns the read end and the write end.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	cleanup := func() {
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return 0, 0, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
