//go:build linux

package taskloop

import (
	"golang.org/x/sys/unix"
)

// acceptFD accepts a pending connection, returning a nonblocking
// close-on-exec descriptor.
func acceptFD(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}
