//go:build linux || darwin

package taskloop

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD reads from fd at the current position.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// preadFD reads from fd at off without moving the file position.
func preadFD(fd int, buf []byte, off int64) (int, error) {
	return unix.Pread(fd, buf, off)
}

// writeFD writes to fd at the current position.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// pwriteFD writes to fd at off without moving the file position.
func pwriteFD(fd int, buf []byte, off int64) (int, error) {
	return unix.Pwrite(fd, buf, off)
}

// connectErrFD reports the asynchronous connect result via SO_ERROR.
func connectErrFD(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// setNonblockFD marks fd nonblocking; every descriptor handed to the
// reactor must be.
func setNonblockFD(fd int) error {
	return unix.SetNonblock(fd, true)
}

// isEAGAIN reports whether err is the would-block errno (spurious
// readiness; the registration stays armed).
func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// isEPERM reports whether err is EPERM, which epoll returns when asked to
// monitor a regular file.
func isEPERM(err error) bool {
	return err == unix.EPERM
}

// errEAGAIN returns the would-block errno as an error value.
func errEAGAIN() error {
	return unix.EAGAIN
}
