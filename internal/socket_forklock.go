//go:build unix && !(linux || freebsd || netbsd || openbsd || dragonfly)

package internal

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// no SOCK_CLOEXEC here, hold the fork lock so no child starts between socket and fcntl
func socket(domain int) (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}
