//go:build linux || freebsd || netbsd || openbsd || dragonfly

package internal

import "golang.org/x/sys/unix"

// close-on-exec and non-blocking are set in the same call, no fork can see the fd without them
func socket(domain int) (int, error) {
	return unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
}
