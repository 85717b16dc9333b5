//go:build unix

package internal

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Backlog for listening
const Backlog = 64

// Listen creates a non-blocking, address-reusable TCP socket, binds and starts listening.
// An empty host listens on every IPv4 address, backlog < 1 takes Backlog.
func Listen(host string, port int, backlog int) (*net.TCPListener, error) {
	if backlog < 1 {
		backlog = Backlog
	}

	sa, domain, err := sockaddr(host, port)
	if err != nil {
		return nil, err
	}

	fd, err := socket(domain)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := setup(fd, sa, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	// FileListener dups fd, so the file is closed either way
	f := os.NewFile(uintptr(fd), "tcp:"+net.JoinHostPort(host, strconv.Itoa(port)))
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen: unexpected listener %T", ln)
	}
	return tl, nil
}

func setup(fd int, sa unix.Sockaddr, backlog int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// pick the socket address and family for host:port
func sockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if port < 0 || port > 0xffff {
		return nil, 0, fmt.Errorf("listen: port %d out of range", port)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}

	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, 0, fmt.Errorf("listen: %w", err)
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}
