//go:build !unix

package internal

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Backlog for listening, the platform default is used here
const Backlog = 64

func Listen(host string, port int, _ int) (*net.TCPListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen: unexpected listener %T", ln)
	}
	return tl, nil
}
