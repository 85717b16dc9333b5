package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// error kinds reported by the runtime,
// callers should match them w errors.Is
var (
	ErrInvalid      = errors.New("invalid request")
	ErrEndOfHeaders = errors.New("end of headers")
	ErrPeerClosed   = errors.New("peer closed")
	ErrCancelled    = errors.New("cancelled")
	ErrTimeout      = errors.New("timed out")
	ErrDetached     = errors.New("stream detached")
)

// classify maps a transport error onto one of the kinds above,
// cancellation wins over everything else bc a cancelled wait surfaces as a deadline error
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrCancelled, cerr)
	}

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%s: %w: %w", op, ErrPeerClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
