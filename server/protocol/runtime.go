package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// NoTimeout waits indefinitely, zero means the same
const NoTimeout time.Duration = -1

const (
	defaultLineSize = 8 << 10 // longest request line or header field accepted
	buildBufSize    = 128
)

// already expired deadline, used to unblock a wait on cancel
var aLongTimeAgo = time.Unix(1, 0)

// pool for status build buffers so we don't alloc for every resp
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, buildBufSize)
		return &b
	},
}

type (
	// Runtime wraps raw connections in the request layer.
	Runtime interface {
		Attach(conn net.Conn) (Stream, error)
	}

	// Stream is an attached connection in request mode.
	// Every wait honours ctx cancellation and the given timeout.
	Stream interface {
		ReceiveRequestLine(ctx context.Context, timeout time.Duration) (method, target string, err error)
		// ReceiveHeaderField returns ErrEndOfHeaders once the blank line is read.
		ReceiveHeaderField(ctx context.Context, timeout time.Duration) (name, value string, err error)
		SendStatus(ctx context.Context, code int, reason string, timeout time.Duration) error
		// Detach switches the connection to raw mode, bytes already buffered are kept.
		Detach(ctx context.Context, timeout time.Duration) (Raw, error)
		Close() error
	}

	// Raw is a detached connection.
	Raw interface {
		// ReceiveBytes fills buf completely, a short read comes back w ErrPeerClosed.
		ReceiveBytes(ctx context.Context, buf []byte, timeout time.Duration) (int, error)
		Close() error
	}
)

// HTTP is the HTTP/1 request-layer runtime.
type HTTP struct {
	// LineSize bounds a single request line or header field, default 8KiB
	LineSize int
}

var _ Runtime = (*HTTP)(nil)

// Attach wraps conn, it does no I/O.
func (h *HTTP) Attach(conn net.Conn) (Stream, error) {
	if conn == nil {
		return nil, errors.New("attach: nil connection")
	}
	size := defaultLineSize
	if h != nil && h.LineSize > 0 {
		size = h.LineSize
	}
	return &httpStream{
		transport: &transport{conn: conn},
		br:        bufio.NewReaderSize(conn, size),
	}, nil
}

// transport is shared by the stream and the raw conn it detaches into
type transport struct {
	conn   net.Conn
	once   sync.Once
	closed error
}

func (t *transport) Close() error {
	t.once.Do(func() { t.closed = t.conn.Close() })
	return t.closed
}

// wait runs fn under the deadline from timeout,
// cancelling ctx expires the deadline so a blocked fn returns immediately
func (t *transport) wait(ctx context.Context, op string, timeout time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrCancelled, err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return classify(ctx, op, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	return classify(ctx, op, fn())
}

type httpStream struct {
	*transport
	br *bufio.Reader

	gotRequest  bool
	headersDone bool
	detached    bool
}

// read one CRLF terminated line, returned slice is valid until the next read
func (s *httpStream) readLine(ctx context.Context, op string, timeout time.Duration) ([]byte, error) {
	var line []byte
	err := s.wait(ctx, op, timeout, func() error {
		var err error
		line, err = s.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return fmt.Errorf("%w: line exceeds %d bytes", ErrInvalid, s.br.Size())
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return trimCRLF(line)
}

func (s *httpStream) ReceiveRequestLine(ctx context.Context, timeout time.Duration) (string, string, error) {
	if s.detached {
		return "", "", ErrDetached
	}
	if s.gotRequest {
		return "", "", fmt.Errorf("%w: request line already read", ErrInvalid)
	}

	line, err := s.readLine(ctx, "receive request line", timeout)
	if err != nil {
		return "", "", err
	}
	rl, err := parseRequestLine(line)
	if err != nil {
		return "", "", err
	}
	s.gotRequest = true
	return rl.Method, rl.Target, nil
}

func (s *httpStream) ReceiveHeaderField(ctx context.Context, timeout time.Duration) (string, string, error) {
	switch {
	case s.detached:
		return "", "", ErrDetached
	case !s.gotRequest:
		return "", "", fmt.Errorf("%w: header before request line", ErrInvalid)
	case s.headersDone:
		return "", "", ErrEndOfHeaders
	}

	line, err := s.readLine(ctx, "receive header field", timeout)
	if err != nil {
		return "", "", err
	}
	// CRLF alone means that headers is over
	if len(line) == 0 {
		s.headersDone = true
		return "", "", ErrEndOfHeaders
	}
	return parseHeaderField(line)
}

func (s *httpStream) SendStatus(ctx context.Context, code int, reason string, timeout time.Duration) error {
	if s.detached {
		return ErrDetached
	}

	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	out := AppendStatus((*bp)[:0], code, reason, statusHeaders...)
	*bp = out

	return s.wait(ctx, "send status", timeout, func() error {
		_, err := s.conn.Write(out)
		return err
	})
}

// Detach has nothing to flush (status is written directly), it only checks ctx
// and hands the buffered reader over so body bytes read w the headers are kept
func (s *httpStream) Detach(ctx context.Context, _ time.Duration) (Raw, error) {
	if s.detached {
		return nil, ErrDetached
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("detach: %w: %w", ErrCancelled, err)
	}
	s.detached = true
	return &rawConn{transport: s.transport, r: s.br}, nil
}

type rawConn struct {
	*transport
	r io.Reader
}

func (c *rawConn) ReceiveBytes(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	var n int
	err := c.wait(ctx, "receive bytes", timeout, func() error {
		var err error
		n, err = io.ReadFull(c.r, buf)
		return err
	})
	return n, err
}
