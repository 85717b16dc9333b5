package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/s00inx/dispatchd/server/protocol"
)

// conn that only knows how to be closed
type fakeConn struct {
	net.Conn
	closed atomic.Int32
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return nil }

func (c *fakeConn) isClosed() bool { return c.closed.Load() > 0 }

type fakeRuntime struct {
	attachErr error
	stream    *fakeStream
}

func (r *fakeRuntime) Attach(net.Conn) (protocol.Stream, error) {
	if r.attachErr != nil {
		return nil, r.attachErr
	}
	return r.stream, nil
}

type fakeStream struct {
	method, target string
	lineErr        error
	headers        [][2]string
	// returned once headers run out instead of end of headers
	headerErr error
	sendErr   error
	detachErr error
	raw       *fakeRaw

	headerReads int
	sent        []int
	closed      int
}

func (s *fakeStream) ReceiveRequestLine(ctx context.Context, _ time.Duration) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", fmt.Errorf("%w: %w", protocol.ErrCancelled, err)
	}
	return s.method, s.target, s.lineErr
}

func (s *fakeStream) ReceiveHeaderField(ctx context.Context, _ time.Duration) (string, string, error) {
	s.headerReads++
	if err := ctx.Err(); err != nil {
		return "", "", fmt.Errorf("%w: %w", protocol.ErrCancelled, err)
	}
	if i := s.headerReads - 1; i < len(s.headers) {
		return s.headers[i][0], s.headers[i][1], nil
	}
	if s.headerErr != nil {
		return "", "", s.headerErr
	}
	return "", "", protocol.ErrEndOfHeaders
}

func (s *fakeStream) SendStatus(_ context.Context, code int, _ string, _ time.Duration) error {
	s.sent = append(s.sent, code)
	return s.sendErr
}

func (s *fakeStream) Detach(context.Context, time.Duration) (protocol.Raw, error) {
	if s.detachErr != nil {
		return nil, s.detachErr
	}
	if s.raw == nil {
		s.raw = &fakeRaw{}
	}
	return s.raw, nil
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

// raw that serves body then reports the peer gone
type fakeRaw struct {
	body []byte
	// returned from every read when set
	err error

	off    int
	reads  []int
	closed int
}

func (r *fakeRaw) ReceiveBytes(_ context.Context, buf []byte, _ time.Duration) (int, error) {
	r.reads = append(r.reads, len(buf))
	if r.err != nil {
		return 0, r.err
	}
	n := copy(buf, r.body[r.off:])
	r.off += n
	if n < len(buf) {
		return n, fmt.Errorf("receive bytes: %w", protocol.ErrPeerClosed)
	}
	return n, nil
}

func (r *fakeRaw) Close() error {
	r.closed++
	return nil
}

// runtime whose attach always fails, so a session ends at once
type refusingRuntime struct{}

func (refusingRuntime) Attach(net.Conn) (protocol.Stream, error) {
	return nil, fmt.Errorf("refused")
}

// runtime whose streams wait for cancellation on the request line
type stuckRuntime struct {
	started chan struct{}
}

func (r stuckRuntime) Attach(net.Conn) (protocol.Stream, error) {
	return stuckStream{started: r.started}, nil
}

type stuckStream struct {
	protocol.Stream
	started chan struct{}
}

func (s stuckStream) ReceiveRequestLine(ctx context.Context, _ time.Duration) (string, string, error) {
	s.started <- struct{}{}
	<-ctx.Done()
	return "", "", fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err())
}

func (stuckStream) Close() error { return nil }

type doneRecord struct {
	Info  SessionInfo
	State State
	Err   error
}

type recordingObserver struct {
	mu       sync.Mutex
	requests []string
	headers  [][2]string
	bodies   [][]byte
	done     []doneRecord
}

func (o *recordingObserver) OnRequest(_ SessionInfo, method, target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, method+" "+target)
}

func (o *recordingObserver) OnHeader(_ SessionInfo, name, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headers = append(o.headers, [2]string{name, value})
}

func (o *recordingObserver) OnBody(_ SessionInfo, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies = append(o.bodies, append([]byte(nil), body...))
}

func (o *recordingObserver) OnDone(info SessionInfo, state State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, doneRecord{Info: info, State: state, Err: err})
}

func (o *recordingObserver) doneRecords() []doneRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]doneRecord(nil), o.done...)
}

func (o *recordingObserver) requestLines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}
