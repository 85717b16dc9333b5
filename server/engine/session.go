// session state machine, one per accepted connection
// conn -> attach -> request line -> headers -> status -> detach -> body -> close
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/s00inx/dispatchd/server/protocol"
)

// DefaultChunkSize is the largest single body read
const DefaultChunkSize = 1024

const (
	methodPost    = "POST"
	contentLength = "Content-Length" // runtime presents names canonicalized
)

// State is a session step, StateClosed and StateFailed are terminal.
type State uint8

const (
	StateAttaching State = iota
	StateReadingRequestLine
	StateReadingHeaders
	StateResponding
	StateDetaching
	StateTransferringBody
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateAttaching:          "attaching",
	StateReadingRequestLine: "reading_request_line",
	StateReadingHeaders:     "reading_headers",
	StateResponding:         "responding",
	StateDetaching:          "detaching",
	StateTransferringBody:   "transferring_body",
	StateClosed:             "closed",
	StateFailed:             "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Session is the per-connection state, it is returned by Handler.Serve once terminal.
type Session struct {
	Info SessionInfo

	Method        string
	Target        string
	IsPost        bool
	ContentLength uint64 // declared, 0 if absent or malformed
	Body          []byte // may be shorter than ContentLength if the peer closed early

	state State
	err   error
}

func (s *Session) State() State { return s.state }

// Err is the reason for StateFailed, nil otherwise.
func (s *Session) Err() error { return s.err }

func (s *Session) fail(err error) *Session {
	s.state = StateFailed
	s.err = err
	return s
}

// HandlerConfig configures a Handler, zero values take defaults.
type HandlerConfig struct {
	Runtime  protocol.Runtime // default *protocol.HTTP
	Observer Observer

	ChunkSize int
	// IOTimeout bounds every protocol wait, protocol.NoTimeout or 0 waits forever
	IOTimeout time.Duration
	// MaxBodySize rejects larger declared bodies, 0 is unbounded
	MaxBodySize uint64

	Metrics *Metrics
	Logger  *logiface.Logger[logiface.Event]
}

// Handler runs sessions. It is safe for concurrent use, every Serve call is its own session.
type Handler struct {
	cfg    HandlerConfig
	chunks sync.Pool
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Runtime == nil {
		cfg.Runtime = &protocol.HTTP{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = protocol.NoTimeout
	}

	h := &Handler{cfg: cfg}
	h.chunks.New = func() any {
		b := make([]byte, h.cfg.ChunkSize)
		return &b
	}
	return h
}

// Serve drives one exchange on conn to a terminal state. conn is closed on every path.
func (h *Handler) Serve(ctx context.Context, conn net.Conn, info SessionInfo) *Session {
	s := &Session{Info: info}
	timeout := h.cfg.IOTimeout
	h.cfg.Metrics.sessionStarted()

	// whatever currently owns the transport, closed exactly once on the way out
	var closer io.Closer = conn
	defer func() { h.finish(s, closer) }()

	s.state = StateAttaching
	stream, err := h.cfg.Runtime.Attach(conn)
	if err != nil {
		return s.fail(err)
	}
	closer = stream

	s.state = StateReadingRequestLine
	s.Method, s.Target, err = stream.ReceiveRequestLine(ctx, timeout)
	if err != nil {
		return s.fail(err)
	}
	s.IsPost = s.Method == methodPost
	h.cfg.Observer.OnRequest(info, s.Method, s.Target)

	s.state = StateReadingHeaders
	for {
		name, value, err := stream.ReceiveHeaderField(ctx, timeout)
		if errors.Is(err, protocol.ErrEndOfHeaders) {
			break
		}
		if err != nil {
			// cancelled lands here too, no more reads after it
			return s.fail(err)
		}
		h.cfg.Observer.OnHeader(info, name, value)
		if name == contentLength {
			s.ContentLength = ParseContentLength(value)
		}
	}

	s.state = StateResponding
	if err := stream.SendStatus(ctx, 200, "", timeout); err != nil {
		return s.fail(err)
	}

	s.state = StateDetaching
	raw, err := stream.Detach(ctx, timeout)
	if err != nil {
		return s.fail(err)
	}
	closer = raw

	if !s.IsPost || s.ContentLength == 0 {
		return s
	}

	s.state = StateTransferringBody
	if h.cfg.MaxBodySize > 0 && s.ContentLength > h.cfg.MaxBodySize {
		return s.fail(ErrBodyTooLarge)
	}
	if err := h.transfer(ctx, s, raw); err != nil {
		return s.fail(err)
	}
	if len(s.Body) > 0 {
		h.cfg.Observer.OnBody(info, s.Body)
	}
	return s
}

// transfer reads floor(L/B) full chunks then one L mod B chunk,
// each chunk is appended to the body as it arrives
func (h *Handler) transfer(ctx context.Context, s *Session, raw protocol.Raw) error {
	bp := h.chunks.Get().(*[]byte)
	defer h.chunks.Put(bp)
	chunk := *bp

	size := uint64(len(chunk))
	full, rest := s.ContentLength/size, int(s.ContentLength%size)

	// returns true when the peer is gone and we should stop quietly
	read := func(n int) (bool, error) {
		got, err := raw.ReceiveBytes(ctx, chunk[:n], h.cfg.IOTimeout)
		s.Body = append(s.Body, chunk[:got]...)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, protocol.ErrPeerClosed):
			return true, nil
		default:
			return false, err
		}
	}

	for range full {
		stop, err := read(len(chunk))
		if err != nil || stop {
			return err
		}
	}
	if rest > 0 {
		if _, err := read(rest); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) finish(s *Session, closer io.Closer) {
	// an abandoned session may find its conn already closed by the worker
	if err := closer.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.cfg.Logger.Warning().
			Int(`worker`, s.Info.Worker).
			Uint64(`seq`, s.Info.Seq).
			Err(err).
			Log(`close failed`)
	}
	if s.state != StateFailed {
		s.state = StateClosed
	}
	h.cfg.Metrics.sessionDone(s)
	h.cfg.Observer.OnDone(s.Info, s.state, s.err)
}

// ParseContentLength reads a Content-Length value as unsigned decimal, anything malformed is 0
func ParseContentLength(value string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
