package engine

import (
	"fmt"
	"io"
	"sync"

	"github.com/joeycumines/logiface"
)

// SessionInfo identifies a session to an Observer.
type SessionInfo struct {
	Worker int
	Seq    uint64
	Remote string
}

// Observer receives what each session reads off the wire.
// Calls for one session are sequential, calls for different sessions are concurrent.
type Observer interface {
	OnRequest(info SessionInfo, method, target string)
	OnHeader(info SessionInfo, name, value string)
	OnBody(info SessionInfo, body []byte)
	// OnDone is called once per session w its terminal state.
	OnDone(info SessionInfo, state State, err error)
}

type nopObserver struct{}

func (nopObserver) OnRequest(SessionInfo, string, string) {}
func (nopObserver) OnHeader(SessionInfo, string, string)  {}
func (nopObserver) OnBody(SessionInfo, []byte)            {}
func (nopObserver) OnDone(SessionInfo, State, error)      {}

// WriterObserver renders requests as plain text, one write per call.
type WriterObserver struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterObserver(w io.Writer) *WriterObserver {
	return &WriterObserver{w: w}
}

func (x *WriterObserver) printf(format string, args ...any) {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, _ = fmt.Fprintf(x.w, format, args...)
}

func (x *WriterObserver) OnRequest(_ SessionInfo, method, target string) {
	x.printf("=====\n%s %s\n=====\n", method, target)
}

func (x *WriterObserver) OnHeader(_ SessionInfo, name, value string) {
	x.printf("%s: %s\n", name, value)
}

func (x *WriterObserver) OnBody(_ SessionInfo, body []byte) {
	x.printf("%s\n", body)
}

func (x *WriterObserver) OnDone(SessionInfo, State, error) {}

// LogObserver emits each observation as a structured log event.
type LogObserver struct {
	Logger *logiface.Logger[logiface.Event]
}

func (x LogObserver) OnRequest(info SessionInfo, method, target string) {
	x.Logger.Info().
		Int(`worker`, info.Worker).
		Uint64(`seq`, info.Seq).
		Str(`method`, method).
		Str(`target`, target).
		Log(`request`)
}

func (x LogObserver) OnHeader(info SessionInfo, name, value string) {
	x.Logger.Debug().
		Int(`worker`, info.Worker).
		Uint64(`seq`, info.Seq).
		Str(`name`, name).
		Str(`value`, value).
		Log(`header`)
}

func (x LogObserver) OnBody(info SessionInfo, body []byte) {
	x.Logger.Info().
		Int(`worker`, info.Worker).
		Uint64(`seq`, info.Seq).
		Int(`len`, len(body)).
		Str(`body`, string(body)).
		Log(`body`)
}

func (x LogObserver) OnDone(info SessionInfo, state State, err error) {
	b := x.Logger.Debug()
	if state == StateFailed {
		b = x.Logger.Info()
	}
	if err != nil {
		b = b.Err(err)
	}
	b.Int(`worker`, info.Worker).
		Uint64(`seq`, info.Seq).
		Stringer(`state`, state).
		Log(`session done`)
}
