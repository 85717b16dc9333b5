package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkerConfig configures one Worker.
type WorkerConfig struct {
	ID      int
	Queue   *Queue
	Handler *Handler

	// DrainTimeout bounds shutdown, counted from the moment end of work is pushed.
	// Sessions still running then are cancelled and their conns closed, <= 0 waits forever
	DrainTimeout time.Duration
	// MaxSessions caps concurrent sessions, popping waits for a free slot. 0 is unbounded
	MaxSessions int

	Logger *logiface.Logger[logiface.Event]
}

// Worker owns one queue and runs a session goroutine per popped connection.
type Worker struct {
	cfg   WorkerConfig
	log   *logiface.Logger[logiface.Event]
	slots *semaphore.Weighted // nil when unbounded

	mu     sync.Mutex
	active map[uint64]net.Conn // by session id, for abandoning on drain timeout
	nextID uint64

	served atomic.Uint64

	clock   sync.Once
	expired chan struct{}
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Handler == nil {
		cfg.Handler = NewHandler(HandlerConfig{Logger: cfg.Logger})
	}
	if cfg.Queue == nil {
		cfg.Queue = NewQueue(DefaultQueueCapacity)
	}
	w := &Worker{
		cfg:     cfg,
		log:     cfg.Logger.Clone().Int(`worker`, cfg.ID).Logger(),
		active:  make(map[uint64]net.Conn),
		expired: make(chan struct{}),
	}
	if cfg.MaxSessions > 0 {
		w.slots = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return w
}

func (w *Worker) ID() int { return w.cfg.ID }

func (w *Worker) Queue() *Queue { return w.cfg.Queue }

// Served is the number of sessions this worker has started.
func (w *Worker) Served() uint64 { return w.served.Load() }

// start the drain clock, only the first call counts
func (w *Worker) startClock() {
	w.clock.Do(func() {
		if w.cfg.DrainTimeout > 0 {
			time.AfterFunc(w.cfg.DrainTimeout, func() { close(w.expired) })
		}
	})
}

func (w *Worker) ending() bool {
	select {
	case <-w.cfg.Queue.Ending():
		return true
	default:
		return false
	}
}

// Run pops until end of work then waits for its sessions.
// A pop failure ends the loop early, whatever is still queued is closed unprocessed.
// Cancelling ctx cancels running sessions as well.
func (w *Worker) Run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	slotCtx, cancelSlots := context.WithCancel(ctx)
	defer cancelSlots()

	// the clock starts with the end of work push, not when the marker is popped,
	// so a pop loop waiting on a slot still gets cut loose
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		select {
		case <-w.cfg.Queue.Ending():
			w.startClock()
		case <-quit:
			return
		}
		select {
		case <-w.expired:
			cancelSlots()
		case <-quit:
		}
	}()

	var (
		g      errgroup.Group
		popErr error
	)
	for {
		item, err := w.cfg.Queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueDestroyed) && w.ending() {
				// End gave up on the marker and destroyed the queue
				break
			}
			w.log.Err().Err(err).Log(`queue pop failed`)
			popErr = fmt.Errorf("worker %d: pop: %w", w.cfg.ID, err)
			break
		}
		if item.IsEndOfWork() {
			w.log.Debug().Log(`end of work`)
			break
		}
		if w.slots != nil {
			if err := w.slots.Acquire(slotCtx, 1); err != nil {
				w.log.Warning().Uint64(`seq`, item.Seq).Err(err).Log(`no session slot, dropping connection`)
				_ = item.Conn.Close()
				continue
			}
		}
		w.spawn(sessCtx, &g, item)
	}

	w.startClock()
	w.release()

	return errors.Join(popErr, w.drain(&g, cancel))
}

// End pushes the end-of-work marker. If the drain clock runs out while the
// queue is still full, the queue is destroyed instead and what it held is closed.
func (w *Worker) End(ctx context.Context) error {
	w.startClock()

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.expired:
			cancel()
		case <-pctx.Done():
		}
	}()

	err := w.cfg.Queue.Push(pctx, EndOfWork())
	switch {
	case err == nil, errors.Is(err, ErrQueueDestroyed):
		return nil
	case ctx.Err() != nil:
		return err
	}
	w.log.Warning().Log(`queue still full after drain timeout`)
	w.release()
	return nil
}

func (w *Worker) spawn(ctx context.Context, g *errgroup.Group, item Item) {
	info := SessionInfo{
		Worker: w.cfg.ID,
		Seq:    item.Seq,
		Remote: remoteOf(item.Conn),
	}

	// seq comes from the caller, so it can't key the active set
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.active[id] = item.Conn
	w.mu.Unlock()
	w.served.Add(1)

	g.Go(func() error {
		defer func() {
			w.mu.Lock()
			delete(w.active, id)
			w.mu.Unlock()
			if w.slots != nil {
				w.slots.Release(1)
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				w.log.Crit().
					Uint64(`seq`, item.Seq).
					Str(`panic`, fmt.Sprint(r)).
					Log(`session panicked`)
			}
		}()
		w.cfg.Handler.Serve(ctx, item.Conn, info)
		return nil
	})
}

// destroy the queue and close anything left in it
func (w *Worker) release() {
	for _, item := range w.cfg.Queue.Destroy() {
		if item.IsEndOfWork() {
			continue
		}
		w.log.Warning().Uint64(`seq`, item.Seq).Log(`dropping queued connection`)
		_ = item.Conn.Close()
	}
}

func (w *Worker) drain(g *errgroup.Group, cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-w.expired:
	}

	n := w.abandon()
	cancel()
	w.log.Warning().
		Dur(`timeout`, w.cfg.DrainTimeout).
		Int(`abandoned`, n).
		Log(`drain timeout, abandoning sessions`)
	return fmt.Errorf("worker %d: %w: %d sessions abandoned", w.cfg.ID, ErrDrainTimeout, n)
}

// best effort close of every running session's conn
func (w *Worker) abandon() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, conn := range w.active {
		_ = conn.Close()
	}
	return len(w.active)
}

func remoteOf(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
