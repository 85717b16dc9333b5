// accept loop, round robin dispatch and graceful shutdown
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// DefaultAcceptTimeout is how often a blocked accept wakes up to recheck the shutdown flag
const DefaultAcceptTimeout = 100 * time.Millisecond

const maxAcceptDelay = time.Second

// already expired deadline, wakes a blocked accept
var aLongTimeAgo = time.Unix(1, 0)

// DispatcherConfig configures a Dispatcher. Workers must be resolved by the caller, see ResolveWorkers.
type DispatcherConfig struct {
	Workers       int
	QueueCapacity int
	// AcceptTimeout bounds each accept wait, <= 0 blocks until a conn or shutdown
	AcceptTimeout time.Duration
	DrainTimeout  time.Duration
	MaxSessions   int

	Handler  *Handler
	Shutdown *Shutdown // default is a private flag, stopped by ctx only
	Metrics  *Metrics
	Logger   *logiface.Logger[logiface.Event]
}

// Dispatcher accepts connections and hands them to the pool round robin.
type Dispatcher struct {
	cfg  DispatcherConfig
	pool *Pool
	log  *logiface.Logger[logiface.Event]

	// one log line per error kind per second, at most 10 per minute
	acceptErrs *catrate.Limiter
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Shutdown == nil {
		cfg.Shutdown = NewShutdown()
	}
	pool, err := NewPool(PoolConfig{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		DrainTimeout:  cfg.DrainTimeout,
		MaxSessions:   cfg.MaxSessions,
		Handler:       cfg.Handler,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:  cfg,
		pool: pool,
		log:  cfg.Logger,
		acceptErrs: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}),
	}, nil
}

func (d *Dispatcher) Pool() *Pool { return d.pool }

func (d *Dispatcher) Shutdown() *Shutdown { return d.cfg.Shutdown }

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Serve runs the accept loop on ln until the shutdown flag is set, then drains
// every worker and closes ln. Cancelling ctx sets the flag.
// Any returned error is fatal: a connection could not be handed off, the
// listener failed, or it could not be closed.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	dl, ok := ln.(deadlineListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("dispatcher: listener %T does not support deadlines", ln)
	}

	flag := d.cfg.Shutdown
	stopCtx := context.AfterFunc(ctx, func() { flag.Trigger() })
	defer stopCtx()

	// workers outlive ctx, they stop on end of work only
	workCtx := context.WithoutCancel(ctx)
	d.pool.Start(workCtx)

	d.log.Info().
		Str(`addr`, ln.Addr().String()).
		Int(`workers`, d.pool.Size()).
		Log(`accepting connections`)

	// the deadline is only touched under mu, so the wakeup below can't be
	// overwritten by a fresh deadline after the flag was checked.
	// an assign blocked on a full queue gives up once the flag is set
	var mu sync.Mutex
	assignCtx, cancelAssign := context.WithCancel(workCtx)
	defer cancelAssign()
	go func() {
		select {
		case <-flag.Done():
			cancelAssign()
			mu.Lock()
			_ = dl.SetDeadline(aLongTimeAgo)
			mu.Unlock()
		case <-assignCtx.Done():
		}
	}()

	var (
		seq   uint64
		delay time.Duration
	)
	for {
		mu.Lock()
		if flag.IsSet() {
			mu.Unlock()
			break
		}
		var deadline time.Time
		if d.cfg.AcceptTimeout > 0 {
			deadline = time.Now().Add(d.cfg.AcceptTimeout)
		}
		err := dl.SetDeadline(deadline)
		mu.Unlock()
		if err != nil {
			return d.abort(ln, fmt.Errorf("set accept deadline: %w", err))
		}

		conn, err := ln.Accept()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				// nothing ready, recheck the flag
				continue
			case errors.Is(err, net.ErrClosed):
				return d.abort(ln, fmt.Errorf("accept: %w", err))
			}

			// back off on EMFILE and friends
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			d.logAcceptError(err, delay)
			select {
			case <-time.After(delay):
			case <-flag.Done():
			}
			continue
		}
		delay = 0

		idx, err := d.pool.Assign(assignCtx, seq, conn)
		if err != nil {
			_ = conn.Close()
			if flag.IsSet() && errors.Is(err, context.Canceled) {
				d.log.Warning().Uint64(`seq`, seq).Log(`shutting down, dropping connection`)
				break
			}
			return d.abort(ln, err)
		}
		d.cfg.Metrics.connDispatched(idx)
		d.log.Info().
			Uint64(`seq`, seq).
			Int(`worker`, idx).
			Str(`remote`, remoteOf(conn)).
			Log(`connection dispatched`)
		seq++
	}

	d.log.Info().Uint64(`accepted`, seq).Log(`closing connections`)

	if err := d.pool.Stop(workCtx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("dispatcher: close listener: %w", err)
	}

	d.log.Info().Log(`closed connections`)
	return nil
}

// fatal path, workers are left to the process exit
func (d *Dispatcher) abort(ln net.Listener, err error) error {
	d.log.Crit().Err(err).Log(`dispatcher failed`)
	d.cfg.Shutdown.Trigger()
	_ = ln.Close()
	return fmt.Errorf("dispatcher: %w", err)
}

func (d *Dispatcher) logAcceptError(err error, delay time.Duration) {
	var category any = "other"
	var errno syscall.Errno
	if errors.As(err, &errno) {
		category = errno
	}
	if _, ok := d.acceptErrs.Allow(category); !ok {
		return
	}
	d.log.Err().
		Err(err).
		Dur(`retry_in`, delay).
		Log(`accept failed`)
}
