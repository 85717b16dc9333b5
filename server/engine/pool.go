// worker pool: fixed set of (queue, worker) pairs
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// ResolveWorkers returns the worker count for the given parallelism,
// one unit is kept for the accept loop. parallelism <= 0 means GOMAXPROCS.
func ResolveWorkers(parallelism int) (int, error) {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	n := parallelism - 1
	if n < 1 {
		return 0, fmt.Errorf("%w: got %d", ErrInsufficientParallelism, parallelism)
	}
	return n, nil
}

// PoolConfig configures a Pool, every worker gets the same settings.
type PoolConfig struct {
	Workers       int
	QueueCapacity int
	DrainTimeout  time.Duration
	MaxSessions   int
	Handler       *Handler
	Logger        *logiface.Logger[logiface.Event]
}

// Pool is an ordered set of workers, fixed in size for its lifetime.
type Pool struct {
	workers []*Worker
	log     *logiface.Logger[logiface.Event]

	g     errgroup.Group
	start sync.Once
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: %d workers", ErrInsufficientParallelism, cfg.Workers)
	}
	if cfg.Handler == nil {
		cfg.Handler = NewHandler(HandlerConfig{Logger: cfg.Logger})
	}

	p := &Pool{
		workers: make([]*Worker, cfg.Workers),
		log:     cfg.Logger,
	}
	for i := range p.workers {
		p.workers[i] = NewWorker(WorkerConfig{
			ID:           i,
			Queue:        NewQueue(cfg.QueueCapacity),
			Handler:      cfg.Handler,
			DrainTimeout: cfg.DrainTimeout,
			MaxSessions:  cfg.MaxSessions,
			Logger:       cfg.Logger,
		})
	}
	return p, nil
}

func (p *Pool) Size() int { return len(p.workers) }

func (p *Pool) Worker(i int) *Worker { return p.workers[i] }

// Start runs every worker in its own goroutine, only the first call does anything.
// A worker that fails is logged and stays down, the others keep running.
func (p *Pool) Start(ctx context.Context) {
	p.start.Do(func() {
		for _, w := range p.workers {
			p.g.Go(func() error {
				err := w.Run(ctx)
				if err != nil {
					p.log.Err().Int(`worker`, w.ID()).Err(err).Log(`worker failed`)
				}
				p.log.Debug().Int(`worker`, w.ID()).Uint64(`served`, w.Served()).Log(`worker finished`)
				return nil
			})
		}
	})
}

// Assign pushes conn to worker seq mod Size, blocking while that queue is full.
func (p *Pool) Assign(ctx context.Context, seq uint64, conn net.Conn) (int, error) {
	idx := int(seq % uint64(len(p.workers)))
	if err := p.workers[idx].Queue().Push(ctx, Item{Conn: conn, Seq: seq}); err != nil {
		return idx, fmt.Errorf("assign to worker %d: %w", idx, err)
	}
	return idx, nil
}

// Stop sends end of work to every worker at once and waits for all of them.
// A worker that already went down is skipped. Each marker push is bounded by the
// worker's drain timeout, see Worker.End.
func (p *Pool) Stop(ctx context.Context) error {
	var ends errgroup.Group
	errs := make([]error, len(p.workers))
	for i, w := range p.workers {
		ends.Go(func() error {
			if err := w.End(ctx); err != nil {
				errs[i] = fmt.Errorf("stop worker %d: %w", w.ID(), err)
			}
			return nil
		})
	}
	_ = ends.Wait()
	_ = p.g.Wait()
	return errors.Join(errs...)
}
