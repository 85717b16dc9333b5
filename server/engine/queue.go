package engine

import (
	"context"
	"net"
	"sync"
)

// DefaultQueueCapacity is the per-worker backlog of accepted but unassigned connections
const DefaultQueueCapacity = 64

// Item is a queue entry, either a connection handle or the end-of-work marker.
// Conn and Seq are unset on the marker.
type Item struct {
	Conn net.Conn
	Seq  uint64 // accept order, starts at 0

	end bool
}

// EndOfWork returns the marker that tells a worker to stop popping.
func EndOfWork() Item { return Item{end: true} }

func (x Item) IsEndOfWork() bool { return x.end }

// Queue is a bounded FIFO handing connections from the dispatcher to one worker.
// Push blocks while full and Pop blocks while empty.
type Queue struct {
	items     chan Item
	destroyed chan struct{}
	once      sync.Once

	// closed when an end-of-work push begins, even if it is still waiting for room
	ending  chan struct{}
	endOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:     make(chan Item, capacity),
		destroyed: make(chan struct{}),
		ending:    make(chan struct{}),
	}
}

// Push appends item, blocking until there is room, the queue is destroyed, or ctx is done.
// Pushing the end-of-work marker closes Ending first.
func (q *Queue) Push(ctx context.Context, item Item) error {
	if item.end {
		q.endOnce.Do(func() { close(q.ending) })
	}

	select {
	case <-q.destroyed:
		return ErrQueueDestroyed
	default:
	}

	select {
	case q.items <- item:
		return nil
	case <-q.destroyed:
		return ErrQueueDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest item, blocking until there is one, the queue is destroyed, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	select {
	case <-q.destroyed:
		return Item{}, ErrQueueDestroyed
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-q.destroyed:
		return Item{}, ErrQueueDestroyed
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Destroy fails every pending and future Push/Pop and returns what was still queued,
// the caller owns the returned connections.
func (q *Queue) Destroy() []Item {
	var rest []Item
	q.once.Do(func() {
		close(q.destroyed)
		for {
			select {
			case item := <-q.items:
				rest = append(rest, item)
			default:
				return
			}
		}
	})
	return rest
}

// Ending is closed once end of work has been requested.
func (q *Queue) Ending() <-chan struct{} { return q.ending }

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Cap() int { return cap(q.items) }
