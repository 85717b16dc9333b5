package engine

import (
	"os"
	"os/signal"
	"sync/atomic"
)

// Shutdown is the one-shot process-wide stop flag.
// It is set at most once, later triggers are no-ops.
type Shutdown struct {
	set  atomic.Bool
	done chan struct{}
}

func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Trigger sets the flag, reporting whether this call was the one that set it.
func (x *Shutdown) Trigger() bool {
	if x.set.Swap(true) {
		return false
	}
	close(x.done)
	return true
}

func (x *Shutdown) IsSet() bool { return x.set.Load() }

// Done is closed once the flag is set.
func (x *Shutdown) Done() <-chan struct{} { return x.done }

// WatchSignals triggers flag on any of sig. The handler only flips the flag,
// the returned func stops watching.
func WatchSignals(flag *Shutdown, sig ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				flag.Trigger()
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(quit)
	}
}
