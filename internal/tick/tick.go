// Package tick runs a function at a fixed cadence on a dedicated goroutine.
//
// The next tick is scheduled only after the current one returns, so ticks of
// one Task never overlap. Stop is the single cancellation point: once it
// returns, no tick of that Task is running or will run.
package tick

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the pipeline cadence (10 Hz).
const DefaultInterval = 100 * time.Millisecond

// Task is a repeating task. Zero value is not usable; use Start().
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins calling fn every interval until ctx is done or Stop is called.
// interval <= 0 selects DefaultInterval. The first call happens one interval
// after Start.
func Start(ctx context.Context, interval time.Duration, fn func()) *Task {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go t.run(ctx, interval, fn)
	return t
}

func (t *Task) run(ctx context.Context, interval time.Duration, fn func()) {
	defer close(t.done)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// A Stop that raced with the timer wins.
		if ctx.Err() != nil {
			return
		}
		fn()
		timer.Reset(interval)
	}
}

// Stop cancels the task and waits for an in-flight tick to finish. It is
// safe to call more than once. It must not be called from inside fn.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done returns a channel that is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
