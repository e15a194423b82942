package recognizer

import (
	"context"
	"sync"
	"time"

	"islrecognizer/timeutil"
)

// Task is a recurring call of fn, once per interval, until stopped.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every starts calling fn on each tick of clock. Calls never overlap: a tick
// that arrives while fn runs is coalesced into at most one pending tick.
func Every(ctx context.Context, clock timeutil.Clock, interval time.Duration, fn func(context.Context)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	ticker := clock.NewTicker(interval)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
	return t
}

// Stop cancels the task and waits for an in-flight call to return. It is
// safe to call from any goroutine other than fn's, any number of times.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task has stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
