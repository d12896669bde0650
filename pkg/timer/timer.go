// Package timer runs cancellable periodic tasks.
package timer

import (
	"context"
	"sync"
	"time"
)

type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every calls fn once per interval until fn returns false, ctx is cancelled or Stop is
// called. The first call happens after one interval. fn never runs concurrently with itself.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context) bool) *Task {
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(task.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !fn(ctx) {
					return
				}
			}
		}
	}()

	return task
}

// Stop cancels the task and waits for a running fn to return. It is safe to call more than once.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed when the task has stopped for any reason.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
