package worker

import (
	"sync"
	"time"
)

// Task calls an action on a fixed interval until cancelled.
type Task struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Every starts a Task that calls action every interval. The first call
// happens one interval after start. Each call runs in its own goroutine so
// a slow action never delays Cancel; callers guard against overlap.
func Every(interval time.Duration, action func()) *Task {
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				go action()
			}
		}
	}()

	return t
}

// Cancel stops the timer. After Cancel returns the ticker starts no new
// action, but one launched just before may still begin; actions that must
// not run after Cancel check their own liveness. Running actions are not
// waited for. Safe to call more than once.
func (t *Task) Cancel() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
