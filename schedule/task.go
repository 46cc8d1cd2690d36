// Package schedule runs cancellable repeating tasks on an injectable clock.
package schedule

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task calls a function on a fixed period until stopped. Ticks run in order
// on a single goroutine, so fn must hand slow I/O to its own goroutine.
type Task struct {
	interval time.Duration
	fn       func()

	mu     sync.Mutex
	active bool
	ticker *clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// Every starts a task calling fn every interval on clk. A nil clock uses the
// wall clock.
func Every(clk clock.Clock, interval time.Duration, fn func()) *Task {
	if clk == nil {
		clk = clock.New()
	}

	t := &Task{
		interval: interval,
		fn:       fn,
		active:   true,
		ticker:   clk.Ticker(interval),
		done:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Task) loop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// a tick may already be pending when Stop runs
			if !t.Active() {
				return
			}
			t.fn()
		}
	}
}

// Active reports whether the task has not been stopped
func (t *Task) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Interval returns the task period
func (t *Task) Interval() time.Duration {
	return t.interval
}

// Stop clears the liveness flag and the ticker. It does not wait for a tick
// in progress; safe to call more than once and from inside fn.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	t.active = false
	t.ticker.Stop()
	close(t.done)
}

// Wait blocks until the task goroutine has exited
func (t *Task) Wait() {
	t.wg.Wait()
}
