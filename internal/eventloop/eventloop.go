// Package eventloop runs a JavaScript VM on a single goroutine. Other
// goroutines hand work to the VM with Post; timers registered by
// setTimeout/setInterval fire on the same goroutine between tasks.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/localworker/internal/core"
)

// ErrStopped is returned by Post once Run has returned.
var ErrStopped = errors.New("eventloop: stopped")

// Task is work that needs the VM. It runs on the loop goroutine.
type Task func(rt core.JSRuntime)

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// EventLoop owns the scheduling state of one VM: queued tasks and timers.
type EventLoop struct {
	// OnError receives errors thrown by timer callbacks. Defaults to
	// discarding them.
	OnError func(error)

	mu      sync.Mutex
	timers  map[int]*timerEntry
	nextID  int
	tasks   []Task
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (el *EventLoop) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// Post queues t to run on the loop goroutine. Tasks run in post order.
func (el *EventLoop) Post(t Task) error {
	el.mu.Lock()
	if el.stopped {
		el.mu.Unlock()
		return ErrStopped
	}
	el.tasks = append(el.tasks, t)
	el.mu.Unlock()
	el.signal()
	return nil
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (el *EventLoop) Call(ctx context.Context, fn func(rt core.JSRuntime) error) error {
	done := make(chan error, 1)
	if err := el.Post(func(rt core.JSRuntime) { done <- fn(rt) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-el.done:
		return ErrStopped
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	el.mu.Unlock()
	el.signal()
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func fireTimer(rt core.JSRuntime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	return rt.Eval(js)
}

// Run executes tasks and timers until ctx is done. It must be the only
// goroutine that touches rt while it runs, and it runs at most once.
func (el *EventLoop) Run(ctx context.Context, rt core.JSRuntime) error {
	defer func() {
		el.mu.Lock()
		el.stopped = true
		el.tasks = nil
		el.mu.Unlock()
		close(el.done)
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		if el.runTasks(rt) {
			continue
		}
		next, due := el.dueTimer()
		if due != nil {
			if err := fireTimer(rt, due.id); err != nil {
				el.report(err)
			}
			rt.RunMicrotasks()
			continue
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-el.wake:
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

// runTasks drains the task queue. It reports whether any task ran.
func (el *EventLoop) runTasks(rt core.JSRuntime) bool {
	el.mu.Lock()
	tasks := el.tasks
	el.tasks = nil
	el.mu.Unlock()

	for _, t := range tasks {
		t(rt)
		// Microtask checkpoint after each task.
		rt.RunMicrotasks()
	}
	return len(tasks) > 0
}

// dueTimer returns the earliest timer that is due and reschedules or drops
// it. When none is due it returns the next deadline, zero if no timer is
// pending.
func (el *EventLoop) dueTimer() (next time.Time, due *timerEntry) {
	el.mu.Lock()
	defer el.mu.Unlock()

	var first *timerEntry
	for _, t := range el.timers {
		if first == nil || t.deadline.Before(first.deadline) ||
			(t.deadline.Equal(first.deadline) && t.id < first.id) {
			first = t
		}
	}
	if first == nil {
		return time.Time{}, nil
	}
	if now := time.Now(); first.deadline.After(now) {
		return first.deadline, nil
	}
	if first.interval > 0 {
		first.deadline = time.Now().Add(first.interval)
	} else {
		delete(el.timers, first.id)
	}
	return time.Time{}, first
}

func (el *EventLoop) report(err error) {
	if el.OnError != nil {
		el.OnError(err)
	}
}

// HasPending returns true if there are any active timers or queued tasks.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.tasks) > 0
}

// Reset clears all timers and queued tasks.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.tasks = nil
}
