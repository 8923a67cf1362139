package eventloop

import (
	"context"
	"sync"
	"time"
)

// timerEntry represents a pending timeout or interval callback.
type timerEntry struct {
	fn       func()
	deadline time.Time
	interval time.Duration // 0 for one-shot timers, >0 for intervals
	id       int
	cleared  bool
}

// EventLoop is a single-goroutine cooperative loop. Tasks posted with Post run
// in FIFO order, one per tick; timers fire once their deadline has passed on
// the loop's Clock. All callbacks run on the goroutine that called Run, so the
// state they touch needs no further locking.
type EventLoop struct {
	mu      sync.Mutex
	tasks   []func()
	timers  map[int]*timerEntry
	nextID  int
	stopped bool
	wake    chan struct{}
	clock   Clock
}

// New creates an EventLoop driven by clock. A nil clock uses wall time.
func New(clock Clock) *EventLoop {
	if clock == nil {
		clock = RealClock()
	}
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
		clock:  clock,
	}
}

// Post queues fn to run on a later tick. Safe to call from any goroutine.
func (el *EventLoop) Post(fn func()) {
	el.mu.Lock()
	el.tasks = append(el.tasks, fn)
	el.mu.Unlock()
	el.signal()
}

// SetTimeout registers a one-shot timer and returns its ID.
func (el *EventLoop) SetTimeout(delay time.Duration, fn func()) int {
	return el.register(delay, 0, fn)
}

// SetInterval registers a repeating timer and returns its ID.
func (el *EventLoop) SetInterval(interval time.Duration, fn func()) int {
	if interval < time.Millisecond {
		interval = time.Millisecond // minimum interval
	}
	return el.register(interval, interval, fn)
}

func (el *EventLoop) register(delay, interval time.Duration, fn func()) int {
	el.mu.Lock()
	el.nextID++
	id := el.nextID
	el.timers[id] = &timerEntry{
		fn:       fn,
		deadline: el.clock.Now().Add(delay),
		interval: interval,
		id:       id,
	}
	el.mu.Unlock()
	el.signal()
	return id
}

// ClearTimer cancels a timer by ID. Clearing an unknown or already fired
// timer is a no-op.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// Stop makes Run return before its next tick. Pending work is discarded.
func (el *EventLoop) Stop() {
	el.mu.Lock()
	el.stopped = true
	el.mu.Unlock()
	el.signal()
}

func (el *EventLoop) signal() {
	select {
	case el.wake <- struct{}{}:
	default:
	}
}

// Run processes tasks and timers until Stop is called, ctx is cancelled, or
// nothing is left to do. Must be called from a single goroutine.
func (el *EventLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		el.mu.Lock()
		if el.stopped {
			el.mu.Unlock()
			return nil
		}

		// Queued tasks go first, one per tick.
		if len(el.tasks) > 0 {
			task := el.tasks[0]
			el.tasks[0] = nil
			el.tasks = el.tasks[1:]
			el.mu.Unlock()
			task()
			continue
		}

		next := el.nextTimerLocked()
		if next == nil {
			el.mu.Unlock()
			return nil
		}

		now := el.clock.Now()
		if next.deadline.After(now) {
			el.mu.Unlock()
			select {
			case <-el.wake:
			case <-el.clock.After(next.deadline.Sub(now)):
			case <-ctx.Done():
			}
			continue
		}

		// Fire the callback.
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		fn := next.fn
		el.mu.Unlock()
		fn()
	}
}

// nextTimerLocked returns the timer with the earliest deadline, breaking ties
// by registration order. el.mu must be held.
func (el *EventLoop) nextTimerLocked() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if t.cleared {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.id < next.id) {
			next = t
		}
	}
	return next
}
