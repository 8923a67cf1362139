package pagetap

import (
	"fmt"
	"time"

	"github.com/cryguy/pagetap/internal/eventloop"
	"github.com/cryguy/pagetap/internal/logging"
)

type jobKind int

const (
	syncJob jobKind = iota
	asyncJob
)

func (k jobKind) String() string {
	if k == asyncJob {
		return "async"
	}
	return "sync"
}

// job is one queued step of a test script.
type job struct {
	kind   jobKind
	label  string
	run    func() error              // sync
	runCtl func(c *completion) error // async
}

// completion is handed to an async job. Done may be called any number of
// times from the job body or its callbacks; only the first call counts.
type completion struct {
	s        *scheduler
	label    string
	done     bool
	timer    int
	cleanups []func()
}

// Done completes the job.
func (c *completion) Done() {
	if c.done {
		return
	}
	c.done = true
	c.s.loop.ClearTimer(c.timer)
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
	c.s.complete(c.label)
}

// Defer registers fn to run when the job completes, however it completes.
func (c *completion) Defer(fn func()) {
	if c.done {
		fn()
		return
	}
	c.cleanups = append(c.cleanups, fn)
}

// Completed reports whether Done has been called.
func (c *completion) Completed() bool {
	return c.done
}

// scheduler runs queued jobs one at a time, in submission order, on an event
// loop. A job holds the running slot from dispatch until its completion,
// which for sync jobs is the tick after the body returns.
type scheduler struct {
	loop    *eventloop.EventLoop
	log     *logging.Logger
	queue   []*job
	running bool
	halted  bool

	timeout   func() time.Duration
	onTimeout func(label string)
	onFatal   func(err error)
}

func (s *scheduler) submitSync(label string, fn func() error) {
	s.submit(&job{kind: syncJob, label: label, run: fn})
}

func (s *scheduler) submitAsync(label string, fn func(c *completion) error) {
	s.submit(&job{kind: asyncJob, label: label, runCtl: fn})
}

// submit appends j to the queue and tries to start it.
func (s *scheduler) submit(j *job) {
	if s.halted {
		return
	}
	s.queue = append(s.queue, j)
	s.drain()
}

func (s *scheduler) drain() {
	if s.halted || s.running || len(s.queue) == 0 {
		return
	}
	s.running = true
	j := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.dispatch(j)
}

func (s *scheduler) dispatch(j *job) {
	s.log.Debug("job dispatched", "job", j.label, "kind", j.kind.String())

	if j.kind == syncJob {
		if err := protect(j.run); err != nil {
			s.fail(j.label, err)
			return
		}
		s.loop.Post(func() { s.complete(j.label) })
		return
	}

	c := &completion{s: s, label: j.label}
	c.timer = s.loop.SetTimeout(s.timeout(), func() {
		if c.done || s.halted {
			return
		}
		s.log.Debug("job timed out", "job", j.label)
		s.onTimeout(j.label)
		c.Done()
	})
	if err := protect(func() error { return j.runCtl(c) }); err != nil {
		s.fail(j.label, err)
	}
}

// complete frees the running slot and schedules the next drain.
func (s *scheduler) complete(label string) {
	if s.halted {
		return
	}
	s.log.Debug("job completed", "job", label)
	s.running = false
	s.loop.Post(s.drain)
}

// post runs fn on a later tick on behalf of the running job. Errors and
// panics are fatal, as they are in a job body.
func (s *scheduler) post(label string, fn func() error) {
	s.loop.Post(func() { s.guarded(label, fn) })
}

// every runs fn every d until the returned timer is cleared.
func (s *scheduler) every(label string, d time.Duration, fn func() error) int {
	return s.loop.SetInterval(d, func() { s.guarded(label, fn) })
}

// after runs fn once after d.
func (s *scheduler) after(label string, d time.Duration, fn func() error) int {
	return s.loop.SetTimeout(d, func() { s.guarded(label, fn) })
}

func (s *scheduler) guarded(label string, fn func() error) {
	if s.halted {
		return
	}
	if err := protect(fn); err != nil {
		s.fail(label, err)
	}
}

func (s *scheduler) fail(label string, err error) {
	if s.halted {
		return
	}
	s.log.Error("job failed", "job", label, "error", err)
	s.onFatal(err)
}

// halt drops everything still queued and stops the loop.
func (s *scheduler) halt() {
	s.halted = true
	s.queue = nil
	s.loop.Stop()
}

// protect calls fn, turning a panic into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
