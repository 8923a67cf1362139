package pagetap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/pagetap/internal/eventloop"
	"github.com/cryguy/pagetap/internal/logging"
)

type schedFixture struct {
	s        *scheduler
	clock    *eventloop.VirtualClock
	timeouts []string
	fatals   []error
	timeout  time.Duration
}

func newSchedFixture() *schedFixture {
	f := &schedFixture{
		clock:   eventloop.NewVirtualClock(testEpoch),
		timeout: 50 * time.Millisecond,
	}
	f.s = &scheduler{
		loop:      eventloop.New(f.clock),
		log:       logging.Discard(),
		timeout:   func() time.Duration { return f.timeout },
		onTimeout: func(label string) { f.timeouts = append(f.timeouts, label) },
	}
	f.s.onFatal = func(err error) {
		f.fatals = append(f.fatals, err)
		f.s.halt()
	}
	return f
}

func (f *schedFixture) run(t *testing.T) {
	t.Helper()
	require.NoError(t, f.s.loop.Run(context.Background()))
}

func TestScheduler_SubmissionOrder(t *testing.T) {
	f := newSchedFixture()
	var got []string
	for i, kind := range []jobKind{syncJob, asyncJob, asyncJob, syncJob, asyncJob, syncJob} {
		label := string(rune('a' + i))
		if kind == syncJob {
			f.s.submitSync(label, func() error {
				got = append(got, label)
				return nil
			})
			continue
		}
		delay := time.Duration(10*(5-i)) * time.Millisecond
		f.s.submitAsync(label, func(c *completion) error {
			f.s.loop.SetTimeout(delay, func() {
				got = append(got, label)
				c.Done()
			})
			return nil
		})
	}
	f.run(t)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, got)
	assert.Empty(t, f.timeouts)
}

func TestScheduler_SubmitWhileRunningOnlyAppends(t *testing.T) {
	f := newSchedFixture()
	var started []string
	var held *completion
	f.s.submitAsync("first", func(c *completion) error {
		started = append(started, "first")
		held = c
		return nil
	})
	require.True(t, f.s.running)

	f.s.submitSync("second", func() error {
		started = append(started, "second")
		return nil
	})
	assert.Equal(t, []string{"first"}, started, "second must wait for first")
	assert.Len(t, f.s.queue, 1)

	held.Done()
	f.run(t)
	assert.Equal(t, []string{"first", "second"}, started)
}

func TestScheduler_SyncCompletionIsDeferred(t *testing.T) {
	f := newSchedFixture()
	depth := 0
	maxDepth := 0
	var submit func(n int)
	submit = func(n int) {
		f.s.submitSync("recurse", func() error {
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			if n > 0 {
				submit(n - 1)
			}
			depth--
			return nil
		})
	}
	submit(100)
	f.run(t)
	assert.Equal(t, 1, maxDepth, "jobs never nest")
}

func TestScheduler_AsyncTimeout(t *testing.T) {
	f := newSchedFixture()
	ran := false
	f.s.submitAsync("stuck", func(c *completion) error { return nil })
	f.s.submitSync("next", func() error {
		ran = true
		return nil
	})
	f.run(t)

	assert.Equal(t, []string{"stuck"}, f.timeouts)
	assert.True(t, ran)
	assert.Equal(t, 50*time.Millisecond, f.clock.Now().Sub(testEpoch))
}

func TestScheduler_TimeoutUsesCurrentValue(t *testing.T) {
	f := newSchedFixture()
	f.s.submitSync("set", func() error {
		f.timeout = 200 * time.Millisecond
		return nil
	})
	f.s.submitAsync("stuck", func(c *completion) error { return nil })
	f.run(t)
	assert.Equal(t, 200*time.Millisecond, f.clock.Now().Sub(testEpoch))
}

func TestScheduler_CompletionIdempotent(t *testing.T) {
	f := newSchedFixture()
	nextRuns := 0
	cleanups := 0
	f.s.submitAsync("twice", func(c *completion) error {
		c.Defer(func() { cleanups++ })
		c.Done()
		c.Done()
		f.s.loop.SetTimeout(time.Millisecond, c.Done)
		return nil
	})
	f.s.submitSync("next", func() error {
		nextRuns++
		return nil
	})
	f.s.submitSync("last", func() error { return nil })
	f.run(t)

	assert.Equal(t, 1, nextRuns)
	assert.Equal(t, 1, cleanups)
	assert.Empty(t, f.timeouts)
}

func TestScheduler_TimeoutThenLateDone(t *testing.T) {
	f := newSchedFixture()
	var c1 *completion
	order := []string{}
	f.s.submitAsync("slow", func(c *completion) error {
		c1 = c
		return nil
	})
	f.s.submitAsync("second", func(c *completion) error {
		order = append(order, "second started")
		c1.Done() // late completion of the abandoned job
		order = append(order, "late done ignored")
		f.s.loop.SetTimeout(10*time.Millisecond, c.Done)
		return nil
	})
	f.s.submitSync("third", func() error {
		order = append(order, "third")
		return nil
	})
	f.run(t)

	assert.Equal(t, []string{"slow"}, f.timeouts)
	assert.Equal(t, []string{"second started", "late done ignored", "third"}, order)
}

func TestScheduler_DeferAfterDoneRunsImmediately(t *testing.T) {
	f := newSchedFixture()
	ran := false
	f.s.submitAsync("x", func(c *completion) error {
		c.Done()
		c.Defer(func() { ran = true })
		return nil
	})
	f.run(t)
	assert.True(t, ran)
}

func TestScheduler_ErrorIsFatal(t *testing.T) {
	f := newSchedFixture()
	boom := errors.New("boom")
	ran := false
	f.s.submitSync("bad", func() error { return boom })
	f.s.submitSync("after", func() error {
		ran = true
		return nil
	})
	f.run(t)

	require.Len(t, f.fatals, 1)
	assert.ErrorIs(t, f.fatals[0], boom)
	assert.False(t, ran)
}

func TestScheduler_PanicInCallbackIsFatal(t *testing.T) {
	f := newSchedFixture()
	f.s.submitAsync("cb", func(c *completion) error {
		f.s.post("cb", func() error { panic("bad callback") })
		return nil
	})
	f.run(t)
	require.Len(t, f.fatals, 1)
	assert.EqualError(t, f.fatals[0], "panic: bad callback")
	assert.Empty(t, f.timeouts, "halted scheduler records no timeout")
}

func TestScheduler_HaltDropsQueue(t *testing.T) {
	f := newSchedFixture()
	f.s.submitSync("a", func() error { return nil })
	f.s.submitSync("b", func() error { return nil })
	f.s.halt()
	f.s.submitSync("c", func() error { return nil })
	assert.Empty(t, f.s.queue)
	f.run(t)
}

func TestProtect(t *testing.T) {
	assert.NoError(t, protect(func() error { return nil }))
	assert.EqualError(t, protect(func() error { panic(errors.New("x")) }), "panic: x")
}
