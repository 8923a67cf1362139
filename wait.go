package pagetap

// Truthy, passed as the condition to Wait, is satisfied by any truthy value.
var Truthy = truthyCondition{}

type truthyCondition struct{}

// Wait polls value until it loosely equals cond, or until it is truthy when
// cond is Truthy. value must be a JS function or a *Deferred with a recompute
// function; it is re-evaluated on every poll. The first check happens as
// soon as the job starts, then every poll_interval ms. If description is not
// empty a passing assertion is recorded once the condition holds. A wait that
// is still unsatisfied after the timeout records "wait timed out".
func (t *T) Wait(value any, cond any, description string) {
	t.sched.submitAsync("wait", func(c *completion) error {
		target := cond
		if _, ok := cond.(truthyCondition); !ok && cond != nil && !isPrimitive(cond) {
			v, err := t.bridge.resolve(cond)
			if err != nil {
				return err
			}
			target = v
		}

		check := func() error {
			if c.Completed() {
				return nil
			}
			v, err := t.bridge.reresolve(value)
			if err != nil {
				return err
			}
			var ok bool
			if _, isTruthy := cond.(truthyCondition); isTruthy {
				ok = truthy(v)
			} else {
				ok = looseEqual(v, target)
			}
			if !ok {
				return nil
			}
			if description != "" {
				t.agg.record(true, description)
			}
			c.Done()
			return nil
		}

		if err := check(); err != nil || c.Completed() {
			return err
		}
		id := t.sched.every("wait", t.opts.pollInterval(), check)
		c.Defer(func() { t.loop.ClearTimer(id) })
		return nil
	})
}
