package pagetap

// Deferred is a value that becomes known once the job producing it has run.
// Value-producing calls on T return a *Deferred immediately; the job fills it
// in later. A Deferred with a recompute function can be asked again, which is
// how Wait polls live page state.
type Deferred struct {
	resolved  bool
	value     any
	recompute func() (any, error)
}

// NewDeferred returns an unresolved value with no recompute function.
func NewDeferred() *Deferred {
	return &Deferred{}
}

// Computed returns an unresolved value that fn can compute and recompute.
func Computed(fn func() (any, error)) *Deferred {
	return &Deferred{recompute: fn}
}

// Resolved reports whether the value has been written or computed.
func (d *Deferred) Resolved() bool {
	return d.resolved
}

// Read returns the last stored value, or ErrUnresolvedAccess.
func (d *Deferred) Read() (any, error) {
	if !d.resolved {
		return nil, ErrUnresolvedAccess
	}
	return d.value, nil
}

// Write stores v and marks the value resolved.
func (d *Deferred) Write(v any) {
	d.value = v
	d.resolved = true
}

// SetRecompute attaches fn as the recompute function.
func (d *Deferred) SetRecompute(fn func() (any, error)) {
	d.recompute = fn
}

// Recompute runs the recompute function and stores its result. On error the
// stored value is left untouched.
func (d *Deferred) Recompute() (any, error) {
	if d.recompute == nil {
		return nil, ErrNotRecomputable
	}
	v, err := d.recompute()
	if err != nil {
		return nil, err
	}
	d.Write(v)
	return v, nil
}
