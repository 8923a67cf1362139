package core

// JSRuntime is the script engine behind an embedded page: QuickJS by default,
// V8 with -tags v8. The embedded driver holds one per loaded document.
type JSRuntime interface {
	// Eval runs a script for its side effects.
	Eval(js string) error

	// EvalString runs a script and returns its completion value as text.
	EvalString(js string) (string, error)

	// RegisterFunc installs a Go callback as a global function. Callbacks
	// take strings or numbers and return nothing, a string, or
	// (string, error); a non-nil error is thrown into the script.
	RegisterFunc(name string, fn any) error

	// SetGlobal assigns a string, number or bool to a global.
	SetGlobal(name string, value any) error

	// RunMicrotasks drains the promise job queue.
	RunMicrotasks()

	// Close frees the engine.
	Close()
}
