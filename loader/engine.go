package loader

import "context"

// Fetcher retrieves remote artifact bytes. Timeout and retry policy for
// individual calls belong to the fetcher, not the loader; a fetch failure of
// any kind is a materialization failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Engine is the embedded script engine for one load attempt. The loader
// acquires an engine at the start of execution and closes it on every exit
// path; no process-wide engine instance is assumed.
type Engine interface {
	// Execute registers one module's bytecode. Modules are always executed
	// strictly in resolved dependency order.
	Execute(bytecode []byte) error

	// Evaluate evaluates the manifest's main function expression after all
	// modules have executed.
	Evaluate(expression string) (any, error)

	Close() error
}
