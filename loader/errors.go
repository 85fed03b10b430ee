package loader

import (
	"errors"
	"fmt"
)

// ErrIntegrity indicates fetched bytes hashed to a value different from the
// manifest's integrity hash. The module is discarded, never cached, and the
// load attempt fails: a corrupt dependency cannot be safely substituted.
var ErrIntegrity = errors.New("integrity hash mismatch")

// Stage names the loader phase an error belongs to.
type Stage string

const (
	StageManifest    Stage = "manifest"
	StageResolve     Stage = "resolve"
	StageMaterialize Stage = "materialize"
	StageExecute     Stage = "execute"
	StageCommit      Stage = "commit"
)

// LoadError carries the failing stage and, where one applies, the module id
// so callers can diagnose which module and phase failed.
type LoadError struct {
	Stage    Stage
	ModuleID string
	Err      error
}

func (e *LoadError) Error() string {
	if e.ModuleID != "" {
		return fmt.Sprintf("load %s: module %s: %v", e.Stage, e.ModuleID, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// FetchError wraps an external fetcher failure at the boundary so fetcher
// error types never leak into loader control flow.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RuntimeFault wraps a fault raised by the script engine while executing a
// module or evaluating the main function. It is surfaced to the caller, not
// swallowed; already-verified modules in the store remain valid.
type RuntimeFault struct {
	ModuleID string
	Err      error
}

func (e *RuntimeFault) Error() string {
	return fmt.Sprintf("runtime fault in %s: %v", e.ModuleID, e.Err)
}

func (e *RuntimeFault) Unwrap() error {
	return e.Err
}
