// Package pipeline implements the build-time side: it turns a directory of
// script sources into binary module artifacts plus a published manifest,
// recompiling as little as possible across builds via a content-fingerprint
// index. Publication is all-or-nothing: a failed compile never touches the
// previously published manifest or artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Compiler is the external script-to-bytecode compiler, consumed at the
// boundary. Its failures are translated into CompileError; no collaborator
// error types leak into the pipeline's control flow.
type Compiler interface {
	// Compile turns one module's source into bytecode and, when the
	// compiler supports it, a source map (nil otherwise).
	Compile(ctx context.Context, source []byte) (bytecode, sourceMap []byte, err error)
}

// DependencyResolver reports which module ids a source file depends on. How
// the edge set is derived (static analysis, a declaration file) is the
// implementation's business; the pipeline only consumes the result.
type DependencyResolver interface {
	Dependencies(path string, source []byte) ([]string, error)
}

// ErrNoMetadata is returned by a DependencyResolver that cannot derive
// dependency information. The pipeline then degrades to declaration order:
// each module depends only on its predecessor. An explicit fallback policy,
// not silent data loss.
var ErrNoMetadata = errors.New("dependency metadata unavailable")

// CompileError wraps an external compiler failure for one source file. Any
// CompileError aborts the whole build before anything is published.
type CompileError struct {
	Path string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %v", e.Path, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}
