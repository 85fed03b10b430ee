package manifest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedVersion means the manifest declares a format version
	// newer than this code supports. Loading fails closed rather than
	// attempting a best-effort read.
	ErrUnsupportedVersion = errors.New("manifest format version not supported")

	// ErrMissingMain means the declared main module is absent from modules.
	ErrMissingMain = errors.New("main module not present in modules")
)

// CycleError reports a dependency cycle. Members lists the ids on the first
// detected cycle, in traversal order.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Members, " -> "))
}

// DanglingError reports a depends-on target that is not declared in modules.
type DanglingError struct {
	ModuleID   string
	Dependency string
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("module %q depends on undeclared module %q", e.ModuleID, e.Dependency)
}

// Validate checks the structural invariants of a manifest: a supported
// format version, a declared main module that exists, referential integrity
// of every depends-on edge, and acyclicity of the dependency graph. It runs
// at the end of every compile and again before the loader trusts a manifest
// from an untrusted source.
func (m *Manifest) Validate() error {
	if m.FormatVersion > SupportedVersion {
		return fmt.Errorf("%w: got v%d, supported v%d", ErrUnsupportedVersion, m.FormatVersion, SupportedVersion)
	}
	if m.FormatVersion < 1 {
		return fmt.Errorf("manifest missing format-version")
	}
	if m.MainModule == "" {
		return fmt.Errorf("manifest missing main-module")
	}

	index := make(map[string]int, len(m.Modules))
	for i, mod := range m.Modules {
		if mod.ID == "" {
			return fmt.Errorf("module at position %d has empty id", i)
		}
		if _, dup := index[mod.ID]; dup {
			return fmt.Errorf("duplicate module id %q", mod.ID)
		}
		index[mod.ID] = i
	}

	if _, ok := index[m.MainModule]; !ok {
		return fmt.Errorf("%w: %q", ErrMissingMain, m.MainModule)
	}

	for _, mod := range m.Modules {
		for _, dep := range mod.DependsOn {
			if _, ok := index[dep]; !ok {
				return &DanglingError{ModuleID: mod.ID, Dependency: dep}
			}
		}
	}

	return m.checkAcyclic(index)
}

// Three-color DFS marks for cycle detection.
const (
	colorUnvisited = 0
	colorVisiting  = 1
	colorDone      = 2
)

// checkAcyclic runs an iterative depth-first traversal with three-color
// marking over the depends-on graph. Iterative rather than recursive so a
// pathological manifest cannot exhaust the stack; the first detected cycle
// is reported with its member ids.
func (m *Manifest) checkAcyclic(index map[string]int) error {
	color := make([]int, len(m.Modules))

	type frame struct {
		node int
		next int // next depends-on edge to follow
	}

	for start := range m.Modules {
		if color[start] != colorUnvisited {
			continue
		}

		stack := []frame{{node: start}}
		color[start] = colorVisiting

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := m.Modules[top.node].DependsOn

			if top.next >= len(deps) {
				color[top.node] = colorDone
				stack = stack[:len(stack)-1]
				continue
			}

			dep := index[deps[top.next]]
			top.next++

			switch color[dep] {
			case colorUnvisited:
				color[dep] = colorVisiting
				stack = append(stack, frame{node: dep})
			case colorVisiting:
				// The cycle is the portion of the stack from dep onward.
				var members []string
				seen := false
				for _, f := range stack {
					if f.node == dep {
						seen = true
					}
					if seen {
						members = append(members, m.Modules[f.node].ID)
					}
				}
				members = append(members, m.Modules[dep].ID)
				return &CycleError{Members: members}
			}
		}
	}
	return nil
}
