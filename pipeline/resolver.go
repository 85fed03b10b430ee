package pipeline

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DeclResolver derives dependency edges from an explicit declaration file:
// a deps.toml in the source directory mapping module id -> depends-on list.
//
//	[modules]
//	"main.dsl" = ["util.dsl"]
//
// A missing declaration file reports ErrNoMetadata so the pipeline can
// apply its declaration-order fallback.
type DeclResolver struct {
	loaded bool
	deps   map[string][]string
	dir    string
}

// NewDeclResolver creates a resolver reading deps.toml from dir.
func NewDeclResolver(dir string) *DeclResolver {
	return &DeclResolver{dir: dir}
}

func (r *DeclResolver) load() error {
	if r.loaded {
		return nil
	}
	path := filepath.Join(r.dir, "deps.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNoMetadata
	}
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}

	var decl struct {
		Modules map[string][]string `toml:"modules"`
	}
	if err := toml.Unmarshal(data, &decl); err != nil {
		return fmt.Errorf("parse error in %s: %w", path, err)
	}
	r.deps = decl.Modules
	r.loaded = true
	return nil
}

// Dependencies implements DependencyResolver.
func (r *DeclResolver) Dependencies(path string, source []byte) ([]string, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	return r.deps[path], nil
}

// ImportScanner derives dependency edges from import comments in the source
// itself: lines of the form
//
//	#import other.dsl
//
// at any position in the file. Sources with no import lines simply have no
// dependencies; the scanner never reports ErrNoMetadata.
type ImportScanner struct{}

// Dependencies implements DependencyResolver.
func (ImportScanner) Dependencies(path string, source []byte) ([]string, error) {
	var deps []string
	scanner := bufio.NewScanner(bytes.NewReader(source))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if target, ok := strings.CutPrefix(line, "#import "); ok {
			target = strings.TrimSpace(target)
			if target != "" {
				deps = append(deps, target)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return deps, nil
}
