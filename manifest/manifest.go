// Package manifest defines the published description of a script bundle:
// the entry point, per-module metadata with integrity hashes, and the
// dependency graph. A manifest is an immutable value once published; a new
// manifest supersedes it.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// SupportedVersion is the newest manifest format version this code reads.
const SupportedVersion = 1

// Manifest describes one application's module graph. Modules is ordered:
// producers appear before consumers, and the loader relies on declaration
// order as a deterministic tie-break when resolving load order.
type Manifest struct {
	FormatVersion int      `toml:"format-version"`
	MainModule    string   `toml:"main-module"`
	MainFunction  string   `toml:"main-function"`
	Modules       []Module `toml:"modules"`
}

// Module is the metadata for a single compiled module.
type Module struct {
	ID        string   `toml:"id"`
	URL       string   `toml:"url"`
	Integrity string   `toml:"integrity"`
	DependsOn []string `toml:"depends-on,omitempty"`
}

// Lookup returns the module with the given id, or nil.
func (m *Manifest) Lookup(id string) *Module {
	for i := range m.Modules {
		if m.Modules[i].ID == id {
			return &m.Modules[i]
		}
	}
	return nil
}

// Parse reads a manifest from its TOML serialized form.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in manifest: %w", err)
	}
	return &m, nil
}

// Serialize renders the manifest to TOML. Serialization is deterministic:
// parse(serialize(m)) == m, and serializing the result again yields
// identical bytes.
func (m *Manifest) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("serializing manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(data)
}

// WriteFile serializes the manifest and writes it atomically (temp file +
// rename), so a crash mid-write never publishes a partial manifest.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Serialize()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("creating temp manifest in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing manifest %s: %w", path, err)
	}
	return nil
}
