package pipeline

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so the index file is deterministic
// for a given set of entries.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("pipeline: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// IndexEntry records what the last build produced for one source file.
type IndexEntry struct {
	Fingerprint [32]byte `cbor:"1,keyasint"`
	Artifact    string   `cbor:"2,keyasint"`
}

// Index is the build cache: source file path -> content fingerprint and the
// artifact it produced. Build-time state only; it is never shipped to
// runtime hosts.
type Index struct {
	Entries map[string]IndexEntry `cbor:"1,keyasint"`
}

// Fingerprint computes the content fingerprint of source bytes.
func Fingerprint(source []byte) [32]byte {
	return sha256.Sum256(source)
}

// LoadIndex reads a build cache index file. A missing file yields an empty
// index (first compile of a project).
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Index{Entries: make(map[string]IndexEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var idx Index
	if err := cbor.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]IndexEntry)
	}
	return &idx, nil
}

// Save writes the index atomically.
func (idx *Index) Save(path string) error {
	data, err := cborEncMode.Marshal(idx)
	if err != nil {
		return fmt.Errorf("serializing index: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("creating temp index in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing index %s: %w", path, err)
	}
	return nil
}
