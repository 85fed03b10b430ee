package codec

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile encodes an artifact and writes it atomically: the bytes land in
// a temp file in the target directory, then a rename makes them visible. A
// crash mid-write never yields a partially visible artifact.
func WriteFile(path string, a *Artifact, compress bool) error {
	var data []byte
	var err error
	if compress {
		data, err = EncodeCompressed(a)
	} else {
		data, err = Encode(a)
	}
	if err != nil {
		return err
	}
	return WriteFileBytes(path, data)
}

// WriteFileBytes writes pre-encoded artifact bytes atomically.
func WriteFileBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stvb-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing artifact %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decodes an artifact file.
func ReadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Decode(data)
}
