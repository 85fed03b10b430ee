// Package codec implements the binary on-disk format for compiled module
// artifacts: a fixed header followed by length-prefixed bytecode and
// source-map sections. Artifacts are written once, atomically, and never
// mutated in place.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ---------------------------------------------------------------------------
// Artifact Format Constants
// ---------------------------------------------------------------------------

// Magic is the magic number identifying a Stevedore artifact file.
var Magic = [4]byte{'S', 'T', 'V', 'B'}

// Artifact format version
// v1: initial format (header + bytecode section + source-map section)
const FormatVersion uint32 = 1

// Artifact header size in bytes
// magic(4) + version(4) + flags(4) = 12
const HeaderSize = 12

// Artifact flags
const (
	FlagNone       uint32 = 0
	FlagSourceMap  uint32 = 1 << 0 // Source-map section is present
	FlagCompressed uint32 = 1 << 1 // Sections are zstd-compressed
)

// ---------------------------------------------------------------------------
// Artifact Error Types
// ---------------------------------------------------------------------------

var (
	ErrBadMagic           = errors.New("invalid magic number: expected STVB")
	ErrUnsupportedVersion = errors.New("artifact format version not supported")
	ErrCorrupt            = errors.New("corrupt artifact data")
)

// ---------------------------------------------------------------------------
// Artifact
// ---------------------------------------------------------------------------

// Artifact is one compiled module: opaque bytecode plus an optional source
// map. An artifact is immutable once written; a source change produces a new
// artifact, never an in-place mutation.
type Artifact struct {
	FormatVersion uint32
	Bytecode      []byte
	SourceMap     []byte // nil when the build did not emit one
}

// Equal reports whether two artifacts have identical contents.
func (a *Artifact) Equal(b *Artifact) bool {
	return a.FormatVersion == b.FormatVersion &&
		bytes.Equal(a.Bytecode, b.Bytecode) &&
		bytes.Equal(a.SourceMap, b.SourceMap)
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes an artifact to its binary form.
func Encode(a *Artifact) ([]byte, error) {
	return encode(a, false)
}

// EncodeCompressed serializes an artifact with zstd-compressed sections.
func EncodeCompressed(a *Artifact) ([]byte, error) {
	return encode(a, true)
}

func encode(a *Artifact, compress bool) ([]byte, error) {
	bytecode := a.Bytecode
	sourceMap := a.SourceMap

	flags := FlagNone
	if len(sourceMap) > 0 {
		flags |= FlagSourceMap
	}
	if compress {
		flags |= FlagCompressed
		var err error
		bytecode, err = compressZstd(bytecode)
		if err != nil {
			return nil, fmt.Errorf("compressing bytecode: %w", err)
		}
		if len(sourceMap) > 0 {
			sourceMap, err = compressZstd(sourceMap)
			if err != nil {
				return nil, fmt.Errorf("compressing source map: %w", err)
			}
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+8+len(bytecode)+len(sourceMap)))
	buf.Write(Magic[:])

	var word [4]byte
	binary.BigEndian.PutUint32(word[:], FormatVersion)
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], flags)
	buf.Write(word[:])

	writeSection(buf, bytecode)
	writeSection(buf, sourceMap)

	return buf.Bytes(), nil
}

func writeSection(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode parses an artifact from its binary form. The version tag is
// validated before any section is read; a payload with an unrecognized
// version is never interpreted.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < HeaderSize {
		return nil, ErrCorrupt
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, ErrBadMagic
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got v%d, supported v%d", ErrUnsupportedVersion, version, FormatVersion)
	}
	flags := binary.BigEndian.Uint32(data[8:12])

	offset := HeaderSize
	bytecode, offset, err := readSection(data, offset)
	if err != nil {
		return nil, err
	}
	sourceMap, offset, err := readSection(data, offset)
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-offset)
	}

	if flags&FlagCompressed != 0 {
		bytecode, err = decompressZstd(bytecode)
		if err != nil {
			return nil, fmt.Errorf("%w: bytecode section: %v", ErrCorrupt, err)
		}
		if len(sourceMap) > 0 {
			sourceMap, err = decompressZstd(sourceMap)
			if err != nil {
				return nil, fmt.Errorf("%w: source-map section: %v", ErrCorrupt, err)
			}
		}
	}

	a := &Artifact{
		FormatVersion: version,
		Bytecode:      bytecode,
	}
	// Zero length encodes absence.
	if len(sourceMap) > 0 {
		a.SourceMap = sourceMap
	}
	return a, nil
}

func readSection(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated section length at offset %d", ErrCorrupt, offset)
	}
	length := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	// Compare in uint64 so a crafted length cannot wrap int on 32-bit
	// platforms.
	if uint64(length) > uint64(len(data)-offset) {
		return nil, 0, fmt.Errorf("%w: section of %d bytes exceeds input", ErrCorrupt, length)
	}
	end := offset + int(length)
	return data[offset:end], end, nil
}

// ---------------------------------------------------------------------------
// Compression helpers
// ---------------------------------------------------------------------------

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
