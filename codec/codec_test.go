package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	a := &Artifact{
		FormatVersion: FormatVersion,
		Bytecode:      []byte("push 1\npush 2\nadd\nret"),
	}

	data, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, a)
	}
	if got.SourceMap != nil {
		t.Errorf("source map = %q, want nil", got.SourceMap)
	}
}

func TestRoundTripWithSourceMap(t *testing.T) {
	a := &Artifact{
		FormatVersion: FormatVersion,
		Bytecode:      []byte{0x01, 0x02, 0x03},
		SourceMap:     []byte(`{"mappings":"AAAA"}`),
	}

	data, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, a)
	}
}

func TestRoundTripCompressed(t *testing.T) {
	// A repetitive payload so compression actually shrinks it.
	bytecode := bytes.Repeat([]byte("load store load store "), 100)
	a := &Artifact{
		FormatVersion: FormatVersion,
		Bytecode:      bytecode,
		SourceMap:     []byte(`{"mappings":"AAAA;BBBB"}`),
	}

	data, err := EncodeCompressed(a)
	if err != nil {
		t.Fatalf("EncodeCompressed failed: %v", err)
	}
	if len(data) >= len(bytecode) {
		t.Errorf("compressed size = %d, want < %d", len(data), len(bytecode))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round trip mismatch after compression")
	}
}

func TestDecodeBadMagic(t *testing.T) {
	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("x")}
	data, _ := Encode(a)
	data[0] = 'X'

	if _, err := Decode(data); !errors.Is(err, ErrBadMagic) {
		t.Errorf("Decode error = %v, want ErrBadMagic", err)
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("x")}
	data, _ := Encode(a)
	binary.BigEndian.PutUint32(data[4:8], FormatVersion+1)

	if _, err := Decode(data); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Decode error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("some bytecode")}
	data, _ := Encode(a)

	for _, n := range []int{0, 4, HeaderSize - 1, HeaderSize + 2, len(data) - 1} {
		if _, err := Decode(data[:n]); !errors.Is(err, ErrCorrupt) {
			t.Errorf("Decode(%d bytes) error = %v, want ErrCorrupt", n, err)
		}
	}
}

func TestDecodeOversizedSectionLength(t *testing.T) {
	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("x")}
	data, _ := Encode(a)
	// A section length near 1<<32 must be rejected outright, even where
	// int is 32 bits and the naive sum would wrap negative.
	binary.BigEndian.PutUint32(data[HeaderSize:HeaderSize+4], 0xFFFFFFFF)

	if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decode error = %v, want ErrCorrupt", err)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("x")}
	data, _ := Encode(a)
	data = append(data, 0xFF)

	if _, err := Decode(data); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decode error = %v, want ErrCorrupt", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.stvb")

	a := &Artifact{FormatVersion: FormatVersion, Bytecode: []byte("bytecode")}
	if err := WriteFile(path, a, false); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("read back mismatch: got %+v, want %+v", got, a)
	}
}
