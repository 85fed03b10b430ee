package manifest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testManifest() *Manifest {
	return &Manifest{
		FormatVersion: 1,
		MainModule:    "main.dsl",
		MainFunction:  "start()",
		Modules: []Module{
			{ID: "util.dsl", URL: "https://cdn.example.com/util.stvb", Integrity: HashBytes([]byte("util"))},
			{ID: "main.dsl", URL: "https://cdn.example.com/main.stvb", Integrity: HashBytes([]byte("main")), DependsOn: []string{"util.dsl"}},
		},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	m := testManifest()

	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, m)
	}
}

func TestSerializeIdempotent(t *testing.T) {
	m := testManifest()

	first, err := m.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := parsed.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("serialize not idempotent:\nfirst  %q\nsecond %q", first, second)
	}
}

func TestLoadWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.toml")

	m := testManifest()
	if err := m.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Atomic write leaves no temp files.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("loaded manifest mismatch: got %+v, want %+v", got, m)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}

func TestLookup(t *testing.T) {
	m := testManifest()

	if mod := m.Lookup("util.dsl"); mod == nil || mod.ID != "util.dsl" {
		t.Errorf("Lookup(util.dsl) = %v", mod)
	}
	if mod := m.Lookup("nope.dsl"); mod != nil {
		t.Errorf("Lookup(nope.dsl) = %v, want nil", mod)
	}
}

func TestVerifyIntegrity(t *testing.T) {
	data := []byte("artifact bytes")
	h := HashBytes(data)

	if !VerifyIntegrity(data, h) {
		t.Error("VerifyIntegrity rejected matching bytes")
	}
	if VerifyIntegrity([]byte("tampered"), h) {
		t.Error("VerifyIntegrity accepted tampered bytes")
	}
}

func TestValidateOK(t *testing.T) {
	if err := testManifest().Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestValidateUnsupportedVersion(t *testing.T) {
	m := testManifest()
	m.FormatVersion = SupportedVersion + 1

	if err := m.Validate(); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Validate error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestValidateMissingMain(t *testing.T) {
	m := testManifest()
	m.MainModule = "ghost.dsl"

	if err := m.Validate(); !errors.Is(err, ErrMissingMain) {
		t.Errorf("Validate error = %v, want ErrMissingMain", err)
	}
}

func TestValidateDanglingDependency(t *testing.T) {
	m := testManifest()
	m.Modules[1].DependsOn = []string{"missing.dsl"}

	var de *DanglingError
	if err := m.Validate(); !errors.As(err, &de) {
		t.Fatalf("Validate error = %v, want DanglingError", err)
	} else if de.ModuleID != "main.dsl" || de.Dependency != "missing.dsl" {
		t.Errorf("DanglingError = %+v", de)
	}
}

func TestValidateCycle(t *testing.T) {
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "a.dsl",
		Modules: []Module{
			{ID: "a.dsl", DependsOn: []string{"b.dsl"}},
			{ID: "b.dsl", DependsOn: []string{"c.dsl"}},
			{ID: "c.dsl", DependsOn: []string{"a.dsl"}},
		},
	}

	var ce *CycleError
	if err := m.Validate(); !errors.As(err, &ce) {
		t.Fatalf("Validate error = %v, want CycleError", err)
	} else if len(ce.Members) < 3 {
		t.Errorf("cycle members = %v, want all three modules", ce.Members)
	}
}

func TestValidateSelfCycle(t *testing.T) {
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "a.dsl",
		Modules: []Module{
			{ID: "a.dsl", DependsOn: []string{"a.dsl"}},
		},
	}

	var ce *CycleError
	if err := m.Validate(); !errors.As(err, &ce) {
		t.Fatalf("Validate error = %v, want CycleError", err)
	}
}

func TestValidateDuplicateID(t *testing.T) {
	m := testManifest()
	m.Modules = append(m.Modules, Module{ID: "util.dsl"})

	if err := m.Validate(); err == nil {
		t.Error("Validate accepted duplicate module id")
	}
}

func TestLoadOrderDiamond(t *testing.T) {
	// B and C both depend on A; D depends on both. B before C because of
	// declaration order.
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "d.dsl",
		Modules: []Module{
			{ID: "a.dsl"},
			{ID: "b.dsl", DependsOn: []string{"a.dsl"}},
			{ID: "c.dsl", DependsOn: []string{"a.dsl"}},
			{ID: "d.dsl", DependsOn: []string{"b.dsl", "c.dsl"}},
		},
	}

	order, err := m.LoadOrder()
	if err != nil {
		t.Fatalf("LoadOrder failed: %v", err)
	}

	want := []string{"a.dsl", "b.dsl", "c.dsl", "d.dsl"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("LoadOrder = %v, want %v", order, want)
	}
}

func TestLoadOrderIgnoresDeclarationScramble(t *testing.T) {
	// Consumers declared before producers still load after them.
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "b.dsl",
		Modules: []Module{
			{ID: "b.dsl", DependsOn: []string{"a.dsl"}},
			{ID: "a.dsl"},
		},
	}

	order, err := m.LoadOrder()
	if err != nil {
		t.Fatalf("LoadOrder failed: %v", err)
	}

	want := []string{"a.dsl", "b.dsl"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("LoadOrder = %v, want %v", order, want)
	}
}

func TestLoadOrderDeterministic(t *testing.T) {
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "a.dsl",
		Modules: []Module{
			{ID: "a.dsl"},
			{ID: "b.dsl"},
			{ID: "c.dsl"},
		},
	}

	first, err := m.LoadOrder()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := m.LoadOrder()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("LoadOrder not deterministic: %v vs %v", first, again)
		}
	}

	want := []string{"a.dsl", "b.dsl", "c.dsl"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("LoadOrder = %v, want declaration order %v", first, want)
	}
}

func TestLoadOrderCycleFatal(t *testing.T) {
	m := &Manifest{
		FormatVersion: 1,
		MainModule:    "a.dsl",
		Modules: []Module{
			{ID: "a.dsl", DependsOn: []string{"b.dsl"}},
			{ID: "b.dsl", DependsOn: []string{"a.dsl"}},
		},
	}

	var ce *CycleError
	if _, err := m.LoadOrder(); !errors.As(err, &ce) {
		t.Errorf("LoadOrder error = %v, want CycleError", err)
	}
}
