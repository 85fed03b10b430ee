package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/stevedore-dev/stevedore/codec"
	"github.com/stevedore-dev/stevedore/manifest"
)

var log = commonlog.GetLogger("stevedore.pipeline")

// Output naming is deterministic: a module id keeps its source name with
// the extension swapped, and the manifest and index have fixed names.
const (
	ArtifactExt  = ".stvb"
	ManifestName = "bundle.toml"
	IndexName    = "buildcache.cbor"

	defaultSourceExt = ".dsl"
)

// Options configures one pipeline.
type Options struct {
	SourceDir      string
	OutDir         string
	MainModule     string // module id of the entry module
	MainFunction   string // expression evaluated after all modules load
	SourceExt      string // defaults to ".dsl"
	BaseURL        string // prefix for module URLs; empty means relative names
	EmitSourceMaps bool
	Compress       bool
}

// Pipeline compiles one project. It owns the project's build cache index
// and output directory for the duration of a compile; concurrent compiles
// of the same project are not supported and must be serialized by the
// caller.
type Pipeline struct {
	compiler Compiler
	resolver DependencyResolver // nil means no dependency metadata
	opts     Options
}

// New creates a pipeline. resolver may be nil, in which case the
// declaration-order fallback policy applies to every build.
func New(compiler Compiler, resolver DependencyResolver, opts Options) (*Pipeline, error) {
	if compiler == nil {
		return nil, fmt.Errorf("pipeline requires a compiler")
	}
	if opts.SourceDir == "" || opts.OutDir == "" {
		return nil, fmt.Errorf("pipeline requires source and output directories")
	}
	if opts.SourceExt == "" {
		opts.SourceExt = defaultSourceExt
	}
	return &Pipeline{compiler: compiler, resolver: resolver, opts: opts}, nil
}

// unit is one compiled source file staged in memory. Nothing is written to
// the output directory until every unit of the build has compiled, which is
// what makes publication all-or-nothing.
type unit struct {
	id     string // module id: source file name
	source []byte
	data   []byte // encoded artifact bytes
	deps   []string
}

func (p *Pipeline) artifactName(id string) string {
	return strings.TrimSuffix(id, p.opts.SourceExt) + ArtifactExt
}

func (p *Pipeline) moduleURL(id string) string {
	name := p.artifactName(id)
	if p.opts.BaseURL == "" {
		return name
	}
	return strings.TrimSuffix(p.opts.BaseURL, "/") + "/" + name
}

func (p *Pipeline) manifestPath() string {
	return filepath.Join(p.opts.OutDir, ManifestName)
}

func (p *Pipeline) indexPath() string {
	return filepath.Join(p.opts.OutDir, IndexName)
}

// Build runs a full compile: every eligible source file is recompiled, a
// fresh manifest is produced, validated, and published last.
func (p *Pipeline) Build(ctx context.Context) (*manifest.Manifest, error) {
	ids, err := p.listSources()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no %s sources in %s", p.opts.SourceExt, p.opts.SourceDir)
	}

	units := make([]*unit, 0, len(ids))
	for _, id := range ids {
		u, err := p.compileOne(ctx, id)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	if _, err := p.resolveDeps(units); err != nil {
		return nil, err
	}

	mods := make([]manifest.Module, 0, len(units))
	for _, u := range units {
		mods = append(mods, p.moduleMeta(u))
	}
	m, err := p.assemble(mods, p.opts.MainModule, p.opts.MainFunction)
	if err != nil {
		return nil, err
	}

	idx := &Index{Entries: make(map[string]IndexEntry, len(units))}
	for _, u := range units {
		idx.Entries[u.id] = IndexEntry{
			Fingerprint: Fingerprint(u.source),
			Artifact:    p.artifactName(u.id),
		}
	}

	if err := p.commit(units, nil, idx, m); err != nil {
		return nil, err
	}
	log.Infof("full build: %d modules", len(units))
	return m, nil
}

// Update runs an incremental compile against the previous build of the same
// project. Exactly the added and modified files are recompiled (modified
// files recompile regardless of fingerprint, since the caller has asserted
// a change); removed files lose their artifact, index entry, and manifest
// entry; untouched files are neither read nor rewritten. The manifest is
// rewritten wholesale with the entry point carried over.
func (p *Pipeline) Update(ctx context.Context, added, modified, removed []string) (*manifest.Manifest, error) {
	prev, err := manifest.Load(p.manifestPath())
	if err != nil {
		return nil, fmt.Errorf("no previous build to update: %w", err)
	}
	idx, err := LoadIndex(p.indexPath())
	if err != nil {
		return nil, err
	}

	removedSet := make(map[string]bool, len(removed))
	for _, id := range removed {
		if prev.Lookup(id) == nil {
			log.Warningf("removed module %s not in previous manifest", id)
		}
		removedSet[id] = true
	}

	recompiled := make(map[string]*unit, len(added)+len(modified))
	var units []*unit
	for _, id := range append(append([]string{}, added...), modified...) {
		if removedSet[id] {
			return nil, fmt.Errorf("module %s is both removed and recompiled", id)
		}
		u, err := p.compileOne(ctx, id)
		if err != nil {
			return nil, err
		}
		recompiled[id] = u
		units = append(units, u)
	}

	fallback, err := p.resolveDeps(units)
	if err != nil {
		return nil, err
	}

	// New declaration order: surviving previous modules in their previous
	// order, then genuinely new modules in sorted order.
	var mods []manifest.Module
	placed := make(map[string]bool)
	for _, mod := range prev.Modules {
		if removedSet[mod.ID] {
			continue
		}
		if u, ok := recompiled[mod.ID]; ok {
			mods = append(mods, p.moduleMeta(u))
		} else {
			mods = append(mods, mod)
		}
		placed[mod.ID] = true
	}
	var newIDs []string
	for id := range recompiled {
		if !placed[id] {
			newIDs = append(newIDs, id)
		}
	}
	sort.Strings(newIDs)
	for _, id := range newIDs {
		mods = append(mods, p.moduleMeta(recompiled[id]))
	}

	// Chain edges are synthetic, so carrying them over would leave the
	// successor of a removed module pointing at a module that no longer
	// exists. Re-derive the chain over the post-update declaration list. A
	// removal-only update never consults the resolver, so a previous
	// manifest shaped exactly like a predecessor chain is treated as
	// synthetic too.
	if fallback || (len(units) == 0 && isDeclChain(prev.Modules)) {
		chainDecl(mods)
	}

	m, err := p.assemble(mods, prev.MainModule, prev.MainFunction)
	if err != nil {
		return nil, err
	}

	for _, id := range removed {
		delete(idx.Entries, id)
	}
	for id, u := range recompiled {
		idx.Entries[id] = IndexEntry{
			Fingerprint: Fingerprint(u.source),
			Artifact:    p.artifactName(id),
		}
	}

	var removedArtifacts []string
	for _, id := range removed {
		removedArtifacts = append(removedArtifacts, p.artifactName(id))
	}

	if err := p.commit(units, removedArtifacts, idx, m); err != nil {
		return nil, err
	}
	log.Infof("incremental build: %d recompiled, %d removed, %d total",
		len(units), len(removed), len(m.Modules))
	return m, nil
}

func (p *Pipeline) listSources() ([]string, error) {
	entries, err := os.ReadDir(p.opts.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), p.opts.SourceExt) {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

func (p *Pipeline) compileOne(ctx context.Context, id string) (*unit, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path := filepath.Join(p.opts.SourceDir, id)
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	bytecode, sourceMap, err := p.compiler.Compile(ctx, source)
	if err != nil {
		return nil, &CompileError{Path: path, Err: err}
	}

	a := &codec.Artifact{
		FormatVersion: codec.FormatVersion,
		Bytecode:      bytecode,
	}
	if p.opts.EmitSourceMaps {
		a.SourceMap = sourceMap
	}

	var data []byte
	if p.opts.Compress {
		data, err = codec.EncodeCompressed(a)
	} else {
		data, err = codec.Encode(a)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding artifact for %s: %w", id, err)
	}

	log.Debugf("compiled %s (%d bytes source, %d bytes artifact)", id, len(source), len(data))
	return &unit{id: id, source: source, data: data}, nil
}

// resolveDeps fills in dependency edges for the given units and reports
// whether the build degraded to declaration order, which happens when the
// resolver is absent or reports ErrNoMetadata. In that regime each unit
// depends only on its predecessor.
func (p *Pipeline) resolveDeps(units []*unit) (bool, error) {
	noMeta := p.resolver == nil
	if !noMeta {
		for _, u := range units {
			deps, err := p.resolver.Dependencies(u.id, u.source)
			if errors.Is(err, ErrNoMetadata) {
				noMeta = true
				break
			}
			if err != nil {
				return false, fmt.Errorf("resolving dependencies of %s: %w", u.id, err)
			}
			u.deps = deps
		}
	}
	if noMeta {
		log.Noticef("dependency metadata unavailable; degrading to declaration order")
		for i, u := range units {
			if i == 0 {
				u.deps = nil
			} else {
				u.deps = []string{units[i-1].id}
			}
		}
	}
	return noMeta, nil
}

// isDeclChain reports whether the module list is exactly a predecessor
// chain, the shape the declaration-order fallback produces.
func isDeclChain(mods []manifest.Module) bool {
	for i, mod := range mods {
		if i == 0 {
			if len(mod.DependsOn) != 0 {
				return false
			}
			continue
		}
		if len(mod.DependsOn) != 1 || mod.DependsOn[0] != mods[i-1].ID {
			return false
		}
	}
	return true
}

// chainDecl rewrites every edge so each module depends only on its
// predecessor in declaration order.
func chainDecl(mods []manifest.Module) {
	for i := range mods {
		if i == 0 {
			mods[i].DependsOn = nil
		} else {
			mods[i].DependsOn = []string{mods[i-1].ID}
		}
	}
}

func (p *Pipeline) moduleMeta(u *unit) manifest.Module {
	return manifest.Module{
		ID:        u.id,
		URL:       p.moduleURL(u.id),
		Integrity: manifest.HashBytes(u.data),
		DependsOn: u.deps,
	}
}

// assemble builds the manifest, validates it, and rewrites the module list
// into load order so the published declaration order is a valid topological
// order.
func (p *Pipeline) assemble(mods []manifest.Module, mainModule, mainFunction string) (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		FormatVersion: manifest.SupportedVersion,
		MainModule:    mainModule,
		MainFunction:  mainFunction,
		Modules:       mods,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest validation: %w", err)
	}

	order, err := m.LoadOrder()
	if err != nil {
		return nil, err
	}
	sorted := make([]manifest.Module, 0, len(mods))
	for _, id := range order {
		sorted = append(sorted, *m.Lookup(id))
	}
	m.Modules = sorted
	return m, nil
}

// commit publishes a successful build. New artifacts are written
// (atomically, each) before the index, the manifest supersedes the previous
// one next, and only then are stale artifacts deleted: a crash anywhere in
// between leaves whichever manifest is current pointing at intact
// artifacts.
func (p *Pipeline) commit(units []*unit, removedArtifacts []string, idx *Index, m *manifest.Manifest) error {
	if err := os.MkdirAll(p.opts.OutDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, u := range units {
		path := filepath.Join(p.opts.OutDir, p.artifactName(u.id))
		if err := codec.WriteFileBytes(path, u.data); err != nil {
			return err
		}
	}
	if err := idx.Save(p.indexPath()); err != nil {
		return err
	}
	if err := m.WriteFile(p.manifestPath()); err != nil {
		return err
	}
	// Stale artifacts go last: until the new manifest lands, the previous
	// manifest is still current and may reference them.
	for _, name := range removedArtifacts {
		if err := os.Remove(filepath.Join(p.opts.OutDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing artifact %s: %w", name, err)
		}
	}
	return nil
}
