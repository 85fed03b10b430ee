// Package loader resolves a published manifest into a dependency-ordered
// load plan, materializes each module from the local store or a remote
// fetcher with integrity verification, and feeds the modules into an
// embedded script engine in order. A failed load falls back to the pinned
// last-known-good manifest when one exists; the loader never leaves the
// host in a partially loaded state.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/stevedore-dev/stevedore/codec"
	"github.com/stevedore-dev/stevedore/manifest"
	"github.com/stevedore-dev/stevedore/store"
)

var log = commonlog.GetLogger("stevedore.loader")

const defaultMaxFetches = 4

// Loader drives the fetch/cache/verify/load state machine. Store, Fetcher,
// and NewEngine must be set; MaxFetches bounds concurrent fetch-and-verify
// work (0 means a small default).
type Loader struct {
	Store      *store.Store
	Fetcher    Fetcher
	NewEngine  func() (Engine, error)
	MaxFetches int
}

// Result reports the outcome of a load.
type Result struct {
	AttemptID string // correlation id carried through logs
	State     State
	Value     any  // result of evaluating the main function, on success
	FellBack  bool // whether the pinned last-known-good path was taken
}

// Load runs one load attempt against manifestBytes. On failure it retries
// the whole sequence using the pinned last-known-good manifest, whose
// artifacts are local by construction; with no pin the failure is terminal.
// Cancellation is honored at state boundaries and never falls back.
func (l *Loader) Load(ctx context.Context, manifestBytes []byte) (*Result, error) {
	attemptID := uuid.NewString()
	log.Infof("load attempt %s starting", attemptID)

	value, err := l.attempt(ctx, attemptID, manifestBytes, true)
	if err == nil {
		log.Infof("load attempt %s succeeded", attemptID)
		return &Result{AttemptID: attemptID, State: StateSucceeded, Value: value}, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	pinned, pinErr := l.Store.PinnedManifest()
	if pinErr != nil {
		log.Errorf("load attempt %s failed with no fallback: %v", attemptID, err)
		return &Result{AttemptID: attemptID, State: StateFailed}, err
	}

	log.Warningf("load attempt %s failed (%v); falling back to pinned manifest", attemptID, err)
	value, fbErr := l.attempt(ctx, attemptID, pinned, false)
	if fbErr != nil {
		return &Result{AttemptID: attemptID, State: StateFailed, FellBack: true},
			fmt.Errorf("load failed: %v; fallback also failed: %w", err, fbErr)
	}
	log.Infof("load attempt %s recovered via pinned manifest", attemptID)
	return &Result{AttemptID: attemptID, State: StateFallbackLoaded, Value: value, FellBack: true}, nil
}

// attempt runs the full state machine once. allowFetch is false on the
// fallback path: pinned modules must already be local.
func (l *Loader) attempt(ctx context.Context, attemptID string, manifestBytes []byte, allowFetch bool) (any, error) {
	// ManifestAcquired: parse, then validate defensively; the manifest may
	// come from an untrusted source.
	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return nil, &LoadError{Stage: StageManifest, Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &LoadError{Stage: StageManifest, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// GraphResolved
	order, err := m.LoadOrder()
	if err != nil {
		return nil, &LoadError{Stage: StageResolve, Err: err}
	}
	log.Debugf("attempt %s: resolved %d modules", attemptID, len(order))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ModulesMaterialized
	blobs, err := l.materialize(ctx, m, order, allowFetch)
	if err != nil {
		return nil, err
	}
	artifacts := make(map[string]*codec.Artifact, len(order))
	for _, id := range order {
		a, err := codec.Decode(blobs[id])
		if err != nil {
			return nil, &LoadError{Stage: StageMaterialize, ModuleID: id, Err: err}
		}
		artifacts[id] = a
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Executing: strictly sequential, in resolved order. The engine is a
	// scoped resource for this attempt and is released on every exit path.
	engine, err := l.NewEngine()
	if err != nil {
		return nil, &LoadError{Stage: StageExecute, Err: err}
	}
	defer engine.Close()

	for _, id := range order {
		if err := engine.Execute(artifacts[id].Bytecode); err != nil {
			return nil, &LoadError{Stage: StageExecute, ModuleID: id, Err: &RuntimeFault{ModuleID: id, Err: err}}
		}
	}
	value, err := engine.Evaluate(m.MainFunction)
	if err != nil {
		return nil, &LoadError{Stage: StageExecute, ModuleID: m.MainModule,
			Err: &RuntimeFault{ModuleID: m.MainModule, Err: err}}
	}

	// Commit pin: only a manifest that executed end-to-end becomes the
	// fallback target.
	hashes := make([]string, 0, len(m.Modules))
	for _, mod := range m.Modules {
		hashes = append(hashes, mod.Integrity)
	}
	if err := l.Store.Pin(manifestBytes, hashes); err != nil {
		return nil, &LoadError{Stage: StageCommit, Err: err}
	}
	return value, nil
}

// materialize brings every module's verified bytes into hand, reading the
// store first and fetching on a miss. Fetch-and-verify runs on a bounded
// worker pool; execution order is enforced later, so materialization order
// does not matter.
func (l *Loader) materialize(parent context.Context, m *manifest.Manifest, order []string, allowFetch bool) (map[string][]byte, error) {
	workers := l.MaxFetches
	if workers <= 0 {
		workers = defaultMaxFetches
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		mu       sync.Mutex
		blobs    = make(map[string][]byte, len(order))
		firstErr error
	)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, id := range order {
		mod := m.Lookup(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			data, err := l.materializeOne(ctx, mod, allowFetch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			blobs[mod.ID] = data
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return blobs, nil
}

func (l *Loader) materializeOne(ctx context.Context, mod *manifest.Module, allowFetch bool) ([]byte, error) {
	data, err := l.Store.Get(mod.Integrity)
	if err == nil {
		log.Debugf("store hit for %s", mod.ID)
		return data, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, &LoadError{Stage: StageMaterialize, ModuleID: mod.ID, Err: err}
	}
	if !allowFetch {
		return nil, &LoadError{Stage: StageMaterialize, ModuleID: mod.ID,
			Err: fmt.Errorf("pinned module missing from store: %w", err)}
	}

	fetched, err := l.Fetcher.Fetch(ctx, mod.URL)
	if err != nil {
		return nil, &LoadError{Stage: StageMaterialize, ModuleID: mod.ID,
			Err: &FetchError{URL: mod.URL, Err: err}}
	}
	if !manifest.VerifyIntegrity(fetched, mod.Integrity) {
		// Discarded: never cached, never executed.
		return nil, &LoadError{Stage: StageMaterialize, ModuleID: mod.ID,
			Err: fmt.Errorf("%w for %s", ErrIntegrity, mod.ID)}
	}
	if err := l.Store.Put(mod.Integrity, fetched); err != nil {
		return nil, &LoadError{Stage: StageMaterialize, ModuleID: mod.ID, Err: err}
	}
	log.Debugf("fetched and verified %s", mod.ID)
	return fetched, nil
}
