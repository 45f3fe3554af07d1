// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Cindyxin228/cross-pro-cg/internal/logging"
)

// Materialiser is the subset of the Artifact Store the Traversal Engine
// drives. *Store satisfies it; tests substitute a fake.
type Materialiser interface {
	Materialise(ctx context.Context, pkg PkgId) (string, error)
	CleanupArchive(pkg PkgId) error
	CleanBuildOutputs(pkg PkgId) error
}

// CallAnalyser is the subset of the Call Analyser the Traversal Engine
// drives. *Analyser satisfies it; tests substitute a fake.
type CallAnalyser interface {
	Analyse(ctx context.Context, pkg PkgId, crateDir, functionPath, outputDir string) (AnalysisResult, error)
}

// ResultSink is the subset of the Result Sink the Traversal Engine drives.
// *Sink satisfies it; tests substitute a fake.
type ResultSink interface {
	Emit(pkg PkgId, reportText string) error
}

// TraversalConfig bundles the collaborators the Traversal Engine drives.
type TraversalConfig struct {
	Registry Registry
	Store    Materialiser
	Analyser CallAnalyser
	Sink     ResultSink
	Logger   *logrus.Logger

	// FunctionPath is the fully-qualified target function, e.g.
	// "tokio::sync::mpsc::channel".
	FunctionPath string

	// MaxConcurrency bounds how many reverse-dependent packages are
	// materialised and analysed at once. Defaults to 16 if unset.
	MaxConcurrency int64

	// Patch rewrites the manifest at manifestPath to pin depName to
	// depVersion. Defaults to PatchDependencyVersion; overridable so tests
	// can exercise the patch-retry path without real file flakiness.
	Patch func(manifestPath, depName, depVersion string) (*string, error)
}

// Traverser runs a level-synchronous breadth-first search over the reverse
// dependency graph rooted at a set of known-vulnerable package versions.
type Traverser struct {
	cfg TraversalConfig
	sem *semaphore.Weighted

	mu      sync.Mutex
	visited map[PkgId]struct{}
}

// NewTraverser builds a Traverser from cfg.
func NewTraverser(cfg TraversalConfig) *Traverser {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 16
	}
	if cfg.Patch == nil {
		cfg.Patch = PatchDependencyVersion
	}
	return &Traverser{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
		visited: make(map[PkgId]struct{}),
	}
}

// claim atomically marks pkg as visited, reporting whether this call was the
// first to do so for the lifetime of the Traverser. Once claimed, a PkgId is
// never analysed again, even if a second parent discovers it later in the
// same BFS level or in a subsequent one.
func (t *Traverser) claim(pkg PkgId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.visited[pkg]; ok {
		return false
	}
	t.visited[pkg] = struct{}{}
	return true
}

// Run walks the reverse dependency graph breadth-first from seeds, one level
// fully processed before the next begins. Every package-version reached is
// claimed at most once, so cyclic dependency declarations (which crates.io
// permits via dev-dependencies and workspace members) can't loop forever, and
// no package is ever analysed twice even if multiple parents in the same
// level declare a dependency on it. Seeds themselves are roots only: they are
// never materialised, patched, or analysed, only queried for their reverse
// dependents.
func (t *Traverser) Run(ctx context.Context, seeds []PkgId) error {
	var frontier []PkgId
	for _, s := range seeds {
		if t.claim(s) {
			frontier = append(frontier, s)
		}
	}

	for len(frontier) > 0 {
		var mu sync.Mutex
		var next []PkgId

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(int(t.cfg.MaxConcurrency))
		for _, pkg := range frontier {
			pkg := pkg
			g.Go(func() error {
				children, err := t.visitParent(gctx, pkg)
				if err != nil {
					return err
				}
				mu.Lock()
				next = append(next, children...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

// visitParent queries pkg's reverse dependents, retains only the ones whose
// declared requirement admits pkg's exact version, confining propagation to
// the vulnerable release actually under consideration, and visits the
// survivors concurrently in batches of 100, bounded by the traverser's
// semaphore. A query
// failure for pkg is logged and treated as a dead end rather than aborting
// the whole run; an individual dependent's failure is likewise logged and
// skipped.
func (t *Traverser) visitParent(ctx context.Context, pkg PkgId) ([]PkgId, error) {
	dependents, err := t.cfg.Registry.ReverseDependents(ctx, pkg.Name, pkg.Version)
	if err != nil {
		logging.Decision(t.cfg.Logger, "query-failed", pkg.Name, pkg.Version, "", err.Error())
		return nil, nil
	}

	var mu sync.Mutex
	var children []PkgId

	// Surviving dependents are visited in batches of dependentBatchSize; each
	// batch finishes before the next one is started.
	const dependentBatchSize = 100
	launched := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range dependents {
		dep := dep

		req, err := ParseVerReq(dep.Req)
		if err != nil {
			logging.Decision(t.cfg.Logger, "unparseable-requirement", dep.Name, dep.Version, pkg.String(), dep.Req)
			continue
		}
		if !req.Admits(pkg.Version) {
			logging.Decision(t.cfg.Logger, "requirement-mismatch", dep.Name, dep.Version, pkg.String(), dep.Req)
			continue
		}

		child := PkgId{Name: dep.Name, Version: dep.Version}
		if !t.claim(child) {
			logging.Decision(t.cfg.Logger, "already-visited", child.Name, child.Version, pkg.String(), "")
			continue
		}

		if launched == dependentBatchSize {
			if err := g.Wait(); err != nil {
				return nil, err
			}
			g, gctx = errgroup.WithContext(ctx)
			launched = 0
		}
		launched++

		g.Go(func() error {
			if err := t.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer t.sem.Release(1)

			calls, err := t.visitChild(gctx, pkg, child)
			if err != nil {
				logging.Decision(t.cfg.Logger, "error", child.Name, child.Version, pkg.String(), err.Error())
				return nil
			}
			if calls {
				mu.Lock()
				children = append(children, child)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return children, nil
}

// visitChild materialises child, pins its declared dependency on parent to
// parent's exact version, and analyses it for calls into the target
// function. It reports true only when child's own source is found to call
// the target: only a confirmed caller can propagate the reachability
// further, so only then is child added to the next level's frontier.
func (t *Traverser) visitChild(ctx context.Context, parent, child PkgId) (bool, error) {
	crateDir, err := t.cfg.Store.Materialise(ctx, child)
	if err != nil {
		logging.Decision(t.cfg.Logger, "materialise-failed", child.Name, child.Version, parent.String(), err.Error())
		return false, nil
	}

	manifestPath := filepath.Join(crateDir, "Cargo.toml")
	prior, err := t.patchWithRetry(manifestPath, parent.Name, parent.Version)
	if err != nil {
		logging.Decision(t.cfg.Logger, "patch-failed", child.Name, child.Version, parent.String(), err.Error())
		return false, nil
	}
	if prior == nil {
		logging.Decision(t.cfg.Logger, "no-dependency-edge", child.Name, child.Version, parent.String(), "reported as dependent but manifest declares no such dependency")
	}

	// A stale Cargo.lock would pin resolution to the pre-patch manifest;
	// remove it so the tool re-resolves against the version we just pinned.
	_ = os.Remove(filepath.Join(crateDir, "Cargo.lock"))

	outputDir := filepath.Join(crateDir, "target")
	result, err := t.cfg.Analyser.Analyse(ctx, child, crateDir, t.cfg.FunctionPath, outputDir)
	if err != nil {
		logging.Decision(t.cfg.Logger, "analysis-error", child.Name, child.Version, parent.String(), err.Error())
		result = AnalysisResult{Verdict: ToolFailure, Stderr: err.Error()}
	}

	calls := false
	switch result.Verdict {
	case Calls:
		calls = true
		logging.Decision(t.cfg.Logger, "calls", child.Name, child.Version, parent.String(), "")
		if err := t.cfg.Sink.Emit(child, result.ReportText); err != nil {
			logging.Decision(t.cfg.Logger, "emit-failed", child.Name, child.Version, parent.String(), err.Error())
		}
	case DoesNotCall:
		logging.Decision(t.cfg.Logger, "does-not-call", child.Name, child.Version, parent.String(), "")
	case NotApplicable:
		logging.Decision(t.cfg.Logger, "not-applicable", child.Name, child.Version, parent.String(), "")
	case ToolFailure:
		// A tool failure yields no verdict either way; the package is not
		// enqueued, same as a clean negative.
		logging.Decision(t.cfg.Logger, "tool-failure", child.Name, child.Version, parent.String(), result.Stderr)
	}

	// The tool resolves dependencies as part of its build, leaving a
	// lockfile behind; drop it so the extracted tree holds only source.
	_ = os.Remove(filepath.Join(crateDir, "Cargo.lock"))

	if err := t.cfg.Store.CleanBuildOutputs(child); err != nil {
		logging.Decision(t.cfg.Logger, "cleanup-failed", child.Name, child.Version, parent.String(), err.Error())
	}
	if err := t.cfg.Store.CleanupArchive(child); err != nil {
		logging.Decision(t.cfg.Logger, "cleanup-failed", child.Name, child.Version, parent.String(), err.Error())
	}

	return calls, nil
}

// patchWithRetry applies one retry on top of t.cfg.Patch: a transient write
// failure gets a second chance, a second failure skips the dependent.
func (t *Traverser) patchWithRetry(manifestPath, depName, depVersion string) (*string, error) {
	prior, err := t.cfg.Patch(manifestPath, depName, depVersion)
	if err == nil {
		return prior, nil
	}
	return t.cfg.Patch(manifestPath, depName, depVersion)
}
