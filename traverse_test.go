// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Cindyxin228/cross-pro-cg/internal/logging"
)

// fakeMaterialiser hands back pre-seeded crate directories and records which
// PkgIds it was asked to materialise.
type fakeMaterialiser struct {
	mu   sync.Mutex
	dirs map[PkgId]string
	hits map[PkgId]int
}

func newFakeMaterialiser() *fakeMaterialiser {
	return &fakeMaterialiser{dirs: make(map[PkgId]string), hits: make(map[PkgId]int)}
}

func (f *fakeMaterialiser) add(pkg PkgId, dir string) { f.dirs[pkg] = dir }

func (f *fakeMaterialiser) Materialise(_ context.Context, pkg PkgId) (string, error) {
	f.mu.Lock()
	f.hits[pkg]++
	f.mu.Unlock()
	dir, ok := f.dirs[pkg]
	if !ok {
		return "", fmt.Errorf("no fixture crate dir for %s", pkg)
	}
	return dir, nil
}

func (f *fakeMaterialiser) CleanupArchive(PkgId) error    { return nil }
func (f *fakeMaterialiser) CleanBuildOutputs(PkgId) error { return nil }

func (f *fakeMaterialiser) hitCount(pkg PkgId) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[pkg]
}

// fakeAnalyser returns a pre-seeded verdict per PkgId, defaulting to
// DoesNotCall for anything unconfigured.
type fakeAnalyser struct {
	mu       sync.Mutex
	verdicts map[PkgId]Verdict
	hits     map[PkgId]int
}

func newFakeAnalyser() *fakeAnalyser {
	return &fakeAnalyser{verdicts: make(map[PkgId]Verdict), hits: make(map[PkgId]int)}
}

func (f *fakeAnalyser) set(pkg PkgId, v Verdict) { f.verdicts[pkg] = v }

func (f *fakeAnalyser) Analyse(_ context.Context, pkg PkgId, _, _, _ string) (AnalysisResult, error) {
	f.mu.Lock()
	f.hits[pkg]++
	v, ok := f.verdicts[pkg]
	f.mu.Unlock()
	if !ok {
		v = DoesNotCall
	}
	result := AnalysisResult{Verdict: v}
	if v == Calls {
		result.ReportText = fmt.Sprintf(`{"total_callers":1,"pkg":%q}`, pkg.String())
	}
	return result, nil
}

func (f *fakeAnalyser) hitCount(pkg PkgId) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[pkg]
}

// fakeSink records emitted reports in memory.
type fakeSink struct {
	mu      sync.Mutex
	emitted map[PkgId]string
}

func newFakeSink() *fakeSink { return &fakeSink{emitted: make(map[PkgId]string)} }

func (f *fakeSink) Emit(pkg PkgId, reportText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted[pkg] = reportText
	return nil
}

func (f *fakeSink) has(pkg PkgId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.emitted[pkg]
	return ok
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted)
}

// makeCrateDir writes a minimal Cargo.toml declaring a dependency on depOn at
// depReq, so the real Manifest Patcher has something to rewrite.
func makeCrateDir(t *testing.T, depOn, depReq string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`[package]
name = "downstream"
version = "0.1.0"

[dependencies]
%s = %q
`, depOn, depReq)
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestTraverser(reg Registry, mat Materialiser, an CallAnalyser, sink ResultSink) *Traverser {
	return NewTraverser(TraversalConfig{
		Registry: reg,
		Store:    mat,
		Analyser: an,
		Sink:     sink,
		Logger:         logging.New(nil),
		FunctionPath:   "foo::bar",
		MaxConcurrency: 4,
	})
}

func TestTraverseSingleHopPositive(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {{Name: "bar", Version: "2.3.0", Req: "^1.0"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	an := newFakeAnalyser()
	an.set(bar, Calls)
	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sink.has(bar) {
		t.Errorf("expected %s to be emitted", bar)
	}
	if sink.count() != 1 {
		t.Errorf("expected exactly one emitted result, got %d", sink.count())
	}
	if mat.hitCount(foo) != 0 {
		t.Errorf("seed %s must never be materialised", foo)
	}
}

func TestTraverseSeedsAreNeverAnalysed(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{}}
	mat := newFakeMaterialiser()
	an := newFakeAnalyser()
	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sink.count() != 0 {
		t.Errorf("expected no emitted results, got %d", sink.count())
	}
	if mat.hitCount(foo) != 0 || an.hitCount(foo) != 0 {
		t.Errorf("seed %s must never be materialised or analysed", foo)
	}
}

func TestTraverseRequirementMismatchSuppressesEdge(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		// bar declares a requirement that does not admit foo@1.0.0.
		foo: {{Name: "bar", Version: "2.3.0", Req: "^2.0"}},
	}}
	mat := newFakeMaterialiser()
	an := newFakeAnalyser()
	an.set(bar, Calls)
	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if mat.hitCount(bar) != 0 {
		t.Errorf("bar should never be materialised when its requirement excludes foo@1.0.0")
	}
	if sink.count() != 0 {
		t.Errorf("expected no emitted results, got %d", sink.count())
	}
}

func TestTraversePropagatesOnlyThroughConfirmedCallers(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}
	baz := PkgId{Name: "baz", Version: "0.1.0"}
	qux := PkgId{Name: "qux", Version: "0.5.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {{Name: "bar", Version: "2.3.0", Req: "^1.0"}},
		bar: {{Name: "baz", Version: "0.1.0", Req: "^2.0"}},
		// qux depends on baz; should never be reached since baz does not call.
		baz: {{Name: "qux", Version: "0.5.0", Req: "^0.1"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	mat.add(baz, makeCrateDir(t, "bar", "2.3"))
	mat.add(qux, makeCrateDir(t, "baz", "0.1"))

	an := newFakeAnalyser()
	an.set(bar, Calls)
	an.set(baz, DoesNotCall)

	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !sink.has(bar) {
		t.Errorf("expected %s to be emitted", bar)
	}
	if sink.has(baz) {
		t.Errorf("%s does not call the target and must not be emitted", baz)
	}
	if mat.hitCount(baz) != 1 {
		t.Errorf("expected %s to be analysed exactly once, got %d", baz, mat.hitCount(baz))
	}
	if mat.hitCount(qux) != 0 {
		t.Errorf("%s is only reachable through baz, which did not call the target, and must never be visited", qux)
	}
}

func TestTraverseNotApplicableVerdictIsNotEmitted(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {{Name: "bar", Version: "2.3.0", Req: "^1.0"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	an := newFakeAnalyser()
	an.set(bar, NotApplicable)
	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sink.count() != 0 {
		t.Errorf("expected no emitted results, got %d", sink.count())
	}
}

func TestTraverseDiamondDependencyAnalysedOnce(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}
	baz := PkgId{Name: "baz", Version: "0.2.0"}
	qux := PkgId{Name: "qux", Version: "0.5.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {
			{Name: "bar", Version: "2.3.0", Req: "^1.0"},
			{Name: "baz", Version: "0.2.0", Req: "^1.0"},
		},
		// Both bar and baz declare a dependent on the same qux PkgId.
		bar: {{Name: "qux", Version: "0.5.0", Req: "*"}},
		baz: {{Name: "qux", Version: "0.5.0", Req: "*"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	mat.add(baz, makeCrateDir(t, "foo", "1.0"))
	mat.add(qux, makeCrateDir(t, "bar", "2.3"))

	an := newFakeAnalyser()
	an.set(bar, Calls)
	an.set(baz, Calls)
	an.set(qux, Calls)

	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if mat.hitCount(qux) != 1 {
		t.Errorf("qux is reachable through two parents in the same level but must be analysed exactly once, got %d", mat.hitCount(qux))
	}
	if an.hitCount(qux) != 1 {
		t.Errorf("qux must be analysed exactly once, got %d", an.hitCount(qux))
	}
}

func TestTraversePatchRetriesOnceThenSucceeds(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {{Name: "bar", Version: "2.3.0", Req: "^1.0"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	an := newFakeAnalyser()
	an.set(bar, Calls)
	sink := newFakeSink()

	var attempts int
	tr := NewTraverser(TraversalConfig{
		Registry:       reg,
		Store:          mat,
		Analyser:       an,
		Sink:           sink,
		Logger:         logging.New(nil),
		FunctionPath:   "foo::bar",
		MaxConcurrency: 4,
		Patch: func(manifestPath, depName, depVersion string) (*string, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("transient failure")
			}
			return PatchDependencyVersion(manifestPath, depName, depVersion)
		},
	})

	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected exactly one retry (2 attempts), got %d", attempts)
	}
	if !sink.has(bar) {
		t.Error("expected bar to still be analysed and emitted after the retry succeeds")
	}
}

func TestTraversePatchFailsTwiceSkipsDependent(t *testing.T) {
	foo := PkgId{Name: "foo", Version: "1.0.0"}
	bar := PkgId{Name: "bar", Version: "2.3.0"}

	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{
		foo: {{Name: "bar", Version: "2.3.0", Req: "^1.0"}},
	}}
	mat := newFakeMaterialiser()
	mat.add(bar, makeCrateDir(t, "foo", "1.0"))
	an := newFakeAnalyser()
	an.set(bar, Calls)
	sink := newFakeSink()

	var attempts int
	tr := NewTraverser(TraversalConfig{
		Registry:       reg,
		Store:          mat,
		Analyser:       an,
		Sink:           sink,
		Logger:         logging.New(nil),
		FunctionPath:   "foo::bar",
		MaxConcurrency: 4,
		Patch: func(manifestPath, depName, depVersion string) (*string, error) {
			attempts++
			return nil, fmt.Errorf("persistent failure")
		},
	})

	if err := tr.Run(context.Background(), []PkgId{foo}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected exactly two attempts before skipping, got %d", attempts)
	}
	if an.hitCount(bar) != 0 {
		t.Error("the analyser must not run once the manifest patch has failed twice")
	}
	if sink.count() != 0 {
		t.Errorf("expected no emitted results, got %d", sink.count())
	}
}

func TestTraverseNoMatchingSeedsProducesNoTraversal(t *testing.T) {
	reg := &fakeRegistry{dependents: map[PkgId][]Dependent{}}
	mat := newFakeMaterialiser()
	an := newFakeAnalyser()
	sink := newFakeSink()

	tr := newTestTraverser(reg, mat, an, sink)
	if err := tr.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run with no seeds: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("expected no emitted results, got %d", sink.count())
	}
}
