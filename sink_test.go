// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSinkEmitWritesExpectedFile(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)

	pkg := PkgId{Name: "hyper", Version: "0.14.2"}
	report := `{"total_callers":2}`
	if err := sink.Emit(pkg, report); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	path := filepath.Join(dir, "hyper-0.14.2-callers.json")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading emitted file: %v", err)
	}
	if string(got) != report {
		t.Errorf("emitted content = %q, want %q", got, report)
	}
}
