// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"fmt"
	"path/filepath"

	"github.com/Cindyxin228/cross-pro-cg/internal/fsutil"
)

// Sink records positive call-graph hits to disk.
type Sink struct {
	dir string
}

// NewSink creates a Sink that writes under dir, creating it if necessary.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Emit writes reportText to <dir>/<name>-<version>-callers.json, atomically.
func (s *Sink) Emit(pkg PkgId, reportText string) error {
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s-callers.json", pkg.Name, pkg.Version))
	if err := fsutil.WriteFileAtomic(path, []byte(reportText)); err != nil {
		return errWrap(err, "emit result for %s", pkg)
	}
	return nil
}
