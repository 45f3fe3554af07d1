// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/Cindyxin228/cross-pro-cg/internal/fsutil"
)

// PatchDependencyVersion rewrites manifestPath's declaration of depName,
// under the top-level dependencies table, to require exactly pinVersion.
// Cargo.toml lets a dependency be declared either inline, as
//
//	[dependencies]
//	depName = "1.0"
//
// or as its own sub-table,
//
//	[dependencies.depName]
//	version = "1.0"
//
// go-toml parses both forms into the same "dependencies.depName" key path,
// so the two cases are handled uniformly here.
//
// If depName is not declared as a dependency at all, PatchDependencyVersion
// does nothing and returns (nil, nil): the caller is expected to skip a
// candidate with no real dependency edge rather than treat it as an error.
// Otherwise it returns the prior requirement string, so the caller can
// restore it later if desired.
//
// Patching is idempotent: pinVersion is rewritten to the exact string
// "=<pinVersion>", so applying the same (depName, pinVersion) pair a second
// time finds the pin already in place and leaves the file byte-for-byte
// unchanged.
func PatchDependencyVersion(manifestPath, depName, pinVersion string) (*string, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, PatchFailureError{Dir: manifestPath, Err: err}
	}

	tree, err := toml.LoadBytes(raw)
	if err != nil {
		return nil, PatchFailureError{Dir: manifestPath, Err: err}
	}

	depPath := []string{"dependencies", depName}
	val := tree.GetPath(depPath)
	if val == nil {
		return nil, nil
	}

	pin := "=" + strings.TrimPrefix(pinVersion, "=")

	switch v := val.(type) {
	case string:
		prior := v
		if prior == pin {
			return &prior, nil
		}
		tree.SetPath(depPath, pin)
		if err := writeTree(manifestPath, tree); err != nil {
			return nil, err
		}
		return &prior, nil

	case *toml.Tree:
		prior, _ := v.Get("version").(string)
		if prior == pin {
			return &prior, nil
		}
		tree.SetPath([]string{"dependencies", depName, "version"}, pin)
		if err := writeTree(manifestPath, tree); err != nil {
			return nil, err
		}
		return &prior, nil

	default:
		return nil, PatchFailureError{
			Dir: manifestPath,
			Err: errors.Errorf("dependency %s has unsupported manifest shape %T", depName, val),
		}
	}
}

func writeTree(manifestPath string, tree *toml.Tree) error {
	out, err := tree.ToTomlString()
	if err != nil {
		return PatchFailureError{Dir: manifestPath, Err: err}
	}
	if err := fsutil.WriteFileAtomic(manifestPath, []byte(out)); err != nil {
		return PatchFailureError{Dir: manifestPath, Err: err}
	}
	return nil
}
