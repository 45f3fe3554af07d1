// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cratecg computes the transitive reverse-dependency impact of a
// known-vulnerable function inside a crates.io-shaped package registry: given
// a starting package, a semver range delimiting the vulnerable releases, and
// the fully qualified path of a target function, it discovers every
// downstream package-version that actually calls the target function and
// records each such call site.
package cratecg

import (
	"fmt"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// PkgId identifies an exact published release of a package.
type PkgId struct {
	Name    string
	Version string
}

func (id PkgId) String() string {
	return fmt.Sprintf("%s@%s", id.Name, id.Version)
}

// ArchiveName is the registry-standard file name for this PkgId's
// compressed archive, e.g. "crossbeam-channel-0.5.12.crate".
func (id PkgId) ArchiveName() string {
	return fmt.Sprintf("%s-%s.crate", id.Name, id.Version)
}

// ExtractDirName is the top-level directory name a well-formed archive for
// this PkgId unpacks into, e.g. "crossbeam-channel-0.5.12".
func (id PkgId) ExtractDirName() string {
	return fmt.Sprintf("%s-%s", id.Name, id.Version)
}

// VerReq is a multi-clause semantic-version range expression, as declared by
// a dependent against the package it depends on.
type VerReq struct {
	raw        string
	constraint *semver.Constraints
}

// ParseVerReq parses a semver range expression such as ">=0.5.11, <0.5.15" or
// "^1.0". A VersionParseError is returned on malformed input.
func ParseVerReq(expr string) (VerReq, error) {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return VerReq{}, VersionParseError{Input: expr, Err: err}
	}
	return VerReq{raw: expr, constraint: c}, nil
}

// String returns the original requirement expression.
func (r VerReq) String() string {
	return r.raw
}

// Admits reports whether the exact version string satisfies the
// requirement. A malformed version string never satisfies any requirement.
func (r VerReq) Admits(version string) bool {
	if r.constraint == nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return r.constraint.Check(v)
}

// sortVersions orders a slice of version strings ascending by semantic
// version, pushing unparsable strings (which shouldn't occur against a
// well-behaved registry) to the end in their original relative order.
func sortVersions(versions []string) []string {
	type pv struct {
		raw string
		v   *semver.Version
	}
	parsed := make([]pv, len(versions))
	for i, s := range versions {
		v, err := semver.NewVersion(s)
		if err == nil {
			parsed[i] = pv{raw: s, v: v}
		} else {
			parsed[i] = pv{raw: s}
		}
	}
	// simple stable insertion sort is plenty for the sizes involved here.
	// A nil (unparsable) entry always sorts after a parsed one, so garbage
	// versions end up at the tail instead of blocking the sort around them.
	isOutOfOrder := func(a, b pv) bool {
		if a.v == nil && b.v == nil {
			return false
		}
		if a.v == nil {
			return true // a treated as +inf, b finite: out of order
		}
		if b.v == nil {
			return false // a finite, b treated as +inf: in order
		}
		return a.v.GreaterThan(b.v)
	}
	for i := 1; i < len(parsed); i++ {
		for j := i; j > 0; j-- {
			if !isOutOfOrder(parsed[j-1], parsed[j]) {
				break
			}
			parsed[j-1], parsed[j] = parsed[j], parsed[j-1]
		}
	}
	out := make([]string, len(parsed))
	for i, p := range parsed {
		out[i] = p.raw
	}
	return out
}

// dedupeVersions collapses duplicate version strings, preserving first-seen
// order.
func dedupeVersions(versions []string) []string {
	seen := make(map[string]struct{}, len(versions))
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// errWrap wraps a low-level error with a one-line operation description,
// passing nil through untouched.
func errWrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
