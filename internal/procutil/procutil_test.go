// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procutil

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func shell(script string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", script}
	}
	return "/bin/sh", []string{"-c", script}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script uses a POSIX shell")
	}
	name, args := shell("echo hello; echo world 1>&2; exit 3")

	res, err := Run(context.Background(), t.TempDir(), name, args, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if got := string(res.Stdout); got != "hello\n" {
		t.Errorf("Stdout = %q, want %q", got, "hello\n")
	}
	if got := string(res.Stderr); got != "world\n" {
		t.Errorf("Stderr = %q, want %q", got, "world\n")
	}
}

func TestRunActivityTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("script uses a POSIX shell")
	}
	name, args := shell("sleep 5")

	_, err := Run(context.Background(), t.TempDir(), name, args, 50*time.Millisecond)
	if _, ok := err.(TimeoutError); !ok {
		t.Fatalf("Run error = %v (%T), want TimeoutError", err, err)
	}
}
