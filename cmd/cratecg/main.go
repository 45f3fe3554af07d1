// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cratecg finds every downstream crate that calls a given function
// inside a given vulnerable version range of a package.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Cindyxin228/cross-pro-cg"
	"github.com/Cindyxin228/cross-pro-cg/internal/logging"
)

func main() {
	c := &Config{
		Args:   os.Args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	os.Exit(c.Run())
}

// Config specifies a full configuration for one cratecg execution.
type Config struct {
	Args           []string
	Stdout, Stderr io.Writer
}

// Run executes a configuration and returns an exit code.
func (c *Config) Run() int {
	if len(c.Args) != 4 {
		fmt.Fprintf(c.Stderr, "usage: %s <package> <version-range> <function-path>\n", progName(c.Args))
		return 1
	}
	seedName, seedRange, functionPath := c.Args[1], c.Args[2], c.Args[3]

	logger := logging.New(c.Stderr)
	ctx := context.Background()

	app, err := cratecg.NewCtx(ctx, cratecg.ConfigFromEnv(), logger)
	if err != nil {
		fmt.Fprintln(c.Stderr, err)
		return 1
	}
	defer app.Close()

	if err := app.Run(ctx, seedName, seedRange, functionPath); err != nil {
		fmt.Fprintln(c.Stderr, err)
		return 1
	}
	return 0
}

func progName(args []string) string {
	if len(args) == 0 {
		return "cratecg"
	}
	return args[0]
}
