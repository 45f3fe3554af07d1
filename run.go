// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Cindyxin228/cross-pro-cg/internal/logging"
)

// Config holds every knob the orchestrator needs, sourced from environment
// variables the way the rest of the ambient stack is configured; there are
// no subcommands or config files to parse.
type Config struct {
	// DownloadDir is the Artifact Store's root, DOWNLOAD_DIR.
	DownloadDir string
	// OutputDir is where positive hits are recorded, OUTPUT_DIR.
	OutputDir string
	// ToolPath is the call-graph analysis executable, CALLGRAPH_TOOL.
	ToolPath string
	// DatabaseURL is the connection string for the crates.io index
	// database, DATABASE_URL.
	DatabaseURL string
	// MaxConcurrency bounds concurrent package visits, MAX_CONCURRENCY.
	MaxConcurrency int64
	// MaxDownloads bounds concurrent archive downloads, MAX_DOWNLOADS.
	MaxDownloads int64
	// ActivityTimeout is how long the call-graph tool may run without
	// producing output before being killed, ACTIVITY_TIMEOUT_SECONDS.
	ActivityTimeout time.Duration
}

// ConfigFromEnv reads Config from the process environment, applying the
// same defaults a bare invocation with no environment overrides would get.
func ConfigFromEnv() Config {
	return Config{
		DownloadDir:     envOr("DOWNLOAD_DIR", "./downloads"),
		OutputDir:       envOr("OUTPUT_DIR", "./target"),
		ToolPath:        envOr("CALLGRAPH_TOOL", "rust-callgraph"),
		DatabaseURL:     envOr("DATABASE_URL", "postgres://postgres@localhost/crates_io?sslmode=disable"),
		MaxConcurrency:  envOrInt64("MAX_CONCURRENCY", 16),
		MaxDownloads:    envOrInt64("MAX_DOWNLOADS", 24),
		ActivityTimeout: time.Duration(envOrInt64("ACTIVITY_TIMEOUT_SECONDS", 60)) * time.Second,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Ctx is the supporting context the orchestrator runs a single impact
// analysis against: configuration, a logger, and a live registry
// connection.
type Ctx struct {
	Config   Config
	Logger   *logrus.Logger
	Registry Registry
}

// NewCtx builds a Ctx, connecting to the index database at cfg.DatabaseURL.
func NewCtx(ctx context.Context, cfg Config, logger *logrus.Logger) (*Ctx, error) {
	reg, err := NewPostgresRegistry(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errWrap(err, "build context")
	}
	return &Ctx{Config: cfg, Logger: logger, Registry: reg}, nil
}

// Close releases the registry's database connection, if the registry holds
// one.
func (c *Ctx) Close() error {
	if closer, ok := c.Registry.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Run discovers the versions of seedName falling within seedRange, then
// breadth-first searches the reverse dependency graph rooted at those
// versions, recording every downstream package-version whose code calls
// functionPath.
func (c *Ctx) Run(ctx context.Context, seedName, seedRange, functionPath string) error {
	verReq, err := ParseVerReq(seedRange)
	if err != nil {
		return err
	}

	versions, err := c.Registry.Versions(ctx, seedName)
	if err != nil {
		return err
	}

	var seeds []PkgId
	for _, v := range versions {
		if verReq.Admits(v) {
			seeds = append(seeds, PkgId{Name: seedName, Version: v})
		}
	}
	if len(seeds) == 0 {
		return errors.Errorf("no published version of %s matches %s", seedName, seedRange)
	}
	for _, seed := range seeds {
		logging.Decision(c.Logger, "seed", seed.Name, seed.Version, "", "version falls within vulnerable range")
	}

	store, err := NewStore(c.Config.DownloadDir, c.Config.MaxDownloads)
	if err != nil {
		return err
	}
	defer store.Release()

	traverser := NewTraverser(TraversalConfig{
		Registry:       c.Registry,
		Store:          store,
		Analyser:       NewAnalyser(c.Config.ToolPath, c.Config.ActivityTimeout),
		Sink:           NewSink(c.Config.OutputDir),
		Logger:         c.Logger,
		FunctionPath:   functionPath,
		MaxConcurrency: c.Config.MaxConcurrency,
	})

	return traverser.Run(ctx, seeds)
}
