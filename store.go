// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cratecg

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/Cindyxin228/cross-pro-cg/internal/fsutil"
)

// DownloadBaseURL is the crates.io endpoint a package's compressed archive is
// fetched from.
const DownloadBaseURL = "https://crates.io/api/v1/crates"

type materialiseResult struct {
	dir string
	err error
}

// Store materialises package archives onto disk under a single root
// directory, laid out <root>/<name>/<name>-<version>[.crate|/]. It folds
// simultaneous requests for the same PkgId into a single download, and bounds
// total concurrent downloads with a weighted semaphore. The root directory is
// held under an advisory file lock for the Store's lifetime, so two processes
// can't interleave writes into the same artifact tree.
type Store struct {
	root string

	// baseURL is DownloadBaseURL in production; tests point it at a local
	// fixture server instead.
	baseURL string

	fileLock *flock.Flock

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[PkgId][]chan materialiseResult
}

// NewStore creates a Store rooted at root, allowing at most
// maxConcurrentDownloads simultaneous archive fetches. It fails if another
// process already holds the root's lock file.
func NewStore(root string, maxConcurrentDownloads int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, errWrap(err, "create download root %s", root)
	}

	fileLock := flock.New(filepath.Join(root, ".cratecg.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, errWrap(err, "lock download root %s", root)
	}
	if !locked {
		return nil, errors.Errorf("download root %s is locked by another process", root)
	}

	return &Store{
		root:     root,
		baseURL:  DownloadBaseURL,
		fileLock: fileLock,
		sem:      semaphore.NewWeighted(maxConcurrentDownloads),
		inflight: make(map[PkgId][]chan materialiseResult),
	}, nil
}

// Release drops the advisory lock on the store root. The Store must not be
// used afterwards.
func (s *Store) Release() error {
	return s.fileLock.Unlock()
}

// materialiseWaitTimeout bounds how long a caller waits for a concurrent
// materialisation of the same PkgId before giving up.
const materialiseWaitTimeout = 20 * time.Second

// Materialise ensures pkg's archive is downloaded and extracted under the
// store root, returning the extracted directory's path. Concurrent calls for
// the same PkgId share a single download; only one of them does the work,
// the rest wait (bounded by materialiseWaitTimeout) for it to finish.
func (s *Store) Materialise(ctx context.Context, pkg PkgId) (string, error) {
	s.mu.Lock()
	if waiters, ok := s.inflight[pkg]; ok {
		ch := make(chan materialiseResult, 1)
		s.inflight[pkg] = append(waiters, ch)
		s.mu.Unlock()

		timer := time.NewTimer(materialiseWaitTimeout)
		defer timer.Stop()

		select {
		case r := <-ch:
			return r.dir, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", WaitTimeoutError{Pkg: pkg}
		}
	}
	s.inflight[pkg] = nil
	s.mu.Unlock()

	dir, err := s.materialise(ctx, pkg)

	s.mu.Lock()
	waiters := s.inflight[pkg]
	delete(s.inflight, pkg)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- materialiseResult{dir: dir, err: err}
	}
	return dir, err
}

func (s *Store) extractDir(pkg PkgId) string {
	return filepath.Join(s.root, pkg.Name, pkg.ExtractDirName())
}

func (s *Store) archivePath(pkg PkgId) string {
	return filepath.Join(s.root, pkg.Name, pkg.ArchiveName())
}

func (s *Store) materialise(ctx context.Context, pkg PkgId) (string, error) {
	extractDir := s.extractDir(pkg)
	if ok, err := fsutil.IsDir(extractDir); err != nil {
		return "", errWrap(err, "stat %s", extractDir)
	} else if ok {
		return extractDir, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)

	if err := os.MkdirAll(filepath.Dir(extractDir), 0o777); err != nil {
		return "", errWrap(err, "create package dir for %s", pkg)
	}

	archive, err := s.download(ctx, pkg)
	if err != nil {
		return "", err
	}
	if len(archive) == 0 {
		return "", EmptyDownloadError{Pkg: pkg}
	}

	if err := s.extract(pkg, archive); err != nil {
		return "", err
	}

	if ok, err := fsutil.IsDir(extractDir); err != nil || !ok {
		return "", ExtractFailedError{Pkg: pkg, Detail: "expected directory " + pkg.ExtractDirName() + " not found after extraction"}
	}
	return extractDir, nil
}

func (s *Store) download(ctx context.Context, pkg PkgId) ([]byte, error) {
	url := s.baseURL + "/" + pkg.Name + "/" + pkg.Version + "/download"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, DownloadFailureError{Pkg: pkg, Err: err}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, DownloadFailureError{Pkg: pkg, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, DownloadFailureError{Pkg: pkg, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, DownloadFailureError{Pkg: pkg, Err: err}
	}

	if err := os.WriteFile(s.archivePath(pkg), body, 0o666); err != nil {
		return nil, DownloadFailureError{Pkg: pkg, Err: err}
	}
	return body, nil
}

// extract unpacks a gzipped tar archive, the format crates.io publishes
// every crate in, directly under the store's per-name directory.
func (s *Store) extract(pkg PkgId, archive []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
	}
	defer gz.Close()

	destRoot := filepath.Join(s.root, pkg.Name)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
		}

		target := filepath.Join(destRoot, hdr.Name)
		if !isWithinDir(destRoot, target) {
			return ExtractFailedError{Pkg: pkg, Detail: "archive entry escapes extraction root: " + hdr.Name}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o777); err != nil {
				return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
				return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return ExtractFailedError{Pkg: pkg, Detail: err.Error()}
			}
			out.Close()
		}
	}
	return nil
}

func isWithinDir(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// CleanupArchive removes the downloaded .crate archive for pkg, keeping the
// extracted source tree. Called once a node has been analysed, since the
// archive itself serves no further purpose.
func (s *Store) CleanupArchive(pkg PkgId) error {
	err := os.Remove(s.archivePath(pkg))
	if err != nil && !os.IsNotExist(err) {
		return errWrap(err, "remove archive for %s", pkg)
	}
	return nil
}

// CleanBuildOutputs removes the target/ directory the call-graph tool leaves
// behind inside an extracted package, reclaiming the disk space a whole-repo
// scan of reverse dependencies would otherwise accumulate.
func (s *Store) CleanBuildOutputs(pkg PkgId) error {
	target := filepath.Join(s.extractDir(pkg), "target")
	if err := os.RemoveAll(target); err != nil {
		return errWrap(err, "remove build outputs for %s", pkg)
	}
	return nil
}
