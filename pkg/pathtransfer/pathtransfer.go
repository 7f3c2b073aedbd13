// Package pathtransfer copies files from the source share into the local
// destination. It offers two operations: a best-effort batch copy of an
// explicit file list, and a full mirror that brings the destination into
// exact agreement with the source. Every file lands via a temporary file and
// rename, so a crash never leaves a half-written file at its final path.
package pathtransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/DiDaimon/prima-update/pkg/ignore"
	"github.com/DiDaimon/prima-update/pkg/metrics"
	"github.com/DiDaimon/prima-update/pkg/pathdiff"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/util"
)

// ErrPartialFailure indicates that some, but not all, items of a batch
// transfer failed. The batch itself ran to completion.
var ErrPartialFailure = errors.New("some paths failed to transfer")

// Options configures a Transferor.
type Options struct {
	Workers      int
	BufferSizeKB int
	RetryCount   int
	RetryWait    time.Duration
	DryRun       bool
	Metrics      metrics.Metrics
}

// Transferor is the copy engine. It is safe for use by a single update run;
// the worker pool lives only for the duration of each call.
type Transferor struct {
	workers    int
	retryCount int
	retryWait  time.Duration
	dryRun     bool
	metrics    metrics.Metrics

	// ioBufferPool hands out copy buffers so concurrent workers don't
	// allocate per file.
	ioBufferPool sync.Pool

	// dirGroup deduplicates concurrent MkdirAll calls: for any given
	// directory only the first worker performs the I/O, the others wait for
	// its result.
	dirGroup singleflight.Group
	dirCache sync.Map
}

// New creates a Transferor. Zero option fields fall back to safe defaults.
func New(opts Options) *Transferor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BufferSizeKB <= 0 {
		opts.BufferSizeKB = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopMetrics{}
	}
	bufSize := opts.BufferSizeKB * 1024
	return &Transferor{
		workers:    opts.Workers,
		retryCount: opts.RetryCount,
		retryWait:  opts.RetryWait,
		dryRun:     opts.DryRun,
		metrics:    opts.Metrics,
		ioBufferPool: sync.Pool{
			New: func() any {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// CopySelected copies the given entries from sourceRoot into destRoot,
// creating parent directories as needed. It is best-effort: individual
// failures are logged and counted but do not abort the batch. If any item
// failed, the returned error wraps ErrPartialFailure and names the failed
// paths.
func (t *Transferor) CopySelected(ctx context.Context, sourceRoot, destRoot string, entries []pathdiff.Entry) error {
	var mu sync.Mutex
	var failed []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for _, entry := range entries {
		if entry.IsDir {
			// Directories materialize as parents of their files; an empty
			// source directory is still created explicitly.
			if err := t.ensureDir(filepath.Join(destRoot, filepath.FromSlash(entry.RelPath)), entry.RelPath); err != nil {
				plog.Warn("Failed to create directory", "path", entry.RelPath, "error", err)
				mu.Lock()
				failed = append(failed, entry.RelPath)
				mu.Unlock()
			}
			continue
		}

		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := t.copyEntry(gctx, sourceRoot, destRoot, entry.RelPath); err != nil {
				plog.Warn("Failed to copy file", "path", entry.RelPath, "error", err)
				t.metrics.AddFilesFailed(1)
				mu.Lock()
				failed = append(failed, entry.RelPath)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("%w: %d of %d failed (%s)", ErrPartialFailure, len(failed), len(entries), strings.Join(failed, ", "))
	}
	return nil
}

// MirrorAll makes destRoot an exact copy of sourceRoot. copySpec limits what
// is copied from the source (nil copies everything); protect names
// destination entries that must never be deleted, such as the backup
// directory and the updater's own files. The copy phase runs first and stale
// destination entries are deleted afterwards, so the destination holds a
// complete tree at every point of the operation.
func (t *Transferor) MirrorAll(ctx context.Context, sourceRoot, destRoot string, copySpec, protect *ignore.Spec) error {
	lister := &pathdiff.FSLister{Metrics: t.metrics}

	srcEntries, err := lister.List(ctx, sourceRoot, copySpec)
	if err != nil {
		return fmt.Errorf("listing source %s: %w", sourceRoot, err)
	}

	// Phase 1: copy the full source tree.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	var mu sync.Mutex
	var copyErrs int
	for _, entry := range srcEntries {
		if entry.IsDir {
			if err := t.ensureDir(filepath.Join(destRoot, filepath.FromSlash(entry.RelPath)), entry.RelPath); err != nil {
				plog.Warn("Failed to create directory", "path", entry.RelPath, "error", err)
				mu.Lock()
				copyErrs++
				mu.Unlock()
			}
			continue
		}
		entry := entry
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := t.copyEntry(gctx, sourceRoot, destRoot, entry.RelPath); err != nil {
				plog.Warn("Failed to copy file", "path", entry.RelPath, "error", err)
				t.metrics.AddFilesFailed(1)
				mu.Lock()
				copyErrs++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if copyErrs > 0 {
		// An incomplete copy must not proceed to deletion: stale files are
		// better than missing ones.
		return fmt.Errorf("mirror copy phase: %w: %d items failed", ErrPartialFailure, copyErrs)
	}

	// Phase 2: delete destination entries absent from the source.
	return t.deleteStale(ctx, destRoot, srcEntries, protect)
}

// deleteStale removes files and directories under destRoot that do not exist
// in srcEntries. Files go first, then directories deepest-first so they are
// empty by the time they are removed.
func (t *Transferor) deleteStale(ctx context.Context, destRoot string, srcEntries map[string]pathdiff.Entry, protect *ignore.Spec) error {
	lister := &pathdiff.FSLister{}
	dstEntries, err := lister.List(ctx, destRoot, protect)
	if err != nil {
		return fmt.Errorf("listing destination %s: %w", destRoot, err)
	}

	var staleFiles, staleDirs []string
	for key, entry := range dstEntries {
		if _, exists := srcEntries[key]; exists {
			continue
		}
		if entry.IsDir {
			staleDirs = append(staleDirs, entry.RelPath)
		} else {
			staleFiles = append(staleFiles, entry.RelPath)
		}
	}
	// Deepest paths first so directories empty out bottom-up.
	sort.Sort(sort.Reverse(sort.StringSlice(staleDirs)))
	sort.Strings(staleFiles)

	var failures int
	remove := func(relPath string) {
		if t.dryRun {
			plog.Notice("[DRY RUN] DELETE", "path", relPath)
			return
		}
		plog.Notice("DELETE", "path", relPath)
		absPath := filepath.Join(destRoot, filepath.FromSlash(relPath))
		if err := os.RemoveAll(absPath); err != nil {
			plog.Warn("Failed to delete stale entry", "path", relPath, "error", err)
			failures++
			return
		}
		t.metrics.AddFilesDeleted(1)
	}

	for _, relPath := range staleFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		remove(relPath)
	}
	for _, relPath := range staleDirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		remove(relPath)
	}

	if failures > 0 {
		return fmt.Errorf("mirror delete phase: %w: %d items failed", ErrPartialFailure, failures)
	}
	return nil
}

// copyEntry copies one relative path from sourceRoot to destRoot.
func (t *Transferor) copyEntry(ctx context.Context, sourceRoot, destRoot, relPath string) error {
	srcAbs := filepath.Join(sourceRoot, filepath.FromSlash(relPath))
	dstAbs := filepath.Join(destRoot, filepath.FromSlash(relPath))

	if t.dryRun {
		plog.Notice("[DRY RUN] COPY", "path", relPath)
		return nil
	}

	if dir := filepath.Dir(relPath); dir != "." {
		if err := t.ensureDir(filepath.Dir(dstAbs), dir); err != nil {
			return err
		}
	}

	if err := t.copyFileRetrying(ctx, srcAbs, dstAbs); err != nil {
		return err
	}
	plog.Notice("COPY", "path", relPath)
	t.metrics.AddFilesCopied(1)
	return nil
}

// ensureDir creates a destination directory once per run. Concurrent
// requests for the same path are collapsed through the singleflight group.
func (t *Transferor) ensureDir(absPath, relKey string) error {
	if _, ok := t.dirCache.Load(relKey); ok {
		return nil
	}
	_, err, _ := t.dirGroup.Do(relKey, func() (any, error) {
		if _, ok := t.dirCache.Load(relKey); ok {
			return nil, nil
		}
		if t.dryRun {
			t.dirCache.Store(relKey, true)
			plog.Notice("[DRY RUN] MKDIR", "path", relKey)
			return nil, nil
		}
		if err := os.MkdirAll(absPath, util.UserWritableDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", absPath, err)
		}
		t.dirCache.Store(relKey, true)
		return nil, nil
	})
	return err
}

// copyFileRetrying wraps the staged copy with the configured retry policy.
// Network shares drop out transiently; a short wait and retry rides most of
// that out.
func (t *Transferor) copyFileRetrying(ctx context.Context, src, dst string) error {
	var lastErr error
	for i := 0; i <= t.retryCount; i++ {
		if i > 0 {
			plog.Warn("Retrying file copy", "file", src, "attempt", fmt.Sprintf("%d/%d", i, t.retryCount), "after", t.retryWait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.retryWait):
			}
		}
		lastErr = t.copyFileStaged(src, dst)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to copy file %s after %d retries: %w", src, t.retryCount, lastErr)
}

// copyFileStaged copies src to dst via a temporary file in dst's directory,
// preserving mode and modification time, then renames it into place.
func (t *Transferor) copyFileStaged(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, "prima-update-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}

	tempPath := out.Name()
	// If the rename succeeds, tempPath is cleared and this is a no-op.
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	bufPtr := t.ioBufferPool.Get().(*[]byte)
	defer t.ioBufferPool.Put(bufPtr)

	if _, err = io.CopyBuffer(out, in, *bufPtr); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, tempPath, err)
	}

	if err := out.Chmod(util.WithUserWritePermission(srcInfo.Mode())); err != nil {
		out.Close()
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}

	// Close flushes data to disk. It must happen before Chtimes because
	// closing can update the modification time.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}

	if err := os.Chtimes(tempPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		return err
	}
	tempPath = ""
	return nil
}

// CopyFile copies a single file from src to dst with staged-rename semantics
// and a default buffer. It is the copy primitive shared with the backup store.
func CopyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := New(Options{Workers: 1})
	return t.copyFileStaged(src, dst)
}
