// Package treearchive writes a compressed tar snapshot of the destination
// tree. The updater takes one before a destructive full copy, so a mirror
// gone wrong can still be dug out of the archive by hand.
package treearchive

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/DiDaimon/prima-update/pkg/ignore"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/util"
)

// Format selects the archive compression.
type Format string

const (
	TarZst Format = "tar.zst"
	TarGz  Format = "tar.gz"
)

// ParseFormat validates a config string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case TarZst, TarGz:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported archive format %q", s)
	}
}

// Archiver creates tree snapshots in a fixed format.
type Archiver struct {
	format     Format
	bufferSize int
	dryRun     bool
	// now is the clock used for archive names, overridable in tests.
	now func() time.Time
}

// New creates an Archiver.
func New(format Format, bufferSizeKB int, dryRun bool) *Archiver {
	if bufferSizeKB <= 0 {
		bufferSizeKB = 256
	}
	return &Archiver{
		format:     format,
		bufferSize: bufferSizeKB * 1024,
		dryRun:     dryRun,
		now:        time.Now,
	}
}

// Create archives sourceRoot into a timestamped file under archiveDir and
// returns the archive's path. Entries matching skip are left out; the
// archive directory itself is always skipped. The archive is written to a
// temporary file and renamed into place when complete.
func (a *Archiver) Create(ctx context.Context, sourceRoot, archiveDir string, skip *ignore.Spec) (retPath string, retErr error) {
	name := fmt.Sprintf("%s-%s.%s", filepath.Base(sourceRoot), a.now().Format("20060102-150405"), a.format)
	archivePath := filepath.Join(archiveDir, name)

	if a.dryRun {
		plog.Notice("[DRY RUN] ARCHIVE", "source", sourceRoot, "target", archivePath)
		return archivePath, nil
	}
	plog.Notice("ARCHIVE", "source", sourceRoot, "target", archivePath)

	if err := os.MkdirAll(archiveDir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("creating archive directory %s: %w", archiveDir, err)
	}

	tmpF, err := os.CreateTemp(archiveDir, "prima-update-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempPath := tmpF.Name()
	defer func() {
		if retErr != nil {
			tmpF.Close()
			os.Remove(tempPath)
		}
	}()

	if err := a.writeTar(ctx, tmpF, sourceRoot, archiveDir, skip); err != nil {
		return "", err
	}

	if err := tmpF.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempPath, archivePath); err != nil {
		return "", fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return archivePath, nil
}

func (a *Archiver) writeTar(ctx context.Context, out io.Writer, sourceRoot, archiveDir string, skip *ignore.Spec) (retErr error) {
	bufWriter := bufio.NewWriterSize(out, a.bufferSize)

	var compressedWriter io.WriteCloser
	switch a.format {
	case TarZst:
		zw, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	case TarGz:
		gw, err := pgzip.NewWriterLevel(bufWriter, pgzip.DefaultCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = gw
	default:
		return fmt.Errorf("unsupported archive format %q", a.format)
	}

	tw := tar.NewWriter(compressedWriter)
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	buf := make([]byte, a.bufferSize)

	return filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == sourceRoot {
			return nil
		}
		// Never archive the archive directory into itself.
		if path == archiveDir {
			return filepath.SkipDir
		}

		relPath, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if skip != nil && skip.MatchDir(relPath) {
				return filepath.SkipDir
			}
			return nil
		}
		if skip != nil && skip.MatchFile(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to get file info for %s: %w", path, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read link %s: %w", path, err)
			}
			header, err := tar.FileInfoHeader(info, linkTarget)
			if err != nil {
				return fmt.Errorf("failed to create tar header for %s: %w", relPath, err)
			}
			header.Name = relPath
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", relPath, err)
		}
		header.Name = relPath

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", relPath, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", path, err)
		}
		defer f.Close()

		plog.Debug("ADD", "file", relPath)
		if _, err := io.CopyBuffer(tw, f, buf); err != nil {
			return fmt.Errorf("failed to archive file %s: %w", relPath, err)
		}
		return nil
	})
}
