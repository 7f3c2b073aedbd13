// Package pathdiff compares the source share against the local destination
// and produces the work list an update run executes. Comparison is metadata
// only: a file counts as changed when its size differs or its modification
// time diverges from the destination's beyond the configured window.
package pathdiff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DiDaimon/prima-update/pkg/ignore"
	"github.com/DiDaimon/prima-update/pkg/metrics"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/util"
)

// ErrPathUnavailable indicates that a comparison root could not be reached.
// For the source this usually means the network share is down; callers treat
// it as a recoverable condition and keep the destination untouched.
var ErrPathUnavailable = errors.New("path unavailable")

// Entry describes a single file or directory found under a comparison root.
type Entry struct {
	// RelPath is the slash-separated path relative to the root, in its
	// original casing.
	RelPath string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Diff is the result of comparing a source tree against a destination tree.
// All slices are sorted by RelPath for deterministic processing and display.
type Diff struct {
	// Added entries exist only in the source.
	Added []Entry
	// Updated entries exist in both trees but the source copy differs.
	Updated []Entry
	// UpToDate counts files present in both trees with no difference.
	UpToDate int
}

// InSync reports whether the destination already has everything the source
// offers. Entries that exist only in the destination are local additions and
// do not count as drift; only a full mirror removes them.
func (d *Diff) InSync() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0
}

// ChangedFiles returns the Added and Updated file entries as a single sorted
// slice, excluding directories. This is the copy work list for a regular update.
func (d *Diff) ChangedFiles() []Entry {
	out := make([]Entry, 0, len(d.Added)+len(d.Updated))
	for _, e := range d.Added {
		if !e.IsDir {
			out = append(out, e)
		}
	}
	for _, e := range d.Updated {
		if !e.IsDir {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

// Lister enumerates a tree below root, honoring the ignore spec. The returned
// map is keyed by normalized relative path (see normalizeKey).
type Lister interface {
	List(ctx context.Context, root string, spec *ignore.Spec) (map[string]Entry, error)
}

// Comparator builds directory diffs using a Lister. The zero value is not
// usable; construct with New.
type Comparator struct {
	lister        Lister
	spec          *ignore.Spec
	modTimeWindow time.Duration
	metrics       metrics.Metrics
}

// New creates a Comparator. A nil lister walks the local filesystem and a nil
// metrics sink discards counts.
func New(lister Lister, spec *ignore.Spec, modTimeWindow time.Duration, m metrics.Metrics) *Comparator {
	if lister == nil {
		lister = &FSLister{}
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Comparator{
		lister:        lister,
		spec:          spec,
		modTimeWindow: modTimeWindow,
		metrics:       m,
	}
}

// Compare lists both roots and classifies every entry. An unreachable source
// or destination surfaces as ErrPathUnavailable; nothing is modified on disk.
func (c *Comparator) Compare(ctx context.Context, source, destination string) (*Diff, error) {
	srcEntries, err := c.lister.List(ctx, source, c.spec)
	if err != nil {
		return nil, fmt.Errorf("listing source %s: %w", source, err)
	}

	dstEntries, err := c.lister.List(ctx, destination, c.spec)
	if err != nil {
		return nil, fmt.Errorf("listing destination %s: %w", destination, err)
	}

	diff := &Diff{}
	for key, srcEntry := range srcEntries {
		dstEntry, exists := dstEntries[key]
		if !exists {
			diff.Added = append(diff.Added, srcEntry)
			continue
		}
		if srcEntry.IsDir || dstEntry.IsDir {
			// Directories only matter for existence; a dir replacing a file
			// (or vice versa) counts as an update of the source entry.
			if srcEntry.IsDir != dstEntry.IsDir {
				diff.Updated = append(diff.Updated, srcEntry)
			}
			continue
		}
		if c.fileChanged(srcEntry, dstEntry) {
			diff.Updated = append(diff.Updated, srcEntry)
		} else {
			diff.UpToDate++
			c.metrics.AddFilesUpToDate(1)
		}
	}

	sortEntries(diff.Added)
	sortEntries(diff.Updated)
	return diff, nil
}

// fileChanged decides whether the source copy must replace the destination
// copy. Size differences always count. Modification times are compared with
// a tolerance window since SMB shares and FAT volumes round timestamps; any
// divergence beyond the window counts, in either direction, so a locally
// touched file is brought back in line with the share.
func (c *Comparator) fileChanged(src, dst Entry) bool {
	if src.Size != dst.Size {
		return true
	}
	delta := src.ModTime.Sub(dst.ModTime)
	if delta < 0 {
		delta = -delta
	}
	return delta > c.modTimeWindow
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
}

// normalizeKey converts a relative path into the map key used for matching
// entries across trees. Keys use forward slashes and are case-folded on hosts
// with case-insensitive filesystems, so a rename that only changes case does
// not trigger a copy-and-delete cycle.
func normalizeKey(relPath string) string {
	key := filepath.ToSlash(relPath)
	if util.IsHostCaseInsensitiveFS() {
		key = strings.ToLower(key)
	}
	return key
}

// FSLister walks the local filesystem (or a mounted share) with
// filepath.WalkDir. Ignored directories are pruned from the walk.
type FSLister struct {
	// Metrics receives ignored-entry counts when set.
	Metrics metrics.Metrics
}

// List implements Lister.
func (l *FSLister) List(ctx context.Context, root string, spec *ignore.Spec) (map[string]Entry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathUnavailable, err)
	}

	m := l.Metrics
	if m == nil {
		m = &metrics.NoopMetrics{}
	}

	entries := make(map[string]Entry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// An unreadable root means the whole tree is unavailable.
			// Anything below it is skipped with a warning so one bad
			// subtree does not abort the run.
			if path == root {
				return fmt.Errorf("%w: %v", ErrPathUnavailable, walkErr)
			}
			relPath, relErr := filepath.Rel(root, path)
			if relErr != nil {
				relPath = path
			}
			relPath = filepath.ToSlash(relPath)
			plog.Warn("Skipping unreadable entry", "path", relPath, "error", walkErr)
			delete(entries, normalizeKey(relPath))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if spec != nil && spec.MatchDir(relPath) {
				return filepath.SkipDir
			}
			entries[normalizeKey(relPath)] = Entry{RelPath: relPath, IsDir: true}
			return nil
		}

		if spec != nil && spec.MatchFile(relPath) {
			m.AddFilesIgnored(1)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// The file vanished between listing and stat. Skip it.
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("stat %s: %w", path, err)
		}

		entries[normalizeKey(relPath)] = Entry{
			RelPath: relPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
