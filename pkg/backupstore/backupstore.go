// Package backupstore manages the rotating dated backups of the tracked
// executable: creation before every update, enumeration for the restore
// menu, tiered retention cleanup, and a rollback-protected restore.
//
// The on-disk contract is one file per distinct source-modification date,
// named <stem>[DD.MM.YY]<ext>, where the date comes from the tracked file's
// modification time rather than the wall clock. Retention and the restore
// filters all operate on that embedded date.
package backupstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/DiDaimon/prima-update/pkg/metrics"
	"github.com/DiDaimon/prima-update/pkg/pathtransfer"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/util"
)

// labelDateFormat renders the date embedded in a backup file name.
const labelDateFormat = "02.01.06"

// rollbackSuffix is appended to the tracked file's path for the temporary
// rollback copy taken during a restore.
const rollbackSuffix = ".temp-restore"

// ErrUnrecoverable indicates that a restore failed and the rollback copy
// could not be put back either. The tracked file's state is indeterminate and
// the rollback artifact is intentionally left on disk for manual recovery.
var ErrUnrecoverable = errors.New("restore unrecoverable: tracked file state is indeterminate")

// CopyFn copies a single file. The store's default preserves metadata and
// stages through a temporary file; tests inject failing variants.
type CopyFn func(ctx context.Context, src, dst string) error

// Record describes one backup file on disk.
type Record struct {
	// Path is the absolute location of the backup file.
	Path string
	// Name is the file's basename.
	Name string
	// Date is the label date parsed from the name, at day precision.
	Date time.Time
	// ModTime is the backup file's own modification time.
	ModTime time.Time
	Size    int64
}

// Label returns the bracketed date as shown in menus, e.g. "01.06.25".
func (r Record) Label() string {
	return r.Date.Format(labelDateFormat)
}

// Options configures a Store.
type Options struct {
	// Dir is the backup directory.
	Dir string
	// TrackedPath is the absolute path of the file under backup management.
	TrackedPath string
	// WeeklyAgeLimit is the age at which retention switches from weekly to
	// monthly buckets.
	WeeklyAgeLimit time.Duration
	DryRun         bool
	Metrics        metrics.Metrics
	// Copy overrides the file copy primitive. Nil uses the staged default.
	Copy CopyFn
	// Now overrides the clock for retention decisions. Nil uses time.Now.
	Now func() time.Time
}

// Store is the backup manager for a single tracked file.
type Store struct {
	dir            string
	trackedPath    string
	stem           string
	ext            string
	weeklyAgeLimit time.Duration
	dryRun         bool
	metrics        metrics.Metrics
	copyFn         CopyFn
	now            func() time.Time
}

// New creates a Store. Dir and TrackedPath must be set; everything else has
// defaults.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("backup directory cannot be empty")
	}
	if opts.TrackedPath == "" {
		return nil, fmt.Errorf("tracked file path cannot be empty")
	}
	if opts.WeeklyAgeLimit <= 0 {
		opts.WeeklyAgeLimit = 365 * 24 * time.Hour
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopMetrics{}
	}
	if opts.Copy == nil {
		opts.Copy = pathtransfer.CopyFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	base := filepath.Base(opts.TrackedPath)
	ext := filepath.Ext(base)
	return &Store{
		dir:            opts.Dir,
		trackedPath:    opts.TrackedPath,
		stem:           strings.TrimSuffix(base, ext),
		ext:            ext,
		weeklyAgeLimit: opts.WeeklyAgeLimit,
		dryRun:         opts.DryRun,
		metrics:        opts.Metrics,
		copyFn:         opts.Copy,
		now:            opts.Now,
	}, nil
}

// TrackedPath returns the path of the file under backup management.
func (s *Store) TrackedPath() string { return s.trackedPath }

// RollbackPath returns where the temporary rollback copy is placed during a
// restore.
func (s *Store) RollbackPath() string { return s.trackedPath + rollbackSuffix }

// backupName builds the on-disk name for a given label date.
func (s *Store) backupName(date time.Time) string {
	return fmt.Sprintf("%s[%s]%s", s.stem, date.Format(labelDateFormat), s.ext)
}

// parseRecord extracts a Record from a directory entry name. It returns
// false for names that don't follow the backup naming contract.
func (s *Store) parseRecord(name string) (Record, bool) {
	prefix := s.stem + "["
	suffix := "]" + s.ext
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return Record{}, false
	}
	middle := name[len(prefix) : len(name)-len(suffix)]
	date, err := time.Parse(labelDateFormat, middle)
	if err != nil {
		return Record{}, false
	}
	return Record{
		Path: filepath.Join(s.dir, name),
		Name: name,
		Date: date,
	}, true
}

// Create takes a backup of the tracked file, labeled with the file's current
// modification date. It is idempotent: if a backup for that date already
// exists and is at least as new as the tracked file, nothing happens. A
// missing tracked file is not an error; the update simply proceeds without a
// fresh backup.
func (s *Store) Create(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.trackedPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Info("Tracked file not present, skipping backup", "path", s.trackedPath)
			return nil, nil
		}
		return nil, fmt.Errorf("stat tracked file %s: %w", s.trackedPath, err)
	}

	labelDate := info.ModTime()
	name := s.backupName(labelDate)
	backupPath := filepath.Join(s.dir, name)

	if existing, err := os.Stat(backupPath); err == nil {
		if !existing.ModTime().Before(info.ModTime()) {
			plog.Debug("Backup already current", "name", name)
			rec, _ := s.parseRecord(name)
			rec.ModTime = existing.ModTime()
			rec.Size = existing.Size()
			return &rec, nil
		}
		// The backup for this date is older than the tracked file. Replace it.
		if s.dryRun {
			plog.Notice("[DRY RUN] REPLACE BACKUP", "name", name)
			rec, _ := s.parseRecord(name)
			return &rec, nil
		}
		plog.Notice("REPLACE BACKUP", "name", name)
		if err := os.Remove(backupPath); err != nil {
			return nil, fmt.Errorf("removing outdated backup %s: %w", backupPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat backup %s: %w", backupPath, err)
	}

	if s.dryRun {
		plog.Notice("[DRY RUN] BACKUP", "name", name)
		rec, _ := s.parseRecord(name)
		return &rec, nil
	}

	if err := os.MkdirAll(s.dir, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("creating backup directory %s: %w", s.dir, err)
	}

	if err := s.copyFn(ctx, s.trackedPath, backupPath); err != nil {
		return nil, fmt.Errorf("copying %s to backup: %w", s.trackedPath, err)
	}
	plog.Notice("BACKUP", "name", name)
	s.metrics.AddBackupsCreated(1)

	rec, _ := s.parseRecord(name)
	rec.ModTime = info.ModTime()
	rec.Size = info.Size()
	return &rec, nil
}

// List returns all backups of the tracked file, newest first. Files in the
// backup directory that don't follow the naming contract are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory %s: %w", s.dir, err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, ok := s.parseRecord(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat backup %s: %w", entry.Name(), err)
		}
		rec.ModTime = info.ModTime()
		rec.Size = info.Size()
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].Date.Equal(records[j].Date) {
			return records[i].Date.After(records[j].Date)
		}
		return records[i].ModTime.After(records[j].ModTime)
	})
	return records, nil
}

// Cleanup applies the retention policy: backups younger than the weekly age
// limit are thinned to one per ISO week, older ones to one per calendar
// month. Within each bucket the newest record survives. Cleanup is
// idempotent and never deletes a bucket's only record. It returns how many
// backups were deleted.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}

	now := s.now()
	kept := make(map[string]bool)
	var toDelete []Record

	// Records are sorted newest first, so the first record seen per bucket
	// is the one to keep.
	for _, rec := range records {
		key := s.bucketKey(rec.Date, now)
		if !kept[key] {
			kept[key] = true
			continue
		}
		toDelete = append(toDelete, rec)
	}

	if len(toDelete) == 0 {
		plog.Debug("No backups need deletion", "total", len(records))
		return 0, nil
	}
	plog.Info("Deleting outdated backups", "count", len(toDelete), "keeping", len(kept))

	deleted := 0
	for _, rec := range toDelete {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if s.dryRun {
			plog.Notice("[DRY RUN] DELETE BACKUP", "name", rec.Name)
			deleted++
			continue
		}
		plog.Notice("DELETE BACKUP", "name", rec.Name)
		if err := os.Remove(rec.Path); err != nil {
			plog.Warn("Failed to delete outdated backup", "name", rec.Name, "error", err)
			continue
		}
		s.metrics.AddBackupsDeleted(1)
		deleted++
	}
	return deleted, nil
}

// bucketKey maps a backup's label date into its retention bucket relative to
// now: ISO year+week while younger than the weekly age limit, calendar
// year+month beyond it.
func (s *Store) bucketKey(date time.Time, now time.Time) string {
	if now.Sub(date) < s.weeklyAgeLimit {
		year, week := date.ISOWeek()
		return fmt.Sprintf("w%04d-%02d", year, week)
	}
	return date.Format("m2006-01")
}

// Restore replaces the tracked file with the given backup. Before
// overwriting, the current tracked file is copied aside to the rollback
// path; if the main copy then fails, the rollback copy is put back. On
// success the rollback copy is deleted. If the rollback itself fails, the
// returned error wraps ErrUnrecoverable and the rollback file stays on disk.
func (s *Store) Restore(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return fmt.Errorf("backup %s not accessible: %w", rec.Name, err)
	}

	if s.dryRun {
		plog.Notice("[DRY RUN] RESTORE", "name", rec.Name)
		return nil
	}

	rollbackPath := s.RollbackPath()
	hadOriginal := false
	if _, err := os.Stat(s.trackedPath); err == nil {
		hadOriginal = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat tracked file %s: %w", s.trackedPath, err)
	}

	if hadOriginal {
		plog.Debug("Saving rollback copy", "path", rollbackPath)
		if err := s.copyFn(ctx, s.trackedPath, rollbackPath); err != nil {
			// The tracked file is untouched; abort cleanly.
			return fmt.Errorf("saving rollback copy: %w", err)
		}
	}

	plog.Notice("RESTORE", "name", rec.Name)
	if err := s.copyFn(ctx, rec.Path, s.trackedPath); err != nil {
		if !hadOriginal {
			return fmt.Errorf("restoring %s: %w", rec.Name, err)
		}
		plog.Warn("Restore copy failed, rolling back", "name", rec.Name, "error", err)
		if rbErr := s.copyFn(ctx, rollbackPath, s.trackedPath); rbErr != nil {
			plog.Error("Rollback failed, tracked file state indeterminate",
				"tracked", s.trackedPath, "rollback", rollbackPath, "error", rbErr)
			return fmt.Errorf("%w: restore: %v, rollback: %v", ErrUnrecoverable, err, rbErr)
		}
		s.removeRollback(rollbackPath)
		return fmt.Errorf("restoring %s (previous version rolled back): %w", rec.Name, err)
	}

	if hadOriginal {
		s.removeRollback(rollbackPath)
	}
	return nil
}

func (s *Store) removeRollback(rollbackPath string) {
	if err := os.Remove(rollbackPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove rollback copy", "path", rollbackPath, "error", err)
	}
}
