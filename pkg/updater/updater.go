// Package updater drives one interactive update run: validate paths, compare
// the trees, present the menu, and execute the chosen action with backups
// taken before and retention applied after every mutating step.
package updater

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/DiDaimon/prima-update/pkg/backupstore"
	"github.com/DiDaimon/prima-update/pkg/config"
	"github.com/DiDaimon/prima-update/pkg/ignore"
	"github.com/DiDaimon/prima-update/pkg/lockfile"
	"github.com/DiDaimon/prima-update/pkg/metrics"
	"github.com/DiDaimon/prima-update/pkg/pathdiff"
	"github.com/DiDaimon/prima-update/pkg/pathtransfer"
	"github.com/DiDaimon/prima-update/pkg/plog"
	"github.com/DiDaimon/prima-update/pkg/preflight"
	"github.com/DiDaimon/prima-update/pkg/shortcut"
	"github.com/DiDaimon/prima-update/pkg/treearchive"
)

// Action is a main-menu choice.
type Action int

const (
	// ActionUpdateAll copies changed and missing files.
	ActionUpdateAll Action = iota
	// ActionUpdateChanged copies only files that differ between the trees.
	ActionUpdateChanged
	// ActionCopyMissing copies only files absent from the destination.
	ActionCopyMissing
	// ActionFullCopy mirrors the whole source tree onto the destination.
	ActionFullCopy
	// ActionRestore puts a chosen backup of the tracked file back in place.
	ActionRestore
	// ActionSkip leaves the destination untouched.
	ActionSkip
)

// FullCopyChoice narrows down how a full copy treats otherwise-ignored files.
type FullCopyChoice struct {
	// RefreshFiles are ignored file names copied from the source anyway,
	// replacing the machine-local copies for this one run.
	RefreshFiles []string
	// OverwriteAll disables every configured exclusion. The updater's own
	// backup, archive, config and lock data is still protected.
	OverwriteAll bool
	// Cancelled reports that the user backed out of the full copy.
	Cancelled bool
}

// UI is the capability set the controller needs from a front-end. Any
// presentation technology implementing these seven calls can drive a run.
type UI interface {
	// SelectAction presents the main menu for the given diff.
	SelectAction(diff *pathdiff.Diff) (Action, error)
	// SelectFullCopyOption presents the full-copy submenu. refreshable lists
	// the ignored file names the user may choose to refresh from the source.
	SelectFullCopyOption(refreshable []string) (FullCopyChoice, error)
	// SelectRestoreFilter presents the recency filters. years lists the
	// label years available for the specific-year option. ok is false when
	// the user backs out to the main menu.
	SelectRestoreFilter(years []int) (w backupstore.Window, ok bool, err error)
	// SelectBackup returns the index of the chosen record, or a negative
	// index when the user backs out to the filter selection.
	SelectBackup(records []backupstore.Record) (int, error)
	// Confirm asks a yes/no question before a destructive operation.
	Confirm(prompt string) (bool, error)
	ShowChanges(diff *pathdiff.Diff)
	ShowBackups(records []backupstore.Record)
}

// Options configures a Controller. Config and UI are required; nil components
// are constructed from the configuration.
type Options struct {
	Config config.Config
	UI     UI
	// Lister overrides filesystem enumeration for the comparator.
	Lister   pathdiff.Lister
	Metrics  metrics.Metrics
	Transfer *pathtransfer.Transferor
	Backups  *backupstore.Store
	// Archiver packs a safety archive of the destination before a full
	// copy. Nil disables archiving.
	Archiver *treearchive.Archiver
	// Shortcut renames the desktop link after successful runs. Nil disables
	// the rename.
	Shortcut *shortcut.Updater
	// Now overrides the clock for restore-filter decisions.
	Now func() time.Time
}

// Controller is the update state machine. One Controller serves one run.
type Controller struct {
	cfg        config.Config
	ui         UI
	comparator *pathdiff.Comparator
	transfer   *pathtransfer.Transferor
	backups    *backupstore.Store
	archiver   *treearchive.Archiver
	shortcut   *shortcut.Updater
	now        func() time.Time

	// copySpec carries the configured exclusions, systemSpec only the
	// entries that shield the updater's own safety data.
	copySpec   *ignore.Spec
	systemSpec *ignore.Spec
}

// New creates a Controller for the given configuration.
func New(opts Options) (*Controller, error) {
	if opts.UI == nil {
		return nil, fmt.Errorf("a UI implementation is required")
	}
	cfg := opts.Config

	if opts.Metrics == nil {
		opts.Metrics = &metrics.NoopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	copySpec := ignore.New(cfg.IgnoreFiles(), cfg.IgnoreDirs())

	systemDirs := []string{cfg.Backup.DirName}
	if cfg.Archive.Enabled {
		systemDirs = append(systemDirs, cfg.Archive.DirName)
	}
	systemSpec := ignore.New([]string{config.ConfigFileName, lockfile.LockFileName}, systemDirs)

	if opts.Transfer == nil {
		opts.Transfer = pathtransfer.New(pathtransfer.Options{
			Workers:      cfg.Transfer.Workers,
			BufferSizeKB: cfg.Transfer.BufferSizeKB,
			RetryCount:   cfg.Transfer.RetryCount,
			RetryWait:    time.Duration(cfg.Transfer.RetryWaitSeconds) * time.Second,
			DryRun:       cfg.Runtime.DryRun,
			Metrics:      opts.Metrics,
		})
	}
	if opts.Backups == nil {
		store, err := backupstore.New(backupstore.Options{
			Dir:            filepath.Join(cfg.Destination, cfg.Backup.DirName),
			TrackedPath:    filepath.Join(cfg.Destination, cfg.Backup.TrackedFile),
			WeeklyAgeLimit: time.Duration(cfg.Backup.WeeklyAgeLimitDays) * 24 * time.Hour,
			DryRun:         cfg.Runtime.DryRun,
			Metrics:        opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("creating backup store: %w", err)
		}
		opts.Backups = store
	}

	window := time.Duration(cfg.Diff.ModTimeWindowSeconds) * time.Second
	return &Controller{
		cfg:        cfg,
		ui:         opts.UI,
		comparator: pathdiff.New(opts.Lister, copySpec, window, opts.Metrics),
		transfer:   opts.Transfer,
		backups:    opts.Backups,
		archiver:   opts.Archiver,
		shortcut:   opts.Shortcut,
		now:        opts.Now,
		copySpec:   copySpec,
		systemSpec: systemSpec,
	}, nil
}

// Run executes one update session. An unreachable source or destination ends
// the run before anything is modified. A partial transfer failure is returned
// after the run completes, wrapping pathtransfer.ErrPartialFailure.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}

	diff, err := c.comparator.Compare(ctx, c.cfg.Source, c.cfg.Destination)
	if err != nil {
		return fmt.Errorf("comparing directories: %w", err)
	}

	if diff.InSync() {
		plog.Info("Destination is up to date", "up_to_date", diff.UpToDate)
		c.updateShortcut()
		return nil
	}

	plog.Info("Changes detected",
		"missing", len(diff.Added),
		"changed", len(diff.Updated),
		"up_to_date", diff.UpToDate)
	c.ui.ShowChanges(diff)

	for {
		action, err := c.ui.SelectAction(diff)
		if err != nil {
			return fmt.Errorf("selecting action: %w", err)
		}

		switch action {
		case ActionSkip:
			plog.Info("No changes will be applied")
			return nil
		case ActionRestore:
			done, err := c.restore(ctx)
			if err != nil || done {
				return err
			}
			// Back to the main menu.
			continue
		default:
			return c.applyUpdate(ctx, action, diff)
		}
	}
}

func (c *Controller) validate() error {
	if err := preflight.CheckSourceAccessible(c.cfg.Source); err != nil {
		return fmt.Errorf("source check failed: %w", err)
	}
	if err := preflight.CheckDestinationAccessible(c.cfg.Destination); err != nil {
		return fmt.Errorf("destination check failed: %w", err)
	}
	if !c.cfg.Runtime.DryRun {
		if err := preflight.CheckDestinationWritable(c.cfg.Destination); err != nil {
			return fmt.Errorf("destination check failed: %w", err)
		}
	}
	return nil
}

// applyUpdate runs one mutating branch: fresh backup, transfer, retention,
// shortcut. Backup and retention failures are soft; the transfer result
// decides the return value. The shortcut is updated even after a partial
// transfer failure.
func (c *Controller) applyUpdate(ctx context.Context, action Action, diff *pathdiff.Diff) error {
	var choice FullCopyChoice
	if action == ActionFullCopy {
		var err error
		choice, err = c.ui.SelectFullCopyOption(c.cfg.FullCopy.KeepFiles)
		if err != nil {
			return fmt.Errorf("selecting full copy option: %w", err)
		}
		if choice.Cancelled {
			plog.Info("Full copy cancelled")
			return nil
		}
		if choice.OverwriteAll && !c.cfg.Runtime.AssumeYes {
			ok, err := c.ui.Confirm("Overwrite the destination completely, including local settings?")
			if err != nil {
				return fmt.Errorf("confirming full overwrite: %w", err)
			}
			if !ok {
				plog.Info("Full overwrite cancelled")
				return nil
			}
		}
	}

	if rec, err := c.backups.Create(ctx); err != nil {
		plog.Warn("Backup failed, continuing without a fresh backup", "error", err)
	} else if rec != nil {
		plog.Info("Backup ready", "name", rec.Name)
	}

	transferErr := c.runTransfer(ctx, action, diff, choice)
	if transferErr != nil {
		plog.Error("Transfer finished with errors", "error", transferErr)
	}

	if deleted, err := c.backups.Cleanup(ctx); err != nil {
		plog.Warn("Backup cleanup failed", "error", err)
	} else if deleted > 0 {
		plog.Info("Backup retention applied", "deleted", deleted)
	}

	c.updateShortcut()
	return transferErr
}

func (c *Controller) runTransfer(ctx context.Context, action Action, diff *pathdiff.Diff, choice FullCopyChoice) error {
	src, dst := c.cfg.Source, c.cfg.Destination

	switch action {
	case ActionUpdateAll:
		entries := make([]pathdiff.Entry, 0, len(diff.Added)+len(diff.Updated))
		entries = append(entries, diff.Added...)
		entries = append(entries, diff.Updated...)
		plog.Info("Applying all changes", "missing", len(diff.Added), "changed", len(diff.Updated))
		return c.transfer.CopySelected(ctx, src, dst, entries)
	case ActionUpdateChanged:
		plog.Info("Updating changed files", "count", len(diff.Updated))
		return c.transfer.CopySelected(ctx, src, dst, diff.Updated)
	case ActionCopyMissing:
		plog.Info("Copying missing files", "count", len(diff.Added))
		return c.transfer.CopySelected(ctx, src, dst, diff.Added)
	case ActionFullCopy:
		return c.fullCopy(ctx, choice)
	default:
		return fmt.Errorf("unknown action %d", action)
	}
}

func (c *Controller) fullCopy(ctx context.Context, choice FullCopyChoice) error {
	copySpec := c.copySpec
	protect := c.copySpec
	if len(choice.RefreshFiles) > 0 {
		copySpec = copySpec.WithoutFiles(choice.RefreshFiles...)
	}
	if choice.OverwriteAll {
		copySpec = nil
		protect = c.systemSpec
	}

	if c.archiver != nil {
		archiveDir := filepath.Join(c.cfg.Destination, c.cfg.Archive.DirName)
		path, err := c.archiver.Create(ctx, c.cfg.Destination, archiveDir, c.systemSpec)
		if err != nil {
			return fmt.Errorf("archiving destination before full copy: %w", err)
		}
		plog.Info("Destination archived", "path", path)
	}

	plog.Info("Mirroring source onto destination", "overwrite_all", choice.OverwriteAll)
	return c.transfer.MirrorAll(ctx, c.cfg.Source, c.cfg.Destination, copySpec, protect)
}

// restore walks the filter/select loop. done reports that the run is over;
// false with a nil error sends the user back to the main menu.
func (c *Controller) restore(ctx context.Context) (done bool, err error) {
	records, err := c.backups.List()
	if err != nil {
		return false, fmt.Errorf("listing backups: %w", err)
	}
	if len(records) == 0 {
		plog.Info("No backups available to restore")
		return false, nil
	}

	for {
		w, ok, err := c.ui.SelectRestoreFilter(backupstore.Years(records))
		if err != nil {
			return false, fmt.Errorf("selecting restore filter: %w", err)
		}
		if !ok {
			return false, nil
		}

		filtered := backupstore.Filter(records, w, c.now())
		if len(filtered) == 0 {
			plog.Info("No backups match the selected filter")
			continue
		}

		c.ui.ShowBackups(filtered)
		idx, err := c.ui.SelectBackup(filtered)
		if err != nil {
			return false, fmt.Errorf("selecting backup: %w", err)
		}
		if idx < 0 {
			continue
		}
		if idx >= len(filtered) {
			plog.Warn("Selection out of range", "index", idx)
			continue
		}

		rec := filtered[idx]
		plog.Info("Restoring backup", "name", rec.Name)
		if err := c.backups.Restore(ctx, rec); err != nil {
			return true, fmt.Errorf("restoring %s: %w", rec.Name, err)
		}
		plog.Info("Restore completed", "name", rec.Name)
		c.updateShortcut()
		return true, nil
	}
}

func (c *Controller) updateShortcut() {
	if c.shortcut == nil || !c.cfg.Shortcut.Enabled {
		return
	}
	if err := c.shortcut.Update(); err != nil {
		plog.Warn("Shortcut not updated", "error", err)
	}
}
