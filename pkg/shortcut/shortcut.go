// Package shortcut renames the desktop shortcut so its name carries the
// version date of the installed executable. The shortcut is a regular .lnk
// file whose name contains the tracked file's bracketed stem, e.g.
// "[PRIMA] 01.06.25.lnk"; only the name changes, never the link target.
package shortcut

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/DiDaimon/prima-update/pkg/plog"
)

// dateFormat matches the version date embedded in the shortcut name.
const dateFormat = "02.01.06"

// ErrNotFound indicates that no shortcut for the tracked file exists in the
// desktop directory. Callers treat this as a soft failure.
var ErrNotFound = fmt.Errorf("no shortcut found")

// Updater renames the shortcut for one tracked file.
type Updater struct {
	desktopDir  string
	trackedPath string
	tag         string // "[<stem>]", the marker identifying the shortcut
	dryRun      bool
}

// New creates an Updater. desktopDir may be empty, in which case the user's
// desktop folder is resolved at update time.
func New(desktopDir, trackedPath string, dryRun bool) *Updater {
	base := filepath.Base(trackedPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return &Updater{
		desktopDir:  desktopDir,
		trackedPath: trackedPath,
		tag:         "[" + strings.ToUpper(stem) + "]",
		dryRun:      dryRun,
	}
}

// Update renames the shortcut to carry the tracked file's current
// modification date. It is idempotent: a shortcut already carrying the date
// is left alone. A missing tracked file or shortcut is reported as an error
// but mutates nothing.
func (u *Updater) Update() error {
	info, err := os.Stat(u.trackedPath)
	if err != nil {
		return fmt.Errorf("tracked file not accessible: %w", err)
	}
	date := info.ModTime().Format(dateFormat)

	desktopDir, err := u.resolveDesktopDir()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(desktopDir)
	if err != nil {
		return fmt.Errorf("reading desktop directory %s: %w", desktopDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(name), ".lnk") {
			continue
		}
		if !strings.Contains(strings.ToUpper(name), u.tag) {
			continue
		}

		if strings.Contains(name, date) {
			plog.Debug("Shortcut already current", "name", name)
			return nil
		}

		newName := fmt.Sprintf("%s %s.lnk", u.tag, date)
		if u.dryRun {
			plog.Notice("[DRY RUN] RENAME SHORTCUT", "from", name, "to", newName)
			return nil
		}
		if err := os.Rename(filepath.Join(desktopDir, name), filepath.Join(desktopDir, newName)); err != nil {
			return fmt.Errorf("renaming shortcut %s: %w", name, err)
		}
		plog.Info("Shortcut renamed", "name", newName)
		return nil
	}

	return fmt.Errorf("%w in %s", ErrNotFound, desktopDir)
}

func (u *Updater) resolveDesktopDir() (string, error) {
	if u.desktopDir != "" {
		return u.desktopDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving desktop directory: %w", err)
	}
	return filepath.Join(home, "Desktop"), nil
}
