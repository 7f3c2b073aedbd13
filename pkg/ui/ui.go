// Package ui is the plain-console front-end for the update menu. It renders
// numbered menus on an io.Writer and reads selections line by line,
// re-prompting on anything outside the valid range.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/DiDaimon/prima-update/pkg/backupstore"
	"github.com/DiDaimon/prima-update/pkg/pathdiff"
	"github.com/DiDaimon/prima-update/pkg/updater"
)

// maxListedPaths caps how many paths a diff section prints before
// summarizing the rest.
const maxListedPaths = 40

// Console implements updater.UI over a reader/writer pair.
type Console struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewConsole creates a Console reading selections from in and printing
// menus to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:  bufio.NewScanner(in),
		out: out,
	}
}

var _ updater.UI = (*Console)(nil)

// SelectAction implements updater.UI.
func (c *Console) SelectAction(diff *pathdiff.Diff) (updater.Action, error) {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Choose an action:")
	fmt.Fprintf(c.out, "  1) Update everything (%d changed, %d missing)\n", len(diff.Updated), len(diff.Added))
	fmt.Fprintf(c.out, "  2) Update changed files only (%d)\n", len(diff.Updated))
	fmt.Fprintf(c.out, "  3) Copy missing files only (%d)\n", len(diff.Added))
	fmt.Fprintln(c.out, "  4) Full copy")
	fmt.Fprintln(c.out, "  5) Restore a backup")
	fmt.Fprintln(c.out, "  6) Skip, change nothing")

	n, err := c.promptInt("> ", 1, 6)
	if err != nil {
		return updater.ActionSkip, err
	}
	switch n {
	case 1:
		return updater.ActionUpdateAll, nil
	case 2:
		return updater.ActionUpdateChanged, nil
	case 3:
		return updater.ActionCopyMissing, nil
	case 4:
		return updater.ActionFullCopy, nil
	case 5:
		return updater.ActionRestore, nil
	default:
		return updater.ActionSkip, nil
	}
}

// SelectFullCopyOption implements updater.UI. The submenu offers one entry
// per refreshable file, one for all of them, and the full overwrite.
func (c *Console) SelectFullCopyOption(refreshable []string) (updater.FullCopyChoice, error) {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Full copy options:")
	fmt.Fprintln(c.out, "  1) Keep all local files (standard)")
	next := 2
	for _, name := range refreshable {
		fmt.Fprintf(c.out, "  %d) Also refresh %s from the source\n", next, name)
		next++
	}
	allOption := 0
	if len(refreshable) > 1 {
		allOption = next
		fmt.Fprintf(c.out, "  %d) Also refresh all of the above\n", next)
		next++
	}
	overwriteOption := next
	fmt.Fprintf(c.out, "  %d) Overwrite everything, including local files\n", next)
	backOption := next + 1
	fmt.Fprintf(c.out, "  %d) Back\n", backOption)

	n, err := c.promptInt("> ", 1, backOption)
	if err != nil {
		return updater.FullCopyChoice{}, err
	}
	switch {
	case n == 1:
		return updater.FullCopyChoice{}, nil
	case n == backOption:
		return updater.FullCopyChoice{Cancelled: true}, nil
	case n == overwriteOption:
		return updater.FullCopyChoice{OverwriteAll: true}, nil
	case allOption != 0 && n == allOption:
		return updater.FullCopyChoice{RefreshFiles: refreshable}, nil
	default:
		return updater.FullCopyChoice{RefreshFiles: []string{refreshable[n-2]}}, nil
	}
}

// SelectRestoreFilter implements updater.UI.
func (c *Console) SelectRestoreFilter(years []int) (backupstore.Window, bool, error) {
	for {
		fmt.Fprintln(c.out)
		fmt.Fprintln(c.out, "Restore from which period?")
		fmt.Fprintln(c.out, "  1) All backups")
		fmt.Fprintln(c.out, "  2) Current month")
		fmt.Fprintln(c.out, "  3) Current year")
		fmt.Fprintln(c.out, "  4) A specific year")
		fmt.Fprintln(c.out, "  5) Back")

		n, err := c.promptInt("> ", 1, 5)
		if err != nil {
			return backupstore.Window{}, false, err
		}
		switch n {
		case 1:
			return backupstore.Window{Kind: backupstore.WindowAll}, true, nil
		case 2:
			return backupstore.Window{Kind: backupstore.WindowCurrentMonth}, true, nil
		case 3:
			return backupstore.Window{Kind: backupstore.WindowCurrentYear}, true, nil
		case 4:
			if len(years) == 0 {
				fmt.Fprintln(c.out, "No backup years available.")
				continue
			}
			year, ok, err := c.selectYear(years)
			if err != nil {
				return backupstore.Window{}, false, err
			}
			if !ok {
				continue
			}
			return backupstore.Window{Kind: backupstore.WindowYear, Year: year}, true, nil
		default:
			return backupstore.Window{}, false, nil
		}
	}
}

func (c *Console) selectYear(years []int) (int, bool, error) {
	fmt.Fprintln(c.out, "Which year?")
	for i, y := range years {
		fmt.Fprintf(c.out, "  %d) %d\n", i+1, y)
	}
	fmt.Fprintf(c.out, "  %d) Back\n", len(years)+1)

	n, err := c.promptInt("> ", 1, len(years)+1)
	if err != nil {
		return 0, false, err
	}
	if n == len(years)+1 {
		return 0, false, nil
	}
	return years[n-1], true, nil
}

// SelectBackup implements updater.UI. Zero sends the user back to the
// filter selection.
func (c *Console) SelectBackup(records []backupstore.Record) (int, error) {
	n, err := c.promptInt("Backup number (0 to go back): ", 0, len(records))
	if err != nil {
		return -1, err
	}
	return n - 1, nil
}

// Confirm implements updater.UI. Only an explicit yes counts.
func (c *Console) Confirm(prompt string) (bool, error) {
	for {
		answer, err := c.promptLine(prompt + " [y/N]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "", "n", "no":
			return false, nil
		default:
			fmt.Fprintln(c.out, "Please answer y or n.")
		}
	}
}

// ShowChanges implements updater.UI.
func (c *Console) ShowChanges(diff *pathdiff.Diff) {
	fmt.Fprintln(c.out)
	c.printSection("Changed files", "*", diff.Updated)
	c.printSection("Missing files", "+", diff.Added)
	fmt.Fprintf(c.out, "Up to date: %d files\n", diff.UpToDate)
}

func (c *Console) printSection(title, marker string, entries []pathdiff.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(c.out, "%s (%d):\n", title, len(entries))
	for i, e := range entries {
		if i == maxListedPaths {
			fmt.Fprintf(c.out, "  ... and %d more\n", len(entries)-maxListedPaths)
			break
		}
		fmt.Fprintf(c.out, "  %s %s\n", marker, e.RelPath)
	}
}

// ShowBackups implements updater.UI.
func (c *Console) ShowBackups(records []backupstore.Record) {
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "Available backups (%d):\n", len(records))
	for i, rec := range records {
		fmt.Fprintf(c.out, "  %d) %s  %s\n", i+1, rec.Name, formatSize(rec.Size))
	}
}

func formatSize(size int64) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}

func (c *Console) promptLine(msg string) (string, error) {
	fmt.Fprint(c.out, msg)
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(c.in.Text()), nil
}

// promptInt reads an integer in [min, max], re-prompting on anything else.
func (c *Console) promptInt(msg string, min, max int) (int, error) {
	for {
		answer, err := c.promptLine(msg)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(answer)
		if err != nil || n < min || n > max {
			fmt.Fprintf(c.out, "Enter a number between %d and %d.\n", min, max)
			continue
		}
		return n, nil
	}
}
