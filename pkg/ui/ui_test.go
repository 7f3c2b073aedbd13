package ui

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DiDaimon/prima-update/pkg/backupstore"
	"github.com/DiDaimon/prima-update/pkg/pathdiff"
	"github.com/DiDaimon/prima-update/pkg/updater"
)

func newConsole(input string) (*Console, *bytes.Buffer) {
	var out bytes.Buffer
	return NewConsole(strings.NewReader(input), &out), &out
}

func sampleDiff() *pathdiff.Diff {
	return &pathdiff.Diff{
		Added:    []pathdiff.Entry{{RelPath: "new.txt"}},
		Updated:  []pathdiff.Entry{{RelPath: "prima.exe"}},
		UpToDate: 3,
	}
}

func TestSelectAction(t *testing.T) {
	tests := []struct {
		input string
		want  updater.Action
	}{
		{"1\n", updater.ActionUpdateAll},
		{"2\n", updater.ActionUpdateChanged},
		{"3\n", updater.ActionCopyMissing},
		{"4\n", updater.ActionFullCopy},
		{"5\n", updater.ActionRestore},
		{"6\n", updater.ActionSkip},
	}
	for _, tc := range tests {
		c, _ := newConsole(tc.input)
		got, err := c.SelectAction(sampleDiff())
		if err != nil {
			t.Fatalf("SelectAction(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("SelectAction(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestSelectActionRepromptsOnInvalidInput(t *testing.T) {
	c, out := newConsole("0\nnope\n7\n2\n")
	got, err := c.SelectAction(sampleDiff())
	if err != nil {
		t.Fatalf("SelectAction() error = %v", err)
	}
	if got != updater.ActionUpdateChanged {
		t.Fatalf("SelectAction() = %v, want ActionUpdateChanged", got)
	}
	if n := strings.Count(out.String(), "Enter a number"); n != 3 {
		t.Fatalf("re-prompt count = %d, want 3", n)
	}
}

func TestSelectActionEOF(t *testing.T) {
	c, _ := newConsole("")
	if _, err := c.SelectAction(sampleDiff()); !errors.Is(err, io.EOF) {
		t.Fatalf("SelectAction() error = %v, want io.EOF", err)
	}
}

func TestSelectFullCopyOption(t *testing.T) {
	refreshable := []string{"PRIMA.ini", "Servers.ini"}
	// Menu layout: 1 standard, 2-3 single files, 4 all, 5 overwrite, 6 back.
	tests := []struct {
		name  string
		input string
		want  updater.FullCopyChoice
	}{
		{"standard", "1\n", updater.FullCopyChoice{}},
		{"single file", "3\n", updater.FullCopyChoice{RefreshFiles: []string{"Servers.ini"}}},
		{"all files", "4\n", updater.FullCopyChoice{RefreshFiles: refreshable}},
		{"overwrite", "5\n", updater.FullCopyChoice{OverwriteAll: true}},
		{"back", "6\n", updater.FullCopyChoice{Cancelled: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newConsole(tc.input)
			got, err := c.SelectFullCopyOption(refreshable)
			if err != nil {
				t.Fatalf("SelectFullCopyOption() error = %v", err)
			}
			if got.OverwriteAll != tc.want.OverwriteAll || got.Cancelled != tc.want.Cancelled {
				t.Fatalf("SelectFullCopyOption() = %+v, want %+v", got, tc.want)
			}
			if strings.Join(got.RefreshFiles, ",") != strings.Join(tc.want.RefreshFiles, ",") {
				t.Fatalf("RefreshFiles = %v, want %v", got.RefreshFiles, tc.want.RefreshFiles)
			}
		})
	}
}

func TestSelectFullCopyOptionSingleRefreshable(t *testing.T) {
	// With one refreshable file there is no "all of the above" entry:
	// 1 standard, 2 the file, 3 overwrite, 4 back.
	c, _ := newConsole("3\n")
	got, err := c.SelectFullCopyOption([]string{"PRIMA.ini"})
	if err != nil {
		t.Fatalf("SelectFullCopyOption() error = %v", err)
	}
	if !got.OverwriteAll {
		t.Fatalf("SelectFullCopyOption() = %+v, want OverwriteAll", got)
	}
}

func TestSelectRestoreFilter(t *testing.T) {
	years := []int{2026, 2024}
	tests := []struct {
		name   string
		input  string
		want   backupstore.Window
		wantOK bool
	}{
		{"all", "1\n", backupstore.Window{Kind: backupstore.WindowAll}, true},
		{"current month", "2\n", backupstore.Window{Kind: backupstore.WindowCurrentMonth}, true},
		{"current year", "3\n", backupstore.Window{Kind: backupstore.WindowCurrentYear}, true},
		{"specific year", "4\n2\n", backupstore.Window{Kind: backupstore.WindowYear, Year: 2024}, true},
		{"back", "5\n", backupstore.Window{}, false},
		{"year back returns to filters", "4\n3\n5\n", backupstore.Window{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newConsole(tc.input)
			got, ok, err := c.SelectRestoreFilter(years)
			if err != nil {
				t.Fatalf("SelectRestoreFilter() error = %v", err)
			}
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("SelectRestoreFilter() = %+v, %v; want %+v, %v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestSelectRestoreFilterNoYears(t *testing.T) {
	c, out := newConsole("4\n1\n")
	got, ok, err := c.SelectRestoreFilter(nil)
	if err != nil {
		t.Fatalf("SelectRestoreFilter() error = %v", err)
	}
	if !ok || got.Kind != backupstore.WindowAll {
		t.Fatalf("SelectRestoreFilter() = %+v, %v; want WindowAll, true", got, ok)
	}
	if !strings.Contains(out.String(), "No backup years available") {
		t.Fatal("missing empty-years notice")
	}
}

func TestSelectBackup(t *testing.T) {
	records := []backupstore.Record{{Name: "prima[01.06.25].exe"}, {Name: "prima[14.03.24].exe"}}

	c, _ := newConsole("2\n")
	idx, err := c.SelectBackup(records)
	if err != nil {
		t.Fatalf("SelectBackup() error = %v", err)
	}
	if idx != 1 {
		t.Fatalf("SelectBackup() = %d, want 1", idx)
	}

	c, _ = newConsole("0\n")
	idx, err = c.SelectBackup(records)
	if err != nil {
		t.Fatalf("SelectBackup() error = %v", err)
	}
	if idx != -1 {
		t.Fatalf("SelectBackup() = %d, want -1 for back", idx)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"what\ny\n", true},
	}
	for _, tc := range tests {
		c, _ := newConsole(tc.input)
		got, err := c.Confirm("Proceed?")
		if err != nil {
			t.Fatalf("Confirm(%q) error = %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("Confirm(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestShowChangesTruncatesLongSections(t *testing.T) {
	diff := &pathdiff.Diff{}
	for i := 0; i < maxListedPaths+5; i++ {
		diff.Added = append(diff.Added, pathdiff.Entry{RelPath: "file.txt"})
	}

	c, out := newConsole("")
	c.ShowChanges(diff)
	if !strings.Contains(out.String(), "... and 5 more") {
		t.Fatalf("missing truncation notice in output:\n%s", out.String())
	}
}

func TestShowBackupsFormatsSizes(t *testing.T) {
	records := []backupstore.Record{
		{Name: "prima[01.06.25].exe", Size: 3 << 20, Date: time.Date(2025, 6, 1, 0, 0, 0, 0, time.Local)},
		{Name: "prima[14.03.24].exe", Size: 512, Date: time.Date(2024, 3, 14, 0, 0, 0, 0, time.Local)},
	}

	c, out := newConsole("")
	c.ShowBackups(records)
	text := out.String()
	if !strings.Contains(text, "1) prima[01.06.25].exe  3.0 MB") {
		t.Fatalf("missing MB entry in output:\n%s", text)
	}
	if !strings.Contains(text, "2) prima[14.03.24].exe  512 B") {
		t.Fatalf("missing byte entry in output:\n%s", text)
	}
}
