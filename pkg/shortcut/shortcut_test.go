package shortcut

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTracked(t *testing.T, dir string, modTime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, "prima.exe")
	if err := os.WriteFile(path, []byte("exe"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUpdateRenamesShortcut(t *testing.T) {
	appDir := t.TempDir()
	desktop := t.TempDir()

	modTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	tracked := writeTracked(t, appDir, modTime)

	old := filepath.Join(desktop, "[PRIMA] 14.03.24.lnk")
	if err := os.WriteFile(old, []byte("link"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := New(desktop, tracked, false)
	if err := u.Update(); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	want := filepath.Join(desktop, "[PRIMA] 01.06.25.lnk")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected renamed shortcut %s: %v", want, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old shortcut should be gone, stat err = %v", err)
	}
}

func TestUpdateIdempotent(t *testing.T) {
	appDir := t.TempDir()
	desktop := t.TempDir()

	modTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	tracked := writeTracked(t, appDir, modTime)

	current := filepath.Join(desktop, "[PRIMA] 01.06.25.lnk")
	if err := os.WriteFile(current, []byte("link"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := New(desktop, tracked, false)
	if err := u.Update(); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := os.Stat(current); err != nil {
		t.Fatalf("shortcut should be untouched: %v", err)
	}
}

func TestUpdateNoShortcut(t *testing.T) {
	appDir := t.TempDir()
	desktop := t.TempDir()

	tracked := writeTracked(t, appDir, time.Now())

	u := New(desktop, tracked, false)
	err := u.Update()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMissingTrackedFile(t *testing.T) {
	desktop := t.TempDir()

	u := New(desktop, filepath.Join(t.TempDir(), "prima.exe"), false)
	if err := u.Update(); err == nil {
		t.Fatal("Update() expected error for missing tracked file")
	}
}

func TestUpdateIgnoresOtherShortcuts(t *testing.T) {
	appDir := t.TempDir()
	desktop := t.TempDir()

	modTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	tracked := writeTracked(t, appDir, modTime)

	other := filepath.Join(desktop, "Notepad.lnk")
	if err := os.WriteFile(other, []byte("link"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := New(desktop, tracked, false)
	if err := u.Update(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("unrelated shortcut should survive: %v", err)
	}
}

func TestUpdateDryRun(t *testing.T) {
	appDir := t.TempDir()
	desktop := t.TempDir()

	modTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.Local)
	tracked := writeTracked(t, appDir, modTime)

	old := filepath.Join(desktop, "[PRIMA] 14.03.24.lnk")
	if err := os.WriteFile(old, []byte("link"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := New(desktop, tracked, true)
	if err := u.Update(); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Fatalf("dry run must not rename: %v", err)
	}
}
