package pathtransfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DiDaimon/prima-update/pkg/ignore"
	"github.com/DiDaimon/prima-update/pkg/pathdiff"
)

func writeFile(t *testing.T, path string, content string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if !mod.IsZero() {
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func fileEntry(rel string) pathdiff.Entry {
	return pathdiff.Entry{RelPath: rel}
}

func TestCopySelected(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mod := time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "a.txt"), "X", mod)
	writeFile(t, filepath.Join(src, "sub", "deep", "b.txt"), "B", mod)
	writeFile(t, filepath.Join(dst, "a.txt"), "Y", mod.Add(-time.Hour))

	tr := New(Options{Workers: 2})
	err := tr.CopySelected(context.Background(), src, dst, []pathdiff.Entry{
		fileEntry("a.txt"),
		fileEntry("sub/deep/b.txt"),
	})
	if err != nil {
		t.Fatalf("CopySelected failed: %v", err)
	}

	if got := readFile(t, filepath.Join(dst, "a.txt")); got != "X" {
		t.Errorf("a.txt content = %q, want %q", got, "X")
	}
	if got := readFile(t, filepath.Join(dst, "sub", "deep", "b.txt")); got != "B" {
		t.Errorf("b.txt content = %q, want %q", got, "B")
	}

	info, err := os.Stat(filepath.Join(dst, "a.txt"))
	if err != nil {
		t.Fatalf("stat copied file: %v", err)
	}
	if !info.ModTime().Equal(mod) {
		t.Errorf("modtime not preserved: got %v, want %v", info.ModTime(), mod)
	}
}

func TestCopySelectedPartialFailure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, filepath.Join(src, "good.txt"), "ok", time.Time{})

	tr := New(Options{Workers: 2})
	err := tr.CopySelected(context.Background(), src, dst, []pathdiff.Entry{
		fileEntry("good.txt"),
		fileEntry("missing.txt"),
	})
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}

	// The good file must still have been copied.
	if got := readFile(t, filepath.Join(dst, "good.txt")); got != "ok" {
		t.Errorf("good.txt content = %q, want %q", got, "ok")
	}
}

func TestCopySelectedCreatesEmptyDirs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	tr := New(Options{Workers: 1})
	err := tr.CopySelected(context.Background(), src, dst, []pathdiff.Entry{
		{RelPath: "empty", IsDir: true},
	})
	if err != nil {
		t.Fatalf("CopySelected failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(dst, "empty"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected empty dir to exist, err=%v", err)
	}
}

func TestMirrorAllOverwrite(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mod := time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "prima.exe"), "v2", mod)
	writeFile(t, filepath.Join(src, "PRIMA.ini"), "defaults", mod)
	writeFile(t, filepath.Join(src, "data", "t.dat"), "rows", mod)
	writeFile(t, filepath.Join(dst, "stale.dll"), "old", mod)
	writeFile(t, filepath.Join(dst, "Backup", "prima[01.02.25].exe"), "kept", mod)

	protect := ignore.New(nil, []string{"Backup"})

	tr := New(Options{Workers: 2})
	if err := tr.MirrorAll(context.Background(), src, dst, nil, protect); err != nil {
		t.Fatalf("MirrorAll failed: %v", err)
	}

	// Full copy includes otherwise-ignored names.
	for _, rel := range []string{"prima.exe", "PRIMA.ini", filepath.Join("data", "t.dat")} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Errorf("expected %s in destination: %v", rel, err)
		}
	}
	// Stale entries are removed.
	if _, err := os.Stat(filepath.Join(dst, "stale.dll")); !os.IsNotExist(err) {
		t.Error("stale.dll should have been deleted")
	}
	// Protected entries survive.
	if got := readFile(t, filepath.Join(dst, "Backup", "prima[01.02.25].exe")); got != "kept" {
		t.Error("backup directory was not protected from deletion")
	}
}

func TestMirrorAllWithIgnoreSpec(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mod := time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "prima.exe"), "v2", mod)
	writeFile(t, filepath.Join(src, "PRIMA.ini"), "share-defaults", mod)
	writeFile(t, filepath.Join(src, "sub", "PRIMA.ini"), "nested", mod)
	writeFile(t, filepath.Join(dst, "PRIMA.ini"), "local-settings", mod)

	copySpec := ignore.New([]string{"PRIMA.ini"}, nil)
	protect := ignore.New([]string{"PRIMA.ini"}, nil)

	tr := New(Options{Workers: 2})
	if err := tr.MirrorAll(context.Background(), src, dst, copySpec, protect); err != nil {
		t.Fatalf("MirrorAll failed: %v", err)
	}

	// The ignored file keeps its local content at every depth.
	if got := readFile(t, filepath.Join(dst, "PRIMA.ini")); got != "local-settings" {
		t.Errorf("PRIMA.ini = %q, want local-settings", got)
	}
	if _, err := os.Stat(filepath.Join(dst, "sub", "PRIMA.ini")); !os.IsNotExist(err) {
		t.Error("nested ignored file should not have been copied")
	}
	if _, err := os.Stat(filepath.Join(dst, "prima.exe")); err != nil {
		t.Errorf("prima.exe missing after mirror: %v", err)
	}
}

func TestMirrorAllKeepsDestinationDuringCopyFailure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	mod := time.Date(2026, 5, 20, 9, 30, 0, 0, time.UTC)

	writeFile(t, filepath.Join(src, "ok.txt"), "new", mod)
	writeFile(t, filepath.Join(dst, "precious.txt"), "keep me", mod)

	// Force a copy failure with an unreadable source file.
	bad := filepath.Join(src, "bad.txt")
	writeFile(t, bad, "secret", mod)
	if err := os.Chmod(bad, 0000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(bad, 0644) })
	if os.Getuid() == 0 {
		t.Skip("permission-based failure injection does not work as root")
	}

	tr := New(Options{Workers: 1})
	err := tr.MirrorAll(context.Background(), src, dst, nil, nil)
	if !errors.Is(err, ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}

	// The delete phase must not have run: the stale entry survives.
	if got := readFile(t, filepath.Join(dst, "precious.txt")); got != "keep me" {
		t.Error("destination entry deleted despite failed copy phase")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	mod := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	writeFile(t, src, "payload", mod)

	if err := CopyFile(context.Background(), src, dst); err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	if got := readFile(t, dst); got != "payload" {
		t.Errorf("content = %q, want payload", got)
	}
	info, _ := os.Stat(dst)
	if !info.ModTime().Equal(mod) {
		t.Errorf("modtime not preserved: %v", info.ModTime())
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "X", time.Time{})
	writeFile(t, filepath.Join(dst, "stale.txt"), "old", time.Time{})

	tr := New(Options{Workers: 1, DryRun: true})
	if err := tr.MirrorAll(context.Background(), src, dst, nil, nil); err != nil {
		t.Fatalf("MirrorAll dry run failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dst, "a.txt")); !os.IsNotExist(err) {
		t.Error("dry run copied a file")
	}
	if _, err := os.Stat(filepath.Join(dst, "stale.txt")); err != nil {
		t.Error("dry run deleted a file")
	}
}
