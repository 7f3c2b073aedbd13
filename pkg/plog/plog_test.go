package plog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSetOutputCapturesAllLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&buf) // Keep tests from racing back to os.Stdout.

	SetLevel(slog.LevelDebug)
	defer SetLevel(slog.LevelInfo)

	Debug("debug line")
	Info("info line")
	Notice("notice line")
	Warn("warn line")
	Error("error line")

	out := buf.String()
	for _, want := range []string{"debug line", "info line", "notice line", "warn line", "error line"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "level=NOTICE") {
		t.Errorf("notice level not renamed:\n%s", out)
	}
}

func TestSetLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	Info("should be hidden")
	Warn("should be shown")

	out := buf.String()
	if strings.Contains(out, "should be hidden") {
		t.Errorf("info message logged despite warn level:\n%s", out)
	}
	if !strings.Contains(out, "should be shown") {
		t.Errorf("warn message missing:\n%s", out)
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"notice", LevelNotice},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LevelFromString(tt.in); got != tt.want {
			t.Errorf("LevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
