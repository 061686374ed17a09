package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "engine"))
	log.Info("task.started", Int64("task_id", 7), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "task.started" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "engine" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["task_id"] != float64(7) {
		t.Fatalf("task_id = %v", m["task_id"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	svc, log := New(Config{Level: "info", Console: true, Output: &buf})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at info level")
	}
	svc.Apply(Config{Level: "debug", Console: true, Output: &buf})
	if !log.Enabled(LevelDebug) {
		t.Fatal("debug should be enabled after Apply")
	}
	if svc.Level() != zerolog.DebugLevel {
		t.Fatalf("Level() = %v", svc.Level())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not the zero value")
	}
}

func TestServiceFileSinkSurvivesReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "q.log")
	var console bytes.Buffer
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}, Output: &console})

	log.Info("first", Component("engine"))
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}, Output: &console})
	log.Debug("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	log.Info("after close")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file lines = %d, want 2: %q", len(lines), b)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["comp"] != "engine" || first["message"] != "first" {
		t.Fatalf("first line = %v", first)
	}
	if !strings.Contains(console.String(), "after close") {
		t.Fatalf("console should receive lines after Close, got %q", console.String())
	}
}

func TestServiceFallsBackToConsole(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	var console bytes.Buffer
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "q.log")}, Output: &console})
	defer svc.Close()

	log.Info("hello")
	out := console.String()
	if !strings.Contains(out, "log file unavailable") || !strings.Contains(out, "hello") {
		t.Fatalf("console = %q", out)
	}
}
