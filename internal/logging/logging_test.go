package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestAutoFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, false, Options{Format: FormatAuto})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello", "gpu", 3)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON without a terminal: %q", buf.String())
	}
	if rec["msg"] != "hello" || rec["gpu"] != float64(3) {
		t.Fatalf("record = %v", rec)
	}

	buf.Reset()
	logger, _ = New(&buf, true, Options{})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("not text on a terminal: %q", buf.String())
	}

	if _, err := New(&buf, true, Options{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&buf, true, Options{Level: "warn"})
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestInitToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "kmsd.log")
	if err := Init(Options{File: path, Level: "debug"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	slog.Debug("to file", "screen", 7)
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// a file is never a terminal, so auto picks JSON
	if !strings.Contains(string(data), `"msg":"to file"`) || !strings.Contains(string(data), `"screen":7`) {
		t.Fatalf("log file = %q", data)
	}
}
