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

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Options{Level: slog.LevelInfo, Format: "json"})
	defer l.Close()

	l.Debug("hidden")
	l.Info("dialing", "line", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not a single JSON record: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "dialing" {
		t.Errorf("msg = %v, want dialing", entry["msg"])
	}
	if entry["line"] != float64(2) {
		t.Errorf("line = %v, want 2", entry["line"])
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Options{Level: slog.LevelDebug, Format: "text"})
	defer l.Close()

	l.Debug("keypress", "digit", "5")
	if !strings.Contains(buf.String(), "msg=keypress digit=5") {
		t.Errorf("output = %q, want text record", buf.String())
	}
}

func TestNewWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "ivrkit.log")
	l := New(&buf, Options{Level: slog.LevelInfo, Format: "text", File: path})

	l.Info("line disposed")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "line disposed") {
		t.Errorf("log file = %q, want the record", data)
	}
	if !strings.Contains(buf.String(), "line disposed") {
		t.Errorf("stdout = %q, want the record", buf.String())
	}
}
