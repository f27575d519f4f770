package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskdash/taskdash/internal/config"
)

func TestLogger_Prefix(t *testing.T) {
	var buf bytes.Buffer
	logs := New(&buf)

	logs.Logger("engine").Printf("group %s done", "A")
	if !strings.Contains(buf.String(), "[engine] ") {
		t.Errorf("output %q missing prefix", buf.String())
	}
	if !strings.Contains(buf.String(), "group A done") {
		t.Errorf("output %q missing message", buf.String())
	}
}

func TestLogger_Reused(t *testing.T) {
	logs := Discard()
	if logs.Logger("x") != logs.Logger("x") {
		t.Error("Logger() returned different loggers for one component")
	}
	if logs.Logger("x") == logs.Logger("y") {
		t.Error("Logger() shared a logger across components")
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskdash.log")
	logs := Open(config.LogConfig{File: path, MaxSizeMB: 1})

	logs.Logger("dashboard").Println("listening")
	if err := logs.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "[dashboard] ") {
		t.Errorf("log file = %q", data)
	}
}

func TestOpen_Stderr(t *testing.T) {
	logs := Open(config.LogConfig{})
	if logs.Writer() != os.Stderr {
		t.Error("empty file does not log to stderr")
	}
	if err := logs.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}
