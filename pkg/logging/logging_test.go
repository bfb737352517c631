package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLevel checks the accepted names and the fallback
func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"Warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, expected %v", in, got, want)
		}
	}
}

// TestTee verifies that entries reach both writers and that the file
// always receives JSON
func TestTee(t *testing.T) {
	var console, file bytes.Buffer
	core := newCore(Config{Level: "info", Development: true}, zapcore.AddSync(&console), zapcore.AddSync(&file))
	logger := zap.New(core)
	logger.Debug("hidden")
	logger.Info("Engine prepared", zap.String("engine", "lw"))
	logger.Sync()

	if strings.Contains(console.String(), "hidden") || strings.Contains(file.String(), "hidden") {
		t.Error("Debug entry written at info level")
	}
	if !strings.Contains(console.String(), "Engine prepared") {
		t.Errorf("Console output missing entry: %q", console.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &entry); err != nil {
		t.Fatalf("File output is not JSON: %v", err)
	}
	if entry["message"] != "Engine prepared" || entry["engine"] != "lw" {
		t.Errorf("Unexpected file entry: %v", entry)
	}
}

// TestNewWithFile writes through the rotating file writer
func TestNewWithFile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	path := filepath.Join(t.TempDir(), "deconv.log")
	logger := New(Config{Level: "debug", File: path})
	logger.Debug("Iteration", zap.Int("n", 1))
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"n":1`) {
		t.Errorf("Log file missing field: %s", data)
	}
	Nop().Info("discarded")
}
