package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected LogLevel
	}{
		{"debug", DebugLevel},
		{"info", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel}, // should default to info
	}

	for _, test := range tests {
		t.Run(test.level, func(t *testing.T) {
			result := parseLevel(test.level)
			if result != test.expected {
				t.Errorf("parseLevel(%q) = %v; want %v", test.level, result, test.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
	}

	for _, test := range tests {
		result := levelString(test.level)
		if result != test.expected {
			t.Errorf("levelString(%v) = %q; want %q", test.level, result, test.expected)
		}
	}
}

func TestLoggerOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug")
	logger.SetOutput(&buf)

	logger.Info("anchor enrolled", "anchor_id", "sbta_1", "accuracy_m", 8.5)

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "anchor enrolled" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["anchor_id"] != "sbta_1" {
		t.Errorf("anchor_id = %v", entry["anchor_id"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn")
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing: %q", buf.String())
	}
}

func TestLoggerWithAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info")
	logger.SetOutput(&buf)

	child := logger.With("component", "verify")
	child.Error("provider failed", "error", errors.New("boom"), "dangling")

	out := buf.String()
	for _, want := range []string{`"component":"verify"`, `"error":"boom"`, `"dangling":null`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %q", want, out)
		}
	}
}
