package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(Options{Level: "debug", Format: FormatJSON, Output: &buf})
	log.Debug("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output not JSON: %s", buf.String())
	}
	if record["msg"] != "hello" || record["key"] != "value" {
		t.Errorf("record = %v", record)
	}
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(Options{Level: "warn", Format: FormatText, Output: &buf})
	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record passed a warn filter")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record filtered out")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Format: FormatJSON, Output: &buf})
	Component("router").Info("routed")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record["component"] != "router" {
		t.Errorf("component = %v", record["component"])
	}
}
