package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"vaultline/internal/config"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, config.LoggingConfig{Level: "info", Format: "json"})
	l.Debug("hidden")
	l.Info("claimed", "task", "email_1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != Service || rec["task"] != "email_1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewWriterText(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, config.LoggingConfig{Level: "debug", Format: "text"}).Debug("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}
