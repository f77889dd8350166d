package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "INFO", expected: INFO},
		{name: "empty defaults to info", input: "", expected: INFO},
		{name: "warning alias", input: "WARNING", expected: WARN},
		{name: "case insensitive", input: " debug ", expected: DEBUG},
		{name: "invalid level", input: "LOUD", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected LogFormat
		wantErr  bool
	}{
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"", FormatText, false},
		{"xml", FormatText, true},
	}

	for _, tt := range tests {
		result, err := ParseLogFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if result != tt.expected {
			t.Errorf("ParseLogFormat(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{64 * 1024 * 1024, "64.0 MB"},
		{2 * 1024 * 1024 * 1024, "2.0 GB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.input); got != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"64MB", 64 * 1024 * 1024, false},
		{"2G", 2 * 1024 * 1024 * 1024, false},
		{"1.5K", 1536, false},
		{"", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseBytes(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBytes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("should be dropped", map[string]interface{}{"key": "value"})
}

func TestTextFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("evicted", map[string]interface{}{"zeta": 1, "alpha": 2, "mid": 3})

	out := buf.String()
	a := strings.Index(out, "alpha=")
	m := strings.Index(out, "mid=")
	z := strings.Index(out, "zeta=")
	if a < 0 || m < 0 || z < 0 || !(a < m && m < z) {
		t.Errorf("fields not sorted: %s", out)
	}
}
