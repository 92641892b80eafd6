package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetupWritesComponentToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	if err := Setup(Config{Level: "debug", Format: "json", File: path}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer func() {
		Close()
		Setup(Config{Level: "debug"})
	}()

	logger := WithComponent("pool")
	logger.Info().Str("model", "planning").Msg("test message")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"component":"pool"`) {
		t.Errorf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "test message") {
		t.Errorf("expected message, got: %s", out)
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	if err := Setup(Config{Level: "error", File: path}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer func() {
		Close()
		Setup(Config{Level: "debug"})
	}()

	logger := Logger()
	logger.Info().Msg("dropped")
	logger.Error().Msg("kept")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Errorf("info line should be filtered at error level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("error line missing")
	}
}
