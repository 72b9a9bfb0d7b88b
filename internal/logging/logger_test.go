package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devbus/devbus-go/pkg/config"
	"github.com/devbus/devbus-go/pkg/log"
)

func TestNewWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.0.0", &buf)

	logger.Info("started", "port", 7624)
	logger.Debug("hidden")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON object: %v: %s", err, buf.String())
	}
	if entry["service"] != "devbus" {
		t.Errorf("service = %v, want devbus", entry["service"])
	}
	if entry["version"] != "1.0.0" {
		t.Errorf("version = %v, want 1.0.0", entry["version"])
	}
	if entry["msg"] != "started" {
		t.Errorf("msg = %v, want started", entry["msg"])
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, "dev", &buf)

	logger.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}

func TestNew(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		if New(config.LoggingConfig{Output: output}, "dev") == nil {
			t.Fatalf("New(output=%q) returned nil", output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestNewTrace(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		tr, err := NewTrace(config.TraceConfig{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := tr.Logger.(log.NoopLogger); !ok {
			t.Errorf("Logger = %T, want NoopLogger", tr.Logger)
		}
		if err := tr.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})

	t.Run("file and log", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trace.cbor")
		var buf bytes.Buffer
		logger := NewWithWriter(config.LoggingConfig{Level: "debug"}, "dev", &buf)

		tr, err := NewTrace(config.TraceConfig{File: path, Log: true}, logger)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := tr.Logger.(*log.MultiLogger); !ok {
			t.Fatalf("Logger = %T, want MultiLogger", tr.Logger)
		}
		tr.Log(log.Event{ConnectionID: "client-1", Device: "CCD Simulator", Layer: log.LayerBus})
		if err := tr.Close(); err != nil {
			t.Fatalf("Close() = %v", err)
		}
		if tr.Dropped() != 0 {
			t.Errorf("Dropped() = %d", tr.Dropped())
		}

		r, err := log.NewReader(path)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("Next() = %v", err)
		}
		if ev.Device != "CCD Simulator" {
			t.Errorf("Device = %q", ev.Device)
		}
		if !strings.Contains(buf.String(), "CCD Simulator") {
			t.Errorf("trace not mirrored to log: %q", buf.String())
		}
	})

	t.Run("bad path", func(t *testing.T) {
		_, err := NewTrace(config.TraceConfig{File: filepath.Join(t.TempDir(), "missing", "trace.cbor")}, nil)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}
