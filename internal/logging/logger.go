// Package logging builds the operational logger and the protocol trace from
// configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/devbus/devbus-go/pkg/config"
	"github.com/devbus/devbus-go/pkg/log"
)

// New creates a logger for cfg. Output "stdout" and "stderr" name the
// standard streams; anything else is ignored in favour of stderr.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	default:
		output = os.Stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New writing to w.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "devbus"),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Trace is a protocol trace built from config.
type Trace struct {
	log.Logger

	file *log.FileLogger
}

// NewTrace creates the protocol trace described by cfg: a CBOR file, the
// operational logger at debug level, both or neither.
func NewTrace(cfg config.TraceConfig, logger *slog.Logger) (*Trace, error) {
	t := &Trace{}
	var sinks []log.Logger
	if cfg.File != "" {
		f, err := log.NewFileLogger(cfg.File)
		if err != nil {
			return nil, err
		}
		t.file = f
		sinks = append(sinks, f)
	}
	if cfg.Log && logger != nil {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		t.Logger = log.NoopLogger{}
	case 1:
		t.Logger = sinks[0]
	default:
		t.Logger = log.NewMultiLogger(sinks...)
	}
	return t, nil
}

// Dropped returns how many events the trace file failed to encode.
func (t *Trace) Dropped() uint64 {
	if t.file == nil {
		return 0
	}
	return t.file.Dropped()
}

// Close flushes and closes the trace file, if any.
func (t *Trace) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
