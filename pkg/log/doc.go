// Package log provides the protocol trace.
//
// The trace is separate from operational logging (slog): it records every
// bus verb, wire frame and lifecycle change as a machine-readable Event.
//
//	// Console during development
//	cfg.Trace = log.NewSlogAdapter(slog.Default())
//
//	// Binary file in production
//	cfg.Trace, _ = log.NewFileLogger("/var/log/devbus/bus.trace")
//
//	// Both
//	cfg.Trace = log.NewMultiLogger(console, file)
//
// Trace files are a stream of CBOR-encoded events with integer keys.
// Reader iterates over them with an optional Filter.
package log
