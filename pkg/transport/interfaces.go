package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// LineConn is a line-oriented device connection.
// Implemented by Conn.
type LineConn interface {
	io.ReadWriteCloser

	// ReadLine reads up to the next LF without the terminator.
	ReadLine() (string, error)

	// Printf formats and writes output.
	Printf(format string, args ...any) error

	// Poll reports whether input is ready within timeout.
	Poll(timeout time.Duration) (bool, error)
}

// TransportServer accepts inbound connections.
// Implemented by Listener.
type TransportServer interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop closes the listener and every connection.
	Stop() error

	// Addr returns the listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// Compile-time interface satisfaction checks.
var (
	_ LineConn        = (*Conn)(nil)
	_ TransportServer = (*Listener)(nil)
)
