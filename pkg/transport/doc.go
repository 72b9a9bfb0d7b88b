// Package transport provides the byte-stream primitives used by drivers and
// by the protocol server.
//
// Device connections come in three flavors:
//   - serial ports, opened with a framing string such as "9600-8N1"
//   - TCP sockets
//   - connected UDP sockets
//
// All of them are wrapped in a Conn offering line reads, formatted writes and
// readiness polling. Network connections apply a deadline to every send and
// receive (DefaultTimeout, 5 seconds); a read that returns no data is
// reported as ErrConnectionLost.
//
// # Listener
//
// Listener accepts TCP connections for remote protocol clients. Each
// connection gets a random UUID as its connection id and is served on its own
// goroutine by the configured Handle function.
package transport
