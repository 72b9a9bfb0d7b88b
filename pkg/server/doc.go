// Package server exposes a bus to remote clients.
//
// Each TCP connection accepted by the transport listener, and each WebSocket
// upgraded by the HTTP front end, becomes one session: a wire device adapter
// attached to the bus as a client for the lifetime of the stream. Sessions
// speak the same XML protocol on both transports.
//
// The HTTP front end additionally serves a health check, Prometheus metrics
// and a read-only JSON view of devices and properties:
//
//	GET /healthz
//	GET /metrics
//	GET /api/v1/devices
//	GET /api/v1/devices/{device}/properties
//	GET /api/v1/devices/{device}/properties/{name}
package server
