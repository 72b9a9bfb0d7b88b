// Command devbusd runs a device bus server.
//
// It loads the compiled-in and plugin drivers named in the configuration,
// supervises driver subprocesses, connects to remote servers and serves
// clients over TCP, WebSocket and optionally MQTT.
//
// Usage:
//
//	devbusd [flags]
//
// Examples:
//
//	# Serve the rotator simulator on the default port
//	devbusd --driver rotator_simulator
//
//	# Load a configuration file and chain a remote server
//	devbusd --config /etc/devbus/devbus.yaml --connect observatory=10.0.0.5:7624
package main

import (
	"fmt"
	"os"

	// Compiled-in drivers register themselves with the supervisor catalog.
	_ "github.com/devbus/devbus-go/pkg/driver"
)

func main() {
	if err := newRootCmd(run).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devbusd:", err)
		os.Exit(1)
	}
}
