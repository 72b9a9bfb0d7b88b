// Package config loads the devbus server configuration.
//
// Configuration comes from three layers: built-in defaults, a YAML file and
// DEVBUS_* environment variables, applied in that order. A minimal file:
//
//	server:
//	  name: observatory
//	drivers:
//	  - ccd_simulator
//	servers:
//	  - host: dome.local
//	mqtt:
//	  enabled: true
//	  broker: tcp://broker:1883
package config
