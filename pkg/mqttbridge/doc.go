// Package mqttbridge mirrors bus properties to an MQTT broker.
//
// The bridge attaches to the bus as an ordinary client. Every property it is
// defined to is published retained as JSON on
//
//	<prefix>/<device>/<property>
//
// and cleared with an empty retained message when deleted. Device messages go
// to <prefix>/<device>/$messages. Publishing a JSON item map such as
// {"CONNECTED": true} on <prefix>/<device>/<property>/set sends a change
// request to the owning device.
package mqttbridge
