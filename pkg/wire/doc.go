// Package wire implements the line-oriented XML protocol spoken between
// servers, remote clients and subprocess drivers.
//
// Devices are described with def*Vector elements, updated with set*Vector,
// removed with delProperty and changed by clients with new*Vector:
//
//	<defSwitchVector device='CCD' name='CONNECTION' group='Main' label='Connection' perm='rw' state='Ok' rule='OneOfMany'>
//	<defSwitch name='CONNECTED' label='Connected'>Off</defSwitch>
//	<defSwitch name='DISCONNECTED' label='Disconnected'>On</defSwitch>
//	</defSwitchVector>
//
// BLOB payloads are base64 encoded, 72 characters per line.
//
// Writer serializes elements under one lock per output stream. Parser
// decodes a stream element by element; malformed elements or items are
// dropped with a warning and the stream continues.
//
// DeviceAdapter exposes a bus to one remote client (it is a bus.Client).
// ClientAdapter proxies the devices of a remote server or subprocess onto
// the local bus (it is a bus.Device).
package wire
