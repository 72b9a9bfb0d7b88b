package model

// Standard group names.
const (
	GroupMain    = "Main"
	GroupGeneral = "General"
)

// Mandatory properties every device defines.
const (
	ConnectionProperty   = "CONNECTION"
	ConnectedItem        = "CONNECTED"
	DisconnectedItem     = "DISCONNECTED"
	InfoProperty         = "INFO"
	InfoDeviceName       = "DEVICE_NAME"
	InfoDeviceVersion    = "DEVICE_VERSION"
	InfoDeviceInterface  = "DEVICE_INTERFACE"
	InfoDeviceModel      = "DEVICE_MODEL"
	InfoFirmwareRevision = "DEVICE_FIRMWARE_REVISION"
	InfoHardwareRevision = "DEVICE_HARDWARE_REVISION"
	InfoSerialNumber     = "DEVICE_SERIAL_NUMBER"
)

// Optional well-known properties.
const (
	SimulationProperty = "SIMULATION"
	ConfigProperty     = "CONFIG"
	DevicePortProperty = "DEVICE_PORT"
	DevicePortItem     = "PORT"
	EnabledItem        = "ENABLED"
	DisabledItem       = "DISABLED"
)

// NewConnectionProperty returns the CONNECTION switch in the disconnected position.
func NewConnectionProperty(device string) *Property {
	return NewSwitchProperty(device, ConnectionProperty, GroupMain, "Connection status", StateOk, PermRW, RuleOneOfMany,
		SwitchItem(ConnectedItem, "Connected", false),
		SwitchItem(DisconnectedItem, "Disconnected", true),
	)
}

// IsConnected reports whether a CONNECTION property has CONNECTED on.
func IsConnected(p *Property) bool {
	if p == nil || p.Name != ConnectionProperty {
		return false
	}
	it := p.Item(ConnectedItem)
	return it != nil && it.Switch() != nil && it.Switch().On
}

// NewInfoProperty returns the read-only INFO text vector.
func NewInfoProperty(device, version string, iface Interface) *Property {
	return NewTextProperty(device, InfoProperty, GroupMain, "Info", StateOk, PermRO,
		TextItem(InfoDeviceName, "Name", device),
		TextItem(InfoDeviceVersion, "Version", version),
		TextItem(InfoDeviceInterface, "Interface", formatInterface(iface)),
		TextItem(InfoDeviceModel, "Model", ""),
		TextItem(InfoFirmwareRevision, "Firmware revision", ""),
		TextItem(InfoHardwareRevision, "Hardware revision", ""),
		TextItem(InfoSerialNumber, "Serial number", ""),
	)
}
