package blelink

// This file includes constants from the BLE spec, plus the UUIDs of
// the engine's own message link service.

var (
	attrGAPUUID  = UUID16(0x1800)
	attrGATTUUID = UUID16(0x1801)

	attrClientCharacteristicConfigUUID = UUID16(0x2902)

	attrDeviceNameUUID = UUID16(0x2A00)
)

// The link service carries the binary message protocol. Centrals
// write outbound packets to the message characteristic; peripherals
// push inbound packets over its notifications.
var (
	// LinkServiceUUID identifies the blelink message service.
	LinkServiceUUID = MustParseUUID("c0de0001-6f25-4c37-ab91-87a7a2f7d8b2")

	// MessageCharUUID is the write/notify characteristic the binary
	// protocol travels over.
	MessageCharUUID = MustParseUUID("c0de0002-6f25-4c37-ab91-87a7a2f7d8b2")
)
