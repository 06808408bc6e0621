package blelink

import "net"

// A BDAddr (Bluetooth Device Address) is a hardware-addressed-based net.Addr.
type BDAddr struct{ net.HardwareAddr }

func (a BDAddr) Network() string { return "BLE" }

// MustParseAddr parses a colon-separated Bluetooth device address
// and panics on malformed input. Intended for constants and tests.
func MustParseAddr(s string) BDAddr {
	hw, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return BDAddr{hw}
}

// DefaultMTU is the ATT MTU assumed before a connection has
// negotiated a larger one.
const DefaultMTU = 23

// attHeaderLen is the ATT opcode-plus-handle overhead of a single
// write or notification; the usable payload is MTU minus this.
const attHeaderLen = 3

// A ConnectedClient is a remote central currently connected to the
// local GATT server. It exists from the server-side connect callback
// until the matching disconnect.
type ConnectedClient struct {
	Addr BDAddr

	// MTU is the negotiated ATT MTU for this link.
	MTU int

	subscribed map[string]struct{} // characteristic UUIDs with notifications on
}

// Subscribed reports whether the client has enabled notifications
// for the characteristic.
func (c *ConnectedClient) Subscribed(char UUID) bool {
	_, ok := c.subscribed[char.String()]
	return ok
}

// payloadCap returns the usable notification payload for this link.
func (c *ConnectedClient) payloadCap() int {
	mtu := c.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	return mtu - attHeaderLen
}
