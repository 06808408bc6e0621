// Package wire implements the binary message protocol spoken over GATT
// characteristics. A packet is a 1-byte type tag followed by a
// type-specific payload. The codec is stateless and may be shared
// freely between the central and peripheral roles.
package wire

// A Type is the 1-byte tag that opens every packet.
type Type byte

// Defined message tags. Tags outside this set decode into Unknown and
// are preserved verbatim so that newer peers remain interoperable.
const (
	TypeHeartbeat      Type = 0x01
	TypeText           Type = 0x02
	TypeSensorData     Type = 0x03
	TypeControlCommand Type = 0x04
	TypeAck            Type = 0x05
	TypeError          Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeText:
		return "Text"
	case TypeSensorData:
		return "SensorData"
	case TypeControlCommand:
		return "ControlCommand"
	case TypeAck:
		return "Ack"
	case TypeError:
		return "Error"
	}
	return "Unknown"
}

// A Message is one member of the protocol's tagged union.
// Encode and Decode dispatch on the concrete type; there is
// exactly one payload shape per tag.
type Message interface {
	// Type returns the wire tag of the message.
	Type() Type
}

// Heartbeat is a periodic liveness beacon.
type Heartbeat struct {
	DeviceID  string
	Timestamp int64 // unix milliseconds
	Seq       uint32
}

func (Heartbeat) Type() Type { return TypeHeartbeat }

// Text carries a short human-readable string.
type Text struct {
	DeviceID  string
	Timestamp int64
	Body      string
}

func (Text) Type() Type { return TypeText }

// A Reading is one named sensor sample. Values travel as shortest
// round-trip decimal strings, so reducing precision genuinely
// shrinks the packet (see Shrink).
type Reading struct {
	Name  string
	Value float64
}

// SensorData carries a batch of sensor readings.
type SensorData struct {
	DeviceID  string
	Timestamp int64
	Readings  []Reading
}

func (SensorData) Type() Type { return TypeSensorData }

// ControlCommand asks the peer to perform an action.
type ControlCommand struct {
	DeviceID  string
	Timestamp int64
	Command   uint8
	Arg       string
}

func (ControlCommand) Type() Type { return TypeControlCommand }

// Ack acknowledges receipt of an earlier message by sequence number.
type Ack struct {
	DeviceID  string
	Timestamp int64
	Seq       uint32
}

func (Ack) Type() Type { return TypeAck }

// ErrorReport tells the peer that something went wrong.
type ErrorReport struct {
	DeviceID  string
	Timestamp int64
	Code      uint16
	Detail    string
}

func (ErrorReport) Type() Type { return TypeError }

// Unknown preserves a packet whose tag this build does not recognize.
// Raw holds the payload bytes exactly as received; re-encoding an
// Unknown reproduces the original packet.
type Unknown struct {
	Tag byte
	Raw []byte
}

func (u Unknown) Type() Type { return Type(u.Tag) }
