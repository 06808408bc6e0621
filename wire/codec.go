package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// MaxPayload is the default ceiling for an encoded packet. It is far
// larger than any single GATT write needs to be; callers with a
// tighter budget (a negotiated MTU, an advertising slot) should use
// EncodeTo.
const MaxPayload = 512

// minKnownLen is the smallest well-formed packet for a defined tag:
// tag, timestamp and the device-id length prefix.
const minKnownLen = 1 + 8 + 2

var (
	// ErrPayloadTooLarge is returned when an encoded message exceeds
	// the caller's byte budget.
	ErrPayloadTooLarge = errors.New("wire: payload too large")

	// ErrMalformedPacket is returned when a packet is too short or
	// internally inconsistent for its tag.
	ErrMalformedPacket = errors.New("wire: malformed packet")
)

// Encode serializes m with the default MaxPayload budget.
func Encode(m Message) ([]byte, error) {
	return EncodeTo(m, MaxPayload)
}

// EncodeTo serializes m, failing with ErrPayloadTooLarge if the
// result would exceed max bytes or a field overflows its length
// prefix.
func EncodeTo(m Message, max int) ([]byte, error) {
	if err := checkPrefixLimits(m); err != nil {
		return nil, err
	}
	b := appendMessage(nil, m)
	if len(b) > max {
		return nil, fmt.Errorf("%w: %d bytes, budget %d", ErrPayloadTooLarge, len(b), max)
	}
	return b, nil
}

// checkPrefixLimits rejects messages whose fields cannot be
// represented on the wire: strings carry a uint16 length prefix and
// the sensor readings list a single count byte. Writing a wrapped
// prefix would encode cleanly but fail to decode, breaking the
// round-trip contract.
func checkPrefixLimits(m Message) error {
	str := func(what, s string) error {
		if len(s) > math.MaxUint16 {
			return fmt.Errorf("%w: %s is %d bytes, length prefix holds %d", ErrPayloadTooLarge, what, len(s), math.MaxUint16)
		}
		return nil
	}
	switch m := m.(type) {
	case Heartbeat:
		return str("device id", m.DeviceID)
	case Text:
		if err := str("device id", m.DeviceID); err != nil {
			return err
		}
		return str("body", m.Body)
	case SensorData:
		if err := str("device id", m.DeviceID); err != nil {
			return err
		}
		if len(m.Readings) > math.MaxUint8 {
			return fmt.Errorf("%w: %d readings, count prefix holds %d", ErrPayloadTooLarge, len(m.Readings), math.MaxUint8)
		}
		for _, r := range m.Readings {
			if err := str("reading name", r.Name); err != nil {
				return err
			}
		}
		return nil
	case ControlCommand:
		if err := str("device id", m.DeviceID); err != nil {
			return err
		}
		return str("arg", m.Arg)
	case Ack:
		return str("device id", m.DeviceID)
	case ErrorReport:
		if err := str("device id", m.DeviceID); err != nil {
			return err
		}
		return str("detail", m.Detail)
	default:
		return nil
	}
}

// EstimateSize reports the exact number of bytes Encode would
// produce for m. It has no side effects.
func EstimateSize(m Message) int {
	return len(appendMessage(nil, m))
}

// Fits reports whether m encodes within budget bytes.
func Fits(m Message, budget int) bool {
	return EstimateSize(m) <= budget
}

func appendMessage(b []byte, m Message) []byte {
	switch m := m.(type) {
	case Heartbeat:
		b = append(b, byte(TypeHeartbeat))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = binary.LittleEndian.AppendUint32(b, m.Seq)
	case Text:
		b = append(b, byte(TypeText))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = appendString(b, m.Body)
	case SensorData:
		b = append(b, byte(TypeSensorData))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = append(b, byte(len(m.Readings)))
		for _, r := range m.Readings {
			b = appendString(b, r.Name)
			b = appendFloat(b, r.Value)
		}
	case ControlCommand:
		b = append(b, byte(TypeControlCommand))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = append(b, m.Command)
		b = appendString(b, m.Arg)
	case Ack:
		b = append(b, byte(TypeAck))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = binary.LittleEndian.AppendUint32(b, m.Seq)
	case ErrorReport:
		b = append(b, byte(TypeError))
		b = appendHeader(b, m.Timestamp, m.DeviceID)
		b = binary.LittleEndian.AppendUint16(b, m.Code)
		b = appendString(b, m.Detail)
	case Unknown:
		b = append(b, m.Tag)
		b = append(b, m.Raw...)
	default:
		// Future variants must be added to this switch before use.
		panic(fmt.Sprintf("wire: cannot encode %T", m))
	}
	return b
}

func appendHeader(b []byte, ts int64, deviceID string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(ts))
	return appendString(b, deviceID)
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// appendFloat writes v as a length-prefixed shortest round-trip
// decimal string. strconv guarantees ParseFloat returns the exact
// same float64, which is what makes Decode(Encode(m)) == m hold.
func appendFloat(b []byte, v float64) []byte {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// Decode parses a packet. A short or internally inconsistent packet
// yields ErrMalformedPacket. An unrecognized tag is not an error: the
// packet decodes into Unknown so newer peers degrade gracefully.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPacket)
	}
	tag := Type(b[0])
	switch tag {
	case TypeHeartbeat, TypeText, TypeSensorData, TypeControlCommand, TypeAck, TypeError:
	default:
		raw := make([]byte, len(b)-1)
		copy(raw, b[1:])
		return Unknown{Tag: b[0], Raw: raw}, nil
	}
	if len(b) < minKnownLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(b), minKnownLen)
	}
	d := decoder{buf: b[1:]}
	ts := int64(d.uint64())
	id := d.string()
	var m Message
	switch tag {
	case TypeHeartbeat:
		m = Heartbeat{DeviceID: id, Timestamp: ts, Seq: d.uint32()}
	case TypeText:
		m = Text{DeviceID: id, Timestamp: ts, Body: d.string()}
	case TypeSensorData:
		n := int(d.byte())
		rr := make([]Reading, 0, n)
		for i := 0; i < n; i++ {
			name := d.string()
			v := d.float()
			rr = append(rr, Reading{Name: name, Value: v})
		}
		m = SensorData{DeviceID: id, Timestamp: ts, Readings: rr}
	case TypeControlCommand:
		m = ControlCommand{DeviceID: id, Timestamp: ts, Command: d.byte(), Arg: d.string()}
	case TypeAck:
		m = Ack{DeviceID: id, Timestamp: ts, Seq: d.uint32()}
	case TypeError:
		m = ErrorReport{DeviceID: id, Timestamp: ts, Code: d.uint16(), Detail: d.string()}
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedPacket, tag, d.err)
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformedPacket, len(d.buf), tag)
	}
	return m, nil
}

// PacketInfo describes a packet without consuming it.
type PacketInfo struct {
	Tag      byte
	TypeName string
	Length   int
	Known    bool
}

// Analyze inspects a packet for diagnostics. It never fails and
// never mutates b; an empty packet reports a zero tag.
func Analyze(b []byte) PacketInfo {
	info := PacketInfo{Length: len(b)}
	if len(b) == 0 {
		info.TypeName = "Empty"
		return info
	}
	info.Tag = b[0]
	info.TypeName = Type(b[0]).String()
	info.Known = info.TypeName != "Unknown"
	return info
}

// decoder is a cursor over a packet body. The first failed read
// latches err and turns all further reads into zero values, so call
// sites stay linear and check err once at the end.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = errors.New("truncated " + what)
	}
}

func (d *decoder) byte() byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail("byte")
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) uint16() uint16 {
	if d.err != nil || len(d.buf) < 2 {
		d.fail("uint16")
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v
}

func (d *decoder) uint32() uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail("uint32")
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) uint64() uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail("uint64")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) string() string {
	n := int(d.uint16())
	if d.err != nil || len(d.buf) < n {
		d.fail("string")
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) float() float64 {
	n := int(d.byte())
	if d.err != nil || len(d.buf) < n {
		d.fail("float")
		return 0
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if d.err == nil {
			d.err = fmt.Errorf("bad float %q", s)
		}
		return 0
	}
	if math.IsNaN(v) {
		// NaN breaks the round-trip equality contract; reject it
		// here rather than let it poison comparisons upstream.
		if d.err == nil {
			d.err = errors.New("NaN reading")
		}
		return 0
	}
	return v
}
