package blelink

import (
	"errors"
	"fmt"
)

// MaxEIRPacketLength is the maximum allowed legacy advertising
// payload length.
const MaxEIRPacketLength = 31

// ErrEIRPacketTooLong is the error returned when an advertising
// packet is too long.
var ErrEIRPacketTooLong = errors.New("max packet length is 31")

// advertising data field types
const (
	typeFlags           = 0x01 // flags
	typeSomeUUID16      = 0x02 // more 16-bit UUIDs available
	typeAllUUID16       = 0x03 // complete list of 16-bit UUIDs available
	typeSomeUUID128     = 0x06 // more 128-bit UUIDs available
	typeAllUUID128      = 0x07 // complete list of 128-bit UUIDs available
	typeShortName       = 0x08 // shortened local name
	typeCompleteName    = 0x09 // complete local name
	typeManufactureData = 0xFF // manufacture specific data
)

// flag bits
const (
	flagGenerallyDiscoverable = 1 << 1
	flagLEOnly                = 1 << 2
)

// An AdvPacket is a legacy BLE advertising packet under construction.
type AdvPacket struct {
	data []byte
}

// Bytes returns the packet padded into the fixed 31-byte frame the
// radio transmits.
func (p *AdvPacket) Bytes() [31]byte {
	b := [31]byte{}
	copy(b[:], p.data)
	return b
}

// Len returns the length of the significant part of the packet.
func (p *AdvPacket) Len() int {
	return len(p.data)
}

// appendField appends a BLE advertising packet field.
// A field consists of len, typ, data; len counts typ plus data.
func (p *AdvPacket) appendField(typ byte, data []byte) *AdvPacket {
	p.data = append(p.data, byte(len(data)+1))
	p.data = append(p.data, typ)
	p.data = append(p.data, data...)
	return p
}

// AppendFlags appends a flags field to the packet.
func (p *AdvPacket) AppendFlags(f byte) *AdvPacket {
	return p.appendField(typeFlags, []byte{f})
}

// AppendName appends the device name, truncated into a shortened
// local name field if the complete name does not fit the remaining
// space. Advertising starts that must not truncate go through
// BuildAdvertisement instead.
func (p *AdvPacket) AppendName(name string) *AdvPacket {
	typ := byte(typeCompleteName)
	if avail := MaxEIRPacketLength - p.Len() - 2; len(name) > avail {
		if avail < 0 {
			avail = 0
		}
		name = name[:avail]
		typ = typeShortName
	}
	return p.appendField(typ, []byte(name))
}

// AppendManufacturerDataFit appends a manufacturer-specific data
// field if it fits the packet, and reports whether it fit.
func (p *AdvPacket) AppendManufacturerDataFit(cid uint16, data []byte) bool {
	if p.Len()+1+2+len(data)+1 > MaxEIRPacketLength {
		return false
	}
	d := append([]byte{uint8(cid), uint8(cid >> 8)}, data...)
	p.appendField(typeManufactureData, d)
	return true
}

// AppendUUIDFit appends an advertised service UUID field if it fits
// in the packet, and reports whether the UUID fit.
func (p *AdvPacket) AppendUUIDFit(u UUID) bool {
	if p.Len()+u.Len()+2 > MaxEIRPacketLength {
		return false
	}
	// Assume that there might be other services available: use
	// typeSomeUUID instead of typeAllUUID.
	switch u.Len() {
	case 2:
		p.appendField(typeSomeUUID16, u.reverseBytes())
	case 16:
		p.appendField(typeSomeUUID128, u.reverseBytes())
	}
	return true
}

// BuildAdvertisement constructs the advertising payload for the
// given local name and service UUIDs. Unlike AppendName, it refuses
// to truncate: a payload that does not fit the 31-byte budget fails
// with ErrPayloadTooLarge, because centrals match peers by the
// complete advertised name and a silently shortened one would never
// match.
func BuildAdvertisement(name string, services []UUID) (*AdvPacket, error) {
	p := new(AdvPacket)
	p.AppendFlags(flagGenerallyDiscoverable | flagLEOnly)
	for _, u := range services {
		if !p.AppendUUIDFit(u) {
			return nil, fmt.Errorf("%w: service %s does not fit advertising budget", ErrPayloadTooLarge, u)
		}
	}
	if name != "" {
		if p.Len()+2+len(name) > MaxEIRPacketLength {
			return nil, fmt.Errorf("%w: name %q does not fit advertising budget (%d bytes free)",
				ErrPayloadTooLarge, name, MaxEIRPacketLength-p.Len()-2)
		}
		p.appendField(typeCompleteName, []byte(name))
	}
	return p, nil
}

// An Advertisement is the decoded form of a received advertising
// packet.
type Advertisement struct {
	LocalName        string
	ManufacturerData []byte
	Services         []UUID
	Connectable      bool
}

// ParseAdvertisement decodes the fields this engine cares about from
// a raw advertising packet. Unrecognized fields are skipped.
func ParseAdvertisement(b []byte) (*Advertisement, error) {
	a := &Advertisement{}
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errors.New("invalid advertise data")
		}
		l, t := b[0], b[1]
		if l == 0 || len(b) < int(1+l) {
			return nil, errors.New("invalid advertise data")
		}
		d := b[2 : 1+l]
		switch t {
		case typeFlags:
			if len(d) > 0 {
				a.Connectable = d[0]&(flagGenerallyDiscoverable|1) != 0
			}
		case typeSomeUUID16, typeAllUUID16:
			a.Services = appendUUIDList(a.Services, d, 2)
		case typeSomeUUID128, typeAllUUID128:
			a.Services = appendUUIDList(a.Services, d, 16)
		case typeShortName, typeCompleteName:
			a.LocalName = string(d)
		case typeManufactureData:
			a.ManufacturerData = append([]byte(nil), d...)
		}
		b = b[1+l:]
	}
	return a, nil
}

// appendUUIDList parses a w-byte-wide, little-endian list of UUIDs.
func appendUUIDList(uu []UUID, d []byte, w int) []UUID {
	for len(d) >= w {
		uu = append(uu, UUID{reverse(d[:w])})
		d = d[w:]
	}
	return uu
}
