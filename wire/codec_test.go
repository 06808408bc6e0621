package wire

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		Heartbeat{DeviceID: "AA:BB:CC:DD:EE:FF", Timestamp: 1700000000000, Seq: 42},
		Heartbeat{},
		Text{DeviceID: "node-1", Timestamp: 12345, Body: "hi"},
		Text{Body: "héllo wörld"},
		Text{},
		SensorData{
			DeviceID:  "node-2",
			Timestamp: 99,
			Readings: []Reading{
				{Name: "temp", Value: 23.4567},
				{Name: "hum", Value: 61},
				{Name: "press", Value: -0.00123},
			},
		},
		SensorData{Readings: []Reading{}},
		ControlCommand{DeviceID: "x", Timestamp: 1, Command: 7, Arg: "reset"},
		Ack{DeviceID: "node-3", Timestamp: 4, Seq: 9000},
		ErrorReport{DeviceID: "node-4", Timestamp: 5, Code: 500, Detail: "link lost"},
		Unknown{Tag: 0x7F, Raw: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}
	for _, m := range cases {
		b, err := Encode(m)
		if err != nil {
			t.Errorf("Encode(%#v): %v", m, err)
			continue
		}
		got, err := Decode(b)
		if err != nil {
			t.Errorf("Decode(Encode(%#v)): %v", m, err)
			continue
		}
		if !reflect.DeepEqual(got, m) {
			t.Errorf("round trip: got %#v want %#v", got, m)
		}
	}
}

func TestEncodeSizeBound(t *testing.T) {
	big := Text{Body: string(make([]byte, MaxPayload))}
	if _, err := Encode(big); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode(oversized): got %v want ErrPayloadTooLarge", err)
	}

	m := Text{DeviceID: "a", Body: "bb"}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(b) != EstimateSize(m) {
		t.Errorf("len(Encode(m)) = %d, EstimateSize = %d", len(b), EstimateSize(m))
	}
	if _, err := EncodeTo(m, EstimateSize(m)-1); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeTo under budget: got %v want ErrPayloadTooLarge", err)
	}
}

func TestEncodePrefixLimits(t *testing.T) {
	// 255 readings saturate the count byte and must still round-trip.
	rr := make([]Reading, math.MaxUint8)
	for i := range rr {
		rr[i] = Reading{Name: "r", Value: 1}
	}
	b, err := EncodeTo(SensorData{Readings: rr}, 1<<20)
	if err != nil {
		t.Fatalf("EncodeTo(255 readings): %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode(255 readings): %v", err)
	}
	if n := len(got.(SensorData).Readings); n != math.MaxUint8 {
		t.Errorf("round trip readings: got %d want %d", n, math.MaxUint8)
	}

	// One more reading overflows the count byte: the encode must fail
	// even when the byte budget would admit the packet.
	rr = append(rr, Reading{Name: "r", Value: 1})
	if _, err := EncodeTo(SensorData{Readings: rr}, 1<<20); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeTo(256 readings): got %v want ErrPayloadTooLarge", err)
	}

	long := strings.Repeat("x", math.MaxUint16+1)
	cases := []Message{
		Text{Body: long},
		Text{DeviceID: long},
		SensorData{Readings: []Reading{{Name: long, Value: 1}}},
		ControlCommand{Arg: long},
		ErrorReport{Detail: long},
	}
	for _, m := range cases {
		if _, err := EncodeTo(m, 1<<20); !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("EncodeTo(%T with oversized string): got %v want ErrPayloadTooLarge", m, err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{byte(TypeHeartbeat)},                            // header cut off
		{byte(TypeText), 0, 0, 0, 0, 0, 0, 0, 0, 5, 0},   // device id claims 5 bytes, has none
		{byte(TypeAck), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, // seq cut off
	}
	for _, b := range cases {
		if _, err := Decode(b); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("Decode(% X): got %v want ErrMalformedPacket", b, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	b, err := Encode(Ack{Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, 0xFF)
	if _, err := Decode(b); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Decode with trailing byte: got %v want ErrMalformedPacket", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	b := []byte{0x7F, 1, 2, 3}
	m, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode(unknown tag): %v", err)
	}
	u, ok := m.(Unknown)
	if !ok {
		t.Fatalf("Decode(unknown tag): got %T want Unknown", m)
	}
	if u.Tag != 0x7F || !bytes.Equal(u.Raw, []byte{1, 2, 3}) {
		t.Errorf("Unknown: got %#v", u)
	}
	// The raw bytes must be an independent copy.
	b[1] = 0xEE
	if u.Raw[0] != 1 {
		t.Error("Unknown.Raw aliases the input buffer")
	}
}

func TestAnalyze(t *testing.T) {
	cases := []struct {
		in   []byte
		want PacketInfo
	}{
		{nil, PacketInfo{TypeName: "Empty"}},
		{[]byte{byte(TypeText), 9, 9}, PacketInfo{Tag: 0x02, TypeName: "Text", Length: 3, Known: true}},
		{[]byte{0x7F}, PacketInfo{Tag: 0x7F, TypeName: "Unknown", Length: 1}},
	}
	for _, tt := range cases {
		before := append([]byte(nil), tt.in...)
		got := Analyze(tt.in)
		if got != tt.want {
			t.Errorf("Analyze(% X): got %+v want %+v", tt.in, got, tt.want)
		}
		if !bytes.Equal(tt.in, before) {
			t.Errorf("Analyze(% X) mutated its input", before)
		}
	}
}

func TestFits(t *testing.T) {
	m := Text{Body: "hello"}
	n := EstimateSize(m)
	if !Fits(m, n) {
		t.Errorf("Fits(m, %d) = false at exact size", n)
	}
	if Fits(m, n-1) {
		t.Errorf("Fits(m, %d) = true below size", n-1)
	}
}
