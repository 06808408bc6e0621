package wire

import (
	"reflect"
	"strings"
	"testing"
)

func TestShrinkNoopWhenFitting(t *testing.T) {
	cases := []Message{
		Text{DeviceID: "a", Body: "short"},
		SensorData{Readings: []Reading{{Name: "t", Value: 1.25}}},
		Heartbeat{Seq: 1},
	}
	for _, m := range cases {
		if got := Shrink(m, MaxPayload); !reflect.DeepEqual(got, m) {
			t.Errorf("Shrink(fitting %T) changed the message: %#v", m, got)
		}
	}
}

func TestShrinkTruncatesText(t *testing.T) {
	m := Text{DeviceID: "node", Body: strings.Repeat("x", 100)}
	budget := EstimateSize(m) - 40
	got := Shrink(m, budget).(Text)
	if !Fits(got, budget) {
		t.Fatalf("Shrink result does not fit: %d > %d", EstimateSize(got), budget)
	}
	if got.DeviceID != m.DeviceID || got.Timestamp != m.Timestamp {
		t.Error("Shrink touched identity fields")
	}
	if want := 60; len(got.Body) != want {
		t.Errorf("truncated body length: got %d want %d", len(got.Body), want)
	}
	if !strings.HasPrefix(m.Body, got.Body) {
		t.Error("truncation is not a prefix cut")
	}
}

func TestShrinkReducesPrecision(t *testing.T) {
	m := SensorData{
		DeviceID: "s",
		Readings: []Reading{
			{Name: "temp", Value: 23.456789012345},
			{Name: "hum", Value: 61.987654321},
		},
	}
	full := EstimateSize(m)
	budget := full - 10
	got := Shrink(m, budget).(SensorData)
	if !Fits(got, budget) {
		t.Fatalf("Shrink result does not fit: %d > %d", EstimateSize(got), budget)
	}
	if len(got.Readings) != len(m.Readings) {
		t.Fatalf("Shrink dropped readings: %d want %d", len(got.Readings), len(m.Readings))
	}
	for i, r := range got.Readings {
		if r.Name != m.Readings[i].Name {
			t.Errorf("reading %d name changed: %q", i, r.Name)
		}
	}
}

func TestShrinkIdempotent(t *testing.T) {
	cases := []Message{
		Text{Body: strings.Repeat("abc", 50)},
		SensorData{Readings: []Reading{
			{Name: "a", Value: 1.23456789},
			{Name: "b", Value: 9.87654321},
		}},
		ControlCommand{Command: 1, Arg: strings.Repeat("z", 80)},
		ErrorReport{Code: 7, Detail: strings.Repeat("e", 80)},
	}
	for _, m := range cases {
		budget := EstimateSize(m) - 15
		once := Shrink(m, budget)
		twice := Shrink(once, budget)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("%T: Shrink not idempotent:\n once: %#v\ntwice: %#v", m, once, twice)
		}
	}
}

func TestShrinkRuneBoundary(t *testing.T) {
	m := Text{Body: strings.Repeat("é", 40)} // 2 bytes per rune
	budget := EstimateSize(m) - 3
	got := Shrink(m, budget).(Text)
	if !Fits(got, budget) {
		t.Fatalf("Shrink result does not fit")
	}
	for _, r := range got.Body {
		if r == '�' {
			t.Fatal("truncation split a rune")
		}
	}
}

func TestShrinkDropsReadingsAsLastResort(t *testing.T) {
	m := SensorData{Readings: []Reading{
		{Name: strings.Repeat("n", 30), Value: 1},
		{Name: strings.Repeat("m", 30), Value: 2},
	}}
	one := SensorData{Readings: m.Readings[:1]}
	budget := EstimateSize(one)
	got := Shrink(m, budget).(SensorData)
	if !Fits(got, budget) {
		t.Fatalf("Shrink result does not fit")
	}
	if len(got.Readings) != 1 {
		t.Errorf("readings kept: got %d want 1", len(got.Readings))
	}
}

func TestShrinkNothingToCut(t *testing.T) {
	m := Heartbeat{DeviceID: strings.Repeat("d", 50), Seq: 3}
	got := Shrink(m, 10)
	if !reflect.DeepEqual(got, m) {
		t.Errorf("Shrink(Heartbeat) changed the message: %#v", got)
	}
	if _, err := EncodeTo(got, 10); err == nil {
		t.Error("EncodeTo should still fail for an unshrinkable message")
	}
}
