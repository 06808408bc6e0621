package wire

import (
	"math"
	"unicode/utf8"
)

// shrinkDecimals is the ladder of decimal precisions Shrink walks
// down when truncating text alone is not enough.
var shrinkDecimals = []int{3, 2, 1, 0}

// Shrink deterministically reduces m until it encodes within budget
// bytes, or until no further lossy reduction is possible. Text fields
// are truncated first; sensor values then lose decimal places. Device
// identifiers and timestamps are never touched. Shrink is idempotent:
// applied to a message that already fits, it returns m unchanged.
//
// A message that still exceeds the budget after maximal reduction is
// returned in its reduced form; the subsequent EncodeTo reports
// ErrPayloadTooLarge.
func Shrink(m Message, budget int) Message {
	if Fits(m, budget) {
		return m
	}
	switch m := m.(type) {
	case Text:
		m.Body = cutString(m.Body, EstimateSize(m)-budget)
		return m
	case ControlCommand:
		m.Arg = cutString(m.Arg, EstimateSize(m)-budget)
		return m
	case ErrorReport:
		m.Detail = cutString(m.Detail, EstimateSize(m)-budget)
		return m
	case SensorData:
		return shrinkSensorData(m, budget)
	}
	// Heartbeat, Ack and Unknown have no lossy dimension.
	return m
}

// cutString removes over bytes from the end of s. The overshoot is
// exact because a string encodes as len(s) bytes plus a fixed
// prefix, so a single cut suffices.
func cutString(s string, over int) string {
	if over <= 0 {
		return s
	}
	keep := len(s) - over
	if keep < 0 {
		keep = 0
	}
	// Do not split a multi-byte rune at the cut point. Backing up to
	// the nearest rune start may cut one rune more than strictly
	// necessary; the result is still a valid UTF-8 prefix that fits.
	for keep > 0 && !utf8.RuneStart(s[keep-1]) {
		keep--
	}
	if keep > 0 && s[keep-1] >= utf8.RuneSelf {
		keep--
	}
	return s[:keep]
}

func shrinkSensorData(m SensorData, budget int) SensorData {
	for _, dec := range shrinkDecimals {
		rr := make([]Reading, len(m.Readings))
		for i, r := range m.Readings {
			rr[i] = Reading{Name: r.Name, Value: roundTo(r.Value, dec)}
		}
		m = SensorData{DeviceID: m.DeviceID, Timestamp: m.Timestamp, Readings: rr}
		if Fits(m, budget) {
			return m
		}
	}
	// Still over budget with integer values; drop trailing readings.
	for len(m.Readings) > 0 && !Fits(m, budget) {
		m.Readings = m.Readings[:len(m.Readings)-1]
	}
	return m
}

// roundTo rounds v to dec decimal places. Values too large for the
// scaling to be exact are returned as-is; their decimal form is
// already integral.
func roundTo(v float64, dec int) float64 {
	if math.IsInf(v, 0) || math.Abs(v) >= 1e15 {
		return v
	}
	p := math.Pow(10, float64(dec))
	return math.Round(v*p) / p
}
