package blelink

import "time"

// Signal quality buckets derived from RSSI.
type Signal int

const (
	SignalExcellent Signal = iota
	SignalGood
	SignalFair
	SignalWeak
)

func (s Signal) String() string {
	return [...]string{"Excellent", "Good", "Fair", "Weak"}[s]
}

// A Device is a remote peripheral sighted during a scan. Identity is
// the address alone; a later sighting of the same address refreshes
// RSSI and LastSeen in place.
type Device struct {
	Addr        BDAddr
	Name        string
	RSSI        int
	AdvBytes    []byte // raw advertisement, for diagnostics
	Connectable bool
	LastSeen    time.Time
}

// SignalBucket classifies the last observed RSSI.
func (d Device) SignalBucket() Signal {
	switch {
	case d.RSSI >= -50:
		return SignalExcellent
	case d.RSSI >= -65:
		return SignalGood
	case d.RSSI >= -80:
		return SignalFair
	}
	return SignalWeak
}

// Fresh reports whether the device was seen within maxAge of now.
func (d Device) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(d.LastSeen) <= maxAge
}
