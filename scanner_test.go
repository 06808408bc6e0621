package blelink_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XC-/blelink"
)

func TestScannerDiscovery(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventDeviceFound)
	defer unsub()

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{}))
	assert.True(t, radio.Scanning())

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -42))

	e := nextEvent(t, events)
	found := e.Data.(blelink.DeviceFound)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", found.Device.Addr.String())
	assert.Equal(t, -42, found.Device.RSSI)
	assert.Equal(t, blelink.SignalExcellent, found.Device.SignalBucket())

	devs := m.Devices()
	require.Len(t, devs, 1)
	assert.True(t, devs[0].Connectable)
}

func TestScannerRSSIGate(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventDeviceFound)
	defer unsub()

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{RSSIThreshold: -70}))

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -85)) // below threshold
	noEvent(t, events)
	assert.Empty(t, m.Devices())

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:02", -60))
	nextEvent(t, events)
	assert.Len(t, m.Devices(), 1)
}

func TestScannerFilters(t *testing.T) {
	m, radio, _ := newEngine(t)

	// A sighting passes when any one filter admits it.
	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{
		Filters: []blelink.ScanFilter{
			{Service: blelink.UUID16(0x180F)},
			{NamePattern: regexp.MustCompile(`^sensor-`)},
		},
	}))

	s := sighting("aa:bb:cc:dd:ee:01", -50) // advertises LinkServiceUUID only
	radio.InjectSighting(s)
	assert.Empty(t, m.Devices(), "filtered sighting admitted")

	s = sighting("aa:bb:cc:dd:ee:02", -50)
	s.Name = "sensor-7"
	radio.InjectSighting(s)
	assert.Len(t, m.Devices(), 1)

	s = sighting("aa:bb:cc:dd:ee:03", -50)
	s.Services = []blelink.UUID{blelink.UUID16(0x180F)}
	radio.InjectSighting(s)
	assert.Len(t, m.Devices(), 2)
}

func TestScannerDeduplication(t *testing.T) {
	m, radio, mck := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventDeviceFound, blelink.EventDeviceUpdated)
	defer unsub()

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{DedupWindow: 500 * time.Millisecond}))

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -50))
	require.Equal(t, blelink.EventDeviceFound, nextEvent(t, events).Kind)

	// Repeat sighting inside the window: table updated, no event.
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -55))
	noEvent(t, events)
	devs := m.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, -55, devs[0].RSSI)

	mck.Add(600 * time.Millisecond)
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -48))
	e := nextEvent(t, events)
	assert.Equal(t, blelink.EventDeviceUpdated, e.Kind)
	assert.Equal(t, -48, e.Data.(blelink.DeviceUpdated).Device.RSSI)
}

func TestScannerEviction(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventDeviceLost)
	defer unsub()

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{MaxDevices: 2}))

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -40))
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:02", -90))
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:03", -50))

	e := nextEvent(t, events)
	lost := e.Data.(blelink.DeviceLost)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", lost.Device.Addr.String())
	assert.Equal(t, "evicted", lost.Reason)

	devs := m.Devices()
	require.Len(t, devs, 2)
	// Strongest first.
	assert.Equal(t, "aa:bb:cc:dd:ee:01", devs[0].Addr.String())
	assert.Equal(t, "aa:bb:cc:dd:ee:03", devs[1].Addr.String())
}

func TestScannerAutoStop(t *testing.T) {
	m, radio, mck := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventScanStopped)
	defer unsub()

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{Duration: 5 * time.Second}))

	mck.Add(5 * time.Second)
	e := nextEvent(t, events)
	assert.Equal(t, "timeout", e.Data.(blelink.ScanStopped).Reason)
	assert.False(t, m.Scanner().Running())
	assert.False(t, radio.Scanning())

	// Sightings after the window closes are ignored.
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -40))
	assert.Empty(t, m.Devices())
}

func TestScannerStartStop(t *testing.T) {
	m, radio, _ := newEngine(t)

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{}))
	assert.ErrorIs(t, m.Scanner().Start(blelink.ScanConfig{}), blelink.ErrAlreadyRunning)

	require.NoError(t, m.Scanner().Stop())
	require.NoError(t, m.Scanner().Stop()) // idempotent

	radio.SetState(blelink.StatePoweredOff)
	assert.ErrorIs(t, m.Scanner().Start(blelink.ScanConfig{}), blelink.ErrHardwareUnavailable)
}

func TestScannerPruneStale(t *testing.T) {
	m, radio, mck := newEngine(t)
	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{}))

	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:01", -40))
	mck.Add(30 * time.Second)
	radio.InjectSighting(sighting("aa:bb:cc:dd:ee:02", -40))

	n := m.Scanner().PruneStale(10 * time.Second)
	assert.Equal(t, 1, n)
	devs := m.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", devs[0].Addr.String())
}
