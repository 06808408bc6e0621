package blelink

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ScanMode trades discovery latency against power draw. How the mode
// maps onto scan interval and window is the driver's business.
type ScanMode int

const (
	ScanModeBalanced ScanMode = iota
	ScanModeLowPower
	ScanModeLowLatency
)

func (m ScanMode) String() string {
	return [...]string{"Balanced", "LowPower", "LowLatency"}[m]
}

// A ScanFilter admits sightings matching all of its set conditions.
// A sighting passes filtering when any one filter admits it; an
// empty filter list admits everything.
type ScanFilter struct {
	// Service admits devices advertising this service UUID.
	// The zero UUID matches any.
	Service UUID

	// ManufacturerID and ManufacturerMask admit devices whose
	// advertised company identifier matches ID under the mask.
	// A zero mask disables the check.
	ManufacturerID   uint16
	ManufacturerMask uint16

	// NamePattern admits devices whose advertised name matches.
	// Nil matches any.
	NamePattern *regexp.Regexp
}

func (f ScanFilter) match(s Sighting) bool {
	if !f.Service.IsZero() {
		ok := false
		for _, u := range s.Services {
			if uuidEqual(u, f.Service) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ManufacturerMask != 0 {
		id, present := s.ManufacturerID()
		if !present || id&f.ManufacturerMask != f.ManufacturerID&f.ManufacturerMask {
			return false
		}
	}
	if f.NamePattern != nil && !f.NamePattern.MatchString(s.Name) {
		return false
	}
	return true
}

// Scan table defaults, applied when ScanConfig leaves them zero.
const (
	DefaultMaxDevices  = 128
	DefaultDedupWindow = 500 * time.Millisecond
)

// ScanConfig controls one scan window.
type ScanConfig struct {
	Mode ScanMode

	// Duration ends the scan automatically. Zero scans until
	// StopScan.
	Duration time.Duration

	// Filters admit sightings; see ScanFilter. Empty admits all.
	Filters []ScanFilter

	// RSSIThreshold drops sightings weaker than this, e.g. -70.
	// Zero disables the gate (real RSSI values are negative).
	RSSIThreshold int

	// MaxDevices bounds the device table. When a new device would
	// exceed it, the lowest-RSSI entry is evicted to admit it.
	// Zero means DefaultMaxDevices.
	MaxDevices int

	// DedupWindow suppresses repeat found/updated notifications for
	// the same address. Zero means DefaultDedupWindow.
	DedupWindow time.Duration
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.MaxDevices <= 0 {
		c.MaxDevices = DefaultMaxDevices
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	return c
}

type deviceEntry struct {
	dev        Device
	notifiedAt time.Time // last found/updated event for this address
}

// A Scanner discovers nearby peripherals and maintains the
// discovered-device table. Sightings arrive from the radio on
// arbitrary goroutines; the table is guarded by a single mutex.
type Scanner struct {
	radio Radio
	gate  PermissionGate
	bus   *Bus
	clk   clock.Clock
	mt    *metrics

	mu        sync.Mutex
	running   bool
	cfg       ScanConfig
	devices   map[string]*deviceEntry
	stopTimer *clock.Timer
}

func newScanner(radio Radio, gate PermissionGate, bus *Bus, clk clock.Clock, mt *metrics) *Scanner {
	return &Scanner{
		radio:   radio,
		gate:    gate,
		bus:     bus,
		clk:     clk,
		mt:      mt,
		devices: make(map[string]*deviceEntry),
	}
}

// Start begins an asynchronous scan window. It fails without side
// effects if permissions are missing, the radio is down, or a scan
// is already running.
func (s *Scanner) Start(cfg ScanConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if !s.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: %v", ErrPermissionMissing, s.gate.MissingPermissions())
	}
	if s.radio.State() != StatePoweredOn {
		return fmt.Errorf("%w: radio %s", ErrHardwareUnavailable, s.radio.State())
	}
	cfg = cfg.withDefaults()
	if err := s.radio.Scan(cfg.Mode, true); err != nil {
		return fmt.Errorf("scan start: %w", err)
	}
	s.cfg = cfg
	s.running = true
	if cfg.Duration > 0 {
		s.stopTimer = s.clk.AfterFunc(cfg.Duration, func() {
			s.stop("timeout")
		})
	}
	log.WithFields(map[string]interface{}{
		"mode":     cfg.Mode,
		"duration": cfg.Duration,
		"rssi_min": cfg.RSSIThreshold,
	}).Info("scan started")
	return nil
}

// Stop ends the scan window. It is idempotent: stopping an idle
// scanner succeeds and changes nothing.
func (s *Scanner) Stop() error {
	s.stop("stopped")
	return nil
}

func (s *Scanner) stop(reason string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.mu.Unlock()

	if err := s.radio.StopScan(); err != nil {
		log.WithError(err).Warn("radio scan stop")
	}
	s.bus.Publish(EventScanStopped, ScanStopped{Reason: reason})
	log.WithField("reason", reason).Info("scan stopped")
}

// Running reports whether a scan window is open.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// handleSighting applies the RSSI gate, filters and de-duplication
// to one radio-level report, then upserts the device table.
func (s *Scanner) handleSighting(sg Sighting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.cfg.RSSIThreshold != 0 && sg.RSSI < s.cfg.RSSIThreshold {
		s.mt.sightingsDropped.Inc()
		return
	}
	if len(s.cfg.Filters) > 0 {
		admitted := false
		for _, f := range s.cfg.Filters {
			if f.match(sg) {
				admitted = true
				break
			}
		}
		if !admitted {
			s.mt.sightingsDropped.Inc()
			return
		}
	}

	now := s.clk.Now()
	key := sg.Addr.String()
	if e, ok := s.devices[key]; ok {
		e.dev.Name = sg.Name
		e.dev.RSSI = sg.RSSI
		e.dev.AdvBytes = sg.AdvBytes
		e.dev.Connectable = sg.Connectable
		e.dev.LastSeen = now
		if now.Sub(e.notifiedAt) >= s.cfg.DedupWindow {
			e.notifiedAt = now
			s.bus.Publish(EventDeviceUpdated, DeviceUpdated{Device: e.dev})
		}
		return
	}

	if len(s.devices) >= s.cfg.MaxDevices {
		s.evictWeakest()
	}
	e := &deviceEntry{
		dev: Device{
			Addr:        sg.Addr,
			Name:        sg.Name,
			RSSI:        sg.RSSI,
			AdvBytes:    sg.AdvBytes,
			Connectable: sg.Connectable,
			LastSeen:    now,
		},
		notifiedAt: now,
	}
	s.devices[key] = e
	s.mt.devicesDiscovered.Inc()
	s.bus.Publish(EventDeviceFound, DeviceFound{Device: e.dev})
	log.WithFields(map[string]interface{}{
		"addr": key,
		"name": sg.Name,
		"rssi": sg.RSSI,
	}).Debug("device found")
}

// evictWeakest removes the lowest-RSSI entry. Caller holds s.mu.
func (s *Scanner) evictWeakest() {
	var weakKey string
	weakRSSI := 0
	for k, e := range s.devices {
		if weakKey == "" || e.dev.RSSI < weakRSSI {
			weakKey, weakRSSI = k, e.dev.RSSI
		}
	}
	if weakKey == "" {
		return
	}
	dev := s.devices[weakKey].dev
	delete(s.devices, weakKey)
	s.bus.Publish(EventDeviceLost, DeviceLost{Device: dev, Reason: "evicted"})
}

// Devices returns a snapshot of the device table, strongest signal
// first.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// Device looks up a discovered device by address.
func (s *Scanner) Device(addr BDAddr) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[addr.String()]
	if !ok {
		return Device{}, false
	}
	return e.dev, true
}

// Clear empties the device table.
func (s *Scanner) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]*deviceEntry)
}

// PruneStale evicts devices not seen within maxAge.
func (s *Scanner) PruneStale(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	n := 0
	for k, e := range s.devices {
		if !e.dev.Fresh(now, maxAge) {
			delete(s.devices, k)
			s.bus.Publish(EventDeviceLost, DeviceLost{Device: e.dev, Reason: "stale"})
			n++
		}
	}
	return n
}
