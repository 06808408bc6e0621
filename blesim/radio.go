// Package blesim provides an in-memory, scriptable implementation of
// the blelink Radio interface. Tests and examples drive discovery,
// connections and GATT traffic deterministically, without hardware.
package blesim

import (
	"fmt"
	"sync"

	"github.com/XC-/blelink"
)

// A Write records one central-side characteristic write issued
// through the simulated radio.
type Write struct {
	Addr         blelink.BDAddr
	Char         blelink.UUID
	Data         []byte
	WithResponse bool
}

// A Notification records one peripheral-side notification pushed
// through the simulated radio.
type Notification struct {
	Addr blelink.BDAddr
	Char blelink.UUID
	Data []byte
}

// Radio simulates a BLE driver. Scripting methods (SetState,
// InjectSighting, CompleteConnect, ...) stand in for the hardware
// events a real driver would deliver; recorded Writes and
// Notifications expose what the engine asked the radio to do.
//
// Callbacks are invoked synchronously on the scripting goroutine,
// with no radio lock held, so engine handlers may call back into the
// radio freely.
type Radio struct {
	mu    sync.Mutex
	h     blelink.RadioHandler
	state blelink.RadioState

	scanning    bool
	advertising bool
	advName     string

	pending   map[string]bool
	connected map[string]bool

	peerServices map[string][]blelink.UUID
	peerValues   map[string][]byte

	writes   []Write
	notifies []Notification

	scanErr      error
	advertiseErr error
	connectErr   error
}

// NewRadio returns a powered-on simulated radio.
func NewRadio() *Radio {
	return &Radio{
		state:        blelink.StatePoweredOn,
		pending:      make(map[string]bool),
		connected:    make(map[string]bool),
		peerServices: make(map[string][]blelink.UUID),
		peerValues:   make(map[string][]byte),
	}
}

func valueKey(addr blelink.BDAddr, char blelink.UUID) string {
	return addr.String() + "/" + char.String()
}

// Init implements blelink.Radio.
func (r *Radio) Init(h blelink.RadioHandler) error {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
	return nil
}

// State implements blelink.Radio.
func (r *Radio) State() blelink.RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Advertise implements blelink.Radio.
func (r *Radio) Advertise(name string, services []blelink.UUID, connectable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertiseErr != nil {
		return r.advertiseErr
	}
	r.advertising = true
	r.advName = name
	return nil
}

// StopAdvertising implements blelink.Radio.
func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertising = false
	return nil
}

// Scan implements blelink.Radio.
func (r *Radio) Scan(mode blelink.ScanMode, allowDup bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return r.scanErr
	}
	r.scanning = true
	return nil
}

// StopScan implements blelink.Radio.
func (r *Radio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

// Connect implements blelink.Radio. The attempt stays pending until
// the script calls CompleteConnect or FailConnect.
func (r *Radio) Connect(addr blelink.BDAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	r.pending[addr.String()] = true
	return nil
}

// CancelConnection implements blelink.Radio.
func (r *Radio) CancelConnection(addr blelink.BDAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, addr.String())
	delete(r.connected, addr.String())
	return nil
}

// DiscoverServices implements blelink.Radio.
func (r *Radio) DiscoverServices(addr blelink.BDAddr) ([]blelink.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[addr.String()] {
		return nil, fmt.Errorf("blesim: %s not connected", addr)
	}
	return append([]blelink.UUID(nil), r.peerServices[addr.String()]...), nil
}

// WriteCharacteristic implements blelink.Radio.
func (r *Radio) WriteCharacteristic(addr blelink.BDAddr, char blelink.UUID, data []byte, withResponse bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[addr.String()] {
		return fmt.Errorf("blesim: %s not connected", addr)
	}
	r.writes = append(r.writes, Write{
		Addr:         addr,
		Char:         char,
		Data:         append([]byte(nil), data...),
		WithResponse: withResponse,
	})
	return nil
}

// ReadCharacteristic implements blelink.Radio.
func (r *Radio) ReadCharacteristic(addr blelink.BDAddr, char blelink.UUID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[addr.String()] {
		return nil, fmt.Errorf("blesim: %s not connected", addr)
	}
	v, ok := r.peerValues[valueKey(addr, char)]
	if !ok {
		return nil, fmt.Errorf("blesim: no value for %s on %s", char, addr)
	}
	return append([]byte(nil), v...), nil
}

// SetNotify implements blelink.Radio.
func (r *Radio) SetNotify(addr blelink.BDAddr, char blelink.UUID, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected[addr.String()] {
		return fmt.Errorf("blesim: %s not connected", addr)
	}
	return nil
}

// Notify implements blelink.Radio.
func (r *Radio) Notify(addr blelink.BDAddr, char blelink.UUID, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, Notification{
		Addr: addr,
		Char: char,
		Data: append([]byte(nil), data...),
	})
	return nil
}

// handler snapshots the registered handler without holding the lock
// across the callback.
func (r *Radio) handler() blelink.RadioHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.h
}

// SetState changes the simulated power state and delivers the
// StateChanged callback.
func (r *Radio) SetState(s blelink.RadioState) {
	r.mu.Lock()
	r.state = s
	h := r.h
	r.mu.Unlock()
	if h.StateChanged != nil {
		h.StateChanged(s)
	}
}

// InjectSighting delivers one advertisement report. Reports are
// dropped unless a scan is running, as a real driver would.
func (r *Radio) InjectSighting(s blelink.Sighting) {
	r.mu.Lock()
	deliver := r.scanning
	h := r.h
	r.mu.Unlock()
	if deliver && h.Sighted != nil {
		h.Sighted(s)
	}
}

// CompleteConnect resolves a pending outbound attempt as connected.
func (r *Radio) CompleteConnect(addr blelink.BDAddr, mtu int) {
	r.mu.Lock()
	if !r.pending[addr.String()] {
		r.mu.Unlock()
		return
	}
	delete(r.pending, addr.String())
	r.connected[addr.String()] = true
	h := r.h
	r.mu.Unlock()
	if h.PeripheralConnected != nil {
		h.PeripheralConnected(addr, mtu)
	}
}

// FailConnect resolves a pending outbound attempt as failed.
func (r *Radio) FailConnect(addr blelink.BDAddr, err error) {
	r.mu.Lock()
	delete(r.pending, addr.String())
	h := r.h
	r.mu.Unlock()
	if h.PeripheralDisconnected != nil {
		h.PeripheralDisconnected(addr, err)
	}
}

// DropLink severs an established outbound link.
func (r *Radio) DropLink(addr blelink.BDAddr, err error) {
	r.mu.Lock()
	delete(r.connected, addr.String())
	h := r.h
	r.mu.Unlock()
	if h.PeripheralDisconnected != nil {
		h.PeripheralDisconnected(addr, err)
	}
}

// SetPeerServices scripts the answer to DiscoverServices for addr.
func (r *Radio) SetPeerServices(addr blelink.BDAddr, services []blelink.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerServices[addr.String()] = services
}

// SetPeerValue scripts the answer to ReadCharacteristic.
func (r *Radio) SetPeerValue(addr blelink.BDAddr, char blelink.UUID, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerValues[valueKey(addr, char)] = value
}

// DeliverNotification simulates a subscribed remote characteristic
// pushing data to the local central.
func (r *Radio) DeliverNotification(addr blelink.BDAddr, char blelink.UUID, data []byte) {
	if h := r.handler(); h.NotificationReceived != nil {
		h.NotificationReceived(addr, char, data)
	}
}

// ConnectCentral simulates a remote central connecting to the local
// GATT server.
func (r *Radio) ConnectCentral(addr blelink.BDAddr, mtu int) {
	if h := r.handler(); h.CentralConnected != nil {
		h.CentralConnected(addr, mtu)
	}
}

// DisconnectCentral simulates a connected central dropping.
func (r *Radio) DisconnectCentral(addr blelink.BDAddr) {
	if h := r.handler(); h.CentralDisconnected != nil {
		h.CentralDisconnected(addr)
	}
}

// WriteFromCentral simulates a central writing a local
// characteristic.
func (r *Radio) WriteFromCentral(addr blelink.BDAddr, char blelink.UUID, data []byte) {
	if h := r.handler(); h.WriteReceived != nil {
		h.WriteReceived(addr, char, data)
	}
}

// ReadFromCentral simulates a central reading a local characteristic.
func (r *Radio) ReadFromCentral(addr blelink.BDAddr, char blelink.UUID, maxLen int) ([]byte, byte) {
	if h := r.handler(); h.ReadRequested != nil {
		return h.ReadRequested(addr, char, maxLen)
	}
	return nil, 0x0E
}

// Subscribe simulates a central flipping the notification descriptor
// of a local characteristic.
func (r *Radio) Subscribe(addr blelink.BDAddr, char blelink.UUID, subscribed bool) {
	if h := r.handler(); h.SubscriptionChanged != nil {
		h.SubscriptionChanged(addr, char, subscribed)
	}
}

// RenegotiateMTU simulates a server-side MTU exchange.
func (r *Radio) RenegotiateMTU(addr blelink.BDAddr, mtu int) {
	if h := r.handler(); h.MTUChanged != nil {
		h.MTUChanged(addr, mtu)
	}
}

// FailScan makes subsequent Scan calls return err. Nil restores
// normal behavior.
func (r *Radio) FailScan(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
}

// FailAdvertise makes subsequent Advertise calls return err.
func (r *Radio) FailAdvertise(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertiseErr = err
}

// FailConnectCalls makes subsequent Connect calls return err
// synchronously.
func (r *Radio) FailConnectCalls(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErr = err
}

// Scanning reports whether the engine asked the radio to scan.
func (r *Radio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// Advertising reports whether the engine asked the radio to
// advertise.
func (r *Radio) Advertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

// AdvertisedName returns the local name last passed to Advertise.
func (r *Radio) AdvertisedName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advName
}

// Writes returns the recorded central-side writes.
func (r *Radio) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Write(nil), r.writes...)
}

// Notifications returns the recorded peripheral-side notifications.
func (r *Radio) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifies...)
}
