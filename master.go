package blelink

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/XC-/blelink/wire"
)

// A Master unifies the central and peripheral halves of the engine
// behind one surface. It is constructed once by the composition root
// and handed to collaborators by reference; there is no hidden
// process-wide instance.
type Master struct {
	radio Radio
	gate  PermissionGate
	cfg   Config
	clk   clock.Clock
	reg   prometheus.Registerer

	mt      *metrics
	bus     *Bus
	roles   *RoleManager
	scanner *Scanner
	conns   *ConnectionController
	server  *GattServer

	deviceID string
}

// A MasterOption configures a Master at construction time.
type MasterOption func(*Master)

// WithClock substitutes the time source; tests pass a mock clock.
func WithClock(clk clock.Clock) MasterOption {
	return func(m *Master) { m.clk = clk }
}

// WithMetrics registers the engine's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) MasterOption {
	return func(m *Master) { m.reg = reg }
}

// NewMaster wires the engine onto a radio driver. A nil gate allows
// everything.
func NewMaster(radio Radio, gate PermissionGate, cfg Config, opts ...MasterOption) (*Master, error) {
	if gate == nil {
		gate = AllowAll{}
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultConfig().MaxPayload
	}
	m := &Master{
		radio:    radio,
		gate:     gate,
		cfg:      cfg,
		clk:      clock.New(),
		deviceID: cfg.DeviceID,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mt = newMetrics(m.reg)
	m.bus = NewBus(m.clk)
	m.roles = newRoleManager(m.clk, m.bus, m.feasible)
	m.scanner = newScanner(radio, gate, m.bus, m.clk, m.mt)
	m.conns = newConnectionController(radio, gate, m.bus, m.clk, m.mt, m.cfg.ConnectTimeout.Std())
	m.server = newGattServer(radio, gate, m.bus, m.clk, m.mt, m.cfg.AdvRestartBackoff.Std())

	m.registerLinkService()

	if err := radio.Init(RadioHandler{
		StateChanged:           m.handleRadioState,
		Sighted:                m.scanner.handleSighting,
		PeripheralConnected:    m.conns.handleConnected,
		PeripheralDisconnected: m.conns.handleDisconnected,
		NotificationReceived:   m.handleInbound,
		CentralConnected:       m.server.handleCentralConnected,
		CentralDisconnected:    m.server.handleCentralDisconnected,
		WriteReceived:          m.server.handleWrite,
		ReadRequested:          m.server.handleRead,
		SubscriptionChanged:    m.server.handleSubscriptionChanged,
		MTUChanged:             m.server.handleMTUChanged,
	}); err != nil {
		return nil, fmt.Errorf("radio init: %w", err)
	}
	return m, nil
}

// registerLinkService declares the services every blelink peripheral
// exposes: GAP with the readable device id, an empty GATT service,
// and the message service carrying the binary protocol over a write
// path and notification push.
func (m *Master) registerLinkService() {
	gap := m.server.AddService(attrGAPUUID)
	name := gap.AddCharacteristic(attrDeviceNameUUID)
	name.HandleReadFunc(func(resp ReadResponseWriter, req *ReadRequest) {
		resp.Write([]byte(m.deviceID))
	})
	m.server.AddService(attrGATTUUID)

	svc := m.server.AddService(LinkServiceUUID)
	mc := svc.AddCharacteristic(MessageCharUUID)
	mc.HandleWriteFunc(func(r Request, data []byte) byte {
		m.handleInbound(r.Client.Addr, MessageCharUUID, data)
		return StatusSuccess
	})
	mc.EnableNotifications()
	mc.AddDescriptor(attrClientCharacteristicConfigUUID, []byte{0x00, 0x00})
}

// feasible is the RoleManager's validation hook: hardware up,
// permissions granted, and no conflicting single-role operation in
// flight.
func (m *Master) feasible(to RoleState) error {
	if m.radio.State() != StatePoweredOn {
		return fmt.Errorf("%w: radio %s", ErrHardwareUnavailable, m.radio.State())
	}
	if !m.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: %v", ErrPermissionMissing, m.gate.MissingPermissions())
	}
	if to == RoleCentralOnly && m.server.Advertising() {
		return fmt.Errorf("%w: advertising still active", ErrInvalidState)
	}
	if to == RolePeripheralOnly && m.scanner.Running() {
		return fmt.Errorf("%w: scan still active", ErrInvalidState)
	}
	return nil
}

func (m *Master) handleRadioState(s RadioState) {
	m.bus.Publish(EventRadioState, RadioStateChanged{State: s})
	switch s {
	case StatePoweredOn:
		m.roles.NoteExternalChange()
	case StatePoweredOff, StateUnsupported, StateUnauthorized:
		m.roles.SetFault(fmt.Errorf("%w: radio %s", ErrHardwareUnavailable, s))
	}
}

// handleInbound decodes a received packet and publishes it. Decode
// failures surface as Fault events; an unrecognized tag is not a
// failure and arrives as wire.Unknown.
func (m *Master) handleInbound(from BDAddr, char UUID, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		m.bus.Publish(EventFault, Fault{Op: "decode", Err: err})
		log.WithError(err).WithField("from", from.String()).Warn("malformed packet")
		return
	}
	m.mt.messagesReceived.WithLabelValues(msg.Type().String()).Inc()
	m.bus.Publish(EventMessageReceived, MessageReceived{From: from, Char: char, Message: msg})
}

// enterRole drives Idle -> Initializing -> target and rolls back if
// the role's start function fails.
func (m *Master) enterRole(target RoleState, start func() error) error {
	if err := m.roles.Faulted(); err != nil {
		return fmt.Errorf("operations gated by earlier fault: %w", err)
	}
	from := m.roles.State()
	if from == RoleIdle {
		if err := m.roles.SwitchTo(RoleInitializing); err != nil {
			return err
		}
	}
	if err := m.roles.SwitchTo(target); err != nil {
		if from == RoleIdle {
			_ = m.roles.SwitchTo(RoleIdle)
		}
		return err
	}
	if err := start(); err != nil {
		_ = m.roles.SwitchTo(from)
		if errors.Is(err, ErrHardwareUnavailable) || errors.Is(err, ErrPermissionMissing) {
			m.roles.SetFault(err)
		}
		return err
	}
	return nil
}

// StartAsCentral enters the central role and opens a scan window.
func (m *Master) StartAsCentral(sc ScanConfig) error {
	return m.enterRole(RoleCentralOnly, func() error {
		return m.scanner.Start(m.cfg.scanConfig(sc))
	})
}

// StartAsPeripheral enters the peripheral role and starts
// advertising.
func (m *Master) StartAsPeripheral(ac AdvertisingConfig) error {
	return m.enterRole(RolePeripheralOnly, func() error {
		if err := m.server.StartAdvertising(ac); err != nil {
			return err
		}
		if m.deviceID == "" {
			m.deviceID = ac.LocalName
		}
		return nil
	})
}

// StartAsDual runs both roles concurrently: scanning and connecting
// as central while advertising and serving as peripheral. Neither
// role excludes the other.
func (m *Master) StartAsDual(sc ScanConfig, ac AdvertisingConfig) error {
	return m.enterRole(RoleDual, func() error {
		startedScan := false
		if !m.scanner.Running() {
			if err := m.scanner.Start(m.cfg.scanConfig(sc)); err != nil {
				return err
			}
			startedScan = true
		}
		if !m.server.Advertising() {
			if err := m.server.StartAdvertising(ac); err != nil {
				if startedScan {
					_ = m.scanner.Stop()
				}
				return err
			}
		}
		if m.deviceID == "" {
			m.deviceID = ac.LocalName
		}
		return nil
	})
}

// StopAll halts scanning, advertising and every connection, and
// returns the role machine to Idle. It is safe to call at any time,
// in any state, repeatedly.
func (m *Master) StopAll() error {
	_ = m.scanner.Stop()
	m.conns.DisconnectAll()
	_ = m.server.StopAdvertising()
	m.server.disconnectClients()
	return m.roles.SwitchTo(RoleIdle)
}

// Close stops everything and shuts the event bus down.
func (m *Master) Close() error {
	err := m.StopAll()
	m.bus.Close()
	return err
}

// ConnectToDevice starts connecting to a previously discovered
// device. The outcome arrives as a ConnectionChanged event.
func (m *Master) ConnectToDevice(addr BDAddr, opts ConnectOptions) error {
	if err := m.roles.Faulted(); err != nil {
		return fmt.Errorf("operations gated by earlier fault: %w", err)
	}
	if !m.roles.State().Central() {
		return fmt.Errorf("%w: connect requires the central role, engine is %s", ErrInvalidState, m.roles.State())
	}
	dev, ok := m.scanner.Device(addr)
	if !ok {
		return fmt.Errorf("%w: %s was never discovered", ErrDeviceNotFound, addr)
	}
	return m.conns.Connect(dev, opts)
}

// DisconnectDevice tears down the link with addr. Safe in any state.
func (m *Master) DisconnectDevice(addr BDAddr) error {
	return m.conns.Disconnect(addr)
}

// SendMessageSmart routes msg by current role and target. As central
// with a connected target it writes the peer's message
// characteristic; as peripheral it notifies the targeted client, or
// every subscribed client when target is nil. The message is stamped
// with the local device id and timestamp, shrunk to the link budget
// if needed, and encoded with the binary protocol.
func (m *Master) SendMessageSmart(target *BDAddr, msg wire.Message) error {
	role := m.roles.State()
	if !role.active() {
		return fmt.Errorf("%w: engine is %s", ErrInvalidState, role)
	}
	msg = m.stamp(msg)

	if role.Central() && target != nil && m.conns.State(*target) == ConnConnected {
		return m.sendCentral(*target, msg)
	}
	if role.Peripheral() {
		return m.sendPeripheral(target, msg)
	}
	if target == nil {
		return fmt.Errorf("%w: central role needs an explicit target", ErrInvalidState)
	}
	return fmt.Errorf("%w: %s is not connected", ErrDeviceNotFound, target)
}

func (m *Master) sendCentral(addr BDAddr, msg wire.Message) error {
	mtu, _ := m.conns.MTU(addr)
	budget := mtu - attHeaderLen
	if budget > m.cfg.MaxPayload {
		budget = m.cfg.MaxPayload
	}
	msg = wire.Shrink(msg, budget)
	b, err := wire.EncodeTo(msg, budget)
	if err != nil {
		return err
	}
	if err := m.conns.Write(addr, MessageCharUUID, b, true); err != nil {
		return err
	}
	m.mt.messagesSent.WithLabelValues(msg.Type().String()).Inc()
	m.bus.Publish(EventMessageSent, MessageSent{To: addr, Message: msg, Bytes: len(b)})
	return nil
}

func (m *Master) sendPeripheral(target *BDAddr, msg wire.Message) error {
	if target != nil {
		c, ok := m.server.Client(*target)
		if !ok {
			return fmt.Errorf("%w: no connected client %s", ErrDeviceNotFound, target)
		}
		budget := c.payloadCap()
		if budget > m.cfg.MaxPayload {
			budget = m.cfg.MaxPayload
		}
		msg = wire.Shrink(msg, budget)
		b, err := wire.EncodeTo(msg, budget)
		if err != nil {
			return err
		}
		if err := m.server.Notify(*target, MessageCharUUID, b); err != nil {
			return err
		}
		m.mt.messagesSent.WithLabelValues(msg.Type().String()).Inc()
		m.bus.Publish(EventMessageSent, MessageSent{To: *target, Message: msg, Bytes: len(b)})
		return nil
	}

	// Broadcast: shrink to the tightest subscribed link.
	budget := m.cfg.MaxPayload
	subscribed := 0
	for _, c := range m.server.Clients() {
		if !c.Subscribed(MessageCharUUID) {
			continue
		}
		subscribed++
		if pc := c.payloadCap(); pc < budget {
			budget = pc
		}
	}
	if subscribed == 0 {
		return fmt.Errorf("%w: no subscribed clients", ErrInvalidState)
	}
	msg = wire.Shrink(msg, budget)
	b, err := wire.EncodeTo(msg, budget)
	if err != nil {
		return err
	}
	n := m.server.NotifyAll(MessageCharUUID, b)
	if n > 0 {
		m.mt.messagesSent.WithLabelValues(msg.Type().String()).Add(float64(n))
		m.bus.Publish(EventMessageSent, MessageSent{Message: msg, Bytes: len(b)})
	}
	return nil
}

// stamp fills the message's DeviceID and Timestamp when the caller
// left them empty.
func (m *Master) stamp(msg wire.Message) wire.Message {
	now := m.clk.Now().UnixMilli()
	switch v := msg.(type) {
	case wire.Heartbeat:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	case wire.Text:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	case wire.SensorData:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	case wire.ControlCommand:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	case wire.Ack:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	case wire.ErrorReport:
		if v.DeviceID == "" {
			v.DeviceID = m.deviceID
		}
		if v.Timestamp == 0 {
			v.Timestamp = now
		}
		return v
	}
	return msg
}

// Events exposes the engine's event bus.
func (m *Master) Events() *Bus { return m.bus }

// Role returns the current role state.
func (m *Master) Role() RoleState { return m.roles.State() }

// Uptime reports how long the engine has been out of Idle.
func (m *Master) Uptime() time.Duration { return m.roles.Uptime() }

// Devices returns the discovered-device table, strongest first.
func (m *Master) Devices() []Device { return m.scanner.Devices() }

// Clients returns the centrals connected to the local server.
func (m *Master) Clients() []ConnectedClient { return m.server.Clients() }

// ConnectionState returns the central-side state for addr.
func (m *Master) ConnectionState(addr BDAddr) ConnState { return m.conns.State(addr) }

// Scanner exposes the central-side scanner.
func (m *Master) Scanner() *Scanner { return m.scanner }

// Connections exposes the central-side connection controller.
func (m *Master) Connections() *ConnectionController { return m.conns }

// Server exposes the peripheral-side GATT server.
func (m *Master) Server() *GattServer { return m.server }
