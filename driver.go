package blelink

// RadioState is the power/availability state of the underlying radio.
type RadioState int

const (
	StateUnknown      RadioState = 0
	StateResetting    RadioState = 1
	StateUnsupported  RadioState = 2
	StateUnauthorized RadioState = 3
	StatePoweredOff   RadioState = 4
	StatePoweredOn    RadioState = 5
)

func (s RadioState) String() string {
	str := []string{
		"Unknown",
		"Resetting",
		"Unsupported",
		"Unauthorized",
		"PoweredOff",
		"PoweredOn",
	}
	return str[int(s)]
}

// A Sighting is one radio-level advertisement report, before the
// scanner has applied any filtering or de-duplication.
type Sighting struct {
	Addr             BDAddr
	Name             string
	RSSI             int
	AdvBytes         []byte
	Connectable      bool
	Services         []UUID
	ManufacturerData []byte // company id (little-endian) followed by payload
}

// ManufacturerID returns the company identifier from the
// manufacturer-specific data, and whether one was present.
func (s Sighting) ManufacturerID() (uint16, bool) {
	if len(s.ManufacturerData) < 2 {
		return 0, false
	}
	return uint16(s.ManufacturerData[0]) | uint16(s.ManufacturerData[1])<<8, true
}

// RadioHandler carries the callbacks a Radio delivers into the
// engine. Drivers may invoke them from any goroutine; the engine
// serializes access to its own state. Nil members are skipped.
type RadioHandler struct {
	// StateChanged is called when the radio availability changes.
	StateChanged func(s RadioState)

	// Sighted is called once per radio-level advertisement report.
	Sighted func(s Sighting)

	// PeripheralConnected is called when an outbound (central-role)
	// connection reaches link-up, with the negotiated MTU.
	PeripheralConnected func(addr BDAddr, mtu int)

	// PeripheralDisconnected is called when an outbound connection
	// drops or a pending attempt fails. err is nil for a clean,
	// locally requested disconnect.
	PeripheralDisconnected func(addr BDAddr, err error)

	// NotificationReceived is called when a subscribed remote
	// characteristic notifies new data (central role).
	NotificationReceived func(addr BDAddr, char UUID, data []byte)

	// CentralConnected is called when a remote central connects to
	// the local GATT server (peripheral role).
	CentralConnected func(addr BDAddr, mtu int)

	// CentralDisconnected is called when a connected central drops.
	CentralDisconnected func(addr BDAddr)

	// WriteReceived is called when a connected central writes a
	// local characteristic.
	WriteReceived func(addr BDAddr, char UUID, data []byte)

	// ReadRequested is called when a connected central reads a local
	// characteristic. The answer must be produced synchronously
	// within this call; the underlying ATT transaction cannot be
	// deferred. maxLen caps the reply.
	ReadRequested func(addr BDAddr, char UUID, maxLen int) (value []byte, status byte)

	// SubscriptionChanged is called when a central flips the
	// notification descriptor of a local characteristic.
	SubscriptionChanged func(addr BDAddr, char UUID, subscribed bool)

	// MTUChanged is called when a server-side link renegotiates its MTU.
	MTUChanged func(addr BDAddr, mtu int)
}

// Radio is the abstract BLE driver the engine runs on. Platform
// implementations wrap the OS radio stack; blesim.Radio implements
// it in memory for deterministic tests.
//
// Scan, advertising and connect operations are asynchronous: a nil
// return means the operation started, and the outcome arrives via
// RadioHandler callbacks.
type Radio interface {
	// Init registers the handler and powers up the driver. It must
	// be called once, before any other method.
	Init(h RadioHandler) error

	// State returns the current radio availability.
	State() RadioState

	// Advertise starts advertising the given, pre-validated
	// payload. The engine guarantees name and services fit the
	// legacy 31-byte advertising budget before calling.
	Advertise(name string, services []UUID, connectable bool) error

	// StopAdvertising stops advertising. Stopping an idle
	// advertiser is a no-op.
	StopAdvertising() error

	// Scan starts advertisement reports flowing to Sighted. The
	// mode hints at the interval/window trade-off. If allowDup is
	// false the driver may suppress repeated reports of the same
	// device itself; the scanner de-duplicates regardless.
	Scan(mode ScanMode, allowDup bool) error

	// StopScan stops scanning. Stopping an idle scanner is a no-op.
	StopScan() error

	// Connect begins connecting to a remote peripheral.
	Connect(addr BDAddr) error

	// CancelConnection aborts a pending connect or tears down an
	// established link. The driver confirms via
	// PeripheralDisconnected.
	CancelConnection(addr BDAddr) error

	// DiscoverServices enumerates the service UUIDs of a connected
	// peripheral.
	DiscoverServices(addr BDAddr) ([]UUID, error)

	// WriteCharacteristic writes a remote characteristic value.
	WriteCharacteristic(addr BDAddr, char UUID, data []byte, withResponse bool) error

	// ReadCharacteristic reads a remote characteristic value.
	ReadCharacteristic(addr BDAddr, char UUID) ([]byte, error)

	// SetNotify enables or disables notifications from a remote
	// characteristic.
	SetNotify(addr BDAddr, char UUID, enable bool) error

	// Notify pushes a notification of a local characteristic value
	// to a connected, subscribed central.
	Notify(addr BDAddr, char UUID, data []byte) error
}

// A Capability names a platform permission the engine needs.
type Capability string

const (
	CapScan      Capability = "scan"
	CapAdvertise Capability = "advertise"
	CapConnect   Capability = "connect"
)

// PermissionGate reports whether the host platform has granted the
// permissions BLE operations need. Acquiring permissions is the host
// application's problem; the engine only checks.
type PermissionGate interface {
	HasRequiredPermissions() bool
	MissingPermissions() []Capability
}

// AllowAll is a PermissionGate that always passes. Useful on
// platforms without a permission model, and in tests.
type AllowAll struct{}

func (AllowAll) HasRequiredPermissions() bool     { return true }
func (AllowAll) MissingPermissions() []Capability { return nil }
