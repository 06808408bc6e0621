package blelink

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ConnState is the per-device connection state, central side.
// Transitions are driven only by API calls, radio callbacks and
// timeout expiry; never inferred.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnecting
	ConnError
)

func (s ConnState) String() string {
	return [...]string{"Disconnected", "Connecting", "Connected", "Disconnecting", "Error"}[s]
}

// DefaultConnectTimeout bounds a connect attempt when
// ConnectOptions.Timeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// ConnectOptions tune one connect attempt.
type ConnectOptions struct {
	// AutoConnect asks the driver for a background, low-duty-cycle
	// connection rather than a one-shot attempt.
	AutoConnect bool

	// Timeout bounds the attempt. On expiry the controller cancels
	// the attempt itself and reports ErrConnectionTimeout; it never
	// retries on its own. Zero means DefaultConnectTimeout.
	Timeout time.Duration

	// EnableNotifications subscribes to the peer's message
	// characteristic right after link-up.
	EnableNotifications bool

	// AutoDiscoverServices enumerates the peer's services right
	// after link-up.
	AutoDiscoverServices bool
}

type link struct {
	addr     BDAddr
	state    ConnState
	opts     ConnectOptions
	timer    *clock.Timer
	mtu      int
	services []UUID
	lastErr  error
}

// A ConnectionController runs one connection state machine per
// remote device, central side. All operations are asynchronous;
// terminal outcomes arrive as ConnectionChanged events.
type ConnectionController struct {
	radio Radio
	gate  PermissionGate
	bus   *Bus
	clk   clock.Clock
	mt    *metrics

	defaultTimeout time.Duration

	mu    sync.Mutex
	links map[string]*link
}

func newConnectionController(radio Radio, gate PermissionGate, bus *Bus, clk clock.Clock, mt *metrics, defaultTimeout time.Duration) *ConnectionController {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultConnectTimeout
	}
	return &ConnectionController{
		radio:          radio,
		gate:           gate,
		bus:            bus,
		clk:            clk,
		mt:             mt,
		defaultTimeout: defaultTimeout,
		links:          make(map[string]*link),
	}
}

// setState applies a transition and publishes it. Caller holds c.mu.
func (c *ConnectionController) setState(l *link, to ConnState, err error) {
	from := l.state
	l.state = to
	l.lastErr = err
	c.bus.Publish(EventConnectionChanged, ConnectionChanged{
		Addr: l.addr,
		From: from,
		To:   to,
		Err:  err,
	})
	log.WithFields(map[string]interface{}{
		"addr": l.addr.String(),
		"from": from,
		"to":   to,
	}).Debug("connection state")
}

// Connect starts connecting to a discovered device. It returns as
// soon as the attempt is in flight; the outcome is delivered as a
// ConnectionChanged event. Connecting to a device that is already
// connecting or connected fails with ErrInvalidState and changes
// nothing.
func (c *ConnectionController) Connect(dev Device, opts ConnectOptions) error {
	if !c.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: %v", ErrPermissionMissing, c.gate.MissingPermissions())
	}
	if c.radio.State() != StatePoweredOn {
		return fmt.Errorf("%w: radio %s", ErrHardwareUnavailable, c.radio.State())
	}
	if !dev.Connectable {
		return fmt.Errorf("%w: %s does not advertise as connectable", ErrInvalidState, dev.Addr)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaultTimeout
	}

	addr := dev.Addr
	key := addr.String()

	c.mu.Lock()
	l := c.links[key]
	if l == nil {
		l = &link{addr: addr}
		c.links[key] = l
	}
	switch l.state {
	case ConnDisconnected, ConnError:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, key, l.state)
	}
	l.opts = opts
	l.mtu = 0
	l.services = nil
	c.setState(l, ConnConnecting, nil)
	l.timer = c.clk.AfterFunc(opts.Timeout, func() {
		c.onTimeout(addr)
	})
	c.mu.Unlock()

	if err := c.radio.Connect(addr); err != nil {
		c.mu.Lock()
		if l.state == ConnConnecting {
			l.timer.Stop()
			c.setState(l, ConnDisconnected, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
		c.mu.Unlock()
		c.mt.connectFailures.Inc()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// onTimeout fires when a connect attempt outlives its deadline. The
// controller cancels the attempt itself; retrying is the caller's
// decision.
func (c *ConnectionController) onTimeout(addr BDAddr) {
	c.mu.Lock()
	l := c.links[addr.String()]
	if l == nil || l.state != ConnConnecting {
		c.mu.Unlock()
		return
	}
	c.setState(l, ConnDisconnected, ErrConnectionTimeout)
	c.mu.Unlock()

	c.mt.connectFailures.Inc()
	if err := c.radio.CancelConnection(addr); err != nil {
		log.WithError(err).WithField("addr", addr.String()).Warn("cancel after timeout")
	}
	log.WithField("addr", addr.String()).Warn("connect attempt timed out")
}

// handleConnected processes the driver's link-up callback.
func (c *ConnectionController) handleConnected(addr BDAddr, mtu int) {
	c.mu.Lock()
	l := c.links[addr.String()]
	if l == nil || l.state != ConnConnecting {
		// Stale callback: the attempt timed out or was cancelled.
		c.mu.Unlock()
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.mtu = mtu
	c.setState(l, ConnConnected, nil)
	opts := l.opts
	c.mu.Unlock()

	if opts.AutoDiscoverServices {
		go c.discoverServices(addr)
	}
	if opts.EnableNotifications {
		if err := c.radio.SetNotify(addr, MessageCharUUID, true); err != nil {
			log.WithError(err).WithField("addr", addr.String()).Warn("enable notifications")
		}
	}
}

func (c *ConnectionController) discoverServices(addr BDAddr) {
	ss, err := c.radio.DiscoverServices(addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr.String()).Warn("service discovery")
		return
	}
	c.mu.Lock()
	if l := c.links[addr.String()]; l != nil && l.state == ConnConnected {
		l.services = ss
	}
	c.mu.Unlock()
}

// handleDisconnected processes the driver's link-down callback. For
// a pending attempt it means failure; for an established link it
// means the peer (or the radio) dropped it.
func (c *ConnectionController) handleDisconnected(addr BDAddr, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.links[addr.String()]
	if l == nil {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	switch l.state {
	case ConnConnecting:
		cause := err
		if cause == nil {
			cause = ErrConnectionFailed
		} else {
			cause = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		c.setState(l, ConnDisconnected, cause)
		c.mt.connectFailures.Inc()
	case ConnConnected:
		c.setState(l, ConnDisconnected, err)
	case ConnDisconnecting:
		c.setState(l, ConnDisconnected, nil)
	}
}

// Disconnect tears down the link with addr. It is safe in any state
// and always leaves the machine Disconnected; a pending connect is
// cancelled, an established link is closed.
func (c *ConnectionController) Disconnect(addr BDAddr) error {
	c.mu.Lock()
	l := c.links[addr.String()]
	if l == nil || l.state == ConnDisconnected {
		c.mu.Unlock()
		return nil
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	needCancel := false
	switch l.state {
	case ConnConnecting:
		needCancel = true
		c.setState(l, ConnDisconnected, nil)
	case ConnConnected:
		needCancel = true
		c.setState(l, ConnDisconnecting, nil)
		c.setState(l, ConnDisconnected, nil)
	case ConnDisconnecting, ConnError:
		c.setState(l, ConnDisconnected, nil)
	}
	c.mu.Unlock()

	if needCancel {
		if err := c.radio.CancelConnection(addr); err != nil {
			log.WithError(err).WithField("addr", addr.String()).Warn("cancel connection")
		}
	}
	return nil
}

// DisconnectAll tears down every link.
func (c *ConnectionController) DisconnectAll() {
	c.mu.Lock()
	addrs := make([]BDAddr, 0, len(c.links))
	for _, l := range c.links {
		if l.state != ConnDisconnected {
			addrs = append(addrs, l.addr)
		}
	}
	c.mu.Unlock()
	for _, a := range addrs {
		c.Disconnect(a)
	}
}

// State returns the connection state for addr. Unknown devices are
// Disconnected.
func (c *ConnectionController) State(addr BDAddr) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.links[addr.String()]; l != nil {
		return l.state
	}
	return ConnDisconnected
}

// LastError returns the terminal error of the most recent attempt
// on addr, or nil.
func (c *ConnectionController) LastError(addr BDAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.links[addr.String()]; l != nil {
		return l.lastErr
	}
	return nil
}

// MTU returns the negotiated MTU of a connected link.
func (c *ConnectionController) MTU(addr BDAddr) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.links[addr.String()]; l != nil && l.state == ConnConnected {
		if l.mtu > 0 {
			return l.mtu, true
		}
		return DefaultMTU, true
	}
	return 0, false
}

// Services returns the UUIDs found by service discovery, if any.
func (c *ConnectionController) Services(addr BDAddr) []UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.links[addr.String()]; l != nil {
		return append([]UUID(nil), l.services...)
	}
	return nil
}

// Connected returns the addresses of all connected links.
func (c *ConnectionController) Connected() []BDAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BDAddr, 0, len(c.links))
	for _, l := range c.links {
		if l.state == ConnConnected {
			out = append(out, l.addr)
		}
	}
	return out
}

// requireConnected guards characteristic operations.
func (c *ConnectionController) requireConnected(addr BDAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.links[addr.String()]
	if l == nil || l.state != ConnConnected {
		state := ConnDisconnected
		if l != nil {
			state = l.state
		}
		return fmt.Errorf("%w: %s is %s, not Connected", ErrInvalidState, addr, state)
	}
	return nil
}

// Read reads a characteristic of a connected device. Calling it in
// any other state fails with ErrInvalidState and has no side effect.
func (c *ConnectionController) Read(addr BDAddr, char UUID) ([]byte, error) {
	if err := c.requireConnected(addr); err != nil {
		return nil, err
	}
	return c.radio.ReadCharacteristic(addr, char)
}

// Write writes a characteristic of a connected device. The payload
// must fit the negotiated MTU.
func (c *ConnectionController) Write(addr BDAddr, char UUID, data []byte, withResponse bool) error {
	if err := c.requireConnected(addr); err != nil {
		return err
	}
	mtu, _ := c.MTU(addr)
	if len(data) > mtu-attHeaderLen {
		return fmt.Errorf("%w: %d bytes over %d-byte MTU budget", ErrPayloadTooLarge, len(data), mtu-attHeaderLen)
	}
	return c.radio.WriteCharacteristic(addr, char, data, withResponse)
}

// SetNotify enables or disables notifications from a characteristic
// of a connected device.
func (c *ConnectionController) SetNotify(addr BDAddr, char UUID, enable bool) error {
	if err := c.requireConnected(addr); err != nil {
		return err
	}
	return c.radio.SetNotify(addr, char, enable)
}
