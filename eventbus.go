package blelink

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/XC-/blelink/wire"
)

// EventKind classifies an engine event.
type EventKind string

const (
	EventRadioState         EventKind = "radio_state"
	EventRoleChanged        EventKind = "role_changed"
	EventDeviceFound        EventKind = "device_found"
	EventDeviceUpdated      EventKind = "device_updated"
	EventDeviceLost         EventKind = "device_lost"
	EventScanStopped        EventKind = "scan_stopped"
	EventConnectionChanged  EventKind = "connection_changed"
	EventClientConnected    EventKind = "client_connected"
	EventClientDisconnected EventKind = "client_disconnected"
	EventMessageReceived    EventKind = "message_received"
	EventMessageSent        EventKind = "message_sent"
	EventAdvertising        EventKind = "advertising"
	EventFault              EventKind = "fault"
)

// Event is the envelope delivered to subscribers. Data holds the
// kind-specific payload struct.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Data      interface{}
}

// Event payloads.
type (
	// RadioStateChanged reports a radio availability change.
	RadioStateChanged struct{ State RadioState }

	// RoleChanged reports a role state machine transition.
	RoleChanged struct{ From, To RoleState }

	// DeviceFound reports the first sighting of a device, or the
	// first sighting after it went stale.
	DeviceFound struct{ Device Device }

	// DeviceUpdated reports a refresh of an already-known device
	// outside the de-duplication window.
	DeviceUpdated struct{ Device Device }

	// DeviceLost reports eviction of a device from the table.
	DeviceLost struct {
		Device Device
		Reason string
	}

	// ScanStopped reports the end of a scan window.
	ScanStopped struct{ Reason string }

	// ConnectionChanged reports a central-side connection state
	// transition. Err is set for failure-driven transitions.
	ConnectionChanged struct {
		Addr     BDAddr
		From, To ConnState
		Err      error
	}

	// ClientConnected reports a remote central connecting to the
	// local GATT server.
	ClientConnected struct {
		Addr BDAddr
		MTU  int
	}

	// ClientDisconnected reports a remote central dropping off.
	ClientDisconnected struct{ Addr BDAddr }

	// MessageReceived carries a decoded inbound protocol message.
	MessageReceived struct {
		From    BDAddr
		Char    UUID
		Message wire.Message
	}

	// MessageSent confirms an outbound protocol message.
	MessageSent struct {
		To      BDAddr
		Message wire.Message
		Bytes   int
	}

	// AdvertisingChanged reports advertising starting or stopping.
	AdvertisingChanged struct{ Active bool }

	// Fault reports an asynchronous failure that has no caller to
	// return to, such as a malformed inbound packet.
	Fault struct {
		Op  string
		Err error
	}
)

// subscriber holds one subscription's buffered channel and kind filter.
type subscriber struct {
	ch    chan Event
	kinds map[EventKind]struct{} // nil means all kinds
}

func (s *subscriber) wants(k EventKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans typed engine events out to subscribers. Delivery is
// fire-and-forget: publishing never blocks, and one misbehaving
// listener cannot stall another or the publisher.
type Bus struct {
	clk clock.Clock

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// subBuffer is the per-subscriber channel depth. A consumer that
// falls this far behind starts losing events.
const subBuffer = 64

// NewBus constructs a ready Bus. Timestamps come from clk.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{clk: clk, subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer for the given kinds (all kinds if
// none are named). It returns the receive channel and an unsubscribe
// function that closes it. The channel is buffered; a consumer that
// stops draining loses events rather than stalling the engine.
func (b *Bus) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subBuffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		// Closing under the write lock excludes in-flight Publish
		// calls, which hold the read lock while sending.
		b.mu.Lock()
		if _, live := b.subs[s]; live {
			delete(b.subs, s)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, unsub
}

// SubscribeFunc delivers matching events to fn on a dedicated
// goroutine. A panic in fn is recovered and logged; it neither
// reaches the publisher nor affects other listeners.
func (b *Bus) SubscribeFunc(fn func(Event), kinds ...EventKind) func() {
	ch, unsub := b.Subscribe(kinds...)
	go func() {
		for e := range ch {
			deliver(fn, e)
		}
	}()
	return unsub
}

func deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"kind":  e.Kind,
				"panic": r,
			}).Warn("event listener panicked")
		}
	}()
	fn(e)
}

// Publish sends an event to all current subscribers. Slow consumers
// with a full buffer are skipped.
func (b *Bus) Publish(kind EventKind, data interface{}) {
	e := Event{Kind: kind, Timestamp: b.clk.Now(), Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			log.WithField("kind", kind).Debug("dropping event for slow consumer")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
