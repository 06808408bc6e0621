package blelink

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// AdvertisingMode trades discoverability latency against power draw.
type AdvertisingMode int

const (
	AdvModeBalanced AdvertisingMode = iota
	AdvModeLowPower
	AdvModeLowLatency
)

func (m AdvertisingMode) String() string {
	return [...]string{"Balanced", "LowPower", "LowLatency"}[m]
}

// AdvertisingConfig describes the advertisement a GattServer
// broadcasts. LocalName and ServiceUUIDs must fit the legacy 31-byte
// advertising payload; StartAdvertising fails with
// ErrPayloadTooLarge rather than truncating.
type AdvertisingConfig struct {
	Mode         AdvertisingMode
	Connectable  bool
	LocalName    string
	ServiceUUIDs []UUID
}

// A GattServer is the peripheral role: it advertises, accepts
// connections from remote centrals, serves its characteristic
// registry, and pushes notifications.
type GattServer struct {
	radio Radio
	gate  PermissionGate
	bus   *Bus
	clk   clock.Clock
	mt    *metrics

	// restartBackoff delays advertising restarts after cleanup; a
	// hammering restart loop confuses some radio stacks.
	restartBackoff time.Duration

	mu           sync.Mutex
	services     []*Service
	advertising  bool
	cfg          AdvertisingConfig
	clients      map[string]*ConnectedClient
	notifiers    map[string]*notifier // keyed addr+"/"+char
	restartTimer *clock.Timer
}

func newGattServer(radio Radio, gate PermissionGate, bus *Bus, clk clock.Clock, mt *metrics, restartBackoff time.Duration) *GattServer {
	return &GattServer{
		radio:          radio,
		gate:           gate,
		bus:            bus,
		clk:            clk,
		mt:             mt,
		restartBackoff: restartBackoff,
		clients:        make(map[string]*ConnectedClient),
		notifiers:      make(map[string]*notifier),
	}
}

// AddService registers a new Service with the server. All services
// must be added before advertising starts; AddService returns nil
// afterwards.
func (s *GattServer) AddService(u UUID) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return nil
	}
	svc := &Service{uuid: u}
	s.services = append(s.services, svc)
	return svc
}

// Services returns the registered services.
func (s *GattServer) Services() []*Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Service(nil), s.services...)
}

// StartAdvertising validates cfg against the advertising budget and
// begins broadcasting. A name/UUID set that does not fit fails with
// ErrPayloadTooLarge: centrals match peers by complete name, so
// silent truncation would break discovery.
func (s *GattServer) StartAdvertising(cfg AdvertisingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAdvertisingLocked(cfg)
}

// startAdvertisingLocked is the StartAdvertising body. Caller holds
// s.mu. A manual start supersedes any pending restart, so the backoff
// timer is cancelled here.
func (s *GattServer) startAdvertisingLocked(cfg AdvertisingConfig) error {
	if s.advertising {
		return ErrAlreadyRunning
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if !s.gate.HasRequiredPermissions() {
		return fmt.Errorf("%w: %v", ErrPermissionMissing, s.gate.MissingPermissions())
	}
	if s.radio.State() != StatePoweredOn {
		return fmt.Errorf("%w: radio %s", ErrHardwareUnavailable, s.radio.State())
	}
	if _, err := BuildAdvertisement(cfg.LocalName, cfg.ServiceUUIDs); err != nil {
		return err
	}
	if err := s.radio.Advertise(cfg.LocalName, cfg.ServiceUUIDs, cfg.Connectable); err != nil {
		return fmt.Errorf("advertising start: %w", err)
	}
	s.cfg = cfg
	s.advertising = true
	s.bus.Publish(EventAdvertising, AdvertisingChanged{Active: true})
	log.WithFields(map[string]interface{}{
		"name":        cfg.LocalName,
		"services":    len(cfg.ServiceUUIDs),
		"connectable": cfg.Connectable,
	}).Info("advertising started")
	return nil
}

// StopAdvertising stops broadcasting. Connected clients stay
// connected. Stopping an idle advertiser is a no-op.
func (s *GattServer) StopAdvertising() error {
	s.mu.Lock()
	if !s.advertising {
		s.mu.Unlock()
		return nil
	}
	s.advertising = false
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()

	if err := s.radio.StopAdvertising(); err != nil {
		log.WithError(err).Warn("radio advertising stop")
	}
	s.bus.Publish(EventAdvertising, AdvertisingChanged{Active: false})
	log.Info("advertising stopped")
	return nil
}

// RestartAdvertising stops advertising and starts it again with the
// same configuration after the configured backoff. The stop and the
// timer are set up under one lock hold so a concurrent
// StartAdvertising cannot slip in between; if one does arrive before
// the backoff elapses, it cancels the timer and the restart yields.
func (s *GattServer) RestartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return ErrNotRunning
	}
	cfg := s.cfg
	s.advertising = false
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	if err := s.radio.StopAdvertising(); err != nil {
		log.WithError(err).Warn("radio advertising stop")
	}
	s.restartTimer = s.clk.AfterFunc(s.restartBackoff, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.restartTimer == nil {
			return
		}
		s.restartTimer = nil
		if err := s.startAdvertisingLocked(cfg); err != nil {
			s.bus.Publish(EventFault, Fault{Op: "advertising restart", Err: err})
		}
	})
	s.bus.Publish(EventAdvertising, AdvertisingChanged{Active: false})
	log.Info("advertising stopped for restart")
	return nil
}

// Advertising reports whether the server is broadcasting.
func (s *GattServer) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// Clients returns a snapshot of the connected centrals.
func (s *GattServer) Clients() []ConnectedClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectedClient, 0, len(s.clients))
	for _, c := range s.clients {
		cc := ConnectedClient{Addr: c.Addr, MTU: c.MTU, subscribed: make(map[string]struct{}, len(c.subscribed))}
		for k := range c.subscribed {
			cc.subscribed[k] = struct{}{}
		}
		out = append(out, cc)
	}
	return out
}

// Client looks up a connected central by address.
func (s *GattServer) Client(addr BDAddr) (ConnectedClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[addr.String()]
	if !ok {
		return ConnectedClient{}, false
	}
	cc := ConnectedClient{Addr: c.Addr, MTU: c.MTU, subscribed: make(map[string]struct{}, len(c.subscribed))}
	for k := range c.subscribed {
		cc.subscribed[k] = struct{}{}
	}
	return cc, true
}

// handleCentralConnected tracks a new server-side connection.
func (s *GattServer) handleCentralConnected(addr BDAddr, mtu int) {
	s.mu.Lock()
	s.clients[addr.String()] = &ConnectedClient{
		Addr:       addr,
		MTU:        mtu,
		subscribed: make(map[string]struct{}),
	}
	n := len(s.clients)
	s.mu.Unlock()

	s.mt.connectedCentrals.Set(float64(n))
	s.bus.Publish(EventClientConnected, ClientConnected{Addr: addr, MTU: mtu})
	log.WithFields(map[string]interface{}{"addr": addr.String(), "mtu": mtu}).Info("central connected")
}

// handleCentralDisconnected drops a client and stops its notifiers.
func (s *GattServer) handleCentralDisconnected(addr BDAddr) {
	key := addr.String()
	s.mu.Lock()
	if _, ok := s.clients[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, key)
	for k, n := range s.notifiers {
		if n.addr.String() == key {
			n.stop()
			delete(s.notifiers, k)
		}
	}
	n := len(s.clients)
	s.mu.Unlock()

	s.mt.connectedCentrals.Set(float64(n))
	s.bus.Publish(EventClientDisconnected, ClientDisconnected{Addr: addr})
	log.WithField("addr", key).Info("central disconnected")
}

// handleMTUChanged records a renegotiated MTU for a client link.
func (s *GattServer) handleMTUChanged(addr BDAddr, mtu int) {
	s.mu.Lock()
	if c := s.clients[addr.String()]; c != nil {
		c.MTU = mtu
	}
	s.mu.Unlock()
}

// handleSubscriptionChanged flips a client's notification
// subscription and starts or stops the characteristic's
// NotifyHandler session.
func (s *GattServer) handleSubscriptionChanged(addr BDAddr, char UUID, subscribed bool) {
	key := addr.String()
	nkey := key + "/" + char.String()

	s.mu.Lock()
	c := s.clients[key]
	if c == nil {
		s.mu.Unlock()
		return
	}
	svc, cc := s.findCharacteristic(char)
	if cc == nil || cc.props&CharNotify == 0 {
		s.mu.Unlock()
		return
	}
	if !subscribed {
		delete(c.subscribed, char.String())
		if n := s.notifiers[nkey]; n != nil {
			n.stop()
			delete(s.notifiers, nkey)
		}
		s.mu.Unlock()
		return
	}
	c.subscribed[char.String()] = struct{}{}
	var n *notifier
	if cc.nhandler != nil {
		n = newNotifier(s.radio, addr, cc, c.payloadCap())
		s.notifiers[nkey] = n
	}
	req := Request{Client: c, Service: svc, Characteristic: cc}
	s.mu.Unlock()

	if n != nil {
		go cc.nhandler.ServeNotify(req, n)
	}
}

// handleWrite dispatches an incoming characteristic write to the
// registered WriteHandler.
func (s *GattServer) handleWrite(addr BDAddr, char UUID, data []byte) {
	s.mu.Lock()
	c := s.clients[addr.String()]
	svc, cc := s.findCharacteristic(char)
	s.mu.Unlock()
	if c == nil || cc == nil {
		log.WithFields(map[string]interface{}{
			"addr": addr.String(),
			"char": char.String(),
		}).Debug("write to unknown characteristic")
		return
	}
	if cc.whandler == nil {
		return
	}
	if status := cc.whandler.ServeWrite(Request{Client: c, Service: svc, Characteristic: cc}, data); status != StatusSuccess {
		log.WithFields(map[string]interface{}{
			"addr":   addr.String(),
			"char":   char.String(),
			"status": status,
		}).Warn("characteristic write rejected")
	}
}

// handleRead answers an incoming characteristic read. The answer is
// produced synchronously, inside the radio's request/response
// exchange; the underlying ATT transaction cannot be deferred.
func (s *GattServer) handleRead(addr BDAddr, char UUID, maxLen int) ([]byte, byte) {
	s.mu.Lock()
	c := s.clients[addr.String()]
	svc, cc := s.findCharacteristic(char)
	s.mu.Unlock()
	if cc == nil || cc.props&CharRead == 0 {
		return nil, StatusUnexpectedError
	}
	if cc.rhandler != nil {
		resp := newReadResponseWriter(maxLen)
		cc.rhandler.ServeRead(resp, &ReadRequest{
			Request: Request{Client: c, Service: svc, Characteristic: cc},
			Cap:     maxLen,
		})
		return resp.bytes(), resp.status
	}
	v := cc.value
	if len(v) > maxLen {
		v = v[:maxLen]
	}
	return v, StatusSuccess
}

// findCharacteristic locates a characteristic by UUID across all
// services. Caller holds s.mu.
func (s *GattServer) findCharacteristic(u UUID) (*Service, *Characteristic) {
	for _, svc := range s.services {
		if c := svc.findCharacteristic(u); c != nil {
			return svc, c
		}
	}
	return nil, nil
}

// Notify pushes data to one subscribed client. It fails with
// ErrDeviceNotFound for an unknown client, ErrInvalidState for an
// unsubscribed one and ErrPayloadTooLarge beyond the link's MTU
// budget.
func (s *GattServer) Notify(addr BDAddr, char UUID, data []byte) error {
	s.mu.Lock()
	c := s.clients[addr.String()]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: no client %s", ErrDeviceNotFound, addr)
	}
	if !c.Subscribed(char) {
		return fmt.Errorf("%w: client %s is not subscribed to %s", ErrInvalidState, addr, char)
	}
	if len(data) > c.payloadCap() {
		return fmt.Errorf("%w: %d bytes over %d-byte notify budget", ErrPayloadTooLarge, len(data), c.payloadCap())
	}
	return s.radio.Notify(addr, char, data)
}

// NotifyAll pushes data to every subscribed client and returns how
// many were reached.
func (s *GattServer) NotifyAll(char UUID, data []byte) int {
	s.mu.Lock()
	targets := make([]BDAddr, 0, len(s.clients))
	for _, c := range s.clients {
		if c.Subscribed(char) && len(data) <= c.payloadCap() {
			targets = append(targets, c.Addr)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, addr := range targets {
		if err := s.radio.Notify(addr, char, data); err != nil {
			log.WithError(err).WithField("addr", addr.String()).Warn("notify")
			continue
		}
		n++
	}
	return n
}

// disconnectClients clears the client table without waiting for
// radio callbacks; used by StopAll.
func (s *GattServer) disconnectClients() {
	s.mu.Lock()
	addrs := make([]BDAddr, 0, len(s.clients))
	for _, c := range s.clients {
		addrs = append(addrs, c.Addr)
	}
	s.mu.Unlock()
	for _, a := range addrs {
		if err := s.radio.CancelConnection(a); err != nil {
			log.WithError(err).WithField("addr", a.String()).Debug("cancel client connection")
		}
		s.handleCentralDisconnected(a)
	}
}
