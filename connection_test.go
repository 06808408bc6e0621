package blelink_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XC-/blelink"
)

// discoverPeer scans the peer into the device table so the engine
// will accept a connect request for it.
func discoverPeer(t *testing.T, m *blelink.Master, radio interface {
	InjectSighting(blelink.Sighting)
}, addr string) blelink.BDAddr {
	t.Helper()
	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{}))
	radio.InjectSighting(sighting(addr, -50))
	require.NoError(t, m.Scanner().Stop())
	return blelink.MustParseAddr(addr)
}

func TestConnectLifecycle(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventConnectionChanged)
	defer unsub()

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{}))

	e := nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnConnecting, e.To)

	radio.CompleteConnect(peer, 185)
	e = nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnConnected, e.To)
	assert.NoError(t, e.Err)

	mtu, ok := m.Connections().MTU(peer)
	require.True(t, ok)
	assert.Equal(t, 185, mtu)

	require.NoError(t, m.Connections().Disconnect(peer))
	e = nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnDisconnecting, e.To)
	e = nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnDisconnected, e.To)
	assert.Equal(t, blelink.ConnDisconnected, m.ConnectionState(peer))
}

func TestConnectTimeout(t *testing.T) {
	m, radio, mck := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventConnectionChanged)
	defer unsub()

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{
		Timeout: 8 * time.Second,
	}))
	nextEvent(t, events) // Connecting

	// The peer never answers. On expiry the attempt is cancelled and
	// reported; the controller never retries on its own.
	mck.Add(8 * time.Second)
	e := nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnDisconnected, e.To)
	assert.ErrorIs(t, e.Err, blelink.ErrConnectionTimeout)
	assert.ErrorIs(t, m.Connections().LastError(peer), blelink.ErrConnectionTimeout)

	// A late link-up callback from the radio is stale and ignored.
	radio.CompleteConnect(peer, 185)
	noEvent(t, events)
	assert.Equal(t, blelink.ConnDisconnected, m.ConnectionState(peer))
}

func TestConnectFailure(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventConnectionChanged)
	defer unsub()

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{}))
	nextEvent(t, events) // Connecting

	radio.FailConnect(peer, errors.New("link layer says no"))
	e := nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnDisconnected, e.To)
	assert.ErrorIs(t, e.Err, blelink.ErrConnectionFailed)
}

func TestConnectInvalidStates(t *testing.T) {
	m, radio, _ := newEngine(t)

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	dev := mustDevice(t, m, peer)

	require.NoError(t, m.Connections().Connect(dev, blelink.ConnectOptions{}))
	// Connecting: a second attempt must not disturb the first.
	assert.ErrorIs(t, m.Connections().Connect(dev, blelink.ConnectOptions{}), blelink.ErrInvalidState)

	radio.CompleteConnect(peer, 23)
	assert.ErrorIs(t, m.Connections().Connect(dev, blelink.ConnectOptions{}), blelink.ErrInvalidState)

	// Characteristic I/O demands Connected.
	other := blelink.MustParseAddr("aa:bb:cc:dd:ee:99")
	_, err := m.Connections().Read(other, blelink.MessageCharUUID)
	assert.ErrorIs(t, err, blelink.ErrInvalidState)
	assert.ErrorIs(t, m.Connections().Write(other, blelink.MessageCharUUID, []byte{1}, true), blelink.ErrInvalidState)
	assert.ErrorIs(t, m.Connections().SetNotify(other, blelink.MessageCharUUID, true), blelink.ErrInvalidState)
}

func TestConnectNotConnectable(t *testing.T) {
	m, radio, _ := newEngine(t)

	require.NoError(t, m.Scanner().Start(blelink.ScanConfig{}))
	s := sighting("aa:bb:cc:dd:ee:01", -50)
	s.Connectable = false
	radio.InjectSighting(s)

	dev := mustDevice(t, m, s.Addr)
	assert.ErrorIs(t, m.Connections().Connect(dev, blelink.ConnectOptions{}), blelink.ErrInvalidState)
}

func TestDisconnectAnyState(t *testing.T) {
	m, radio, _ := newEngine(t)

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")

	// Unknown and already-disconnected devices: no-op, no error.
	require.NoError(t, m.Connections().Disconnect(peer))

	// Pending attempt: cancelled.
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{}))
	require.NoError(t, m.Connections().Disconnect(peer))
	assert.Equal(t, blelink.ConnDisconnected, m.ConnectionState(peer))

	// The radio confirming the cancel afterwards changes nothing.
	radio.CompleteConnect(peer, 23)
	assert.Equal(t, blelink.ConnDisconnected, m.ConnectionState(peer))
}

func TestWriteMTUBudget(t *testing.T) {
	m, radio, _ := newEngine(t)

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{}))
	radio.CompleteConnect(peer, 23)

	// Default MTU leaves 20 payload bytes.
	assert.NoError(t, m.Connections().Write(peer, blelink.MessageCharUUID, make([]byte, 20), true))
	assert.ErrorIs(t,
		m.Connections().Write(peer, blelink.MessageCharUUID, make([]byte, 21), true),
		blelink.ErrPayloadTooLarge)
}

func TestPeerDropsLink(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventConnectionChanged)
	defer unsub()

	peer := discoverPeer(t, m, radio, "aa:bb:cc:dd:ee:01")
	require.NoError(t, m.Connections().Connect(mustDevice(t, m, peer), blelink.ConnectOptions{}))
	nextEvent(t, events)
	radio.CompleteConnect(peer, 185)
	nextEvent(t, events)

	radio.DropLink(peer, errors.New("supervision timeout"))
	e := nextEvent(t, events).Data.(blelink.ConnectionChanged)
	assert.Equal(t, blelink.ConnDisconnected, e.To)
	assert.Error(t, e.Err)
}

func mustDevice(t *testing.T, m *blelink.Master, addr blelink.BDAddr) blelink.Device {
	t.Helper()
	dev, ok := m.Scanner().Device(addr)
	require.True(t, ok, "device %s not in table", addr)
	return dev
}
