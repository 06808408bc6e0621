package blelink_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/XC-/blelink"
	"github.com/XC-/blelink/blesim"
)

// newEngine builds a Master on a simulated radio and a mock clock,
// advanced off the epoch so stamped timestamps are nonzero.
func newEngine(t *testing.T) (*blelink.Master, *blesim.Radio, *clock.Mock) {
	t.Helper()
	radio := blesim.NewRadio()
	mck := clock.NewMock()
	mck.Add(time.Hour)

	cfg := blelink.DefaultConfig()
	cfg.DeviceID = "test-node"

	m, err := blelink.NewMaster(radio, nil, cfg, blelink.WithClock(mck))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, radio, mck
}

// nextEvent receives one event or fails the test.
func nextEvent(t *testing.T, ch <-chan blelink.Event) blelink.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return blelink.Event{}
	}
}

// noEvent asserts the channel is empty right now. Valid because the
// engine publishes synchronously from the calls under test.
func noEvent(t *testing.T, ch <-chan blelink.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s: %+v", e.Kind, e.Data)
	default:
	}
}

func sighting(addr string, rssi int) blelink.Sighting {
	return blelink.Sighting{
		Addr:        blelink.MustParseAddr(addr),
		Name:        "peer-" + addr[len(addr)-2:],
		RSSI:        rssi,
		Connectable: true,
		Services:    []blelink.UUID{blelink.LinkServiceUUID},
	}
}
