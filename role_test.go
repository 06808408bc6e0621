package blelink_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XC-/blelink"
)

func TestRoleTransitions(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventRoleChanged)
	defer unsub()

	assert.Equal(t, blelink.RoleIdle, m.Role())

	require.NoError(t, m.StartAsCentral(blelink.ScanConfig{}))
	assert.Equal(t, blelink.RoleCentralOnly, m.Role())
	assert.True(t, radio.Scanning())

	// Idle -> Initializing -> CentralOnly, each step published.
	e := nextEvent(t, events).Data.(blelink.RoleChanged)
	assert.Equal(t, blelink.RoleInitializing, e.To)
	e = nextEvent(t, events).Data.(blelink.RoleChanged)
	assert.Equal(t, blelink.RoleCentralOnly, e.To)

	// Dual runs both halves; upgrading keeps the scan alive.
	require.NoError(t, m.StartAsDual(blelink.ScanConfig{}, advCfg))
	assert.Equal(t, blelink.RoleDual, m.Role())
	assert.True(t, radio.Scanning())
	assert.True(t, radio.Advertising())

	require.NoError(t, m.StopAll())
	assert.Equal(t, blelink.RoleIdle, m.Role())
	assert.False(t, radio.Scanning())
	assert.False(t, radio.Advertising())
}

func TestRoleConflicts(t *testing.T) {
	m, _, _ := newEngine(t)

	require.NoError(t, m.StartAsCentral(blelink.ScanConfig{}))
	// Switching to peripheral-only while the scan runs would strand
	// the scan; the transition is refused, state unchanged.
	assert.ErrorIs(t, m.StartAsPeripheral(advCfg), blelink.ErrInvalidState)
	assert.Equal(t, blelink.RoleCentralOnly, m.Role())

	// A failed start rolls the role machine back.
	require.NoError(t, m.StopAll())
	cfg := advCfg
	cfg.LocalName = "a name much too long to share a legacy advertising packet with a 128-bit service uuid"
	assert.ErrorIs(t, m.StartAsPeripheral(cfg), blelink.ErrPayloadTooLarge)
	assert.Equal(t, blelink.RoleIdle, m.Role())
}

func TestRoleFatalGate(t *testing.T) {
	m, radio, _ := newEngine(t)
	events, unsub := m.Events().Subscribe(blelink.EventRoleChanged)
	defer unsub()

	require.NoError(t, m.StartAsCentral(blelink.ScanConfig{}))
	nextEvent(t, events) // Initializing
	nextEvent(t, events) // CentralOnly

	// The radio dying mid-operation forces Error and arms the gate.
	radio.SetState(blelink.StatePoweredOff)
	e := nextEvent(t, events).Data.(blelink.RoleChanged)
	assert.Equal(t, blelink.RoleError, e.To)

	err := m.StartAsCentral(blelink.ScanConfig{})
	assert.ErrorIs(t, err, blelink.ErrHardwareUnavailable)

	// Power restored: the gate clears, and after an explicit reset to
	// Idle the engine starts again.
	radio.SetState(blelink.StatePoweredOn)
	require.NoError(t, m.StopAll())
	require.NoError(t, m.StartAsCentral(blelink.ScanConfig{}))
	assert.Equal(t, blelink.RoleCentralOnly, m.Role())
}

func TestRoleStartWhileRadioOff(t *testing.T) {
	m, radio, _ := newEngine(t)
	radio.SetState(blelink.StatePoweredOff)

	err := m.StartAsCentral(blelink.ScanConfig{})
	assert.ErrorIs(t, err, blelink.ErrHardwareUnavailable)
	assert.Equal(t, blelink.RoleIdle, m.Role())
}

func TestRoleUptime(t *testing.T) {
	m, _, mck := newEngine(t)

	assert.Equal(t, time.Duration(0), m.Uptime())

	require.NoError(t, m.StartAsCentral(blelink.ScanConfig{}))
	mck.Add(5 * time.Second)
	assert.Equal(t, 5*time.Second, m.Uptime())

	require.NoError(t, m.StopAll())
	assert.Equal(t, time.Duration(0), m.Uptime())
}
