package blelink

import (
	"errors"

	"github.com/XC-/blelink/wire"
)

// Errors reported by the engine. Start and connect operations return
// these at the call boundary; asynchronous failures additionally
// arrive as Fault or ConnectionChanged events.
var (
	// ErrHardwareUnavailable means the radio is absent or powered
	// off. The engine stops attempting automatic operations until a
	// radio state change says otherwise.
	ErrHardwareUnavailable = errors.New("blelink: hardware unavailable")

	// ErrPermissionMissing means the PermissionGate vetoed the
	// operation. Like ErrHardwareUnavailable, it gates further
	// automatic operations until the gate passes again.
	ErrPermissionMissing = errors.New("blelink: permission missing")

	// ErrConnectionTimeout means a connect attempt did not complete
	// within its deadline. The attempt was cancelled; retrying is
	// the caller's decision.
	ErrConnectionTimeout = errors.New("blelink: connection timeout")

	// ErrConnectionFailed means the radio reported a link failure.
	ErrConnectionFailed = errors.New("blelink: connection failed")

	// ErrInvalidState means the operation is not legal in the
	// current state. The operation had no side effect.
	ErrInvalidState = errors.New("blelink: invalid state")

	// ErrDeviceNotFound means the address is in neither the
	// discovered-device table nor the connected set.
	ErrDeviceNotFound = errors.New("blelink: device not found")

	// ErrAlreadyRunning is returned by start operations while the
	// relevant component is already running.
	ErrAlreadyRunning = errors.New("blelink: already running")

	// ErrNotRunning is returned by operations that need a running
	// component.
	ErrNotRunning = errors.New("blelink: not running")
)

// Re-exported codec errors, so callers can check every engine error
// against this package alone.
var (
	ErrPayloadTooLarge = wire.ErrPayloadTooLarge
	ErrMalformedPacket = wire.ErrMalformedPacket
)
