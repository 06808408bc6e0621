package blelink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RoleState is the overall engine state. It is owned solely by the
// RoleManager; every switch goes through a validated transition.
type RoleState int

const (
	RoleIdle RoleState = iota
	RoleInitializing
	RoleCentralOnly
	RolePeripheralOnly
	RoleDual
	RoleError
)

func (s RoleState) String() string {
	return [...]string{"Idle", "Initializing", "CentralOnly", "PeripheralOnly", "Dual", "Error"}[s]
}

// active reports whether the state runs at least one radio role.
func (s RoleState) active() bool {
	switch s {
	case RoleCentralOnly, RolePeripheralOnly, RoleDual:
		return true
	}
	return false
}

// Central and Peripheral report which sub-machines the state keeps
// running. Dual runs both concurrently, with no mutual exclusion.
func (s RoleState) Central() bool    { return s == RoleCentralOnly || s == RoleDual }
func (s RoleState) Peripheral() bool { return s == RolePeripheralOnly || s == RoleDual }

// legal transitions. Error is additionally reachable from any
// non-Idle state via SetFault.
var roleTransitions = map[RoleState][]RoleState{
	RoleIdle:           {RoleInitializing},
	RoleInitializing:   {RoleCentralOnly, RolePeripheralOnly, RoleDual, RoleIdle},
	RoleCentralOnly:    {RolePeripheralOnly, RoleDual, RoleIdle},
	RolePeripheralOnly: {RoleCentralOnly, RoleDual, RoleIdle},
	RoleDual:           {RoleCentralOnly, RolePeripheralOnly, RoleIdle},
	RoleError:          {RoleIdle},
}

// A RoleManager owns the engine's role state machine and the
// fatal-fault gate. A HardwareUnavailable or PermissionMissing fault
// blocks all automatic operations until the external condition
// changes (radio powered back on, permission granted).
type RoleManager struct {
	clk      clock.Clock
	bus      *Bus
	feasible func(RoleState) error // extra validation before entering a state

	mu     sync.Mutex
	state  RoleState
	initAt time.Time
	fatal  error
}

func newRoleManager(clk clock.Clock, bus *Bus, feasible func(RoleState) error) *RoleManager {
	return &RoleManager{clk: clk, bus: bus, feasible: feasible}
}

// State returns the current role.
func (r *RoleManager) State() RoleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Uptime returns how long the engine has been out of Idle, measured
// from entry into Initializing. Zero while Idle.
func (r *RoleManager) Uptime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RoleIdle {
		return 0
	}
	return r.clk.Now().Sub(r.initAt)
}

// SwitchTo validates and applies a role transition. On any
// validation failure the state is left untouched and a typed error
// is returned; there are no partial transitions. Switching to the
// current state is a no-op.
func (r *RoleManager) SwitchTo(to RoleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state
	if to == from {
		return nil
	}
	legal := false
	for _, s := range roleTransitions[from] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: cannot switch role %s -> %s", ErrInvalidState, from, to)
	}
	if r.fatal != nil && to != RoleIdle {
		return fmt.Errorf("operations gated by earlier fault: %w", r.fatal)
	}
	if to.active() && r.feasible != nil {
		if err := r.feasible(to); err != nil {
			return err
		}
	}
	if from == RoleIdle && to == RoleInitializing {
		r.initAt = r.clk.Now()
	}
	r.state = to
	r.bus.Publish(EventRoleChanged, RoleChanged{From: from, To: to})
	log.WithFields(map[string]interface{}{"from": from, "to": to}).Info("role changed")
	return nil
}

// SetFault forces the machine into Error from any non-Idle state.
// Hardware and permission faults additionally arm the fatal gate.
func (r *RoleManager) SetFault(err error) {
	r.mu.Lock()
	from := r.state
	if from == RoleIdle || from == RoleError {
		r.recordFatal(err)
		r.mu.Unlock()
		return
	}
	r.recordFatal(err)
	r.state = RoleError
	r.mu.Unlock()

	r.bus.Publish(EventRoleChanged, RoleChanged{From: from, To: RoleError})
	r.bus.Publish(EventFault, Fault{Op: "role", Err: err})
	log.WithError(err).Error("role fault")
}

// recordFatal arms the gate for fatal-until-external-change errors.
// Caller holds r.mu.
func (r *RoleManager) recordFatal(err error) {
	if errors.Is(err, ErrHardwareUnavailable) || errors.Is(err, ErrPermissionMissing) {
		r.fatal = err
	}
}

// Faulted returns the armed fatal error, if any.
func (r *RoleManager) Faulted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// NoteExternalChange clears the fatal gate. Called when the blocking
// external condition changes: the radio powers back on or the
// permission gate passes again.
func (r *RoleManager) NoteExternalChange() {
	r.mu.Lock()
	cleared := r.fatal != nil
	r.fatal = nil
	r.mu.Unlock()
	if cleared {
		log.Info("fatal gate cleared by external change")
	}
}
