package blesim

import (
	"sync"

	"github.com/XC-/blelink"
)

// Gate is a scriptable blelink.PermissionGate. The zero value grants
// everything.
type Gate struct {
	mu      sync.Mutex
	missing []blelink.Capability
}

// Deny marks the given capabilities as not granted.
func (g *Gate) Deny(caps ...blelink.Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.missing = append(g.missing, caps...)
}

// Grant clears all denials.
func (g *Gate) Grant() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.missing = nil
}

// HasRequiredPermissions implements blelink.PermissionGate.
func (g *Gate) HasRequiredPermissions() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.missing) == 0
}

// MissingPermissions implements blelink.PermissionGate.
func (g *Gate) MissingPermissions() []blelink.Capability {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]blelink.Capability(nil), g.missing...)
}
