// Package registry keeps the in-memory index between local and hardware
// identifiers. The coordinator persists entries; the registry only answers
// lookups.
package registry

import (
	"sync"

	"github.com/ruuvi/stationd/internal/model"
)

// Entry is one local → hardware identifier mapping.
type Entry struct {
	Local model.LocalID
	MAC   model.MAC
}

// Registry resolves frames to sensors.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	byLocal map[model.LocalID]model.MAC
	byMAC   map[string]model.LocalID // keyed by MAC.Key()
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byLocal: make(map[model.LocalID]model.MAC),
		byMAC:   make(map[string]model.LocalID),
	}
}

// Load replaces the registry contents.
func (r *Registry) Load(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byLocal = make(map[model.LocalID]model.MAC, len(entries))
	r.byMAC = make(map[string]model.LocalID, len(entries))
	for _, e := range entries {
		r.registerLocked(e.Local, e.MAC)
	}
}

// Register records that local is the sensor with hardware identifier mac.
// Returns true when the mapping is new or changed.
func (r *Registry) Register(local model.LocalID, mac model.MAC) bool {
	if local == "" || mac.IsZero() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byLocal[local]; ok && old.Equal(mac) {
		return false
	}
	r.registerLocked(local, mac)
	return true
}

func (r *Registry) registerLocked(local model.LocalID, mac model.MAC) {
	mac = mac.Canonical()
	if old, ok := r.byLocal[local]; ok {
		delete(r.byMAC, old.Key())
	}
	// A re-paired sensor gets a new local id; forget the stale one.
	if oldLocal, ok := r.byMAC[mac.Key()]; ok && oldLocal != local {
		delete(r.byLocal, oldLocal)
	}
	r.byLocal[local] = mac
	r.byMAC[mac.Key()] = local
}

// MAC returns the hardware identifier known for local.
func (r *Registry) MAC(local model.LocalID) (model.MAC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mac, ok := r.byLocal[local]
	return mac, ok
}

// Local returns the local identifier known for mac.
func (r *Registry) Local(mac model.MAC) (model.LocalID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, ok := r.byMAC[mac.Key()]
	return local, ok
}

// Resolve returns the full identity of a frame seen from local, optionally
// carrying mac. A MAC already learned for local fills in a missing one, and
// a registered MAC replaces an equal but shorter form such as "ddeeff", so
// the frame is stored under the registered key.
func (r *Registry) Resolve(local model.LocalID, mac model.MAC) (model.LocalID, model.MAC) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mac.IsZero() {
		if known, ok := r.byLocal[local]; ok {
			return local, known
		}
		return local, ""
	}
	mac = mac.Canonical()
	knownLocal, ok := r.byMAC[mac.Key()]
	if !ok {
		return local, mac
	}
	if local == "" {
		local = knownLocal
	}
	if registered := r.byLocal[knownLocal]; len(registered.Normalize()) >= len(mac.Normalize()) {
		mac = registered
	}
	return local, mac
}

// Entries returns a snapshot of all mappings.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.byLocal))
	for local, mac := range r.byLocal {
		out = append(out, Entry{Local: local, MAC: mac})
	}
	return out
}

// Len returns the number of mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byLocal)
}
