package manifest

import "sync"

// UpdateKind distinguishes a full Manifest.Replace from a partial
// Manifest.Update for the manifestUpdate event payload.
type UpdateKind int

const (
	UpdateFull UpdateKind = iota
	UpdatePartial
)

// ManifestUpdateEvent is delivered after a Replace or Update completes
// (§4.A: "subscribers are notified after all mutation completes").
type ManifestUpdateEvent struct {
	Kind           UpdateKind
	AddedPeriods   []*Period
	RemovedPeriods []string
}

// DecipherabilityChange records one Representation's decipherability
// transition.
type DecipherabilityChange struct {
	Representation *Representation
	Decipherable   Tri
}

// manifestListeners is the engine's explicit-subscription-list
// replacement for a generic event emitter, per §9's design note:
// each subscriber list is plain, no cancellation-token plumbing is
// needed here because a Manifest's listeners live exactly as long as
// the Manifest itself.
type manifestListeners struct {
	mu sync.Mutex

	onManifestUpdate       []func(ManifestUpdateEvent)
	onDecipherabilityUpdate []func([]DecipherabilityChange)
	onSupportUpdate         []func()
	onRepresentationAvoidance []func([]*Representation)
}

func (m *Manifest) OnManifestUpdate(cb func(ManifestUpdateEvent)) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.onManifestUpdate = append(m.listeners.onManifestUpdate, cb)
}

func (m *Manifest) OnDecipherabilityUpdate(cb func([]DecipherabilityChange)) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.onDecipherabilityUpdate = append(m.listeners.onDecipherabilityUpdate, cb)
}

func (m *Manifest) OnSupportUpdate(cb func()) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.onSupportUpdate = append(m.listeners.onSupportUpdate, cb)
}

func (m *Manifest) OnRepresentationAvoidanceUpdate(cb func([]*Representation)) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.onRepresentationAvoidance = append(m.listeners.onRepresentationAvoidance, cb)
}

func (m *Manifest) emitManifestUpdate(ev ManifestUpdateEvent) {
	m.listeners.mu.Lock()
	cbs := append([]func(ManifestUpdateEvent){}, m.listeners.onManifestUpdate...)
	m.listeners.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (m *Manifest) emitDecipherabilityUpdate(changes []DecipherabilityChange) {
	if len(changes) == 0 {
		return
	}
	m.listeners.mu.Lock()
	cbs := append([]func([]DecipherabilityChange){}, m.listeners.onDecipherabilityUpdate...)
	m.listeners.mu.Unlock()
	for _, cb := range cbs {
		cb(changes)
	}
}

func (m *Manifest) emitSupportUpdate() {
	m.listeners.mu.Lock()
	cbs := append([]func(){}, m.listeners.onSupportUpdate...)
	m.listeners.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (m *Manifest) emitRepresentationAvoidance(reps []*Representation) {
	if len(reps) == 0 {
		return
	}
	m.listeners.mu.Lock()
	cbs := append([]func([]*Representation){}, m.listeners.onRepresentationAvoidance...)
	m.listeners.mu.Unlock()
	for _, cb := range cbs {
		cb(reps)
	}
}
