package services

import (
	"sort"
	"sync"

	"callmesh/internal/core/domain"
)

type PermissionListener func(capability domain.Capability, state domain.PermissionState)

// PermissionStore holds the observed permission state per capability and
// notifies subscribers on actual changes only.
type PermissionStore struct {
	mu          sync.Mutex
	states      map[domain.Capability]domain.PermissionState
	subscribers map[int]PermissionListener
	nextID      int
}

func NewPermissionStore() *PermissionStore {
	states := make(map[domain.Capability]domain.PermissionState, len(domain.Capabilities))
	for _, c := range domain.Capabilities {
		states[c] = domain.PermissionChecking
	}
	return &PermissionStore{
		states:      states,
		subscribers: make(map[int]PermissionListener),
	}
}

func (p *PermissionStore) Get(capability domain.Capability) domain.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[capability]
}

func (p *PermissionStore) Snapshot() map[domain.Capability]domain.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[domain.Capability]domain.PermissionState, len(p.states))
	for c, s := range p.states {
		out[c] = s
	}
	return out
}

// Set records a new state and reports whether it changed.
func (p *PermissionStore) Set(capability domain.Capability, state domain.PermissionState) bool {
	p.mu.Lock()
	if p.states[capability] == state {
		p.mu.Unlock()
		return false
	}
	p.states[capability] = state

	ids := make([]int, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]PermissionListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, p.subscribers[id])
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(capability, state)
	}
	return true
}

// Subscribe registers fn for future changes. The returned func removes it
// and is safe to call more than once.
func (p *PermissionStore) Subscribe(fn PermissionListener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
		})
	}
}
