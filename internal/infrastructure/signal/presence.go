package signal

import (
	"context"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

// MemoryPresence is a process-local presence registry with expiry.
type MemoryPresence struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[domain.SessionID]map[domain.PeerID]presenceEntry
}

type presenceEntry struct {
	presence ports.Presence
	expires  time.Time
}

var _ ports.PresenceRegistry = (*MemoryPresence)(nil)

// NewMemoryPresence keeps entries for ttl after the last refresh. A zero
// ttl keeps them until unregistered.
func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	return &MemoryPresence{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[domain.SessionID]map[domain.PeerID]presenceEntry),
	}
}

func (m *MemoryPresence) Register(_ context.Context, p ports.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers, ok := m.entries[p.SessionID]
	if !ok {
		peers = make(map[domain.PeerID]presenceEntry)
		m.entries[p.SessionID] = peers
	}
	peers[p.PeerID] = presenceEntry{presence: p, expires: m.expiry()}
	return nil
}

func (m *MemoryPresence) Unregister(_ context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries[sessionID], peerID)
	if len(m.entries[sessionID]) == 0 {
		delete(m.entries, sessionID)
	}
	return nil
}

func (m *MemoryPresence) Lookup(_ context.Context, sessionID domain.SessionID, peerID domain.PeerID) (*ports.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(sessionID, peerID)
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	p := e.presence
	return &p, nil
}

func (m *MemoryPresence) SessionPeers(_ context.Context, sessionID domain.SessionID) ([]domain.PeerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PeerID
	for id := range m.entries[sessionID] {
		if _, ok := m.live(sessionID, id); ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryPresence) Refresh(_ context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(sessionID, peerID)
	if !ok {
		return domain.ErrPeerNotFound
	}
	e.expires = m.expiry()
	m.entries[sessionID][peerID] = e
	return nil
}

func (m *MemoryPresence) live(sessionID domain.SessionID, peerID domain.PeerID) (presenceEntry, bool) {
	e, ok := m.entries[sessionID][peerID]
	if !ok {
		return presenceEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		return presenceEntry{}, false
	}
	return e, true
}

func (m *MemoryPresence) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(m.ttl)
}
