package distributed

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/cache"
)

// CachedPresence keeps recent lookups in memory so a burst of candidates
// to one remote peer costs a single registry round trip. Entries may be
// stale for up to ttl after a peer moves to another instance.
type CachedPresence struct {
	ports.PresenceRegistry
	lookups *cache.Cache[ports.Presence]
}

func NewCachedPresence(registry ports.PresenceRegistry, ttl time.Duration) *CachedPresence {
	return &CachedPresence{
		PresenceRegistry: registry,
		lookups:          cache.New[ports.Presence](ttl),
	}
}

func (c *CachedPresence) Register(ctx context.Context, p ports.Presence) error {
	c.lookups.Delete(presenceKey(p.SessionID, p.PeerID))
	return c.PresenceRegistry.Register(ctx, p)
}

func (c *CachedPresence) Unregister(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error {
	c.lookups.Delete(presenceKey(sessionID, peerID))
	return c.PresenceRegistry.Unregister(ctx, sessionID, peerID)
}

// Lookup only caches hits, so a peer that just joined elsewhere is found
// immediately.
func (c *CachedPresence) Lookup(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) (*ports.Presence, error) {
	p, err := c.lookups.GetOrSet(ctx, presenceKey(sessionID, peerID), func(ctx context.Context) (ports.Presence, error) {
		found, err := c.PresenceRegistry.Lookup(ctx, sessionID, peerID)
		if err != nil {
			return ports.Presence{}, err
		}
		return *found, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *CachedPresence) Close() {
	c.lookups.Stop()
}

func presenceKey(sessionID domain.SessionID, peerID domain.PeerID) string {
	return string(sessionID) + "/" + string(peerID)
}
