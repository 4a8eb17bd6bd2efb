package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

// Presence records which relay instance holds a peer's connection.
type Presence struct {
	SessionID  domain.SessionID `json:"session_id"`
	PeerID     domain.PeerID    `json:"peer_id"`
	InstanceID string           `json:"instance_id"`
}

type PresenceRegistry interface {
	Register(ctx context.Context, p Presence) error
	Unregister(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error
	Lookup(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) (*Presence, error)
	SessionPeers(ctx context.Context, sessionID domain.SessionID) ([]domain.PeerID, error)
	Refresh(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) error
}
