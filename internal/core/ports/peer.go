package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

type Sender interface {
	Kind() domain.TrackKind
	Track() LocalTrack
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(track LocalTrack) error
}

type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, sd domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, sd domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	AddTrack(track LocalTrack) (Sender, error)

	// Callbacks are invoked from platform goroutines.
	OnICECandidate(fn func(domain.ICECandidate))
	OnStateChange(fn func(domain.TransportState))
	OnRemoteTrack(fn func(domain.RemoteTrack))

	Stats() domain.LinkStats
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(ctx context.Context, remote domain.PeerID) (PeerConnection, error)
}
