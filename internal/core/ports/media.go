package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

// LocalTrack is a captured local media track. Stop must be idempotent.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	DeviceID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	// OnEnded registers a callback for the platform ending the track, for
	// example when the user stops a screen capture from the system UI.
	OnEnded(fn func())
}

type MediaPlatform interface {
	EnumerateDevices(ctx context.Context) ([]domain.MediaDeviceDescriptor, error)
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) ([]LocalTrack, error)
	GetDisplayMedia(ctx context.Context) ([]LocalTrack, error)
}

// PermissionQuerier is implemented by platforms that can report permission
// state without capturing.
type PermissionQuerier interface {
	QueryPermission(ctx context.Context, capability domain.Capability) (domain.PermissionState, error)
	WatchPermissions(fn func(domain.Capability, domain.PermissionState)) (unsubscribe func())
}
