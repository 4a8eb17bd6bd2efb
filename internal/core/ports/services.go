package ports

import (
	"context"
	"time"

	"callmesh/internal/core/domain"
)

// CallService is the surface the application drives a call through.
type CallService interface {
	StartSetup(actorID domain.PeerID, now time.Time) error
	EnumerateDevices(ctx context.Context) domain.DeviceList
	CheckPermissions(ctx context.Context) map[domain.Capability]domain.PermissionState
	Preview(ctx context.Context, cfg domain.LocalMediaConfiguration) error
	StartCall(ctx context.Context, cfg domain.LocalMediaConfiguration) error
	JoinCall(ctx context.Context, cfg domain.LocalMediaConfiguration) error
	ToggleVideo(ctx context.Context) error
	ToggleAudio(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) error
	EndCall(ctx context.Context) error

	Stage() domain.CallStage
	Participants() []domain.CallParticipant
	Duration() time.Duration
}

type CallMetrics interface {
	RecordStage(stage domain.CallStage)
	RecordLinkState(state domain.ConnectionState)
	RecordNegotiation(duration time.Duration)
	RecordNegotiationTimeout()
	RecordSignalingFailure(msgType domain.MessageType)
	RecordMediaAccessFailure(reason domain.MediaAccessReason)
	RecordLinkStats(stats domain.LinkStats)
}

type RelayMetrics interface {
	RecordConnectionOpened(sessionID domain.SessionID)
	RecordConnectionClosed(sessionID domain.SessionID)
	RecordMessageRouted(msgType domain.MessageType, route string)
	RecordMessageRejected(reason string)
	SetActiveRooms(n int)
}
