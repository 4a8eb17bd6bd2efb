package domain

import "time"

type EventType string

const (
	EventStageChanged           EventType = "stage-changed"
	EventConnectionStateChanged EventType = "connection-state-changed"
	EventParticipantJoined      EventType = "participant-joined"
	EventParticipantLeft        EventType = "participant-left"
	EventParticipantUpdated     EventType = "participant-updated"
	EventRemoteStream           EventType = "remote-stream"
	EventConnected              EventType = "connected"
	EventPermissionChanged      EventType = "permission-changed"
	EventScreenShareChanged     EventType = "screen-share-changed"
	EventDuration               EventType = "duration"
	EventError                  EventType = "error"
)

// Event is a lifecycle notification for the surrounding application. Only
// the fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID SessionID
	PeerID    PeerID
	At        time.Time

	Stage           CallStage
	ConnectionState ConnectionState
	Participant     *CallParticipant
	Stream          *RemoteStream
	Capability      Capability
	Permission      PermissionState
	Sharing         bool
	Duration        time.Duration
	Err             error
	Message         string
}
