package domain

import "time"

// CallStage only moves forward: waiting, setup, calling, ended.
type CallStage string

const (
	StageWaiting CallStage = "waiting"
	StageSetup   CallStage = "setup"
	StageCalling CallStage = "calling"
	StageEnded   CallStage = "ended"
)

// SessionInfo is the session metadata supplied by the surrounding application.
type SessionInfo struct {
	SessionID    SessionID                  `json:"sessionId"`
	ScheduledAt  time.Time                  `json:"scheduledAt"`
	Duration     time.Duration              `json:"duration"`
	LocalPeer    ParticipantInfo            `json:"localPeer"`
	Participants map[PeerID]ParticipantInfo `json:"participants"`
}

// JoinWindow returns the interval in which non-initiators may join.
func (s SessionInfo) JoinWindow(margin time.Duration) (time.Time, time.Time) {
	return s.ScheduledAt.Add(-margin), s.ScheduledAt.Add(s.Duration + margin)
}

// Participant looks up a known participant, including the local one.
func (s SessionInfo) Participant(id PeerID) (ParticipantInfo, bool) {
	if id == s.LocalPeer.ID {
		return s.LocalPeer, true
	}
	p, ok := s.Participants[id]
	return p, ok
}
