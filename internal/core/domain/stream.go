package domain

import "sync"

type SessionID string
type PeerID string
type TrackID string

// TrackKind is the media kind carried by a track.
type TrackKind string

const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

func (k TrackKind) Valid() bool {
	return k == TrackKindVideo || k == TrackKindAudio
}

// Capability returns the permission capability guarding tracks of this kind.
func (k TrackKind) Capability() Capability {
	if k == TrackKindAudio {
		return CapabilityMicrophone
	}
	return CapabilityCamera
}

// RemoteTrack is a track received from a remote peer. The handle is owned by
// the peer link that received it; holders only read it.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	StreamID() string
}

// RemoteStream groups the tracks received from one remote peer.
type RemoteStream struct {
	PeerID PeerID

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func NewRemoteStream(peerID PeerID) *RemoteStream {
	return &RemoteStream{PeerID: peerID}
}

// AddTrack registers a track, replacing any earlier track with the same id.
func (s *RemoteStream) AddTrack(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.tracks {
		if existing.ID() == t.ID() {
			s.tracks[i] = t
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first track of the given kind.
func (s *RemoteStream) Track(kind TrackKind) (RemoteTrack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *RemoteStream) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks) == 0
}
