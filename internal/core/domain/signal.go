package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessagePeerJoined   MessageType = "peer-joined"
	MessagePeerLeft     MessageType = "peer-left"
	MessageTrackToggled MessageType = "track-toggled"
)

var MessageTypes = []MessageType{
	MessageOffer,
	MessageAnswer,
	MessageICECandidate,
	MessagePeerJoined,
	MessagePeerLeft,
	MessageTrackToggled,
}

func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is the signaling wire message. An empty To means the message is
// broadcast to the whole session.
type Envelope struct {
	SessionID SessionID       `json:"sessionId"`
	Type      MessageType     `json:"type"`
	From      PeerID          `json:"from"`
	To        PeerID          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(sessionID SessionID, msgType MessageType, from, to PeerID, payload interface{}) (Envelope, error) {
	env := Envelope{
		SessionID: sessionID,
		Type:      msgType,
		From:      from,
		To:        to,
	}
	if payload == nil {
		env.Payload = json.RawMessage("{}")
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, e.Type, err)
	}
	return nil
}

// Validate checks the structural rules shared by every transport. SDP
// content is validated by the relay.
func (e Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidEnvelope)
	}
	if e.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, e.Type)
	}

	switch e.Type {
	case MessageOffer, MessageAnswer:
		var sd SessionDescription
		if err := e.DecodePayload(&sd); err != nil {
			return err
		}
		if string(sd.Type) != string(e.Type) {
			return fmt.Errorf("%w: description type %q in %s", ErrInvalidEnvelope, sd.Type, e.Type)
		}
		if strings.TrimSpace(sd.SDP) == "" {
			return fmt.Errorf("%w: empty sdp", ErrInvalidEnvelope)
		}
	case MessageICECandidate:
		var c ICECandidate
		if err := e.DecodePayload(&c); err != nil {
			return err
		}
		if strings.TrimSpace(c.Candidate) == "" {
			return fmt.Errorf("%w: empty candidate", ErrInvalidEnvelope)
		}
	case MessageTrackToggled:
		var t TrackToggledPayload
		if err := e.DecodePayload(&t); err != nil {
			return err
		}
		if !t.Kind.Valid() {
			return fmt.Errorf("%w: track kind %q", ErrInvalidEnvelope, t.Kind)
		}
	}
	return nil
}

type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type TrackToggledPayload struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

type PresencePayload struct {
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role,omitempty"`
}
