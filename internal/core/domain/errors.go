package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrNotEligible            = errors.New("not eligible to join this session now")
	ErrSessionEnded           = errors.New("session ended")
	ErrTrackNotFound          = errors.New("track not found")
	ErrScreenShareActive      = errors.New("screen share already active")
	ErrInvalidConfiguration   = errors.New("invalid media configuration")
	ErrUnknownMessageType     = errors.New("unknown message type")
	ErrInvalidEnvelope        = errors.New("invalid envelope")
	ErrPeerNotFound           = errors.New("peer not found")

	ErrInvalidConnectionTransition = errors.New("invalid connection transition")
	ErrConnectionFailed            = errors.New("connection failed")
)

type MediaAccessReason string

const (
	MediaAccessDenied   MediaAccessReason = "denied"
	MediaAccessNotFound MediaAccessReason = "not_found"
	MediaAccessHardware MediaAccessReason = "hardware"
	MediaAccessUnknown  MediaAccessReason = "unknown"
)

// MediaAccessError reports a failed capture. Capability is empty when the
// platform did not say which device failed.
type MediaAccessError struct {
	Reason     MediaAccessReason
	Capability Capability
	Err        error
}

func (e *MediaAccessError) Error() string {
	target := string(e.Capability)
	if target == "" {
		target = "media"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s access %s: %v", target, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s access %s", target, e.Reason)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

type SignalingError struct {
	Op     string
	PeerID PeerID
	Err    error
}

func (e *SignalingError) Error() string {
	if e.PeerID != "" {
		return fmt.Sprintf("signaling %s to %s: %v", e.Op, e.PeerID, e.Err)
	}
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

type NegotiationTimeoutError struct {
	PeerID  PeerID
	State   ConnectionState
	Timeout time.Duration
}

func (e *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("negotiation with %s timed out after %s in state %s", e.PeerID, e.Timeout, e.State)
}

type ScreenShareReason string

const (
	ScreenShareDenied      ScreenShareReason = "denied"
	ScreenShareCancelled   ScreenShareReason = "cancelled"
	ScreenShareUnavailable ScreenShareReason = "unavailable"
)

type ScreenShareError struct {
	Reason ScreenShareReason
	Err    error
}

func (e *ScreenShareError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("screen share %s: %v", e.Reason, e.Err)
	}
	return "screen share " + string(e.Reason)
}

func (e *ScreenShareError) Unwrap() error { return e.Err }

// UserMessage maps an error to an actionable message for the user.
func UserMessage(err error) string {
	var (
		mediaErr   *MediaAccessError
		sigErr     *SignalingError
		timeoutErr *NegotiationTimeoutError
		shareErr   *ScreenShareError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &mediaErr):
		device := "camera or microphone"
		if mediaErr.Capability != "" {
			device = string(mediaErr.Capability)
		}
		switch mediaErr.Reason {
		case MediaAccessDenied:
			return fmt.Sprintf("Access to the %s was denied. Allow it in your system settings and try again.", device)
		case MediaAccessNotFound:
			return fmt.Sprintf("No %s was found. Connect a device and try again.", device)
		case MediaAccessHardware:
			return fmt.Sprintf("The %s is in use by another application. Close it and try again.", device)
		default:
			return fmt.Sprintf("The %s could not be started. Try again.", device)
		}
	case errors.Is(err, ErrConnectionFailed):
		return "The connection to a participant was lost. They can rejoin the call."
	case errors.As(err, &timeoutErr):
		return "The connection to a participant timed out. Check your network and rejoin."
	case errors.As(err, &sigErr):
		return "Lost contact with the signaling service. Check your network connection."
	case errors.As(err, &shareErr):
		if shareErr.Reason == ScreenShareUnavailable {
			return "Screen sharing is not available on this device."
		}
		return "Screen sharing was not started."
	case errors.Is(err, ErrNotEligible):
		return "This session is not open for joining right now."
	case errors.Is(err, ErrSessionEnded):
		return "The call has already ended."
	case errors.Is(err, ErrScreenShareActive):
		return "You are already sharing your screen."
	case errors.Is(err, ErrTrackNotFound):
		return "That device is not part of the call."
	case errors.Is(err, ErrInvalidConfiguration):
		return "Enable at least one of camera or microphone."
	default:
		return "Something went wrong. Try again."
	}
}
