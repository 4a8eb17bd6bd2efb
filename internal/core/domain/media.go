package domain

import (
	"fmt"
	"strings"
)

type DeviceKind string

const (
	DeviceKindCamera     DeviceKind = "camera"
	DeviceKindMicrophone DeviceKind = "microphone"
	DeviceKindSpeaker    DeviceKind = "speaker"
)

// MediaDeviceDescriptor is a snapshot of one device as reported by the
// platform. Re-enumeration replaces it; it is never mutated.
type MediaDeviceDescriptor struct {
	DeviceID string     `json:"deviceId"`
	Label    string     `json:"label"`
	Kind     DeviceKind `json:"kind"`
}

type DeviceList struct {
	Cameras     []MediaDeviceDescriptor `json:"cameras"`
	Microphones []MediaDeviceDescriptor `json:"microphones"`
	Speakers    []MediaDeviceDescriptor `json:"speakers"`
}

// Capability is a permission-guarded class of device.
type Capability string

const (
	CapabilityCamera     Capability = "camera"
	CapabilityMicrophone Capability = "microphone"
)

var Capabilities = []Capability{CapabilityCamera, CapabilityMicrophone}

type PermissionState string

const (
	PermissionGranted  PermissionState = "granted"
	PermissionDenied   PermissionState = "denied"
	PermissionPrompt   PermissionState = "prompt"
	PermissionChecking PermissionState = "checking"
)

type QualityTier string

const (
	QualityLow    QualityTier = "low"
	QualityMedium QualityTier = "medium"
	QualityHigh   QualityTier = "high"
)

// QualityProfile is the fixed capture triple a tier maps to.
type QualityProfile struct {
	Width     int
	Height    int
	FrameRate float64
}

var qualityProfiles = map[QualityTier]QualityProfile{
	QualityLow:    {Width: 320, Height: 240, FrameRate: 15},
	QualityMedium: {Width: 640, Height: 480, FrameRate: 30},
	QualityHigh:   {Width: 1280, Height: 720, FrameRate: 30},
}

func ParseQualityTier(s string) (QualityTier, error) {
	q := QualityTier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := qualityProfiles[q]; !ok {
		return "", fmt.Errorf("%w: unknown quality tier %q", ErrInvalidConfiguration, s)
	}
	return q, nil
}

func (q QualityTier) Profile() QualityProfile {
	if p, ok := qualityProfiles[q]; ok {
		return p
	}
	return qualityProfiles[QualityMedium]
}

// LocalMediaConfiguration describes one acquisition attempt. A changed
// configuration means a fresh acquisition.
type LocalMediaConfiguration struct {
	CameraDeviceID     string      `json:"cameraDeviceId,omitempty" yaml:"camera_device_id"`
	MicrophoneDeviceID string      `json:"microphoneDeviceId,omitempty" yaml:"microphone_device_id"`
	Quality            QualityTier `json:"quality" yaml:"quality"`
	VideoEnabled       bool        `json:"videoEnabled" yaml:"video_enabled"`
	AudioEnabled       bool        `json:"audioEnabled" yaml:"audio_enabled"`
}

func (c LocalMediaConfiguration) Validate() error {
	if !c.VideoEnabled && !c.AudioEnabled {
		return fmt.Errorf("%w: at least one of video or audio must be enabled", ErrInvalidConfiguration)
	}
	if c.Quality != "" {
		if _, ok := qualityProfiles[c.Quality]; !ok {
			return fmt.Errorf("%w: unknown quality tier %q", ErrInvalidConfiguration, c.Quality)
		}
	}
	return nil
}

// Capabilities lists the capabilities this configuration will request.
func (c LocalMediaConfiguration) Capabilities() []Capability {
	var caps []Capability
	if c.VideoEnabled {
		caps = append(caps, CapabilityCamera)
	}
	if c.AudioEnabled {
		caps = append(caps, CapabilityMicrophone)
	}
	return caps
}

// Constraints converts the configuration into platform capture constraints.
func (c LocalMediaConfiguration) Constraints() MediaConstraints {
	var mc MediaConstraints
	if c.VideoEnabled {
		p := c.Quality.Profile()
		mc.Video = &VideoConstraints{
			DeviceID:  c.CameraDeviceID,
			Width:     p.Width,
			Height:    p.Height,
			FrameRate: p.FrameRate,
		}
	}
	if c.AudioEnabled {
		mc.Audio = &AudioConstraints{DeviceID: c.MicrophoneDeviceID}
	}
	return mc
}

// WithoutAudio returns a copy with the microphone disabled.
func (c LocalMediaConfiguration) WithoutAudio() LocalMediaConfiguration {
	c.AudioEnabled = false
	c.MicrophoneDeviceID = ""
	return c
}

// MediaConstraints is the platform-neutral capture request. A nil section
// means that kind is not requested.
type MediaConstraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

type VideoConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

type AudioConstraints struct {
	DeviceID string
}
