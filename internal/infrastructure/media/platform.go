// Package media captures local devices with pion/mediadevices and exposes
// them as tracks that can be sent over a pion peer connection.
package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const defaultMTU = 1200

// Platform implements ports.MediaPlatform on the drivers registered with
// mediadevices. Drivers are registered by importing them, usually in main.
type Platform struct {
	selector *mediadevices.CodecSelector
	mtu      int
	logger   *zap.SugaredLogger

	enumerate       func() []mediadevices.MediaDeviceInfo
	getUserMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	getDisplayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

var _ ports.MediaPlatform = (*Platform)(nil)

func NewPlatform(selector *mediadevices.CodecSelector, logger *zap.SugaredLogger) *Platform {
	return &Platform{
		selector:        selector,
		mtu:             defaultMTU,
		logger:          logger,
		enumerate:       mediadevices.EnumerateDevices,
		getUserMedia:    mediadevices.GetUserMedia,
		getDisplayMedia: mediadevices.GetDisplayMedia,
	}
}

// RegisterCodecs adds the capture codecs to a peer connection media engine.
func (p *Platform) RegisterCodecs(m *webrtc.MediaEngine) error {
	p.selector.Populate(m)
	return nil
}

func (p *Platform) EnumerateDevices(ctx context.Context) ([]domain.MediaDeviceDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := p.enumerate()
	out := make([]domain.MediaDeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		if d, ok := toDescriptor(info); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func toDescriptor(info mediadevices.MediaDeviceInfo) (domain.MediaDeviceDescriptor, bool) {
	if info.DeviceType == driver.Screen {
		return domain.MediaDeviceDescriptor{}, false
	}
	d := domain.MediaDeviceDescriptor{DeviceID: info.DeviceID, Label: info.Label}
	switch info.Kind {
	case mediadevices.VideoInput:
		d.Kind = domain.DeviceKindCamera
	case mediadevices.AudioInput:
		d.Kind = domain.DeviceKindMicrophone
	case mediadevices.AudioOutput:
		d.Kind = domain.DeviceKindSpeaker
	default:
		return domain.MediaDeviceDescriptor{}, false
	}
	return d, true
}

func (p *Platform) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	constraints := streamConstraints(c)
	constraints.Codec = p.selector

	stream, err := p.capture(ctx, p.getUserMedia, constraints)
	if err != nil {
		return nil, classifyCaptureError(err, c)
	}
	return p.wrap(stream, func(kind domain.TrackKind) string {
		if kind == domain.TrackKindVideo && c.Video != nil {
			return deviceOrDefault(c.Video.DeviceID)
		}
		if kind == domain.TrackKindAudio && c.Audio != nil {
			return deviceOrDefault(c.Audio.DeviceID)
		}
		return "default"
	})
}

func (p *Platform) GetDisplayMedia(ctx context.Context) ([]ports.LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameRate = prop.Float(15)
		},
		Codec: p.selector,
	}
	stream, err := p.capture(ctx, p.getDisplayMedia, constraints)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("display capture unavailable: %w", err)
		}
		return nil, err
	}
	return p.wrap(stream, func(domain.TrackKind) string { return "screen" })
}

// capture runs a blocking mediadevices call and gives up when ctx ends. A
// stream that arrives after that is closed.
func (p *Platform) capture(
	ctx context.Context,
	fn func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error),
	constraints mediadevices.MediaStreamConstraints,
) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := fn(constraints)
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				closeStream(r.stream)
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *Platform) wrap(stream mediadevices.MediaStream, deviceID func(domain.TrackKind) string) ([]ports.LocalTrack, error) {
	sources := stream.GetTracks()
	tracks := make([]ports.LocalTrack, 0, len(sources))
	for _, src := range sources {
		kind := toTrackKind(src.Kind())
		t, err := newTrack(src, kind, deviceID(kind), p.mtu, p.logger)
		if err != nil {
			for _, started := range tracks {
				started.Stop()
			}
			closeStream(stream)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func closeStream(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}

func streamConstraints(c domain.MediaConstraints) mediadevices.MediaStreamConstraints {
	var out mediadevices.MediaStreamConstraints
	if v := c.Video; v != nil {
		out.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if v.DeviceID != "" {
				mc.DeviceID = prop.String(v.DeviceID)
			}
			mc.Width = prop.Int(v.Width)
			mc.Height = prop.Int(v.Height)
			mc.FrameRate = prop.Float(v.FrameRate)
		}
	}
	if a := c.Audio; a != nil {
		out.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if a.DeviceID != "" {
				mc.DeviceID = prop.String(a.DeviceID)
			}
			mc.SampleRate = prop.Int(48000)
			mc.ChannelCount = prop.Int(1)
		}
	}
	return out
}

func toTrackKind(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

func deviceOrDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

// classifyCaptureError maps driver failures to access errors. mediadevices
// reports failures as plain errors, so the message is inspected.
func classifyCaptureError(err error, c domain.MediaConstraints) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var capability domain.Capability
	switch {
	case c.Video != nil && c.Audio == nil:
		capability = domain.CapabilityCamera
	case c.Audio != nil && c.Video == nil:
		capability = domain.CapabilityMicrophone
	}

	msg := strings.ToLower(err.Error())
	reason := domain.MediaAccessUnknown
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized"):
		reason = domain.MediaAccessDenied
	case isNotFound(err):
		reason = domain.MediaAccessNotFound
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "failed to open"):
		reason = domain.MediaAccessHardware
	}
	return &domain.MediaAccessError{Reason: reason, Capability: capability, Err: err}
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "failed to find")
}

func randomSSRC() uint32 {
	return rand.Uint32()
}
