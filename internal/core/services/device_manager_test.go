package services

import (
	"context"
	"errors"
	"testing"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDeviceManager_EnumerateDevices(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name        string
		devices     []domain.MediaDeviceDescriptor
		err         error
		cameras     int
		microphones int
		speakers    int
	}{
		{
			name: "groups by kind",
			devices: []domain.MediaDeviceDescriptor{
				{DeviceID: "cam-1", Kind: domain.DeviceKindCamera, Label: "Front"},
				{DeviceID: "cam-2", Kind: domain.DeviceKindCamera, Label: "Back"},
				{DeviceID: "mic-1", Kind: domain.DeviceKindMicrophone},
				{DeviceID: "spk-1", Kind: domain.DeviceKindSpeaker},
			},
			cameras:     2,
			microphones: 1,
			speakers:    1,
		},
		{
			name: "platform error yields empty lists",
			err:  errors.New("enumeration unsupported"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewDeviceManager(&fakePlatform{devices: tt.devices, enumerateErr: tt.err}, nil, logger)

			list := m.EnumerateDevices(context.Background())
			require.NotNil(t, list.Cameras)
			require.NotNil(t, list.Microphones)
			require.NotNil(t, list.Speakers)
			assert.Len(t, list.Cameras, tt.cameras)
			assert.Len(t, list.Microphones, tt.microphones)
			assert.Len(t, list.Speakers, tt.speakers)
		})
	}
}

func TestDeviceManager_CheckPermissions(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("without a querier everything is prompt", func(t *testing.T) {
		m := NewDeviceManager(&fakePlatform{}, nil, logger)
		states := m.CheckPermissions(context.Background())
		assert.Equal(t, domain.PermissionPrompt, states[domain.CapabilityCamera])
		assert.Equal(t, domain.PermissionPrompt, states[domain.CapabilityMicrophone])
	})

	t.Run("querier results and later changes", func(t *testing.T) {
		qp := &queryingPlatform{states: map[domain.Capability]domain.PermissionState{
			domain.CapabilityCamera: domain.PermissionGranted,
		}}
		m := NewDeviceManager(qp, nil, logger)
		defer m.Close()

		states := m.CheckPermissions(context.Background())
		assert.Equal(t, domain.PermissionGranted, states[domain.CapabilityCamera])
		assert.Equal(t, domain.PermissionPrompt, states[domain.CapabilityMicrophone], "failed queries fall back to prompt")

		qp.change(domain.CapabilityMicrophone, domain.PermissionDenied)
		assert.Equal(t, domain.PermissionDenied, m.Permissions().Get(domain.CapabilityMicrophone))
	})

	t.Run("close releases the platform subscription", func(t *testing.T) {
		qp := &queryingPlatform{states: map[domain.Capability]domain.PermissionState{
			domain.CapabilityCamera: domain.PermissionGranted,
		}}
		m := NewDeviceManager(qp, nil, logger)
		m.CheckPermissions(context.Background())

		m.Close()
		m.Close()
		qp.mu.Lock()
		assert.Nil(t, qp.watcher)
		qp.mu.Unlock()

		qp.change(domain.CapabilityCamera, domain.PermissionDenied)
		assert.Equal(t, domain.PermissionGranted, m.Permissions().Get(domain.CapabilityCamera))
	})
}

func TestDeviceManager_AcquireStream(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name  string
		cfg   domain.LocalMediaConfiguration
		kinds []domain.TrackKind
	}{
		{
			name:  "video and audio",
			cfg:   domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true},
			kinds: []domain.TrackKind{domain.TrackKindVideo, domain.TrackKindAudio},
		},
		{
			name:  "audio only",
			cfg:   domain.LocalMediaConfiguration{AudioEnabled: true},
			kinds: []domain.TrackKind{domain.TrackKindAudio},
		},
		{
			name:  "video only",
			cfg:   domain.LocalMediaConfiguration{VideoEnabled: true, Quality: domain.QualityHigh},
			kinds: []domain.TrackKind{domain.TrackKindVideo},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewDeviceManager(&fakePlatform{}, nil, logger)

			stream, err := m.AcquireStream(context.Background(), tt.cfg)
			require.NoError(t, err)

			var kinds []domain.TrackKind
			for _, track := range stream.Tracks() {
				kinds = append(kinds, track.Kind())
			}
			assert.Equal(t, tt.kinds, kinds)
			for _, c := range tt.cfg.Capabilities() {
				assert.Equal(t, domain.PermissionGranted, m.Permissions().Get(c))
			}
		})
	}
}

func TestDeviceManager_AcquireStreamRejectsEmptyConfig(t *testing.T) {
	platform := &fakePlatform{}
	m := NewDeviceManager(platform, nil, zaptest.NewLogger(t).Sugar())

	_, err := m.AcquireStream(context.Background(), domain.LocalMediaConfiguration{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
	assert.Zero(t, platform.calls)
}

func TestDeviceManager_AcquireStreamFailures(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name       string
		cfg        domain.LocalMediaConfiguration
		err        error
		reason     domain.MediaAccessReason
		capability domain.Capability
		denied     []domain.Capability
	}{
		{
			name:       "scoped denial",
			cfg:        domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true},
			err:        &domain.MediaAccessError{Reason: domain.MediaAccessDenied, Capability: domain.CapabilityMicrophone},
			reason:     domain.MediaAccessDenied,
			capability: domain.CapabilityMicrophone,
			denied:     []domain.Capability{domain.CapabilityMicrophone},
		},
		{
			name:   "unscoped denial covers every request",
			cfg:    domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true},
			err:    &domain.MediaAccessError{Reason: domain.MediaAccessDenied},
			reason: domain.MediaAccessDenied,
			denied: []domain.Capability{domain.CapabilityCamera, domain.CapabilityMicrophone},
		},
		{
			name:       "single request scopes the error",
			cfg:        domain.LocalMediaConfiguration{VideoEnabled: true},
			err:        &domain.MediaAccessError{Reason: domain.MediaAccessHardware},
			reason:     domain.MediaAccessHardware,
			capability: domain.CapabilityCamera,
		},
		{
			name:   "unknown platform error",
			cfg:    domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true},
			err:    errors.New("driver crashed"),
			reason: domain.MediaAccessUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := newFakeMetrics()
			platform := &fakePlatform{userMediaErr: func(domain.MediaConstraints) error { return tt.err }}
			m := NewDeviceManager(platform, metrics, logger)

			_, err := m.AcquireStream(context.Background(), tt.cfg)

			var accessErr *domain.MediaAccessError
			require.True(t, errors.As(err, &accessErr))
			assert.Equal(t, tt.reason, accessErr.Reason)
			assert.Equal(t, tt.capability, accessErr.Capability)
			assert.Equal(t, 1, metrics.accessFails[tt.reason])
			for _, c := range tt.denied {
				assert.Equal(t, domain.PermissionDenied, m.Permissions().Get(c))
			}
		})
	}
}

// extraTrackPlatform returns more tracks than requested.
type extraTrackPlatform struct {
	fakePlatform
	extra *fakeTrack
}

func (p *extraTrackPlatform) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	tracks, err := p.fakePlatform.GetUserMedia(ctx, c)
	if err != nil {
		return nil, err
	}
	return append(tracks, p.extra), nil
}

func TestDeviceManager_DropsUnrequestedTracks(t *testing.T) {
	platform := &extraTrackPlatform{extra: newFakeTrack(domain.TrackKindAudio, "mic-extra")}
	m := NewDeviceManager(platform, nil, zaptest.NewLogger(t).Sugar())

	stream, err := m.AcquireStream(context.Background(), domain.LocalMediaConfiguration{VideoEnabled: true})
	require.NoError(t, err)

	assert.Len(t, stream.Tracks(), 1)
	assert.Nil(t, stream.Track(domain.TrackKindAudio))
	assert.True(t, platform.extra.Stopped())
}

func TestDeviceManager_SwitchDevice(t *testing.T) {
	platform := &fakePlatform{}
	m := NewDeviceManager(platform, nil, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	stream, err := m.AcquireStream(ctx, domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true})
	require.NoError(t, err)
	oldVideo := stream.Track(domain.TrackKindVideo)
	audio := stream.Track(domain.TrackKindAudio)
	oldVideo.SetEnabled(false)

	t2, err := m.SwitchDevice(ctx, stream, domain.TrackKindVideo, "cam-2", domain.QualityLow)
	require.NoError(t, err)

	assert.Equal(t, "cam-2", t2.DeviceID())
	assert.Same(t, t2, stream.Track(domain.TrackKindVideo))
	assert.Same(t, audio, stream.Track(domain.TrackKindAudio), "the other kind is untouched")
	assert.False(t, t2.Enabled(), "the enabled flag carries over")
	assert.True(t, oldVideo.(*fakeTrack).Stopped())
	assert.False(t, audio.(*fakeTrack).Stopped())

	m.ReleaseStream(stream)
	_, err = m.SwitchDevice(ctx, stream, domain.TrackKindVideo, "cam-3", domain.QualityLow)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
}

func TestDeviceManager_AcquireTrackRejectsUnknownKind(t *testing.T) {
	m := NewDeviceManager(&fakePlatform{}, nil, zaptest.NewLogger(t).Sugar())

	_, err := m.AcquireTrack(context.Background(), domain.TrackKind("data"), "x", domain.QualityLow)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestDeviceManager_AcquireDisplay(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name   string
		err    error
		reason domain.ScreenShareReason
	}{
		{name: "denied", err: &domain.MediaAccessError{Reason: domain.MediaAccessDenied}, reason: domain.ScreenShareDenied},
		{name: "cancelled", err: context.Canceled, reason: domain.ScreenShareCancelled},
		{name: "unsupported", err: errors.New("no display capture"), reason: domain.ScreenShareUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewDeviceManager(&fakePlatform{displayErr: tt.err}, nil, logger)

			_, err := m.AcquireDisplay(context.Background())
			var shareErr *domain.ScreenShareError
			require.True(t, errors.As(err, &shareErr))
			assert.Equal(t, tt.reason, shareErr.Reason)
		})
	}

	t.Run("success", func(t *testing.T) {
		platform := &fakePlatform{}
		m := NewDeviceManager(platform, nil, logger)

		screen, err := m.AcquireDisplay(context.Background())
		require.NoError(t, err)
		assert.Same(t, platform.lastDisplay(), screen.Track(domain.TrackKindVideo))
	})
}

func TestDeviceManager_ReleaseStreamIsIdempotent(t *testing.T) {
	platform := &fakePlatform{}
	m := NewDeviceManager(platform, nil, zaptest.NewLogger(t).Sugar())

	stream, err := m.AcquireStream(context.Background(), domain.LocalMediaConfiguration{VideoEnabled: true, AudioEnabled: true})
	require.NoError(t, err)

	m.ReleaseStream(stream)
	m.ReleaseStream(stream)
	m.ReleaseStream(nil)

	assert.True(t, stream.Released())
	for _, track := range platform.tracks() {
		assert.Equal(t, 1, track.stopCount())
	}
}
