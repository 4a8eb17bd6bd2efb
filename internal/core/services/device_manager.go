package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/utils"

	"go.uber.org/zap"
)

// MediaStream is a set of local tracks acquired together. It holds at most
// one track per kind.
type MediaStream struct {
	id     string
	config domain.LocalMediaConfiguration

	mu       sync.RWMutex
	tracks   map[domain.TrackKind]ports.LocalTrack
	released bool
}

func newMediaStream(cfg domain.LocalMediaConfiguration, tracks []ports.LocalTrack) *MediaStream {
	s := &MediaStream{
		id:     utils.GenerateID("stream"),
		config: cfg,
		tracks: make(map[domain.TrackKind]ports.LocalTrack, 2),
	}
	for _, t := range tracks {
		s.tracks[t.Kind()] = t
	}
	return s
}

func (s *MediaStream) ID() string { return s.id }

func (s *MediaStream) Config() domain.LocalMediaConfiguration { return s.config }

// Track returns the track of the given kind, or nil.
func (s *MediaStream) Track(kind domain.TrackKind) ports.LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks[kind]
}

// Tracks returns the tracks in a stable order: video first.
func (s *MediaStream) Tracks() []ports.LocalTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, kind := range []domain.TrackKind{domain.TrackKindVideo, domain.TrackKindAudio} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *MediaStream) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// replace installs t as the track of its kind and returns the previous one.
func (s *MediaStream) replace(t ports.LocalTrack) ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.tracks[t.Kind()]
	s.tracks[t.Kind()] = t
	return old
}

// stop stops every track once and reports whether this call released it.
func (s *MediaStream) stop() bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.released = true
	tracks := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	return true
}

// DeviceManager enumerates devices, tracks permission state and acquires
// local media through the platform.
type DeviceManager struct {
	platform    ports.MediaPlatform
	permissions *PermissionStore
	metrics     ports.CallMetrics
	logger      *zap.SugaredLogger

	watchOnce sync.Once
	mu        sync.Mutex
	unwatch   func()
}

func NewDeviceManager(platform ports.MediaPlatform, metrics ports.CallMetrics, logger *zap.SugaredLogger) *DeviceManager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &DeviceManager{
		platform:    platform,
		permissions: NewPermissionStore(),
		metrics:     metrics,
		logger:      logger,
	}
}

func (m *DeviceManager) Permissions() *PermissionStore {
	return m.permissions
}

// EnumerateDevices never fails: platform errors yield empty lists.
func (m *DeviceManager) EnumerateDevices(ctx context.Context) domain.DeviceList {
	list := domain.DeviceList{
		Cameras:     []domain.MediaDeviceDescriptor{},
		Microphones: []domain.MediaDeviceDescriptor{},
		Speakers:    []domain.MediaDeviceDescriptor{},
	}

	devices, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		m.logger.Warnw("device enumeration failed", "error", err)
		return list
	}

	for _, d := range devices {
		switch d.Kind {
		case domain.DeviceKindCamera:
			list.Cameras = append(list.Cameras, d)
		case domain.DeviceKindMicrophone:
			list.Microphones = append(list.Microphones, d)
		case domain.DeviceKindSpeaker:
			list.Speakers = append(list.Speakers, d)
		}
	}

	m.logger.Debugw("devices enumerated",
		"cameras", len(list.Cameras),
		"microphones", len(list.Microphones),
		"speakers", len(list.Speakers),
	)
	return list
}

// CheckPermissions resolves the current permission states. Platforms that
// cannot be queried leave both capabilities at prompt until the first
// acquisition.
func (m *DeviceManager) CheckPermissions(ctx context.Context) map[domain.Capability]domain.PermissionState {
	querier, ok := m.platform.(ports.PermissionQuerier)
	if !ok {
		for _, c := range domain.Capabilities {
			if m.permissions.Get(c) == domain.PermissionChecking {
				m.permissions.Set(c, domain.PermissionPrompt)
			}
		}
		return m.permissions.Snapshot()
	}

	for _, c := range domain.Capabilities {
		state, err := querier.QueryPermission(ctx, c)
		if err != nil {
			m.logger.Warnw("permission query failed", "capability", c, "error", err)
			state = domain.PermissionPrompt
		}
		m.permissions.Set(c, state)
	}

	m.watchOnce.Do(func() {
		unwatch := querier.WatchPermissions(func(c domain.Capability, s domain.PermissionState) {
			m.permissions.Set(c, s)
		})
		m.mu.Lock()
		m.unwatch = unwatch
		m.mu.Unlock()
	})

	return m.permissions.Snapshot()
}

// AcquireStream captures the kinds enabled in cfg. The returned stream
// holds exactly those kinds.
func (m *DeviceManager) AcquireStream(ctx context.Context, cfg domain.LocalMediaConfiguration) (*MediaStream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracks, err := m.platform.GetUserMedia(ctx, cfg.Constraints())
	if err != nil {
		accessErr := classifyMediaError(err, cfg.Capabilities())
		m.recordFailure(accessErr, cfg.Capabilities())
		m.logger.Warnw("media acquisition failed",
			"reason", accessErr.Reason,
			"capability", accessErr.Capability,
			"error", err,
		)
		return nil, accessErr
	}

	tracks = m.keepRequested(cfg, tracks)
	for _, c := range cfg.Capabilities() {
		m.permissions.Set(c, domain.PermissionGranted)
	}

	stream := newMediaStream(cfg, tracks)
	m.logger.Infow("media stream acquired",
		"stream_id", stream.ID(),
		"quality", cfg.Quality,
		"tracks", len(tracks),
	)
	return stream, nil
}

// AcquireTrack captures a single kind from the given device.
func (m *DeviceManager) AcquireTrack(ctx context.Context, kind domain.TrackKind, deviceID string, quality domain.QualityTier) (ports.LocalTrack, error) {
	cfg := domain.LocalMediaConfiguration{Quality: quality}
	switch kind {
	case domain.TrackKindVideo:
		cfg.VideoEnabled = true
		cfg.CameraDeviceID = deviceID
	case domain.TrackKindAudio:
		cfg.AudioEnabled = true
		cfg.MicrophoneDeviceID = deviceID
	default:
		return nil, fmt.Errorf("%w: track kind %q", domain.ErrInvalidConfiguration, kind)
	}

	stream, err := m.AcquireStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t := stream.Track(kind)
	if t == nil {
		return nil, &domain.MediaAccessError{Reason: domain.MediaAccessNotFound, Capability: kind.Capability()}
	}
	return t, nil
}

// SwapTrack installs t in stream, carrying over the enabled flag of the
// track it replaces, and stops the replaced track.
func (m *DeviceManager) SwapTrack(stream *MediaStream, t ports.LocalTrack) {
	old := stream.replace(t)
	if old == nil || old == t {
		return
	}
	t.SetEnabled(old.Enabled())
	old.Stop()
}

// SwitchDevice reacquires one kind from another device. The other kind is
// left untouched.
func (m *DeviceManager) SwitchDevice(ctx context.Context, stream *MediaStream, kind domain.TrackKind, deviceID string, quality domain.QualityTier) (ports.LocalTrack, error) {
	if stream == nil || stream.Released() {
		return nil, domain.ErrTrackNotFound
	}
	if stream.Track(kind) == nil {
		return nil, domain.ErrTrackNotFound
	}

	t, err := m.AcquireTrack(ctx, kind, deviceID, quality)
	if err != nil {
		return nil, err
	}
	m.SwapTrack(stream, t)
	return t, nil
}

// AcquireDisplay captures the screen. Failures are reported as
// ScreenShareError.
func (m *DeviceManager) AcquireDisplay(ctx context.Context) (*MediaStream, error) {
	tracks, err := m.platform.GetDisplayMedia(ctx)
	if err != nil {
		return nil, classifyDisplayError(err)
	}

	var video ports.LocalTrack
	for _, t := range tracks {
		if t.Kind() == domain.TrackKindVideo && video == nil {
			video = t
			continue
		}
		t.Stop()
	}
	if video == nil {
		return nil, &domain.ScreenShareError{Reason: domain.ScreenShareUnavailable}
	}

	return newMediaStream(domain.LocalMediaConfiguration{VideoEnabled: true}, []ports.LocalTrack{video}), nil
}

// ReleaseStream stops every track of stream. It is nil-safe and idempotent.
func (m *DeviceManager) ReleaseStream(stream *MediaStream) {
	if stream == nil {
		return
	}
	if stream.stop() {
		m.logger.Debugw("media stream released", "stream_id", stream.ID())
	}
}

func (m *DeviceManager) Close() {
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
}

func (m *DeviceManager) keepRequested(cfg domain.LocalMediaConfiguration, tracks []ports.LocalTrack) []ports.LocalTrack {
	kept := tracks[:0]
	seen := make(map[domain.TrackKind]bool, 2)
	for _, t := range tracks {
		wanted := (t.Kind() == domain.TrackKindVideo && cfg.VideoEnabled) ||
			(t.Kind() == domain.TrackKindAudio && cfg.AudioEnabled)
		if !wanted || seen[t.Kind()] {
			t.Stop()
			continue
		}
		seen[t.Kind()] = true
		kept = append(kept, t)
	}
	return kept
}

func (m *DeviceManager) recordFailure(err *domain.MediaAccessError, requested []domain.Capability) {
	m.metrics.RecordMediaAccessFailure(err.Reason)
	if err.Reason != domain.MediaAccessDenied {
		return
	}
	if err.Capability != "" {
		m.permissions.Set(err.Capability, domain.PermissionDenied)
		return
	}
	for _, c := range requested {
		m.permissions.Set(c, domain.PermissionDenied)
	}
}

func classifyMediaError(err error, requested []domain.Capability) *domain.MediaAccessError {
	var accessErr *domain.MediaAccessError
	if errors.As(err, &accessErr) {
		if accessErr.Capability == "" && len(requested) == 1 {
			scoped := *accessErr
			scoped.Capability = requested[0]
			return &scoped
		}
		return accessErr
	}
	out := &domain.MediaAccessError{Reason: domain.MediaAccessUnknown, Err: err}
	if len(requested) == 1 {
		out.Capability = requested[0]
	}
	return out
}

func classifyDisplayError(err error) error {
	var shareErr *domain.ScreenShareError
	if errors.As(err, &shareErr) {
		return shareErr
	}
	var accessErr *domain.MediaAccessError
	if errors.As(err, &accessErr) && accessErr.Reason == domain.MediaAccessDenied {
		return &domain.ScreenShareError{Reason: domain.ScreenShareDenied, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.ScreenShareError{Reason: domain.ScreenShareCancelled, Err: err}
	}
	return &domain.ScreenShareError{Reason: domain.ScreenShareUnavailable, Err: err}
}
