package services

import (
	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"go.uber.org/zap"
)

// trackController owns the local camera/microphone stream and the optional
// screen share. It runs on the session loop.
type trackController struct {
	devices *DeviceManager
	logger  *zap.SugaredLogger

	local         *MediaStream
	screen        *MediaStream
	shareStarting bool
}

func newTrackController(devices *DeviceManager, logger *zap.SugaredLogger) *trackController {
	return &trackController{devices: devices, logger: logger}
}

func (c *trackController) ready() bool {
	return c.local != nil && !c.local.Released()
}

func (c *trackController) sharing() bool {
	return c.screen != nil
}

func (c *trackController) attach(stream *MediaStream) {
	c.local = stream
}

// outgoing lists the tracks a new link should send. While sharing, the
// screen replaces the camera.
func (c *trackController) outgoing() []ports.LocalTrack {
	if !c.ready() {
		return nil
	}
	tracks := c.local.Tracks()
	if c.screen == nil {
		return tracks
	}

	screenTrack := c.screen.Track(domain.TrackKindVideo)
	out := make([]ports.LocalTrack, 0, len(tracks)+1)
	out = append(out, screenTrack)
	for _, t := range tracks {
		if t.Kind() != domain.TrackKindVideo {
			out = append(out, t)
		}
	}
	return out
}

// toggle flips the enabled flag of the local track of kind. The sender
// keeps the same track.
func (c *trackController) toggle(kind domain.TrackKind) (bool, error) {
	if !c.ready() {
		return false, domain.ErrTrackNotFound
	}
	t := c.local.Track(kind)
	if t == nil {
		return false, domain.ErrTrackNotFound
	}

	enabled := !t.Enabled()
	t.SetEnabled(enabled)
	c.logger.Debugw("local track toggled", "kind", kind, "enabled", enabled)
	return enabled, nil
}

// startShare routes screen to every link in place of the camera.
func (c *trackController) startShare(screen *MediaStream, links []*PeerLink) {
	c.screen = screen
	screenTrack := screen.Track(domain.TrackKindVideo)
	for _, l := range links {
		if err := l.ReplaceTrack(domain.TrackKindVideo, screenTrack); err != nil {
			c.logger.Warnw("failed to send screen track", "remote_peer_id", l.RemoteID(), "error", err)
		}
	}
}

// stopShare restores the camera on every link and releases the screen. It
// reports false when nothing was being shared.
func (c *trackController) stopShare(links []*PeerLink) bool {
	if c.screen == nil {
		return false
	}

	var camera ports.LocalTrack
	if c.ready() {
		camera = c.local.Track(domain.TrackKindVideo)
	}
	for _, l := range links {
		if err := l.ReplaceTrack(domain.TrackKindVideo, camera); err != nil {
			c.logger.Warnw("failed to restore camera track", "remote_peer_id", l.RemoteID(), "error", err)
		}
	}

	c.devices.ReleaseStream(c.screen)
	c.screen = nil
	return true
}

// swap installs a newly acquired device track. While sharing only the
// camera slot in the local stream changes.
func (c *trackController) swap(t ports.LocalTrack, links []*PeerLink) {
	c.devices.SwapTrack(c.local, t)
	if c.screen != nil && t.Kind() == domain.TrackKindVideo {
		return
	}
	for _, l := range links {
		if err := l.ReplaceTrack(t.Kind(), t); err != nil {
			c.logger.Warnw("failed to replace track", "remote_peer_id", l.RemoteID(), "kind", t.Kind(), "error", err)
		}
	}
}

// release stops the local and screen streams. Safe to call repeatedly.
func (c *trackController) release() {
	c.devices.ReleaseStream(c.screen)
	c.screen = nil
	c.devices.ReleaseStream(c.local)
}
