package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// source is the part of a mediadevices track the wrapper needs.
type source interface {
	ID() string
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
	OnEnded(handler func(error))
	Close() error
}

// Track is a captured device track. Encoded packets are copied into a
// static RTP track while enabled, so a disabled track keeps its sender and
// its device but stops sending media.
type Track struct {
	src      source
	reader   mediadevices.RTPReadCloser
	local    *webrtc.TrackLocalStaticRTP
	kind     domain.TrackKind
	deviceID string
	logger   *zap.SugaredLogger

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded []func()
	ended   bool

	done chan struct{}
}

var _ ports.LocalTrack = (*Track)(nil)

func newTrack(src source, kind domain.TrackKind, deviceID string, mtu int, logger *zap.SugaredLogger) (*Track, error) {
	mime := webrtc.MimeTypeVP8
	if kind == domain.TrackKindAudio {
		mime = webrtc.MimeTypeOpus
	}

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, src.ID(), "callmesh-"+deviceID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	reader, err := src.NewRTPReader(mime, randomSSRC(), mtu)
	if err != nil {
		return nil, fmt.Errorf("create %s RTP reader: %w", kind, err)
	}

	t := &Track{
		src:      src,
		reader:   reader,
		local:    local,
		kind:     kind,
		deviceID: deviceID,
		logger:   logger.With("track_id", src.ID(), "kind", kind),
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)

	src.OnEnded(func(err error) {
		t.end(err)
	})
	go t.pump()
	return t, nil
}

func (t *Track) ID() string             { return t.src.ID() }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) DeviceID() string       { return t.deviceID }
func (t *Track) Enabled() bool          { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}
func (t *Track) Stopped() bool { return t.stopped.Load() }

// TrackLocal is what a pion sender transmits.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

// Stop releases the device. It does not fire the ended callbacks.
func (t *Track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	if err := t.reader.Close(); err != nil {
		t.logger.Debugw("Failed to close RTP reader", "error", err)
	}
	if err := t.src.Close(); err != nil {
		t.logger.Debugw("Failed to close device track", "error", err)
	}
}

func (t *Track) pump() {
	defer close(t.done)

	for {
		packets, release, err := t.reader.Read()
		if err != nil {
			t.end(err)
			return
		}
		if t.enabled.Load() {
			for _, pkt := range packets {
				if err := t.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					t.logger.Debugw("Failed to write RTP packet", "error", err)
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

// end fires the ended callbacks once, unless the track was stopped locally.
func (t *Track) end(err error) {
	if t.stopped.Load() {
		return
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	handlers := t.onEnded
	t.mu.Unlock()

	t.logger.Infow("Capture ended", "reason", err)
	for _, fn := range handlers {
		fn()
	}
}
