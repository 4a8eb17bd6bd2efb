package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var ErrUnsupportedTrack = errors.New("track cannot be sent over a pion peer connection")

// TrackSource is implemented by local tracks that can feed a pion sender.
type TrackSource interface {
	TrackLocal() webrtc.TrackLocal
}

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// LoopbackCandidates gathers candidates on loopback interfaces, for
	// calls between processes on the same host.
	LoopbackCandidates bool
	// RegisterCodecs populates the media engine. The pion default codecs
	// are registered when nil.
	RegisterCodecs func(m *webrtc.MediaEngine) error
}

// ConfigFromSettings converts the webrtc section of the service config.
func ConfigFromSettings(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	if cfg.LoopbackCandidates {
		settingEngine.SetIncludeLoopbackCandidate(true)
		settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return &Factory{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection(ctx context.Context, remote domain.PeerID) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, remote, f.logger.With("remote_peer", remote)), nil
}

// PeerConnection adapts a pion peer connection to one call link.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.PeerID
	logger *zap.SugaredLogger

	mu             sync.Mutex
	lastLocalOffer string

	packetsReceived  atomic.Uint64
	bytesReceived    atomic.Uint64
	keyframeRequests atomic.Uint64

	closed atomic.Bool
}

var _ ports.PeerConnection = (*PeerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, remote domain.PeerID, logger *zap.SugaredLogger) *PeerConnection {
	return &PeerConnection{pc: pc, remote: remote, logger: logger}
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return toDomainDescription(offer), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return toDomainDescription(answer), nil
}

func (p *PeerConnection) SetLocalDescription(ctx context.Context, sd domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	desc := toPionDescription(sd)

	p.mu.Lock()
	defer p.mu.Unlock()

	// pion parses the body even for a rollback, so the pending offer is
	// handed back to it.
	if desc.Type == webrtc.SDPTypeRollback && desc.SDP == "" {
		desc.SDP = p.lastLocalOffer
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local %s: %w", sd.Type, err)
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p.lastLocalOffer = desc.SDP
	case webrtc.SDPTypeRollback:
		p.lastLocalOffer = ""
	}
	return nil
}

func (p *PeerConnection) SetRemoteDescription(ctx context.Context, sd domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(toPionDescription(sd)); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}
	return nil
}

func (p *PeerConnection) AddICECandidate(candidate domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (p *PeerConnection) AddTrack(track ports.LocalTrack) (ports.Sender, error) {
	src, ok := track.(TrackSource)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
	}
	rtpSender, err := p.pc.AddTrack(src.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	s := &sender{rtpSender: rtpSender, kind: track.Kind(), track: track}
	go p.processRTCP(rtpSender)
	return s, nil
}

// processRTCP reads feedback for one sender until the connection closes.
// pion requires RTCP to be drained for interceptors to run.
func (p *PeerConnection) processRTCP(rtpSender *webrtc.RTPSender) {
	for {
		packets, _, err := rtpSender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt := pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.keyframeRequests.Add(1)
			case *rtcp.TransportLayerNack:
				p.logger.Debugw("NACK received", "ssrc", pkt.MediaSSRC, "pairs", len(pkt.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					if report.FractionLost > 0 {
						p.logger.Debugw("Remote reports loss",
							"ssrc", report.SSRC,
							"fraction_lost", report.FractionLost,
							"jitter", report.Jitter,
						)
					}
				}
			}
		}
	}
}

func (p *PeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PeerConnection) OnStateChange(fn func(domain.TransportState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debugw("Peer connection state changed", "state", state.String())
		fn(toTransportState(state))
	})
}

func (p *PeerConnection) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		track := &RemoteTrack{remote: remote}
		p.logger.Infow("Remote track received",
			"track_id", remote.ID(),
			"kind", remote.Kind().String(),
			"codec", remote.Codec().MimeType,
		)

		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			// ask for a keyframe so rendering can start immediately
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}})
			if err != nil {
				p.logger.Debugw("Failed to request keyframe", "error", err)
			}
		}

		go p.drainReceiverRTCP(receiver)
		go track.drain(&p.packetsReceived, &p.bytesReceived)
		fn(track)
	})
}

func (p *PeerConnection) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// Stats combines the receive counters kept by the adapter with the
// outbound RTP statistics reported by pion.
func (p *PeerConnection) Stats() domain.LinkStats {
	stats := domain.LinkStats{
		PeerID:           p.remote,
		PacketsReceived:  p.packetsReceived.Load(),
		BytesReceived:    p.bytesReceived.Load(),
		KeyframeRequests: p.keyframeRequests.Load(),
		Timestamp:        time.Now(),
	}
	if p.closed.Load() {
		return stats
	}
	for _, s := range p.pc.GetStats() {
		if out, ok := s.(webrtc.OutboundRTPStreamStats); ok {
			stats.PacketsSent += uint64(out.PacketsSent)
			stats.BytesSent += out.BytesSent
		}
	}
	return stats
}

func (p *PeerConnection) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

type sender struct {
	rtpSender *webrtc.RTPSender
	kind      domain.TrackKind

	mu    sync.Mutex
	track ports.LocalTrack
}

func (s *sender) Kind() domain.TrackKind { return s.kind }

func (s *sender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *sender) ReplaceTrack(track ports.LocalTrack) error {
	var local webrtc.TrackLocal
	if track != nil {
		src, ok := track.(TrackSource)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
		}
		local = src.TrackLocal()
	}
	if err := s.rtpSender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace %s track: %w", s.kind, err)
	}

	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

// RemoteTrack is a track received from the remote peer.
type RemoteTrack struct {
	remote *webrtc.TrackRemote

	mu   sync.RWMutex
	sink func(payload []byte)
}

var _ domain.RemoteTrack = (*RemoteTrack)(nil)

func (t *RemoteTrack) ID() string       { return t.remote.ID() }
func (t *RemoteTrack) StreamID() string { return t.remote.StreamID() }
func (t *RemoteTrack) MimeType() string { return t.remote.Codec().MimeType }

func (t *RemoteTrack) Kind() domain.TrackKind {
	if t.remote.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

// SetSink registers a consumer for the media payload of every packet.
func (t *RemoteTrack) SetSink(sink func(payload []byte)) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

func (t *RemoteTrack) drain(packets, bytes *atomic.Uint64) {
	for {
		pkt, _, err := t.remote.ReadRTP()
		if err != nil {
			return
		}
		packets.Add(1)
		bytes.Add(uint64(pkt.MarshalSize()))

		t.mu.RLock()
		sink := t.sink
		t.mu.RUnlock()
		if sink != nil {
			sink(pkt.Payload)
		}
	}
}

func toDomainDescription(sd webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func toPionDescription(sd domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(sd.Type)), SDP: sd.SDP}
}

func toTransportState(state webrtc.PeerConnectionState) domain.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}
