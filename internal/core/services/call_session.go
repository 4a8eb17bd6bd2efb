package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/circuitbreaker"
	"callmesh/pkg/retry"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	defaultNegotiationTimeout = 30 * time.Second
	defaultJoinWindow         = 5 * time.Minute
	defaultDurationTick       = time.Second
	defaultFlushTimeout       = 2 * time.Second

	// maxEarlyCandidates bounds what is kept per peer before its link exists.
	maxEarlyCandidates = 64
)

type SessionConfig struct {
	Info                   domain.SessionInfo
	NegotiationTimeout     time.Duration
	JoinWindow             time.Duration
	DurationTick           time.Duration
	Quality                domain.QualityTier
	AllowVideoOnlyFallback bool
	SignalingRetry         retry.Config
	SignalingBreaker       circuitbreaker.Config
	// FlushTimeout bounds how long EndCall waits for queued signaling.
	FlushTimeout time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.JoinWindow <= 0 {
		c.JoinWindow = defaultJoinWindow
	}
	if c.DurationTick <= 0 {
		c.DurationTick = defaultDurationTick
	}
	if c.Quality == "" {
		c.Quality = domain.QualityMedium
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if !c.SignalingRetry.Enabled && c.SignalingRetry.MaxAttempts == 0 {
		c.SignalingRetry = retry.DefaultConfig()
	}
	if c.SignalingBreaker.FailureThreshold <= 0 {
		c.SignalingBreaker = circuitbreaker.DefaultConfig()
	}
}

type SessionDeps struct {
	Devices     *DeviceManager
	PeerFactory ports.PeerConnectionFactory
	Signaling   ports.SignalingChannel
	Events      ports.EventSink
	Metrics     ports.CallMetrics
	Logger      *zap.SugaredLogger
	Now         func() time.Time
	// OnEnded runs once after the session has released everything.
	OnEnded func(sessionID domain.SessionID)
}

var _ ports.CallService = (*CallSession)(nil)

// CallSession drives one call from the waiting room to hang-up. All state
// below the loop marker is owned by the event loop goroutine.
type CallSession struct {
	cfg       SessionConfig
	info      domain.SessionInfo
	localID   domain.PeerID
	policy    EligibilityPolicy
	devices   *DeviceManager
	factory   ports.PeerConnectionFactory
	signaling ports.SignalingChannel
	events    ports.EventSink
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time
	onEnded   func(domain.SessionID)

	loop   *eventLoop
	sender *signalSender
	ctx    context.Context
	cancel context.CancelFunc

	unwatchPermissions func()

	// loop
	stage           *fsm.FSM
	links           map[domain.PeerID]*PeerLink
	roster          map[domain.PeerID]*domain.CallParticipant
	earlyCandidates map[domain.PeerID][]domain.ICECandidate
	parked          []domain.Envelope
	tracks          *trackController
	preview         *MediaStream
	joining         bool
	subscriptions   []func()
	tickerStop      chan struct{}

	mu         sync.RWMutex
	stageSnap  domain.CallStage
	rosterSnap []domain.CallParticipant
	callingAt  time.Time
	endedAt    time.Time
}

func NewCallSession(cfg SessionConfig, deps SessionDeps) (*CallSession, error) {
	if deps.Devices == nil || deps.PeerFactory == nil || deps.Signaling == nil {
		return nil, errors.New("call session requires devices, a peer factory and a signaling channel")
	}
	if cfg.Info.SessionID == "" || cfg.Info.LocalPeer.ID == "" {
		return nil, errors.New("call session requires a session id and a local peer id")
	}
	cfg.applyDefaults()

	if deps.Events == nil {
		deps.Events = ports.EventSinkFunc(func(domain.Event) {})
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	logger := deps.Logger.With("session_id", cfg.Info.SessionID, "peer_id", cfg.Info.LocalPeer.ID)
	ctx, cancel := context.WithCancel(context.Background())

	s := &CallSession{
		cfg:             cfg,
		info:            cfg.Info,
		localID:         cfg.Info.LocalPeer.ID,
		policy:          EligibilityPolicy{Window: cfg.JoinWindow},
		devices:         deps.Devices,
		factory:         deps.PeerFactory,
		signaling:       deps.Signaling,
		events:          deps.Events,
		metrics:         deps.Metrics,
		logger:          logger,
		now:             deps.Now,
		onEnded:         deps.OnEnded,
		ctx:             ctx,
		cancel:          cancel,
		stage:           newStageMachine(),
		links:           make(map[domain.PeerID]*PeerLink),
		roster:          make(map[domain.PeerID]*domain.CallParticipant),
		earlyCandidates: make(map[domain.PeerID][]domain.ICECandidate),
		tracks:          newTrackController(deps.Devices, logger),
		stageSnap:       domain.StageWaiting,
	}

	s.roster[s.localID] = &domain.CallParticipant{
		ID:          s.localID,
		DisplayName: displayName(cfg.Info.LocalPeer),
		Role:        cfg.Info.LocalPeer.Role,
	}
	s.refreshRoster()

	s.loop = newEventLoop()
	s.sender = newSignalSender(deps.Signaling, cfg.SignalingRetry, cfg.SignalingBreaker, deps.Metrics, logger)
	s.unwatchPermissions = deps.Devices.Permissions().Subscribe(func(c domain.Capability, state domain.PermissionState) {
		s.loop.post(func() {
			s.emit(domain.Event{Type: domain.EventPermissionChanged, Capability: c, Permission: state})
		})
	})

	logger.Infow("call session created", "role", cfg.Info.LocalPeer.Role, "scheduled_at", cfg.Info.ScheduledAt)
	return s, nil
}

func (s *CallSession) ID() domain.SessionID { return s.info.SessionID }

// StartSetup leaves the waiting room. Eligibility is only checked here.
func (s *CallSession) StartSetup(actorID domain.PeerID, now time.Time) error {
	return s.loop.call(context.Background(), func() error {
		if stage := s.currentStage(); stage != domain.StageWaiting {
			return fmt.Errorf("%w: setup from %s", domain.ErrInvalidStageTransition, stage)
		}
		if err := s.policy.Check(s.info, actorID, now); err != nil {
			s.logger.Infow("setup rejected", "actor_id", actorID, "error", err)
			return err
		}
		return s.advance(evSetup)
	})
}

func (s *CallSession) EnumerateDevices(ctx context.Context) domain.DeviceList {
	return s.devices.EnumerateDevices(ctx)
}

func (s *CallSession) CheckPermissions(ctx context.Context) map[domain.Capability]domain.PermissionState {
	return s.devices.CheckPermissions(ctx)
}

// Preview acquires a local stream during setup. A later StartCall or
// JoinCall with the same configuration reuses it.
func (s *CallSession) Preview(ctx context.Context, cfg domain.LocalMediaConfiguration) error {
	if err := s.requireStage(ctx, domain.StageSetup); err != nil {
		return err
	}
	if cfg.Quality == "" {
		cfg.Quality = s.cfg.Quality
	}

	stream, err := s.devices.AcquireStream(ctx, cfg)
	if err != nil {
		s.report(err)
		return err
	}

	attached := false
	err = s.loop.call(context.Background(), func() error {
		if stage := s.currentStage(); stage != domain.StageSetup {
			return fmt.Errorf("%w: preview in %s", domain.ErrInvalidStageTransition, stage)
		}
		s.devices.ReleaseStream(s.preview)
		s.preview = stream
		attached = true
		return nil
	})
	if !attached {
		s.devices.ReleaseStream(stream)
	}
	return err
}

// StartCall enters the call as the session initiator.
func (s *CallSession) StartCall(ctx context.Context, cfg domain.LocalMediaConfiguration) error {
	return s.enterCall(ctx, cfg, "start")
}

// JoinCall enters the call as a joiner. With the full mesh both roles enter
// the same way: announce presence and let existing peers offer.
func (s *CallSession) JoinCall(ctx context.Context, cfg domain.LocalMediaConfiguration) error {
	return s.enterCall(ctx, cfg, "join")
}

func (s *CallSession) enterCall(ctx context.Context, cfg domain.LocalMediaConfiguration, op string) error {
	if cfg.Quality == "" {
		cfg.Quality = s.cfg.Quality
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var preview *MediaStream
	err := s.loop.call(ctx, func() error {
		if stage := s.currentStage(); stage != domain.StageSetup {
			return fmt.Errorf("%w: %s call from %s", domain.ErrInvalidStageTransition, op, stage)
		}
		if s.joining {
			return fmt.Errorf("%w: call already starting", domain.ErrInvalidStageTransition)
		}
		s.joining = true
		s.subscribe()
		if s.preview != nil && !s.preview.Released() && s.preview.Config() == cfg {
			preview, s.preview = s.preview, nil
		}
		return nil
	})
	if err != nil {
		return err
	}

	stream := preview
	if stream == nil {
		stream, err = s.acquireCallStream(ctx, cfg)
	}

	attached := false
	callErr := s.loop.call(context.Background(), func() error {
		s.joining = false
		if err != nil {
			s.unsubscribeAll()
			s.parked = nil
			s.earlyCandidates = make(map[domain.PeerID][]domain.ICECandidate)
			return err
		}
		if s.currentStage() != domain.StageSetup {
			return domain.ErrSessionEnded
		}

		s.devices.ReleaseStream(s.preview)
		s.preview = nil
		s.tracks.attach(stream)
		attached = true

		local := s.roster[s.localID]
		local.VideoEnabled = trackEnabled(stream.Track(domain.TrackKindVideo))
		local.AudioEnabled = trackEnabled(stream.Track(domain.TrackKindAudio))
		s.refreshRoster()

		if err := s.advance(evCall); err != nil {
			return err
		}
		s.startTicker()
		s.broadcast(domain.MessagePeerJoined, domain.PresencePayload{
			DisplayName: local.DisplayName,
			Role:        local.Role,
		})
		s.replayParked()
		return nil
	})

	if !attached {
		s.devices.ReleaseStream(stream)
	}
	if err != nil {
		s.report(err)
		return err
	}
	if callErr != nil {
		return callErr
	}

	s.logger.Infow("call entered", "op", op, "tracks", len(stream.Tracks()))
	return nil
}

// acquireCallStream captures the call media, falling back to video only
// when the microphone is denied and the policy allows it.
func (s *CallSession) acquireCallStream(ctx context.Context, cfg domain.LocalMediaConfiguration) (*MediaStream, error) {
	stream, err := s.devices.AcquireStream(ctx, cfg)
	if err == nil {
		return stream, nil
	}

	var accessErr *domain.MediaAccessError
	if !s.cfg.AllowVideoOnlyFallback || !cfg.VideoEnabled || !cfg.AudioEnabled || !errors.As(err, &accessErr) {
		return nil, err
	}
	if accessErr.Reason != domain.MediaAccessDenied {
		return nil, err
	}
	if accessErr.Capability != "" && accessErr.Capability != domain.CapabilityMicrophone {
		return nil, err
	}

	s.logger.Infow("microphone unavailable, continuing video only", "error", err)
	stream, fallbackErr := s.devices.AcquireStream(ctx, cfg.WithoutAudio())
	if fallbackErr != nil {
		return nil, err
	}
	s.report(err)
	return stream, nil
}

func (s *CallSession) ToggleVideo(ctx context.Context) error {
	return s.toggle(ctx, domain.TrackKindVideo)
}

func (s *CallSession) ToggleAudio(ctx context.Context) error {
	return s.toggle(ctx, domain.TrackKindAudio)
}

func (s *CallSession) toggle(ctx context.Context, kind domain.TrackKind) error {
	return s.loop.call(ctx, func() error {
		if s.currentStage() != domain.StageCalling {
			return domain.ErrTrackNotFound
		}
		enabled, err := s.tracks.toggle(kind)
		if err != nil {
			return err
		}

		local := s.roster[s.localID]
		if kind == domain.TrackKindVideo {
			local.VideoEnabled = enabled
		} else {
			local.AudioEnabled = enabled
		}
		s.refreshRoster()
		s.emitParticipant(domain.EventParticipantUpdated, local)

		s.broadcast(domain.MessageTrackToggled, domain.TrackToggledPayload{Kind: kind, Enabled: enabled})
		return nil
	})
}

// StartScreenShare replaces the outgoing video of every link with a screen
// capture until StopScreenShare or the capture ends.
func (s *CallSession) StartScreenShare(ctx context.Context) error {
	err := s.loop.call(ctx, func() error {
		if stage := s.currentStage(); stage != domain.StageCalling {
			return fmt.Errorf("%w: screen share in %s", domain.ErrInvalidStageTransition, stage)
		}
		if s.tracks.sharing() || s.tracks.shareStarting {
			return domain.ErrScreenShareActive
		}
		s.tracks.shareStarting = true
		return nil
	})
	if err != nil {
		return err
	}

	screen, err := s.devices.AcquireDisplay(ctx)

	attached := false
	callErr := s.loop.call(context.Background(), func() error {
		s.tracks.shareStarting = false
		if err != nil {
			s.emitError("", err)
			return err
		}
		if s.currentStage() != domain.StageCalling {
			return domain.ErrSessionEnded
		}

		s.tracks.startShare(screen, s.linkList())
		attached = true
		screen.Track(domain.TrackKindVideo).OnEnded(func() {
			s.loop.post(func() {
				if s.tracks.screen == screen {
					s.logger.Infow("screen capture ended by the platform")
					s.stopShare()
				}
			})
		})
		s.emit(domain.Event{Type: domain.EventScreenShareChanged, Sharing: true})
		return nil
	})

	if !attached {
		s.devices.ReleaseStream(screen)
	}
	if err != nil {
		return err
	}
	return callErr
}

// StopScreenShare restores the camera. It is a no-op without a share.
func (s *CallSession) StopScreenShare(ctx context.Context) error {
	return s.loop.call(ctx, func() error {
		s.stopShare()
		return nil
	})
}

func (s *CallSession) stopShare() {
	if s.tracks.stopShare(s.linkList()) {
		s.emit(domain.Event{Type: domain.EventScreenShareChanged, Sharing: false})
	}
}

// SwitchDevice moves one kind to another device, in the preview during
// setup or on every link during the call.
func (s *CallSession) SwitchDevice(ctx context.Context, kind domain.TrackKind, deviceID string) error {
	var target *MediaStream
	err := s.loop.call(ctx, func() error {
		switch s.currentStage() {
		case domain.StageSetup:
			target = s.preview
		case domain.StageCalling:
			target = s.tracks.local
		}
		if target == nil || target.Released() || target.Track(kind) == nil {
			return domain.ErrTrackNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	t, err := s.devices.AcquireTrack(ctx, kind, deviceID, target.Config().Quality)
	if err != nil {
		s.report(err)
		return err
	}

	installed := false
	err = s.loop.call(context.Background(), func() error {
		if target.Released() {
			return domain.ErrTrackNotFound
		}
		switch {
		case s.currentStage() == domain.StageCalling && target == s.tracks.local:
			s.tracks.swap(t, s.linkList())
		case s.currentStage() == domain.StageSetup && target == s.preview:
			s.devices.SwapTrack(target, t)
		default:
			return domain.ErrTrackNotFound
		}
		installed = true
		s.logger.Infow("device switched", "kind", kind, "device_id", deviceID)
		return nil
	})
	if !installed {
		t.Stop()
	}
	return err
}

// EndCall tears the session down. Teardown proceeds even when ctx ends
// first; ctx only bounds the wait. Repeated calls return nil.
func (s *CallSession) EndCall(ctx context.Context) error {
	done := make(chan struct{})
	if !s.loop.post(func() {
		if s.currentStage() == domain.StageEnded {
			close(done)
			return
		}
		s.teardown()
		go s.finish(done)
	}) {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish releases what lives outside the loop and stops it.
func (s *CallSession) finish(done chan struct{}) {
	defer close(done)

	s.sender.close(s.cfg.FlushTimeout)
	s.unwatchPermissions()
	s.loop.stop()
	<-s.loop.stoppedCh()

	if s.onEnded != nil {
		s.onEnded(s.info.SessionID)
	}
	s.logger.Infow("call session ended", "duration", s.Duration())
}

func (s *CallSession) teardown() {
	wasCalling := s.currentStage() == domain.StageCalling
	s.cancel()

	if wasCalling {
		s.broadcast(domain.MessagePeerLeft, nil)
	}
	for id, l := range s.links {
		delete(s.links, id)
		l.Close()
	}
	s.earlyCandidates = make(map[domain.PeerID][]domain.ICECandidate)
	s.parked = nil

	s.tracks.release()
	s.devices.ReleaseStream(s.preview)
	s.preview = nil

	s.stopTicker()
	s.unsubscribeAll()
	if err := s.advance(evEnd); err != nil {
		s.logger.Warnw("failed to end session", "error", err)
	}
}

func (s *CallSession) Stage() domain.CallStage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageSnap
}

// Participants returns the roster with the local participant first.
func (s *CallSession) Participants() []domain.CallParticipant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CallParticipant, len(s.rosterSnap))
	copy(out, s.rosterSnap)
	return out
}

// Duration is the wall clock time spent calling.
func (s *CallSession) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.callingAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.now()
	}
	return end.Sub(s.callingAt)
}

// LinkStats snapshots transport counters for every link.
func (s *CallSession) LinkStats(ctx context.Context) ([]domain.LinkStats, error) {
	var stats []domain.LinkStats
	err := s.loop.call(ctx, func() error {
		for _, l := range s.linkList() {
			st := l.Stats()
			s.metrics.RecordLinkStats(st)
			stats = append(stats, st)
		}
		return nil
	})
	return stats, err
}

// LinkState reports the connection state towards remote.
func (s *CallSession) LinkState(ctx context.Context, remote domain.PeerID) (domain.ConnectionState, error) {
	var state domain.ConnectionState
	err := s.loop.call(ctx, func() error {
		l, ok := s.links[remote]
		if !ok {
			return domain.ErrPeerNotFound
		}
		state = l.State()
		return nil
	})
	return state, err
}

func (s *CallSession) subscribe() {
	if len(s.subscriptions) > 0 {
		return
	}
	s.subscriptions = []func(){
		s.signaling.On(domain.MessageOffer, s.inbound(s.handleOffer)),
		s.signaling.On(domain.MessageAnswer, s.inbound(s.handleAnswer)),
		s.signaling.On(domain.MessageICECandidate, s.inbound(s.handleCandidate)),
		s.signaling.On(domain.MessagePeerJoined, s.inbound(s.handlePeerJoined)),
		s.signaling.On(domain.MessagePeerLeft, s.inbound(s.handlePeerLeft)),
		s.signaling.On(domain.MessageTrackToggled, s.inbound(s.handleTrackToggled)),
	}
}

func (s *CallSession) unsubscribeAll() {
	for _, unsubscribe := range s.subscriptions {
		unsubscribe()
	}
	s.subscriptions = nil
}

// inbound filters envelopes for this session and local peer and hands them
// to the loop.
func (s *CallSession) inbound(handler func(domain.Envelope)) ports.MessageHandler {
	return func(env domain.Envelope) {
		if env.SessionID != s.info.SessionID || env.From == s.localID {
			return
		}
		if env.To != "" && env.To != s.localID {
			return
		}
		if err := env.Validate(); err != nil {
			s.logger.Warnw("dropping invalid signaling message", "type", env.Type, "from", env.From, "error", err)
			return
		}
		s.loop.post(func() { handler(env) })
	}
}

func (s *CallSession) handleOffer(env domain.Envelope) {
	if s.joining {
		s.parked = append(s.parked, env)
		return
	}
	if s.currentStage() != domain.StageCalling {
		return
	}

	var offer domain.SessionDescription
	if err := env.DecodePayload(&offer); err != nil {
		s.logger.Warnw("bad offer", "from", env.From, "error", err)
		return
	}

	remote := env.From
	link := s.links[remote]
	switch {
	case link == nil:
		if link = s.newLink(remote); link != nil {
			link.acceptOffer(offer, s.tracks.outgoing())
		}

	case link.State() == domain.ConnectionNew:
		link.acceptOffer(offer, s.tracks.outgoing())

	case link.State().ExchangingDescriptions():
		if s.localID < remote {
			s.logger.Debugw("offer glare, keeping local offer", "remote_peer_id", remote)
			return
		}
		s.logger.Debugw("offer glare, answering remote offer", "remote_peer_id", remote)
		queued := link.candidates.take()
		s.dropLink(link)
		if link = s.newLink(remote); link != nil {
			for _, c := range queued {
				link.candidates.push(c)
			}
			link.acceptOffer(offer, s.tracks.outgoing())
		}

	default:
		link.handleRemoteOffer(offer)
	}
}

func (s *CallSession) handleAnswer(env domain.Envelope) {
	link := s.links[env.From]
	if link == nil {
		s.logger.Debugw("answer without link", "from", env.From)
		return
	}
	var answer domain.SessionDescription
	if err := env.DecodePayload(&answer); err != nil {
		s.logger.Warnw("bad answer", "from", env.From, "error", err)
		return
	}
	link.handleAnswer(answer)
}

func (s *CallSession) handleCandidate(env domain.Envelope) {
	var c domain.ICECandidate
	if err := env.DecodePayload(&c); err != nil {
		s.logger.Warnw("bad candidate", "from", env.From, "error", err)
		return
	}

	if link := s.links[env.From]; link != nil {
		link.addRemoteCandidate(c)
		return
	}
	if s.joining || s.currentStage() == domain.StageCalling {
		early := append(s.earlyCandidates[env.From], c)
		if len(early) > maxEarlyCandidates {
			early = early[len(early)-maxEarlyCandidates:]
		}
		s.earlyCandidates[env.From] = early
	}
}

// handlePeerJoined applies the mesh rule: whoever is already in the call
// offers to the newcomer.
func (s *CallSession) handlePeerJoined(env domain.Envelope) {
	if s.joining {
		s.parked = append(s.parked, env)
		return
	}
	if s.currentStage() != domain.StageCalling {
		return
	}

	var presence domain.PresencePayload
	if err := env.DecodePayload(&presence); err != nil {
		s.logger.Debugw("peer joined without presence", "from", env.From, "error", err)
	}
	remote := env.From
	s.upsertParticipant(remote, presence)

	link := s.links[remote]
	if link != nil && link.State() == domain.ConnectionNew {
		link.startAsInitiator(s.tracks.outgoing())
		return
	}
	if link != nil {
		s.logger.Infow("peer rejoined, replacing link", "remote_peer_id", remote, "state", link.State())
		s.dropLink(link)
	}
	if link = s.newLink(remote); link != nil {
		link.startAsInitiator(s.tracks.outgoing())
	}
}

func (s *CallSession) handlePeerLeft(env domain.Envelope) {
	remote := env.From
	if link := s.links[remote]; link != nil {
		s.dropLink(link)
	}
	delete(s.earlyCandidates, remote)

	kept := s.parked[:0]
	for _, p := range s.parked {
		if p.From != remote {
			kept = append(kept, p)
		}
	}
	s.parked = kept

	s.removeParticipant(remote)
}

func (s *CallSession) handleTrackToggled(env domain.Envelope) {
	var toggled domain.TrackToggledPayload
	if err := env.DecodePayload(&toggled); err != nil {
		return
	}
	p, ok := s.roster[env.From]
	if !ok {
		return
	}

	switch toggled.Kind {
	case domain.TrackKindVideo:
		p.VideoEnabled = toggled.Enabled
	case domain.TrackKindAudio:
		p.AudioEnabled = toggled.Enabled
	}
	s.refreshRoster()
	s.emitParticipant(domain.EventParticipantUpdated, p)
}

func (s *CallSession) replayParked() {
	parked := s.parked
	s.parked = nil
	for _, env := range parked {
		switch env.Type {
		case domain.MessageOffer:
			s.handleOffer(env)
		case domain.MessagePeerJoined:
			s.handlePeerJoined(env)
		}
	}
}

func (s *CallSession) newLink(remote domain.PeerID) *PeerLink {
	pc, err := s.factory.NewPeerConnection(s.ctx, remote)
	if err != nil {
		s.logger.Warnw("failed to create peer connection", "remote_peer_id", remote, "error", err)
		s.emitError(remote, err)
		return nil
	}

	link := newPeerLink(s.ctx, linkConfig{
		sessionID: s.info.SessionID,
		localID:   s.localID,
		remoteID:  remote,
		timeout:   s.cfg.NegotiationTimeout,
	}, pc, s.loop.post, s.sendFromLink, s, s.metrics, s.logger)
	s.links[remote] = link

	for _, c := range s.earlyCandidates[remote] {
		link.candidates.push(c)
	}
	delete(s.earlyCandidates, remote)

	s.upsertParticipant(remote, domain.PresencePayload{})
	s.roster[remote].Stream = link.Stream()
	s.refreshRoster()
	return link
}

// dropLink removes l from the session and closes it silently. Candidates
// buffered for the peer belong to the dropped link and go with it.
func (s *CallSession) dropLink(l *PeerLink) {
	if s.links[l.RemoteID()] == l {
		delete(s.links, l.RemoteID())
	}
	delete(s.earlyCandidates, l.RemoteID())
	l.Close()
}

func (s *CallSession) linkList() []*PeerLink {
	out := make([]*PeerLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID() < out[j].RemoteID() })
	return out
}

func (s *CallSession) sendFromLink(l *PeerLink, msgType domain.MessageType, payload interface{}) {
	env, err := domain.NewEnvelope(s.info.SessionID, msgType, s.localID, l.RemoteID(), payload)
	if err != nil {
		s.logger.Errorw("failed to build envelope", "type", msgType, "error", err)
		return
	}
	s.sender.enqueue(env, func(err error) {
		s.loop.post(func() { s.linkSendFailed(l, msgType, err) })
	})
}

// linkSendFailed closes a link whose offer or answer never left. Lost
// candidates are only reported.
func (s *CallSession) linkSendFailed(l *PeerLink, msgType domain.MessageType, err error) {
	sigErr := &domain.SignalingError{Op: "send " + string(msgType), PeerID: l.RemoteID(), Err: err}
	if (msgType == domain.MessageOffer || msgType == domain.MessageAnswer) && s.links[l.RemoteID()] == l {
		l.terminate(false, sigErr, true)
		return
	}
	s.emitError(l.RemoteID(), sigErr)
}

func (s *CallSession) broadcast(msgType domain.MessageType, payload interface{}) {
	env, err := domain.NewEnvelope(s.info.SessionID, msgType, s.localID, "", payload)
	if err != nil {
		s.logger.Errorw("failed to build envelope", "type", msgType, "error", err)
		return
	}
	s.sender.enqueue(env, func(err error) {
		s.loop.post(func() {
			s.emitError("", &domain.SignalingError{Op: "broadcast " + string(msgType), Err: err})
		})
	})
}

func (s *CallSession) linkStateChanged(l *PeerLink, _, to domain.ConnectionState) {
	if s.links[l.RemoteID()] != l {
		return
	}
	s.emit(domain.Event{Type: domain.EventConnectionStateChanged, PeerID: l.RemoteID(), ConnectionState: to})
}

func (s *CallSession) linkConnected(l *PeerLink) {
	if s.links[l.RemoteID()] != l {
		return
	}
	s.logger.Infow("peer connected", "remote_peer_id", l.RemoteID())
	s.emit(domain.Event{Type: domain.EventRemoteStream, PeerID: l.RemoteID(), Stream: l.Stream()})
	s.emit(domain.Event{Type: domain.EventConnected, PeerID: l.RemoteID()})
}

func (s *CallSession) linkRemoteTrack(l *PeerLink, track domain.RemoteTrack) {
	if s.links[l.RemoteID()] != l {
		return
	}
	s.logger.Debugw("remote track received", "remote_peer_id", l.RemoteID(), "kind", track.Kind())
	if l.announced {
		s.emit(domain.Event{Type: domain.EventRemoteStream, PeerID: l.RemoteID(), Stream: l.Stream()})
	}
}

func (s *CallSession) linkClosed(l *PeerLink, err error) {
	remote := l.RemoteID()
	if s.links[remote] != l {
		return
	}
	delete(s.links, remote)
	delete(s.earlyCandidates, remote)
	s.removeParticipant(remote)
	if err != nil {
		s.emitError(remote, err)
	}
}

func (s *CallSession) upsertParticipant(id domain.PeerID, presence domain.PresencePayload) {
	if p, ok := s.roster[id]; ok {
		if presence.DisplayName != "" && presence.DisplayName != p.DisplayName {
			p.DisplayName = presence.DisplayName
			s.refreshRoster()
			s.emitParticipant(domain.EventParticipantUpdated, p)
		}
		return
	}

	info, known := s.info.Participant(id)
	if !known {
		info = domain.ParticipantInfo{ID: id, Role: presence.Role}
	}
	if presence.DisplayName != "" {
		info.DisplayName = presence.DisplayName
	}

	p := &domain.CallParticipant{
		ID:           id,
		DisplayName:  displayName(info),
		Role:         info.Role,
		VideoEnabled: true,
		AudioEnabled: true,
	}
	s.roster[id] = p
	s.refreshRoster()
	s.emitParticipant(domain.EventParticipantJoined, p)
}

func (s *CallSession) removeParticipant(id domain.PeerID) {
	p, ok := s.roster[id]
	if !ok || id == s.localID {
		return
	}
	delete(s.roster, id)
	s.refreshRoster()
	s.emitParticipant(domain.EventParticipantLeft, p)
}

func (s *CallSession) refreshRoster() {
	out := make([]domain.CallParticipant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == s.localID || out[j].ID == s.localID {
			return out[i].ID == s.localID
		}
		return out[i].ID < out[j].ID
	})

	s.mu.Lock()
	s.rosterSnap = out
	s.mu.Unlock()
}

func (s *CallSession) currentStage() domain.CallStage {
	return domain.CallStage(s.stage.Current())
}

func (s *CallSession) requireStage(ctx context.Context, stage domain.CallStage) error {
	return s.loop.call(ctx, func() error {
		if current := s.currentStage(); current != stage {
			return fmt.Errorf("%w: in %s, need %s", domain.ErrInvalidStageTransition, current, stage)
		}
		return nil
	})
}

func (s *CallSession) advance(event string) error {
	from := s.currentStage()
	if err := fire(s.stage, event, domain.ErrInvalidStageTransition); err != nil {
		return err
	}
	to := s.currentStage()
	now := s.now()

	s.mu.Lock()
	s.stageSnap = to
	switch to {
	case domain.StageCalling:
		s.callingAt = now
	case domain.StageEnded:
		if !s.callingAt.IsZero() {
			s.endedAt = now
		}
	}
	s.mu.Unlock()

	s.metrics.RecordStage(to)
	s.logger.Infow("call stage changed", "from", from, "to", to)
	s.emit(domain.Event{Type: domain.EventStageChanged, Stage: to})
	return nil
}

func (s *CallSession) startTicker() {
	stop := make(chan struct{})
	s.tickerStop = stop
	ticker := time.NewTicker(s.cfg.DurationTick)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.loop.post(func() {
					if s.currentStage() == domain.StageCalling {
						s.emit(domain.Event{Type: domain.EventDuration, Duration: s.Duration()})
					}
				})
			}
		}
	}()
}

func (s *CallSession) stopTicker() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

func (s *CallSession) emit(event domain.Event) {
	event.SessionID = s.info.SessionID
	event.At = s.now()
	s.events.Publish(event)
}

func (s *CallSession) emitParticipant(eventType domain.EventType, p *domain.CallParticipant) {
	snapshot := *p
	s.emit(domain.Event{Type: eventType, PeerID: p.ID, Participant: &snapshot})
}

func (s *CallSession) emitError(peer domain.PeerID, err error) {
	s.emit(domain.Event{
		Type:    domain.EventError,
		PeerID:  peer,
		Err:     err,
		Message: domain.UserMessage(err),
	})
}

// report surfaces an error raised outside the loop.
func (s *CallSession) report(err error) {
	s.loop.post(func() { s.emitError("", err) })
}

func displayName(info domain.ParticipantInfo) string {
	if info.DisplayName != "" {
		return info.DisplayName
	}
	return string(info.ID)
}

func trackEnabled(t ports.LocalTrack) bool {
	return t != nil && t.Enabled()
}
