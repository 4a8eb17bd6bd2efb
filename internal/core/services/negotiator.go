package services

import (
	"context"
	"fmt"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/tracing"
	"callmesh/pkg/validation"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// linkObserver receives PeerLink notifications on the session loop.
type linkObserver interface {
	linkStateChanged(l *PeerLink, from, to domain.ConnectionState)
	linkConnected(l *PeerLink)
	linkRemoteTrack(l *PeerLink, track domain.RemoteTrack)
	// linkClosed reports a link that ended on its own. err is nil for an
	// orderly remote close.
	linkClosed(l *PeerLink, err error)
}

// linkSend queues an outbound message to the link's remote peer.
type linkSend func(l *PeerLink, msgType domain.MessageType, payload interface{})

type linkConfig struct {
	sessionID domain.SessionID
	localID   domain.PeerID
	remoteID  domain.PeerID
	timeout   time.Duration
}

// PeerLink negotiates and supervises the connection to one remote peer.
// Every method runs on the owning session's loop.
type PeerLink struct {
	cfg     linkConfig
	ctx     context.Context
	pc      ports.PeerConnection
	machine *fsm.FSM

	candidates  candidateQueue
	remoteSet   bool
	remoteUfrag string
	senders     map[domain.TrackKind]ports.Sender
	stream      *domain.RemoteStream

	initiator            bool
	announced            bool
	renegotiating        bool
	renegotiationPending bool
	startedAt            time.Time

	watchdog    *time.Timer
	watchdogGen uint64

	post     func(func()) bool
	send     linkSend
	observer linkObserver
	metrics  ports.CallMetrics
	logger   *zap.SugaredLogger
}

func newPeerLink(
	ctx context.Context,
	cfg linkConfig,
	pc ports.PeerConnection,
	post func(func()) bool,
	send linkSend,
	observer linkObserver,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *PeerLink {
	l := &PeerLink{
		cfg:      cfg,
		ctx:      ctx,
		pc:       pc,
		machine:  newConnectionMachine(),
		senders:  make(map[domain.TrackKind]ports.Sender, 2),
		stream:   domain.NewRemoteStream(cfg.remoteID),
		post:     post,
		send:     send,
		observer: observer,
		metrics:  metrics,
		logger:   logger.With("remote_peer_id", cfg.remoteID),
	}

	pc.OnICECandidate(func(c domain.ICECandidate) {
		l.post(func() { l.onLocalCandidate(c) })
	})
	pc.OnStateChange(func(s domain.TransportState) {
		l.post(func() { l.onTransportState(s) })
	})
	pc.OnRemoteTrack(func(t domain.RemoteTrack) {
		l.post(func() { l.onRemoteTrack(t) })
	})

	return l
}

func (l *PeerLink) RemoteID() domain.PeerID { return l.cfg.remoteID }

func (l *PeerLink) State() domain.ConnectionState {
	return domain.ConnectionState(l.machine.Current())
}

func (l *PeerLink) Initiator() bool { return l.initiator }

func (l *PeerLink) Stream() *domain.RemoteStream { return l.stream }

func (l *PeerLink) Sender(kind domain.TrackKind) ports.Sender { return l.senders[kind] }

func (l *PeerLink) Stats() domain.LinkStats {
	stats := l.pc.Stats()
	stats.PeerID = l.cfg.remoteID
	return stats
}

// startAsInitiator attaches tracks and sends the offer.
func (l *PeerLink) startAsInitiator(tracks []ports.LocalTrack) {
	if l.State() != domain.ConnectionNew {
		l.logger.Warnw("ignoring start on used link", "state", l.State())
		return
	}
	l.initiator = true
	l.startedAt = time.Now()
	if !l.step(evGather) {
		return
	}
	l.armWatchdog()

	if err := l.attach(tracks); err != nil {
		l.terminate(false, err, true)
		return
	}
	offer, err := l.createLocalDescription(true)
	if err != nil {
		l.terminate(false, err, true)
		return
	}

	l.send(l, domain.MessageOffer, offer)
	l.step(evOfferSent)
}

// acceptOffer answers the remote peer's initial offer.
func (l *PeerLink) acceptOffer(offer domain.SessionDescription, tracks []ports.LocalTrack) {
	if l.State() != domain.ConnectionNew {
		l.logger.Warnw("ignoring offer on used link", "state", l.State())
		return
	}
	l.startedAt = time.Now()
	if !l.step(evGather) {
		return
	}
	l.armWatchdog()

	if err := l.applyRemoteDescription(offer); err != nil {
		l.terminate(false, err, true)
		return
	}
	if err := l.attach(tracks); err != nil {
		l.terminate(false, err, true)
		return
	}
	answer, err := l.createLocalDescription(false)
	if err != nil {
		l.terminate(false, err, true)
		return
	}

	l.send(l, domain.MessageAnswer, answer)
	l.step(evAnswerSent)
}

// handleRemoteOffer answers a renegotiation offer on an established link.
func (l *PeerLink) handleRemoteOffer(offer domain.SessionDescription) {
	switch l.State() {
	case domain.ConnectionNegotiatingICE, domain.ConnectionConnected, domain.ConnectionReconnecting:
	default:
		l.logger.Warnw("ignoring offer", "state", l.State())
		return
	}

	if l.renegotiating {
		if l.cfg.localID < l.cfg.remoteID {
			l.logger.Debugw("renegotiation glare, keeping local offer")
			return
		}
		if err := l.pc.SetLocalDescription(l.ctx, domain.SessionDescription{Type: domain.SDPTypeRollback}); err != nil {
			l.terminate(false, fmt.Errorf("rollback local offer: %w", err), true)
			return
		}
		l.renegotiating = false
		l.renegotiationPending = true
	}

	if err := l.applyRemoteDescription(offer); err != nil {
		l.terminate(false, err, true)
		return
	}
	answer, err := l.createLocalDescription(false)
	if err != nil {
		l.terminate(false, err, true)
		return
	}
	l.send(l, domain.MessageAnswer, answer)

	if l.renegotiationPending && l.State() == domain.ConnectionConnected {
		l.renegotiationPending = false
		l.renegotiate()
	}
}

func (l *PeerLink) handleAnswer(answer domain.SessionDescription) {
	switch {
	case l.State() == domain.ConnectionAwaitingRemote:
		if err := l.applyRemoteDescription(answer); err != nil {
			l.terminate(false, err, true)
			return
		}
		l.step(evRemoteApplied)

	case l.renegotiating && !l.State().Terminal():
		if err := l.applyRemoteDescription(answer); err != nil {
			l.terminate(false, err, true)
			return
		}
		l.renegotiating = false
		if l.renegotiationPending && l.State() == domain.ConnectionConnected {
			l.renegotiationPending = false
			l.renegotiate()
		}

	default:
		l.logger.Warnw("ignoring unexpected answer", "state", l.State())
	}
}

// addRemoteCandidate applies c, or queues it until the remote description
// is set.
func (l *PeerLink) addRemoteCandidate(c domain.ICECandidate) {
	if l.State().Terminal() {
		return
	}
	if !l.remoteSet && l.candidates.push(c) {
		return
	}
	if l.stale(c) {
		l.logger.Debugw("dropping candidate of a previous ice session", "ufrag", *c.UsernameFragment)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.logger.Warnw("failed to add remote candidate", "error", err)
	}
}

// ReplaceTrack sends track for kind. An existing sender is reused without
// renegotiation; otherwise the track is added and the link renegotiates
// while staying in its current state.
func (l *PeerLink) ReplaceTrack(kind domain.TrackKind, track ports.LocalTrack) error {
	if l.State().Terminal() {
		return nil
	}
	if sender, ok := l.senders[kind]; ok {
		return sender.ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}

	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	l.senders[kind] = sender

	if l.State() == domain.ConnectionConnected {
		l.renegotiate()
	} else {
		l.renegotiationPending = true
	}
	return nil
}

// Close tears the link down without notifying the observer.
func (l *PeerLink) Close() {
	l.terminate(false, nil, false)
}

func (l *PeerLink) renegotiate() {
	if l.renegotiating {
		l.renegotiationPending = true
		return
	}
	offer, err := l.createLocalDescription(true)
	if err != nil {
		l.terminate(false, err, true)
		return
	}
	l.renegotiating = true
	l.send(l, domain.MessageOffer, offer)
	l.logger.Debugw("renegotiation offer queued")
}

func (l *PeerLink) onLocalCandidate(c domain.ICECandidate) {
	if l.State().Terminal() {
		return
	}
	l.send(l, domain.MessageICECandidate, c)
}

func (l *PeerLink) onTransportState(s domain.TransportState) {
	state := l.State()
	if state.Terminal() {
		return
	}

	switch s {
	case domain.TransportConnected:
		if state != domain.ConnectionNegotiatingICE && state != domain.ConnectionReconnecting {
			return
		}
		if !l.step(evICEConnected) {
			return
		}
		l.disarmWatchdog()
		if !l.announced {
			l.announced = true
			l.metrics.RecordNegotiation(time.Since(l.startedAt))
			l.observer.linkConnected(l)
		}
		if l.renegotiationPending && !l.renegotiating {
			l.renegotiationPending = false
			l.renegotiate()
		}

	case domain.TransportDisconnected:
		if state == domain.ConnectionConnected && l.step(evICEInterrupted) {
			l.armWatchdog()
		}

	case domain.TransportFailed:
		l.terminate(true, fmt.Errorf("%w: ice failed with %s", domain.ErrConnectionFailed, l.cfg.remoteID), true)

	case domain.TransportClosed:
		l.terminate(false, nil, true)
	}
}

func (l *PeerLink) onRemoteTrack(t domain.RemoteTrack) {
	if l.State().Terminal() {
		return
	}
	l.stream.AddTrack(t)
	l.observer.linkRemoteTrack(l, t)
}

func (l *PeerLink) armWatchdog() {
	if l.watchdog != nil {
		l.watchdog.Stop()
	}
	l.watchdogGen++
	gen := l.watchdogGen
	l.watchdog = time.AfterFunc(l.cfg.timeout, func() {
		l.post(func() { l.onWatchdog(gen) })
	})
}

func (l *PeerLink) disarmWatchdog() {
	l.watchdogGen++
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog = nil
	}
}

func (l *PeerLink) onWatchdog(gen uint64) {
	state := l.State()
	if gen != l.watchdogGen || state.Terminal() || state == domain.ConnectionConnected {
		return
	}

	l.metrics.RecordNegotiationTimeout()
	l.logger.Warnw("negotiation timed out", "state", state, "timeout", l.cfg.timeout)

	failed := state == domain.ConnectionNegotiatingICE || state == domain.ConnectionReconnecting
	l.terminate(failed, &domain.NegotiationTimeoutError{
		PeerID:  l.cfg.remoteID,
		State:   state,
		Timeout: l.cfg.timeout,
	}, true)
}

// terminate moves the link to failed (when failed is set and the state
// allows it) or closed, releases the connection and optionally notifies
// the observer.
func (l *PeerLink) terminate(failed bool, err error, notify bool) {
	state := l.State()
	if state.Terminal() {
		return
	}

	if failed && state == domain.ConnectionConnected {
		l.step(evICEInterrupted)
		state = l.State()
	}
	if failed && (state == domain.ConnectionNegotiatingICE || state == domain.ConnectionReconnecting) {
		l.step(evFail)
	} else {
		l.step(evClose)
	}

	l.disarmWatchdog()
	if cerr := l.pc.Close(); cerr != nil {
		l.logger.Debugw("peer connection close failed", "error", cerr)
	}
	if err != nil {
		l.logger.Warnw("peer link terminated", "state", l.State(), "error", err)
	}
	if notify {
		l.observer.linkClosed(l, err)
	}
}

func (l *PeerLink) attach(tracks []ports.LocalTrack) error {
	for _, t := range tracks {
		if sender, ok := l.senders[t.Kind()]; ok {
			if err := sender.ReplaceTrack(t); err != nil {
				return fmt.Errorf("replace %s track: %w", t.Kind(), err)
			}
			continue
		}
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		l.senders[t.Kind()] = sender
	}
	return nil
}

func (l *PeerLink) createLocalDescription(offer bool) (domain.SessionDescription, error) {
	op := "create_answer"
	if offer {
		op = "create_offer"
	}
	ctx, span := tracing.TraceNegotiation(l.ctx, op, string(l.cfg.sessionID), string(l.cfg.remoteID))
	defer span.End()

	var (
		sd  domain.SessionDescription
		err error
	)
	if offer {
		sd, err = l.pc.CreateOffer(ctx)
	} else {
		sd, err = l.pc.CreateAnswer(ctx)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.SessionDescription{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := l.pc.SetLocalDescription(ctx, sd); err != nil {
		tracing.RecordError(ctx, err)
		return domain.SessionDescription{}, fmt.Errorf("set local %s: %w", sd.Type, err)
	}
	return sd, nil
}

func (l *PeerLink) applyRemoteDescription(sd domain.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(l.ctx, "set_remote_description", string(l.cfg.sessionID), string(l.cfg.remoteID))
	defer span.End()

	if err := l.pc.SetRemoteDescription(ctx, sd); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}

	l.remoteUfrag = iceUfrag(sd.SDP)

	if !l.remoteSet {
		l.remoteSet = true
		queued := l.candidates.drain(remoteDescriptionApplied{})
		for _, c := range queued {
			if l.stale(c) {
				continue
			}
			if err := l.pc.AddICECandidate(c); err != nil {
				l.logger.Warnw("failed to add queued candidate", "error", err)
			}
		}
		if len(queued) > 0 {
			l.logger.Debugw("queued candidates applied", "count", len(queued))
		}
	}
	return nil
}

// stale reports a candidate tagged with a ufrag other than the one of the
// current remote description. Untagged candidates are never stale.
func (l *PeerLink) stale(c domain.ICECandidate) bool {
	if c.UsernameFragment == nil || *c.UsernameFragment == "" || l.remoteUfrag == "" {
		return false
	}
	return *c.UsernameFragment != l.remoteUfrag
}

// iceUfrag returns the ice-ufrag of a description, session level first.
// Unparseable descriptions yield "".
func iceUfrag(raw string) string {
	desc, err := validation.ParseSDP(raw)
	if err != nil {
		return ""
	}
	if ufrag, ok := desc.Attribute("ice-ufrag"); ok {
		return ufrag
	}
	for _, md := range desc.MediaDescriptions {
		if ufrag, ok := md.Attribute("ice-ufrag"); ok {
			return ufrag
		}
	}
	return ""
}

// step fires event and reports the transition to the observer.
func (l *PeerLink) step(event string) bool {
	from := l.State()
	if err := fire(l.machine, event, domain.ErrInvalidConnectionTransition); err != nil {
		l.logger.Warnw("connection transition rejected", "error", err)
		return false
	}
	to := l.State()

	l.metrics.RecordLinkState(to)
	l.logger.Debugw("connection state changed", "from", from, "to", to)
	l.observer.linkStateChanged(l, from, to)
	return true
}
