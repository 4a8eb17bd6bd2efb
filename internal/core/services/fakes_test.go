package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

type fakeTrack struct {
	mu       sync.Mutex
	id       string
	kind     domain.TrackKind
	deviceID string
	enabled  bool
	stops    int
	onEnded  []func()
}

func newFakeTrack(kind domain.TrackKind, deviceID string) *fakeTrack {
	return &fakeTrack{
		id:       fmt.Sprintf("%s-%s", kind, deviceID),
		kind:     kind,
		deviceID: deviceID,
		enabled:  true,
	}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) DeviceID() string       { return t.deviceID }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	return t.stopCount() > 0
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end simulates the platform ending the track.
func (t *fakeTrack) end() {
	t.mu.Lock()
	callbacks := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type fakePlatform struct {
	mu           sync.Mutex
	devices      []domain.MediaDeviceDescriptor
	enumerateErr error
	userMediaErr func(c domain.MediaConstraints) error
	displayErr   error
	gate         chan struct{}
	acquired     []*fakeTrack
	displays     []*fakeTrack
	calls        int
}

func (p *fakePlatform) EnumerateDevices(context.Context) ([]domain.MediaDeviceDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enumerateErr != nil {
		return nil, p.enumerateErr
	}
	return p.devices, nil
}

func (p *fakePlatform) GetUserMedia(ctx context.Context, c domain.MediaConstraints) ([]ports.LocalTrack, error) {
	p.mu.Lock()
	gate := p.gate
	p.calls++
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userMediaErr != nil {
		if err := p.userMediaErr(c); err != nil {
			return nil, err
		}
	}

	var tracks []ports.LocalTrack
	if c.Video != nil {
		t := newFakeTrack(domain.TrackKindVideo, deviceOr(c.Video.DeviceID, "cam-default"))
		p.acquired = append(p.acquired, t)
		tracks = append(tracks, t)
	}
	if c.Audio != nil {
		t := newFakeTrack(domain.TrackKindAudio, deviceOr(c.Audio.DeviceID, "mic-default"))
		p.acquired = append(p.acquired, t)
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (p *fakePlatform) GetDisplayMedia(context.Context) ([]ports.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.displayErr != nil {
		return nil, p.displayErr
	}
	t := newFakeTrack(domain.TrackKindVideo, "screen")
	p.displays = append(p.displays, t)
	return []ports.LocalTrack{t}, nil
}

func (p *fakePlatform) tracks() []*fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeTrack(nil), p.acquired...)
}

func (p *fakePlatform) lastDisplay() *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.displays) == 0 {
		return nil
	}
	return p.displays[len(p.displays)-1]
}

func denyMicrophone(c domain.MediaConstraints) error {
	if c.Audio != nil {
		return &domain.MediaAccessError{Reason: domain.MediaAccessDenied, Capability: domain.CapabilityMicrophone}
	}
	return nil
}

// queryingPlatform also answers permission queries.
type queryingPlatform struct {
	fakePlatform
	states  map[domain.Capability]domain.PermissionState
	watcher func(domain.Capability, domain.PermissionState)
}

func (p *queryingPlatform) QueryPermission(_ context.Context, c domain.Capability) (domain.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[c]
	if !ok {
		return "", errors.New("unsupported")
	}
	return state, nil
}

func (p *queryingPlatform) WatchPermissions(fn func(domain.Capability, domain.PermissionState)) func() {
	p.mu.Lock()
	p.watcher = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.watcher = nil
		p.mu.Unlock()
	}
}

func (p *queryingPlatform) change(c domain.Capability, s domain.PermissionState) {
	p.mu.Lock()
	fn := p.watcher
	p.mu.Unlock()
	if fn != nil {
		fn(c, s)
	}
}

func deviceOr(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}

type fakeSender struct {
	mu       sync.Mutex
	kind     domain.TrackKind
	track    ports.LocalTrack
	replaced int
}

func (s *fakeSender) Kind() domain.TrackKind { return s.kind }

func (s *fakeSender) Track() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	s.track = t
	s.replaced++
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

type fakeRemoteTrack struct {
	id     string
	kind   domain.TrackKind
	stream string
}

func (t fakeRemoteTrack) ID() string             { return t.id }
func (t fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }
func (t fakeRemoteTrack) StreamID() string       { return t.stream }

// fakePeerConnection encodes the sender kinds in its SDP. With autoConnect
// it reports connected once both descriptions are set and surfaces the
// remote kinds as tracks.
type fakePeerConnection struct {
	mu          sync.Mutex
	remote      domain.PeerID
	autoConnect bool

	local      *domain.SessionDescription
	remoteDesc *domain.SessionDescription
	applied    []domain.ICECandidate
	early      int
	senders    []*fakeSender
	surfaced   map[domain.TrackKind]bool
	connected  bool
	closed     bool
	offers     int
	answers    int
	rollbacks  int
	seq        int

	onCandidate func(domain.ICECandidate)
	onState     func(domain.TransportState)
	onTrack     func(domain.RemoteTrack)
}

func newFakePeerConnection(remote domain.PeerID, autoConnect bool) *fakePeerConnection {
	return &fakePeerConnection{
		remote:      remote,
		autoConnect: autoConnect,
		surfaced:    make(map[domain.TrackKind]bool),
	}
}

func (pc *fakePeerConnection) sdpLocked() string {
	kinds := make([]string, 0, len(pc.senders))
	for _, s := range pc.senders {
		kinds = append(kinds, string(s.kind))
	}
	return "v=0 fake kinds=" + strings.Join(kinds, ",")
}

func (pc *fakePeerConnection) CreateOffer(context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offers++
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: pc.sdpLocked()}, nil
}

func (pc *fakePeerConnection) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remoteDesc == nil {
		return domain.SessionDescription{}, errors.New("no remote offer")
	}
	pc.answers++
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: pc.sdpLocked()}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(_ context.Context, sd domain.SessionDescription) error {
	pc.mu.Lock()
	if sd.Type == domain.SDPTypeRollback {
		pc.local = nil
		pc.rollbacks++
		pc.mu.Unlock()
		return nil
	}
	pc.local = &sd
	pc.seq++
	candidate := domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host", pc.seq, 50000+pc.seq),
	}
	cb := pc.onCandidate
	pc.mu.Unlock()

	if cb != nil {
		cb(candidate)
	}
	pc.progress()
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(_ context.Context, sd domain.SessionDescription) error {
	pc.mu.Lock()
	pc.remoteDesc = &sd
	pc.mu.Unlock()
	pc.progress()
	return nil
}

func (pc *fakePeerConnection) progress() {
	pc.mu.Lock()
	if !pc.autoConnect || pc.closed || pc.local == nil || pc.remoteDesc == nil || pc.local.Type == pc.remoteDesc.Type {
		pc.mu.Unlock()
		return
	}
	var tracks []domain.RemoteTrack
	for _, kind := range remoteKinds(pc.remoteDesc.SDP) {
		if !pc.surfaced[kind] {
			pc.surfaced[kind] = true
			tracks = append(tracks, fakeRemoteTrack{id: string(pc.remote) + "-" + string(kind), kind: kind, stream: string(pc.remote)})
		}
	}
	announce := !pc.connected
	pc.connected = true
	onTrack, onState := pc.onTrack, pc.onState
	pc.mu.Unlock()

	for _, t := range tracks {
		if onTrack != nil {
			onTrack(t)
		}
	}
	if announce && onState != nil {
		onState(domain.TransportConnected)
	}
}

func remoteKinds(sdp string) []domain.TrackKind {
	i := strings.Index(sdp, "kinds=")
	if i < 0 {
		return nil
	}
	var out []domain.TrackKind
	for _, k := range strings.Split(sdp[i+len("kinds="):], ",") {
		if k != "" {
			out = append(out, domain.TrackKind(k))
		}
	}
	return out
}

func (pc *fakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remoteDesc == nil {
		pc.early++
		return errors.New("remote description not set")
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *fakePeerConnection) AddTrack(t ports.LocalTrack) (ports.Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s := &fakeSender{kind: t.Kind(), track: t}
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *fakePeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	pc.mu.Lock()
	pc.onCandidate = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnStateChange(fn func(domain.TransportState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

func (pc *fakePeerConnection) Stats() domain.LinkStats {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return domain.LinkStats{PacketsSent: uint64(pc.offers + pc.answers)}
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	onState := pc.onState
	pc.mu.Unlock()

	if onState != nil {
		onState(domain.TransportClosed)
	}
	return nil
}

// setState simulates a transport state report from the platform.
func (pc *fakePeerConnection) setState(s domain.TransportState) {
	pc.mu.Lock()
	onState := pc.onState
	pc.mu.Unlock()
	onState(s)
}

func (pc *fakePeerConnection) sender(kind domain.TrackKind) *fakeSender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, s := range pc.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (pc *fakePeerConnection) appliedCandidates() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, len(pc.applied))
	for i, c := range pc.applied {
		out[i] = c.Candidate
	}
	return out
}

func (pc *fakePeerConnection) earlyApplications() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.early
}

func (pc *fakePeerConnection) offerCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *fakePeerConnection) rollbackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rollbacks
}

func (pc *fakePeerConnection) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePeerConnection) remoteDescription() *domain.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remoteDesc
}

type fakeFactory struct {
	mu      sync.Mutex
	stalled map[domain.PeerID]bool
	manual  bool
	conns   map[domain.PeerID][]*fakePeerConnection
	err     error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		stalled: make(map[domain.PeerID]bool),
		conns:   make(map[domain.PeerID][]*fakePeerConnection),
	}
}

func (f *fakeFactory) NewPeerConnection(_ context.Context, remote domain.PeerID) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := newFakePeerConnection(remote, !f.manual && !f.stalled[remote])
	f.conns[remote] = append(f.conns[remote], pc)
	return pc, nil
}

func (f *fakeFactory) stall(remote domain.PeerID) {
	f.mu.Lock()
	f.stalled[remote] = true
	f.mu.Unlock()
}

func (f *fakeFactory) latest(remote domain.PeerID) *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[remote]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (f *fakeFactory) count(remote domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remote])
}

func (f *fakeFactory) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, conns := range f.conns {
		n += len(conns)
	}
	return n
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) Publish(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) stages() []domain.CallStage {
	var out []domain.CallStage
	for _, e := range r.ofType(domain.EventStageChanged) {
		out = append(out, e.Stage)
	}
	return out
}

func (r *eventRecorder) errorsFor(peer domain.PeerID) []error {
	var out []error
	for _, e := range r.ofType(domain.EventError) {
		if e.PeerID == peer {
			out = append(out, e.Err)
		}
	}
	return out
}

type fakeMetrics struct {
	noopMetrics
	mu          sync.Mutex
	timeouts    int
	sigFailures map[domain.MessageType]int
	accessFails map[domain.MediaAccessReason]int
	stages      []domain.CallStage
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		sigFailures: make(map[domain.MessageType]int),
		accessFails: make(map[domain.MediaAccessReason]int),
	}
}

func (m *fakeMetrics) RecordStage(s domain.CallStage) {
	m.mu.Lock()
	m.stages = append(m.stages, s)
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordNegotiationTimeout() {
	m.mu.Lock()
	m.timeouts++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordSignalingFailure(t domain.MessageType) {
	m.mu.Lock()
	m.sigFailures[t]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordMediaAccessFailure(r domain.MediaAccessReason) {
	m.mu.Lock()
	m.accessFails[r]++
	m.mu.Unlock()
}

func (m *fakeMetrics) timeoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeouts
}

func (m *fakeMetrics) signalingFailures(t domain.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sigFailures[t]
}
