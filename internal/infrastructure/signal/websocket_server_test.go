package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const waitFor = 2 * time.Second

// MockRelayMetrics accepts every call and records it for assertions.
type MockRelayMetrics struct {
	mock.Mock
}

func newMockRelayMetrics() *MockRelayMetrics {
	m := &MockRelayMetrics{}
	m.On("RecordConnectionOpened", mock.Anything).Maybe()
	m.On("RecordConnectionClosed", mock.Anything).Maybe()
	m.On("RecordMessageRouted", mock.Anything, mock.Anything).Maybe()
	m.On("RecordMessageRejected", mock.Anything).Maybe()
	m.On("SetActiveRooms", mock.Anything).Maybe()
	return m
}

func (m *MockRelayMetrics) RecordConnectionOpened(sessionID domain.SessionID) { m.Called(sessionID) }
func (m *MockRelayMetrics) RecordConnectionClosed(sessionID domain.SessionID) { m.Called(sessionID) }
func (m *MockRelayMetrics) RecordMessageRouted(msgType domain.MessageType, route string) {
	m.Called(msgType, route)
}
func (m *MockRelayMetrics) RecordMessageRejected(reason string) { m.Called(reason) }
func (m *MockRelayMetrics) SetActiveRooms(n int)                { m.Called(n) }

type testRelay struct {
	server  *WebSocketServer
	metrics *MockRelayMetrics
	url     string
}

func newTestRelay(t *testing.T, cfg ServerConfig, opts ...ServerOption) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Second
	}
	metrics := newMockRelayMetrics()
	srv := NewWebSocketServer(cfg, metrics, zap.NewNop().Sugar(), opts...)

	router := gin.New()
	router.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testRelay{
		server:  srv,
		metrics: metrics,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (r *testRelay) dial(t *testing.T, session domain.SessionID, peer domain.PeerID) *WebSocketChannel {
	t.Helper()
	ch, err := DialWebSocket(context.Background(), ChannelConfig{
		URL:       r.url,
		SessionID: session,
		PeerID:    peer,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// waitPeers blocks until the relay has registered n connections.
func (r *testRelay) waitPeers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, conns := r.server.Stats()
		return conns == n
	}, waitFor, 5*time.Millisecond)
}

func collect(ch *WebSocketChannel, msgType domain.MessageType) <-chan domain.Envelope {
	out := make(chan domain.Envelope, 16)
	ch.On(msgType, func(env domain.Envelope) { out <- env })
	return out
}

func offer(t *testing.T, from, to domain.PeerID) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope("room-1", domain.MessageOffer, from, to,
		domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: testSDP})
	require.NoError(t, err)
	return env
}

func receive(t *testing.T, ch <-chan domain.Envelope) domain.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return domain.Envelope{}
	}
}

func assertSilent(t *testing.T, ch <-chan domain.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected %s from %s", env.Type, env.From)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_TargetedAndBroadcast(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	bob := relay.dial(t, "room-1", "bob")
	carol := relay.dial(t, "room-1", "carol")
	relay.waitPeers(t, 3)

	aliceJoined := collect(alice, domain.MessagePeerJoined)
	bobOffers := collect(bob, domain.MessageOffer)
	bobJoined := collect(bob, domain.MessagePeerJoined)
	carolOffers := collect(carol, domain.MessageOffer)
	carolJoined := collect(carol, domain.MessagePeerJoined)

	require.NoError(t, alice.Send(context.Background(), offer(t, "alice", "bob")))
	got := receive(t, bobOffers)
	assert.Equal(t, domain.PeerID("alice"), got.From)
	var sd domain.SessionDescription
	require.NoError(t, got.DecodePayload(&sd))
	assert.Equal(t, testSDP, sd.SDP)
	assertSilent(t, carolOffers)

	joined, err := domain.NewEnvelope("room-1", domain.MessagePeerJoined, "alice", "", domain.PresencePayload{DisplayName: "Alice"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), joined))
	assert.Equal(t, domain.PeerID("alice"), receive(t, bobJoined).From)
	assert.Equal(t, domain.PeerID("alice"), receive(t, carolJoined).From)
	assertSilent(t, aliceJoined)

	relay.metrics.AssertCalled(t, "RecordMessageRouted", domain.MessageOffer, "local")
	relay.metrics.AssertCalled(t, "RecordMessageRouted", domain.MessagePeerJoined, "broadcast")
}

func TestRelay_PreservesOrder(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	bob := relay.dial(t, "room-1", "bob")
	relay.waitPeers(t, 2)

	candidates := collect(bob, domain.MessageICECandidate)
	for i := 0; i < 10; i++ {
		env, err := domain.NewEnvelope("room-1", domain.MessageICECandidate, "alice", "bob",
			domain.ICECandidate{Candidate: "candidate:" + string(rune('a'+i))})
		require.NoError(t, err)
		require.NoError(t, alice.Send(context.Background(), env))
	}
	for i := 0; i < 10; i++ {
		var c domain.ICECandidate
		require.NoError(t, receive(t, candidates).DecodePayload(&c))
		assert.Equal(t, "candidate:"+string(rune('a'+i)), c.Candidate)
	}
}

func TestRelay_PeerLeftOnDisconnect(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	bob := relay.dial(t, "room-1", "bob")
	relay.waitPeers(t, 2)

	left := collect(alice, domain.MessagePeerLeft)
	require.NoError(t, bob.Close())

	assert.Equal(t, domain.PeerID("bob"), receive(t, left).From)
	relay.waitPeers(t, 1)
	rooms, _ := relay.server.Stats()
	assert.Equal(t, 1, rooms)
}

func TestRelay_ReconnectReplacesConnection(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	first := relay.dial(t, "room-1", "bob")
	relay.waitPeers(t, 2)
	left := collect(alice, domain.MessagePeerLeft)

	second := relay.dial(t, "room-1", "bob")
	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("old connection was not closed")
	}
	assertSilent(t, left)

	offers := collect(second, domain.MessageOffer)
	require.NoError(t, alice.Send(context.Background(), offer(t, "alice", "bob")))
	receive(t, offers)

	room, ok := relay.server.Room("room-1")
	require.True(t, ok)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, room.Peers)
}

func TestRelay_RejectsInvalidEnvelopes(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	relay.dial(t, "room-1", "bob")

	conn, _, err := websocket.DefaultDialer.Dial(relay.url+"?session_id=room-1&peer_id=alice", nil)
	require.NoError(t, err)
	defer conn.Close()
	relay.waitPeers(t, 2)

	tests := []struct {
		name  string
		frame string
		code  apperrors.ErrorCode
	}{
		{
			name:  "not json",
			frame: `{`,
			code:  apperrors.ErrCodeInvalidMessage,
		},
		{
			name:  "wrong session",
			frame: `{"sessionId":"room-2","type":"peer-joined","from":"alice","payload":{}}`,
			code:  apperrors.ErrCodeSessionMismatch,
		},
		{
			name:  "spoofed sender",
			frame: `{"sessionId":"room-1","type":"peer-joined","from":"bob","payload":{}}`,
			code:  apperrors.ErrCodeSessionMismatch,
		},
		{
			name:  "unknown type",
			frame: `{"sessionId":"room-1","type":"chat","from":"alice","payload":{}}`,
			code:  apperrors.ErrCodeInvalidMessage,
		},
		{
			name:  "unparseable sdp",
			frame: `{"sessionId":"room-1","type":"offer","from":"alice","to":"bob","payload":{"type":"offer","sdp":"hello"}}`,
			code:  apperrors.ErrCodeInvalidMessage,
		},
		{
			name:  "empty candidate",
			frame: `{"sessionId":"room-1","type":"ice-candidate","from":"alice","to":"bob","payload":{"candidate":""}}`,
			code:  apperrors.ErrCodeInvalidMessage,
		},
		{
			name:  "unknown target",
			frame: `{"sessionId":"room-1","type":"ice-candidate","from":"alice","to":"zed","payload":{"candidate":"candidate:1"}}`,
			code:  apperrors.ErrCodePeerNotFound,
		},
		{
			name:  "addressed to self",
			frame: `{"sessionId":"room-1","type":"peer-joined","from":"alice","to":"alice","payload":{}}`,
			code:  apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
			var frame apperrors.Frame
			require.NoError(t, conn.ReadJSON(&frame))
			assert.Equal(t, "error", frame.Type)
			assert.Equal(t, tt.code, frame.Code)
		})
	}

	relay.metrics.AssertCalled(t, "RecordMessageRejected", string(apperrors.ErrCodeSessionMismatch))
}

func TestRelay_ErrorFramesReachTheChannel(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	relay.waitPeers(t, 1)

	frames := make(chan apperrors.Frame, 1)
	alice.OnError(func(f apperrors.Frame) { frames <- f })

	require.NoError(t, alice.Send(context.Background(), offer(t, "alice", "bob")))
	select {
	case f := <-frames:
		assert.Equal(t, apperrors.ErrCodePeerNotFound, f.Code)
		assert.Equal(t, "bob", f.Context["peer_id"])
	case <-time.After(waitFor):
		t.Fatal("no error frame")
	}
}

func TestRelay_MessageRateLimit(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{MessagesPerSecond: 1, MessageBurst: 1})
	conn, _, err := websocket.DefaultDialer.Dial(relay.url+"?session_id=room-1&peer_id=alice", nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := []byte(`{"sessionId":"room-1","type":"peer-joined","from":"alice","payload":{}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var got apperrors.Frame
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, apperrors.ErrCodeRateLimit, got.Code)
}

func TestRelay_HandshakeValidation(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})

	_, err := DialWebSocket(context.Background(), ChannelConfig{
		URL:       relay.url,
		SessionID: "room-1",
		PeerID:    "not a valid id",
		Dial:      retry.Config{Enabled: true, MaxAttempts: 5, InitialDelay: time.Millisecond},
	}, zap.NewNop().Sugar())

	require.ErrorIs(t, err, ErrHandshakeRejected)
	var sigErr *domain.SignalingError
	assert.ErrorAs(t, err, &sigErr)
}

func TestDialWebSocket_RejectsBadURL(t *testing.T) {
	_, err := DialWebSocket(context.Background(), ChannelConfig{URL: "http://example.com/ws", SessionID: "s", PeerID: "p"}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestWebSocketChannel_SendValidatesSender(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")

	err := alice.Send(context.Background(), offer(t, "mallory", "bob"))
	assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.Send(context.Background(), offer(t, "alice", "bob")), ErrChannelClosed)
}

// loopForwarder connects relay instances in the same process.
type loopForwarder struct {
	self    string
	servers map[string]*WebSocketServer
}

func (f *loopForwarder) Forward(_ context.Context, instanceID string, env domain.Envelope) error {
	for id, srv := range f.servers {
		if id == f.self || (instanceID != "" && id != instanceID) {
			continue
		}
		srv.Deliver(env)
	}
	return nil
}

func TestRelay_RoutesAcrossInstances(t *testing.T) {
	presence := NewMemoryPresence(time.Minute)
	servers := make(map[string]*WebSocketServer)
	fwdA := &loopForwarder{self: "a", servers: servers}
	fwdB := &loopForwarder{self: "b", servers: servers}

	relayA := newTestRelay(t, ServerConfig{InstanceID: "a"}, WithPresence(presence), WithForwarder(fwdA))
	relayB := newTestRelay(t, ServerConfig{InstanceID: "b"}, WithPresence(presence), WithForwarder(fwdB))
	servers["a"] = relayA.server
	servers["b"] = relayB.server

	alice := relayA.dial(t, "room-1", "alice")
	bob := relayB.dial(t, "room-1", "bob")
	relayA.waitPeers(t, 1)
	relayB.waitPeers(t, 1)

	peers, err := presence.SessionPeers(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, peers)

	offers := collect(bob, domain.MessageOffer)
	require.NoError(t, alice.Send(context.Background(), offer(t, "alice", "bob")))
	assert.Equal(t, domain.PeerID("alice"), receive(t, offers).From)

	left := collect(alice, domain.MessagePeerLeft)
	require.NoError(t, bob.Close())
	assert.Equal(t, domain.PeerID("bob"), receive(t, left).From)

	_, err = presence.Lookup(context.Background(), "room-1", "bob")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	relayA.metrics.AssertCalled(t, "RecordMessageRouted", domain.MessageOffer, "remote")
	relayB.metrics.AssertCalled(t, "RecordMessageRouted", domain.MessageOffer, "forwarded")
}

func TestRelay_Shutdown(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	alice := relay.dial(t, "room-1", "alice")
	relay.waitPeers(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, relay.server.Shutdown(ctx))

	select {
	case <-alice.Done():
	case <-time.After(waitFor):
		t.Fatal("client was not disconnected")
	}
}

func TestRelay_RoomsSnapshot(t *testing.T) {
	relay := newTestRelay(t, ServerConfig{})
	relay.dial(t, "room-b", "bob")
	relay.dial(t, "room-a", "alice")
	relay.waitPeers(t, 2)

	rooms := relay.server.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.SessionID("room-a"), rooms[0].SessionID)
	assert.Equal(t, []domain.PeerID{"alice"}, rooms[0].Peers)

	data, err := json.Marshal(rooms[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"room-b"`)

	_, ok := relay.server.Room("room-c")
	assert.False(t, ok)
}
