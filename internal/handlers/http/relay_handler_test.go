package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/middleware"
	"callmesh/internal/infrastructure/monitoring"
	"callmesh/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRooms struct {
	rooms []signal.RoomInfo
}

func (f *fakeRooms) Rooms() []signal.RoomInfo { return f.rooms }

func (f *fakeRooms) Room(id domain.SessionID) (signal.RoomInfo, bool) {
	for _, r := range f.rooms {
		if r.SessionID == id {
			return r, true
		}
	}
	return signal.RoomInfo{}, false
}

func (f *fakeRooms) Stats() (int, int) {
	n := 0
	for _, r := range f.rooms {
		n += len(r.Peers)
	}
	return len(f.rooms), n
}

type noopWS struct{}

func (noopWS) HandleWebSocket(c *gin.Context) { c.Status(http.StatusTeapot) }

func newRouter(h *RelayHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	h.SetupRoutes(router, noopWS{})
	return router
}

func get(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func presenceOf(sessionID domain.SessionID, peerID domain.PeerID, instanceID string) ports.Presence {
	return ports.Presence{SessionID: sessionID, PeerID: peerID, InstanceID: instanceID}
}

func testRooms() *fakeRooms {
	return &fakeRooms{rooms: []signal.RoomInfo{
		{SessionID: "room-1", Peers: []domain.PeerID{"alice", "bob"}, CreatedAt: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)},
		{SessionID: "room-2", Peers: []domain.PeerID{"carol"}},
	}}
}

func TestRelayHandler_Health(t *testing.T) {
	router := newRouter(NewRelayHandler(testRooms(), nil, nil, "relay-a", zap.NewNop().Sugar()))

	w, body := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "relay-a", body["instance_id"])
	assert.Equal(t, 2.0, body["rooms"])
	assert.Equal(t, 3.0, body["connections"])
}

func TestRelayHandler_Ready(t *testing.T) {
	health := monitoring.NewHealthChecker()
	healthy := true
	health.AddCheck("dep", func(context.Context) (bool, error) {
		if !healthy {
			return false, errors.New("dep down")
		}
		return true, nil
	}, time.Second, time.Second)
	router := newRouter(NewRelayHandler(testRooms(), nil, health, "relay-a", zap.NewNop().Sugar()))

	w, _ := get(t, router, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	healthy = false
	w, body := get(t, router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, monitoring.StatusUnhealthy, body["status"])
}

func TestRelayHandler_Rooms(t *testing.T) {
	router := newRouter(NewRelayHandler(testRooms(), nil, nil, "relay-a", zap.NewNop().Sugar()))

	w, body := get(t, router, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["count"])

	w, body = get(t, router, "/api/v1/rooms/room-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"alice", "bob"}, body["all_peers"])

	w, body = get(t, router, "/api/v1/rooms/room-9")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	w, body = get(t, router, "/api/v1/rooms/bad%20id")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestRelayHandler_RoomAcrossInstances(t *testing.T) {
	presence := signal.NewMemoryPresence(0)
	ctx := context.Background()
	require.NoError(t, presence.Register(ctx, presenceOf("room-3", "dave", "relay-b")))
	require.NoError(t, presence.Register(ctx, presenceOf("room-1", "alice", "relay-a")))
	require.NoError(t, presence.Register(ctx, presenceOf("room-1", "bob", "relay-a")))
	require.NoError(t, presence.Register(ctx, presenceOf("room-1", "erin", "relay-b")))

	router := newRouter(NewRelayHandler(testRooms(), presence, nil, "relay-a", zap.NewNop().Sugar()))

	w, body := get(t, router, "/api/v1/rooms/room-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"alice", "bob", "erin"}, body["all_peers"])

	w, body = get(t, router, "/api/v1/rooms/room-3")
	assert.Equal(t, http.StatusOK, w.Code, "room only held by another instance")
	assert.Equal(t, []any{"dave"}, body["all_peers"])
	assert.Equal(t, []any{}, body["room"].(map[string]any)["peers"])
}

func TestRelayHandler_WebSocketRoute(t *testing.T) {
	router := newRouter(NewRelayHandler(testRooms(), nil, nil, "relay-a", zap.NewNop().Sugar()))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
