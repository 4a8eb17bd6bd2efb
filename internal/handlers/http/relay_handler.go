package http

import (
	"net/http"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/internal/infrastructure/monitoring"
	"callmesh/internal/infrastructure/signal"
	"callmesh/pkg/errors"
	"callmesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomDirectory is the read side of the relay the handler reports on.
type RoomDirectory interface {
	Rooms() []signal.RoomInfo
	Room(sessionID domain.SessionID) (signal.RoomInfo, bool)
	Stats() (rooms, connections int)
}

type RelayHandler struct {
	rooms      RoomDirectory
	presence   ports.PresenceRegistry
	health     *monitoring.HealthChecker
	instanceID string
	startedAt  time.Time
	logger     *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*RelayHandler)(nil)

// NewRelayHandler reports on rooms. presence may be nil when the relay runs
// as a single instance.
func NewRelayHandler(
	rooms RoomDirectory,
	presence ports.PresenceRegistry,
	health *monitoring.HealthChecker,
	instanceID string,
	logger *zap.SugaredLogger,
) *RelayHandler {
	return &RelayHandler{
		rooms:      rooms,
		presence:   presence,
		health:     health,
		instanceID: instanceID,
		startedAt:  time.Now(),
		logger:     logger,
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine, ws ports.WebSocketHandler, wsMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/ws", append(wsMiddleware, ws.HandleWebSocket)...)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

// Health is liveness only.
func (h *RelayHandler) Health(c *gin.Context) {
	rooms, connections := h.rooms.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"instance_id": h.instanceID,
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
		"rooms":       rooms,
		"connections": connections,
	})
}

func (h *RelayHandler) Ready(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
		return
	}
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RelayHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

// GetRoom reports the peers connected here and, with a shared presence
// registry, the peers of the session held by other instances.
func (h *RelayHandler) GetRoom(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	local, found := h.rooms.Room(sessionID)

	var all []domain.PeerID
	if h.presence != nil {
		peers, err := h.presence.SessionPeers(c.Request.Context(), sessionID)
		if err != nil {
			h.logger.Warnw("failed to list session peers", "session_id", sessionID, "error", err)
			_ = c.Error(errors.NewServiceUnavailableError("presence registry unavailable"))
			return
		}
		all = peers
	}

	if !found && len(all) == 0 {
		_ = c.Error(errors.NewNotFoundError("room"))
		return
	}
	if !found {
		local = signal.RoomInfo{SessionID: sessionID, Peers: []domain.PeerID{}}
	}
	if all == nil {
		all = local.Peers
	}

	c.JSON(http.StatusOK, gin.H{
		"room":      local,
		"all_peers": all,
	})
}
