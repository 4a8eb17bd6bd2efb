package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	"callmesh/pkg/config"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/tracing"
	"callmesh/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Forwarder carries envelopes to peers held by other relay instances. An
// empty instanceID addresses every other instance.
type Forwarder interface {
	Forward(ctx context.Context, instanceID string, env domain.Envelope) error
}

type ServerConfig struct {
	InstanceID        string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

func ServerConfigFromSettings(cfg *config.Config) ServerConfig {
	out := ServerConfig{
		InstanceID:     cfg.Signal.InstanceID,
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		out.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		out.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return out
}

// RoomInfo is a snapshot of one room held by this instance.
type RoomInfo struct {
	SessionID domain.SessionID `json:"session_id"`
	Peers     []domain.PeerID  `json:"peers"`
	CreatedAt time.Time        `json:"created_at"`
}

type room struct {
	clients   map[domain.PeerID]*client
	createdAt time.Time
}

// WebSocketServer relays signaling envelopes between the peers of a room.
type WebSocketServer struct {
	cfg       ServerConfig
	upgrader  websocket.Upgrader
	presence  ports.PresenceRegistry
	forwarder Forwarder
	metrics   ports.RelayMetrics

	rooms map[domain.SessionID]*room
	mu    sync.RWMutex

	logger *zap.SugaredLogger
}

type ServerOption func(*WebSocketServer)

// WithPresence records connected peers in a registry shared by instances.
func WithPresence(registry ports.PresenceRegistry) ServerOption {
	return func(s *WebSocketServer) { s.presence = registry }
}

func WithForwarder(f Forwarder) ServerOption {
	return func(s *WebSocketServer) { s.forwarder = f }
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

func NewWebSocketServer(cfg ServerConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger, opts ...ServerOption) *WebSocketServer {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &WebSocketServer{
		cfg:     cfg,
		metrics: metrics,
		rooms:   make(map[domain.SessionID]*room),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	sessionID := c.Query("session_id")
	peerID := c.Query("peer_id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		appErr := apperrors.NewInvalidInputError(err.Error())
		c.JSON(appErr.HTTPStatus, appErr.Frame())
		return
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		appErr := apperrors.NewInvalidInputError(err.Error())
		c.JSON(appErr.HTTPStatus, appErr.Frame())
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	cl := s.newClient(domain.SessionID(sessionID), domain.PeerID(peerID), conn)
	reconnect := s.register(cl)
	s.logger.Infow("peer connected via WebSocket",
		"session_id", sessionID,
		"peer_id", peerID,
		"reconnect", reconnect,
	)

	go cl.writePump()
	s.readPump(cl)
	s.unregister(cl)
}

func (s *WebSocketServer) newClient(sessionID domain.SessionID, peerID domain.PeerID, conn *websocket.Conn) *client {
	cl := &client{
		sessionID:    sessionID,
		peerID:       peerID,
		conn:         conn,
		send:         make(chan []byte, s.cfg.SendQueueSize),
		done:         make(chan struct{}),
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		logger:       s.logger.With("session_id", sessionID, "peer_id", peerID),
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}
	return cl
}

// register adds the client to its room, replacing an older connection of
// the same peer. It reports whether a connection was replaced.
func (s *WebSocketServer) register(cl *client) bool {
	s.mu.Lock()
	r, ok := s.rooms[cl.sessionID]
	if !ok {
		r = &room{clients: make(map[domain.PeerID]*client), createdAt: time.Now()}
		s.rooms[cl.sessionID] = r
	}
	old := r.clients[cl.peerID]
	r.clients[cl.peerID] = cl
	rooms := len(s.rooms)
	s.mu.Unlock()

	if old != nil {
		old.close(websocket.ClosePolicyViolation, "replaced by a new connection")
	}

	s.metrics.RecordConnectionOpened(cl.sessionID)
	s.metrics.SetActiveRooms(rooms)
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		err := s.presence.Register(ctx, ports.Presence{SessionID: cl.sessionID, PeerID: cl.peerID, InstanceID: s.cfg.InstanceID})
		if err != nil {
			cl.logger.Warnw("Failed to register presence", "error", err)
		}
	}
	return old != nil
}

// unregister removes the client. The room is told the peer left unless a
// newer connection of the same peer took its place.
func (s *WebSocketServer) unregister(cl *client) {
	cl.close(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	r := s.rooms[cl.sessionID]
	current := r != nil && r.clients[cl.peerID] == cl
	if current {
		delete(r.clients, cl.peerID)
		if len(r.clients) == 0 {
			delete(s.rooms, cl.sessionID)
		}
	}
	rooms := len(s.rooms)
	s.mu.Unlock()

	s.metrics.RecordConnectionClosed(cl.sessionID)
	s.metrics.SetActiveRooms(rooms)
	cl.logger.Infow("peer disconnected", "replaced", !current)
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if s.presence != nil {
		if err := s.presence.Unregister(ctx, cl.sessionID, cl.peerID); err != nil {
			cl.logger.Warnw("Failed to unregister presence", "error", err)
		}
	}

	left, err := domain.NewEnvelope(cl.sessionID, domain.MessagePeerLeft, cl.peerID, "", nil)
	if err != nil {
		return
	}
	if err := s.route(ctx, left); err != nil {
		cl.logger.Debugw("Failed to announce departure", "error", err)
	}
}

func (s *WebSocketServer) readPump(cl *client) {
	conn := cl.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.refreshPresence(cl)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.logger.Infow("error reading message from peer", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if cl.limiter != nil && !cl.limiter.Allow() {
			s.reject(cl, "rate_limited", apperrors.NewRateLimitError())
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reject(cl, "decode", apperrors.NewInvalidMessageError(err))
			continue
		}
		if appErr := s.validate(cl, env); appErr != nil {
			s.reject(cl, string(appErr.Code), appErr)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = s.route(ctx, env)
		cancel()
		if err != nil {
			if appErr := apperrors.GetAppError(err); appErr != nil {
				s.reject(cl, string(appErr.Code), appErr.WithContext("type", string(env.Type)))
			} else {
				s.reject(cl, "route", apperrors.NewInternalError(err.Error()))
			}
		}
	}
}

// validate checks an envelope against the connection that sent it.
func (s *WebSocketServer) validate(cl *client, env domain.Envelope) *apperrors.AppError {
	if env.SessionID != cl.sessionID || env.From != cl.peerID {
		return apperrors.NewSessionMismatchError()
	}
	if err := env.Validate(); err != nil {
		return apperrors.NewInvalidMessageError(err)
	}
	if env.To != "" {
		if env.To == env.From {
			return apperrors.NewInvalidInputError("message addressed to its sender")
		}
		if err := validation.ValidatePeerID(string(env.To)); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	if env.Type == domain.MessageOffer || env.Type == domain.MessageAnswer {
		var sd domain.SessionDescription
		if err := env.DecodePayload(&sd); err != nil {
			return apperrors.NewInvalidMessageError(err)
		}
		if _, err := validation.ParseSDP(sd.SDP); err != nil {
			return apperrors.NewInvalidMessageError(err)
		}
	}
	return nil
}

func (s *WebSocketServer) reject(cl *client, reason string, appErr *apperrors.AppError) {
	s.metrics.RecordMessageRejected(reason)
	cl.logger.Debugw("Rejected message", "reason", reason, "error", appErr)
	data, err := json.Marshal(appErr.Frame())
	if err != nil {
		return
	}
	cl.enqueue(data)
}

// route delivers an envelope that entered through this instance.
func (s *WebSocketServer) route(ctx context.Context, env domain.Envelope) (err error) {
	ctx, span := tracing.TraceSignal(ctx, string(env.Type), string(env.SessionID), string(env.From))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if env.To != "" {
		if target := s.client(env.SessionID, env.To); target != nil {
			target.enqueue(data)
			s.metrics.RecordMessageRouted(env.Type, "local")
			return nil
		}
		instance, err := s.remoteInstance(ctx, env.SessionID, env.To)
		if err != nil {
			return err
		}
		if err := s.forwarder.Forward(ctx, instance, env); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "failed to forward message", http.StatusServiceUnavailable)
		}
		s.metrics.RecordMessageRouted(env.Type, "remote")
		return nil
	}

	s.broadcastLocal(env, data)
	s.metrics.RecordMessageRouted(env.Type, "broadcast")
	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, "", env); err != nil {
			s.logger.Warnw("Failed to forward broadcast", "session_id", env.SessionID, "type", env.Type, "error", err)
		}
	}
	return nil
}

func (s *WebSocketServer) remoteInstance(ctx context.Context, sessionID domain.SessionID, peerID domain.PeerID) (string, error) {
	if s.presence == nil || s.forwarder == nil {
		return "", apperrors.NewPeerNotFoundError(string(peerID))
	}
	p, err := s.presence.Lookup(ctx, sessionID, peerID)
	if err != nil {
		return "", apperrors.NewPeerNotFoundError(string(peerID))
	}
	if p.InstanceID == s.cfg.InstanceID {
		return "", apperrors.NewPeerNotFoundError(string(peerID))
	}
	return p.InstanceID, nil
}

// Deliver hands an envelope forwarded by another instance to the local
// members of its room.
func (s *WebSocketServer) Deliver(env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if env.To != "" {
		if target := s.client(env.SessionID, env.To); target != nil {
			target.enqueue(data)
			s.metrics.RecordMessageRouted(env.Type, "forwarded")
		}
		return
	}
	s.broadcastLocal(env, data)
	s.metrics.RecordMessageRouted(env.Type, "forwarded")
}

func (s *WebSocketServer) broadcastLocal(env domain.Envelope, data []byte) {
	s.mu.RLock()
	r := s.rooms[env.SessionID]
	var targets []*client
	if r != nil {
		for id, cl := range r.clients {
			if id != env.From {
				targets = append(targets, cl)
			}
		}
	}
	s.mu.RUnlock()

	for _, cl := range targets {
		cl.enqueue(data)
	}
}

func (s *WebSocketServer) client(sessionID domain.SessionID, peerID domain.PeerID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.rooms[sessionID]; r != nil {
		return r.clients[peerID]
	}
	return nil
}

func (s *WebSocketServer) refreshPresence(cl *client) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.presence.Refresh(ctx, cl.sessionID, cl.peerID); err != nil {
		cl.logger.Debugw("Failed to refresh presence", "error", err)
	}
}

// Rooms lists the rooms held by this instance, ordered by session id.
func (s *WebSocketServer) Rooms() []RoomInfo {
	s.mu.RLock()
	out := make([]RoomInfo, 0, len(s.rooms))
	for id, r := range s.rooms {
		out = append(out, snapshot(id, r))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (s *WebSocketServer) Room(sessionID domain.SessionID) (RoomInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[sessionID]
	if !ok {
		return RoomInfo{}, false
	}
	return snapshot(sessionID, r), true
}

func snapshot(id domain.SessionID, r *room) RoomInfo {
	peers := make([]domain.PeerID, 0, len(r.clients))
	for p := range r.clients {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return RoomInfo{SessionID: id, Peers: peers, CreatedAt: r.createdAt}
}

// Stats returns the number of rooms and connections.
func (s *WebSocketServer) Stats() (rooms, connections int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		connections += len(r.clients)
	}
	return len(s.rooms), connections
}

// Shutdown closes every connection with a going-away frame.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	var all []*client
	for _, r := range s.rooms {
		for _, cl := range r.clients {
			all = append(all, cl)
		}
	}
	s.mu.RUnlock()

	for _, cl := range all {
		cl.close(websocket.CloseGoingAway, "server shutting down")
	}
	for _, cl := range all {
		select {
		case <-cl.stopped():
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// client is one relay connection. All writes go through the writer
// goroutine so frames leave in the order they were queued.
type client struct {
	sessionID domain.SessionID
	peerID    domain.PeerID
	conn      *websocket.Conn
	limiter   *rate.Limiter

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}
	writerOnce  sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// enqueue queues a frame. A client that cannot keep up is disconnected.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warnw("Send queue full, closing connection")
		c.close(websocket.CloseTryAgainLater, "send queue full")
	}
}

func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *client) stopped() <-chan struct{} {
	c.writerOnce.Do(func() { c.writerDone = make(chan struct{}) })
	return c.writerDone
}

func (c *client) writePump() {
	c.stopped()
	finished := c.writerDone
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(finished)
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("error writing message", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("error sending ping", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			}
			return
		}
	}
}

// flush writes frames queued before close, such as a final error frame.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
