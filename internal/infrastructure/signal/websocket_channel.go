package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
	apperrors "callmesh/pkg/errors"
	"callmesh/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrHandshakeRejected = errors.New("relay rejected the connection")

type ChannelConfig struct {
	// URL of the relay websocket endpoint, for example ws://host:8080/ws.
	URL          string
	SessionID    domain.SessionID
	PeerID       domain.PeerID
	WriteTimeout time.Duration
	Dial         retry.Config
}

// WebSocketChannel is a signaling channel backed by a relay connection.
// Frames are written by one goroutine in Send order; handlers run on the
// reader goroutine in arrival order.
type WebSocketChannel struct {
	cfg    ChannelConfig
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	mu       sync.Mutex
	handlers map[domain.MessageType]map[uint64]ports.MessageHandler
	nextID   uint64
	onError  func(apperrors.Frame)

	writes    chan writeRequest
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	writeDone chan struct{}
}

type writeRequest struct {
	data   []byte
	result chan error
}

var _ ports.SignalingChannel = (*WebSocketChannel)(nil)

// DialWebSocket connects to the relay, retrying with exponential backoff
// until ctx ends or cfg.Dial gives up. A handshake refused with a client
// error is not retried.
func DialWebSocket(ctx context.Context, cfg ChannelConfig, logger *zap.SugaredLogger) (*WebSocketChannel, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	target, err := channelURL(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With("session_id", cfg.SessionID, "peer_id", cfg.PeerID)

	dialCfg := cfg.Dial
	dialCfg.NonRetryableErrors = append(dialCfg.NonRetryableErrors, ErrHandshakeRejected)

	attempt := 0
	conn, err := retry.RetryWithResult(ctx, dialCfg, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Status)
			}
			logger.Debugw("Relay dial failed", "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, &domain.SignalingError{Op: "dial", Err: err}
	}
	logger.Infow("Connected to relay", "url", cfg.URL, "attempts", attempt)

	c := &WebSocketChannel{
		cfg:       cfg,
		conn:      conn,
		logger:    logger,
		handlers:  make(map[domain.MessageType]map[uint64]ports.MessageHandler),
		writes:    make(chan writeRequest),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func channelURL(cfg ChannelConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("session_id", string(cfg.SessionID))
	q.Set("peer_id", string(cfg.PeerID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OnError registers a callback for error frames sent by the relay.
func (c *WebSocketChannel) OnError(fn func(apperrors.Frame)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *WebSocketChannel) Send(ctx context.Context, env domain.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.SessionID != c.cfg.SessionID || env.From != c.cfg.PeerID {
		return fmt.Errorf("%w: sender does not match channel", domain.ErrInvalidEnvelope)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}

	req := writeRequest{data: data, result: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WebSocketChannel) On(msgType domain.MessageType, handler ports.MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[uint64]ports.MessageHandler)
	}
	c.handlers[msgType][id] = handler

	return func() {
		c.mu.Lock()
		delete(c.handlers[msgType], id)
		c.mu.Unlock()
	}
}

// Done is closed when the channel stops, locally or because the relay
// connection dropped.
func (c *WebSocketChannel) Done() <-chan struct{} { return c.done }

// Close sends a close frame and waits for both loops. It must not be
// called from a handler.
func (c *WebSocketChannel) Close() error {
	c.shutdown()
	<-c.writeDone
	<-c.readDone
	return nil
}

func (c *WebSocketChannel) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *WebSocketChannel) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case req := <-c.writes:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, req.data)
			if err != nil {
				err = &domain.SignalingError{Op: "write", Err: err}
			}
			req.result <- err
			if err != nil {
				c.shutdown()
				_ = c.conn.Close()
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			// the reader sees the close reply, or the deadline below
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *WebSocketChannel) readLoop() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		close(c.readDone)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("Relay connection lost", "error", err)
			}
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			c.logger.Warnw("Dropping undecodable frame", "error", err)
			continue
		}
		if head.Type == "error" {
			c.handleErrorFrame(data)
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("Dropping undecodable envelope", "error", err)
			continue
		}
		if !env.Type.Valid() {
			c.logger.Debugw("Dropping unknown message type", "type", env.Type)
			continue
		}
		c.dispatch(env)
	}
}

func (c *WebSocketChannel) handleErrorFrame(data []byte) {
	var frame apperrors.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	c.logger.Warnw("Relay reported an error", "code", frame.Code, "message", frame.Message, "context", frame.Context)

	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (c *WebSocketChannel) dispatch(env domain.Envelope) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.handlers[env.Type]))
	for id := range c.handlers[env.Type] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]ports.MessageHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.handlers[env.Type][id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
}
