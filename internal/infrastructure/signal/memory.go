package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"callmesh/internal/core/domain"
	"callmesh/internal/core/ports"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// MemoryHub routes envelopes between channels in the same process. It
// follows the relay's rules: targeted messages reach one peer, the rest
// are broadcast to the room without echo, and a closing channel produces a
// peer-left for the others.
type MemoryHub struct {
	mu     sync.RWMutex
	rooms  map[domain.SessionID]map[domain.PeerID]*MemoryChannel
	filter func(env domain.Envelope) error
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		rooms: make(map[domain.SessionID]map[domain.PeerID]*MemoryChannel),
	}
}

// SetFilter installs a hook that can reject envelopes before routing.
func (h *MemoryHub) SetFilter(filter func(env domain.Envelope) error) {
	h.mu.Lock()
	h.filter = filter
	h.mu.Unlock()
}

// Join registers peerID in the session room. An existing channel for the
// same peer is closed and replaced.
func (h *MemoryHub) Join(sessionID domain.SessionID, peerID domain.PeerID) *MemoryChannel {
	ch := newMemoryChannel(h, sessionID, peerID)

	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[domain.PeerID]*MemoryChannel)
		h.rooms[sessionID] = room
	}
	old := room[peerID]
	room[peerID] = ch
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	return ch
}

// Peers lists the peers currently in a room.
func (h *MemoryHub) Peers(sessionID domain.SessionID) []domain.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(h.rooms[sessionID]))
	for id := range h.rooms[sessionID] {
		peers = append(peers, id)
	}
	return peers
}

func (h *MemoryHub) route(env domain.Envelope) error {
	h.mu.RLock()
	filter := h.filter
	room := h.rooms[env.SessionID]
	var targets []*MemoryChannel
	if env.To != "" {
		if ch, ok := room[env.To]; ok {
			targets = append(targets, ch)
		}
	} else {
		for id, ch := range room {
			if id != env.From {
				targets = append(targets, ch)
			}
		}
	}
	h.mu.RUnlock()

	if filter != nil {
		if err := filter(env); err != nil {
			return err
		}
	}
	if env.To != "" && len(targets) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, env.To)
	}
	for _, ch := range targets {
		ch.deliver(env)
	}
	return nil
}

func (h *MemoryHub) leave(ch *MemoryChannel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[ch.sessionID]
	if room[ch.peerID] != ch {
		return false
	}
	delete(room, ch.peerID)
	if len(room) == 0 {
		delete(h.rooms, ch.sessionID)
	}
	return true
}

// MemoryChannel is one peer's endpoint on a MemoryHub. Handlers run on a
// dedicated goroutine in arrival order.
type MemoryChannel struct {
	hub       *MemoryHub
	sessionID domain.SessionID
	peerID    domain.PeerID

	mu       sync.Mutex
	handlers map[domain.MessageType]map[uint64]ports.MessageHandler
	nextID   uint64
	inbox    []domain.Envelope
	closed   bool

	wake chan struct{}
	done chan struct{}
}

var _ ports.SignalingChannel = (*MemoryChannel)(nil)

func newMemoryChannel(hub *MemoryHub, sessionID domain.SessionID, peerID domain.PeerID) *MemoryChannel {
	ch := &MemoryChannel{
		hub:       hub,
		sessionID: sessionID,
		peerID:    peerID,
		handlers:  make(map[domain.MessageType]map[uint64]ports.MessageHandler),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go ch.dispatch()
	return ch
}

func (c *MemoryChannel) PeerID() domain.PeerID { return c.peerID }

func (c *MemoryChannel) Send(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.SessionID != c.sessionID || env.From != c.peerID {
		return fmt.Errorf("%w: sender does not match channel", domain.ErrInvalidEnvelope)
	}
	return c.hub.route(env)
}

func (c *MemoryChannel) On(msgType domain.MessageType, handler ports.MessageHandler) func() {
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

// Close leaves the room and tells the remaining peers. It must not be
// called from a handler.
func (c *MemoryChannel) Close() error {
	if !c.hub.leave(c) {
		c.shutdown()
		return nil
	}
	c.shutdown()

	left, err := domain.NewEnvelope(c.sessionID, domain.MessagePeerLeft, c.peerID, "", nil)
	if err != nil {
		return err
	}
	return c.hub.route(left)
}

func (c *MemoryChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
}

func (c *MemoryChannel) deliver(env domain.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, env)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *MemoryChannel) dispatch() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for len(c.inbox) == 0 && !c.closed {
			c.mu.Unlock()
			<-c.wake
			c.mu.Lock()
		}
		if c.closed {
			c.inbox = nil
			c.mu.Unlock()
			return
		}
		env := c.inbox[0]
		c.inbox = c.inbox[1:]

		handlers := make([]ports.MessageHandler, 0, len(c.handlers[env.Type]))
		ids := make([]uint64, 0, len(c.handlers[env.Type]))
		for id := range c.handlers[env.Type] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			handlers = append(handlers, c.handlers[env.Type][id])
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}
}
