package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Locator resolves a user's currently bound connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Hub tracks live connections and their room memberships.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
	locator   Locator
	logger    *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(locator Locator, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
		locator:   locator,
		logger:    logger,
	}
}

// Register makes a connection addressable.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Unregister removes the connection and every membership it held.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID())
	for room := range h.connRooms[c.ID()] {
		h.removeLocked(room, c.ID())
	}
	delete(h.connRooms, c.ID())
}

// Join adds the connection to room. Joining twice is a no-op.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID()] = c
	joined, ok := h.connRooms[c.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.connRooms[c.ID()] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes the connection from room. Leaving a room it is not in is a no-op.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(room, c.ID())
	if joined, ok := h.connRooms[c.ID()]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.connRooms, c.ID())
		}
	}
}

func (h *Hub) removeLocked(room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members reports how many connections are in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// IsMember reports whether the connection has joined room.
func (h *Hub) IsMember(room, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// Conn returns a registered connection by id.
func (h *Hub) Conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Broadcast delivers an event to every current member of room.
func (h *Hub) Broadcast(room, event string, payload any) {
	h.BroadcastExcept(room, "", event, payload)
}

// BroadcastExcept delivers to every member of room other than exceptConnID.
func (h *Hub) BroadcastExcept(room, exceptConnID, event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(frame)
	}
}

// BroadcastAll delivers to every connected client.
func (h *Hub) BroadcastAll(event string, payload any) {
	frame, ok := h.encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(frame)
	}
}

// EmitToUser sends to the user's bound connection. Offline users are skipped
// silently; the result reports whether a connection was found.
func (h *Hub) EmitToUser(userID, event string, payload any) bool {
	if h.locator == nil {
		return false
	}
	connID, ok := h.locator.Lookup(userID)
	if !ok {
		return false
	}
	c, ok := h.Conn(connID)
	if !ok {
		return false
	}
	frame, ok := h.encode(event, payload)
	if !ok {
		return false
	}
	return c.Send(frame)
}

// CloseAll closes every connection; their read loops then run the usual
// disconnect cleanup.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Close(reason)
	}
}

// PresenceChanged fans presence transitions out to every client.
func (h *Hub) PresenceChanged(_ context.Context, userID string, online bool) {
	h.BroadcastAll(models.EventUserStatus, models.UserStatus{UserID: userID, Online: online})
}

func (h *Hub) encode(event string, payload any) ([]byte, bool) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		observability.IncWSDropped("encode")
		return nil, false
	}
	return frame, true
}
