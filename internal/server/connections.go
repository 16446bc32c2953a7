package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// Principal is the pre-validated identity attached to a connection.
// Credential parsing happens before admission; the registry never sees raw
// tokens.
type Principal struct {
	UserID   int64
	Username string
	IsDM     bool
}

// transport is the slice of *websocket.Conn the registry needs. Tests
// substitute in-memory fakes.
type transport interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Connection is one live client socket admitted into a campaign room.
type Connection struct {
	ID         string
	CampaignID int64
	Principal  Principal
	socket     transport
}

func NewConnection(id string, campaignID int64, principal Principal, socket transport) *Connection {
	return &Connection{
		ID:         id,
		CampaignID: campaignID,
		Principal:  principal,
		socket:     socket,
	}
}

// Registry tracks live connections grouped by campaign. Two maps (room
// membership and connection lookup) are kept consistent by a single
// admit/remove path under one lock; delivery happens outside the lock
// against a snapshot, so a broadcast racing an admit or remove sees either
// the before- or after-state but never a map under mutation.
type Registry struct {
	rooms map[int64]map[string]*Connection
	conns map[string]*Connection
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[int64]map[string]*Connection),
		conns: make(map[string]*Connection),
	}
}

// Admit registers the connection under its campaign and announces the new
// participant to everyone already in the room. The joiner is not notified
// about itself.
func (r *Registry) Admit(conn *Connection) {
	r.mu.Lock()
	room, exists := r.rooms[conn.CampaignID]
	if !exists {
		room = make(map[string]*Connection)
		r.rooms[conn.CampaignID] = room
	}
	room[conn.ID] = conn
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.Broadcast(conn.CampaignID, PresenceNotice{
		Type:     "user_connected",
		Username: conn.Principal.Username,
		UserID:   conn.Principal.UserID,
	}, conn.ID)
}

// Remove deletes the connection from the registry and returns it, or nil
// if it was never registered (removal is idempotent). An emptied room is
// deleted entirely so stale room records cannot accumulate.
func (r *Registry) Remove(connectionID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return nil
	}
	delete(r.conns, connectionID)

	if room, ok := r.rooms[conn.CampaignID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(r.rooms, conn.CampaignID)
		}
	}
	return conn
}

// Get returns the live connection with the given id, or nil.
func (r *Registry) Get(connectionID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connectionID]
}

// Members returns a snapshot of the connections currently in a campaign
// room.
func (r *Registry) Members(campaignID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[campaignID]
	members := make([]*Connection, 0, len(room))
	for _, conn := range room {
		members = append(members, conn)
	}
	return members
}

// CountInCampaign returns the number of live connections in a room.
func (r *Registry) CountInCampaign(campaignID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[campaignID])
}

// Send delivers one message to one connection. A failed write means the
// client is gone: the connection is pruned from the registry and the error
// returned.
func (r *Registry) Send(conn *Connection, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.write(conn, data)
}

// Broadcast delivers a message to every live connection in the room except
// the excluded one. Connections that fail to receive are pruned; one dead
// client never aborts delivery to the rest.
func (r *Registry) Broadcast(campaignID int64, msg any, excludeID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Int64("campaign", campaignID).Msg("failed to marshal broadcast")
		return
	}

	for _, conn := range r.Members(campaignID) {
		if conn.ID == excludeID {
			continue
		}
		r.write(conn, data) // write prunes on failure
	}
}

// CloseAll closes every live connection with the given status. Used during
// shutdown.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.rooms = make(map[int64]map[string]*Connection)
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.socket.Close(code, reason)
	}
}

func (r *Registry) write(conn *Connection, data []byte) error {
	err := conn.socket.Write(context.Background(), websocket.MessageText, data)
	if err != nil {
		log.Warn().Err(err).
			Str("connection", conn.ID).
			Str("username", conn.Principal.Username).
			Msg("delivery failed, pruning connection")
		r.Remove(conn.ID)
		conn.socket.Close(websocket.StatusGoingAway, "delivery failed")
	}
	return err
}
