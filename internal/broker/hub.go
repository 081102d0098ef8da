package broker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/heartline/matchcore/internal/logging"
	"github.com/heartline/matchcore/internal/metrics"
)

// Conn is a realtime connection as seen by the broker. *ws.Connection
// implements it.
type Conn interface {
	ConnectionID() string
	UserID() string
	Send(data []byte) bool
	JoinRoom(matchID string) bool
	LeaveRoom(matchID string) bool
	InRoom(matchID string) bool
}

// Hub is the local routing table: which connections are joined to which
// match rooms and which connections belong to which user. Fan-out goes
// through the relay so events reach connections held by other processes.
type Hub struct {
	relay Relay
	log   *zap.Logger

	mu       sync.RWMutex
	rooms    map[string]map[string]Conn // match id -> conn id -> conn
	users    map[string]map[string]Conn // user id -> conn id -> conn
	memberOf map[string]map[string]struct{}
}

// NewHub creates a Hub publishing through relay. A nil relay delivers
// in-process only.
func NewHub(relay Relay, log *zap.Logger) *Hub {
	if relay == nil {
		relay = NewLocalRelay()
	}
	h := &Hub{
		relay:    relay,
		log:      logging.Component(log, "hub"),
		rooms:    make(map[string]map[string]Conn),
		users:    make(map[string]map[string]Conn),
		memberOf: make(map[string]map[string]struct{}),
	}
	relay.Bind(h)
	return h
}

// Register indexes an authenticated connection under its user.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[c.UserID()]
	if !ok {
		set = make(map[string]Conn)
		h.users[c.UserID()] = set
		if err := h.relay.WatchUser(c.UserID()); err != nil {
			h.log.Warn("watch user failed", zap.String("user_id", c.UserID()), zap.Error(err))
		}
	}
	set[c.ConnectionID()] = c
}

// Unregister removes the connection from its user and every room it
// joined, and returns those rooms.
func (h *Hub) Unregister(c Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.ConnectionID()
	var left []string
	for matchID := range h.memberOf[id] {
		h.leaveLocked(c, matchID)
		left = append(left, matchID)
	}
	delete(h.memberOf, id)

	if set, ok := h.users[c.UserID()]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.users, c.UserID())
			if err := h.relay.UnwatchUser(c.UserID()); err != nil {
				h.log.Warn("unwatch user failed", zap.String("user_id", c.UserID()), zap.Error(err))
			}
		}
	}
	return left
}

// Join adds c to the room. It reports false if c was already a member or
// is closed.
func (h *Hub) Join(c Conn, matchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.JoinRoom(matchID) {
		return false
	}
	room, ok := h.rooms[matchID]
	if !ok {
		room = make(map[string]Conn)
		h.rooms[matchID] = room
		metrics.RoomsActive.Inc()
		if err := h.relay.WatchRoom(matchID); err != nil {
			h.log.Warn("watch room failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
	room[c.ConnectionID()] = c

	joined, ok := h.memberOf[c.ConnectionID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberOf[c.ConnectionID()] = joined
	}
	joined[matchID] = struct{}{}
	return true
}

// Leave removes c from the room. It reports whether c was a member.
func (h *Hub) Leave(c Conn, matchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.memberOf[c.ConnectionID()][matchID]; !ok {
		return false
	}
	h.leaveLocked(c, matchID)
	delete(h.memberOf[c.ConnectionID()], matchID)
	return true
}

func (h *Hub) leaveLocked(c Conn, matchID string) {
	c.LeaveRoom(matchID)
	room, ok := h.rooms[matchID]
	if !ok {
		return
	}
	delete(room, c.ConnectionID())
	if len(room) == 0 {
		h.dropRoomLocked(matchID)
	}
}

func (h *Hub) dropRoomLocked(matchID string) {
	delete(h.rooms, matchID)
	metrics.RoomsActive.Dec()
	if err := h.relay.UnwatchRoom(matchID); err != nil {
		h.log.Warn("unwatch room failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// Members returns the local connections joined to the room.
func (h *Hub) Members(matchID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.rooms[matchID])
}

// UserConnections returns the local connections of userID.
func (h *Hub) UserConnections(userID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.users[userID])
}

// RoomCount returns the number of rooms with local members.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// BroadcastRoom sends frame to every connection joined to the room, on
// every process.
func (h *Hub) BroadcastRoom(matchID string, frame []byte) {
	if err := h.relay.PublishRoom(matchID, frame, false); err != nil {
		h.log.Warn("publish room failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// CloseRoom sends frame to the room's members and then removes them from
// the room, on every process.
func (h *Hub) CloseRoom(matchID string, frame []byte) {
	if err := h.relay.PublishRoom(matchID, frame, true); err != nil {
		h.log.Warn("publish room close failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

// SendUser sends frame to every connection of userID, on every process.
func (h *Hub) SendUser(userID string, frame []byte) {
	if err := h.relay.PublishUser(userID, frame); err != nil {
		h.log.Warn("publish user failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// DeliverRoom hands frame to the local members of the room. With evict
// the members are removed from the room afterwards.
func (h *Hub) DeliverRoom(matchID string, frame []byte, evict bool) {
	if !evict {
		for _, c := range h.Members(matchID) {
			c.Send(frame)
		}
		return
	}

	h.mu.Lock()
	members := snapshot(h.rooms[matchID])
	for _, c := range members {
		c.LeaveRoom(matchID)
		delete(h.memberOf[c.ConnectionID()], matchID)
	}
	if _, ok := h.rooms[matchID]; ok {
		h.dropRoomLocked(matchID)
	}
	h.mu.Unlock()

	for _, c := range members {
		c.Send(frame)
	}
}

// DeliverUser hands frame to the local connections of userID.
func (h *Hub) DeliverUser(userID string, frame []byte) {
	for _, c := range h.UserConnections(userID) {
		c.Send(frame)
	}
}

func snapshot(set map[string]Conn) []Conn {
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
