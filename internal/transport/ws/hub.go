package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/canvas-sync/internal/domain"
	"github.com/cwrk-planet/canvas-sync/pkg/hubproto"
)

// Conn is the sending side of a hub connection. Send must not block.
type Conn interface {
	ID() string
	Send(f hubproto.Frame) error
	Close() error
}

type member struct {
	conn     Conn
	joinedAt time.Time
}

type room struct {
	members map[string]member // connID -> member
	backlog [][]byte
}

// Hub is the room registry: which connection is in which room. A room
// exists only while it has members, and a connection is in at most one
// room at a time.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[string]string // connID -> roomID

	backlogSize int
	now         func() time.Time
}

// NewHub keeps up to backlogSize recent updates per room for late joiners;
// zero disables the backlog.
func NewHub(backlogSize int) *Hub {
	return &Hub{
		rooms:       make(map[string]*room),
		sessions:    make(map[string]string),
		backlogSize: backlogSize,
		now:         time.Now,
	}
}

// Join adds c to roomID. joined is false when c was already there. When c
// was in another room it is moved and that room is returned as prev.
func (h *Hub) Join(roomID string, c Conn) (prev string, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.ID()
	if cur, ok := h.sessions[id]; ok {
		if cur == roomID {
			return "", false
		}
		h.removeLocked(cur, id)
		prev = cur
	}

	rm, ok := h.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]member)}
		h.rooms[roomID] = rm
	}
	rm.members[id] = member{conn: c, joinedAt: h.now()}
	h.sessions[id] = roomID
	return prev, true
}

// Leave removes connID from roomID and reports whether it was there.
// Persisted state is not touched.
func (h *Hub) Leave(roomID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[connID] != roomID {
		return false
	}
	h.removeLocked(roomID, connID)
	return true
}

// OnDisconnect drops connID from every room and returns those rooms.
func (h *Hub) OnDisconnect(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for roomID, rm := range h.rooms {
		if _, ok := rm.members[connID]; ok {
			left = append(left, roomID)
		}
	}
	for _, roomID := range left {
		h.removeLocked(roomID, connID)
	}
	delete(h.sessions, connID)
	sort.Strings(left)
	return left
}

func (h *Hub) removeLocked(roomID, connID string) {
	delete(h.sessions, connID)
	rm, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) Contains(roomID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[connID] == roomID
}

func (h *Hub) RoomOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	roomID, ok := h.sessions[connID]
	return roomID, ok
}

// Members lists the sessions of roomID ordered by join time.
func (h *Hub) Members(roomID string) []domain.Member {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[roomID]
	if !ok {
		return []domain.Member{}
	}
	out := make([]domain.Member, 0, len(rm.members))
	for id, m := range rm.members {
		out = append(out, domain.Member{ConnID: id, RoomID: roomID, JoinedAt: m.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Recipients snapshots the connections of roomID other than except.
func (h *Hub) Recipients(roomID, except string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(rm.members))
	for id, m := range rm.members {
		if id == except {
			continue
		}
		out = append(out, m.conn)
	}
	return out
}

// AppendBacklog records an update for later joiners. Updates are kept as
// separate entries; the oldest is dropped once the room is full.
func (h *Hub) AppendBacklog(roomID string, update []byte) {
	if h.backlogSize <= 0 || len(update) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if len(rm.backlog) >= h.backlogSize {
		copy(rm.backlog, rm.backlog[1:])
		rm.backlog = rm.backlog[:len(rm.backlog)-1]
	}
	rm.backlog = append(rm.backlog, append([]byte(nil), update...))
}

func (h *Hub) Backlog(roomID string) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rm, ok := h.rooms[roomID]
	if !ok || len(rm.backlog) == 0 {
		return nil
	}
	out := make([][]byte, len(rm.backlog))
	copy(out, rm.backlog)
	return out
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Rooms lists active room ids.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
