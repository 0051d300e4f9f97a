// Package presence tracks who is in which room.
//
// A member is a user, or for anonymous connections the connection itself. A
// user connected several times to one room is one member; it joins with its
// first connection and leaves with its last.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// Member identifies who is joining a room.
type Member struct {
	UserID       string
	DisplayName  string
	ConnectionID string
}

func (m Member) key() string {
	if m.UserID != "" {
		return "user:" + m.UserID
	}
	return "conn:" + m.ConnectionID
}

// Change is a presence transition the caller should announce to a room.
type Change struct {
	Room     protocol.Room
	Presence protocol.PresenceInfo
}

type record struct {
	info  protocol.PresenceInfo
	conns map[string]struct{}
}

type roomState struct {
	room    protocol.Room
	members map[string]*record
}

// Tracker holds presence records per room. Rooms are keyed by Room.Key so
// workspaces never share records.
type Tracker struct {
	rooms  map[string]*roomState
	byConn map[string]map[string]string // connection id -> room key -> member key
	mu     sync.Mutex
	now    func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms:  make(map[string]*roomState),
		byConn: make(map[string]map[string]string),
		now:    time.Now,
	}
}

// Join adds a connection to a room. It returns the member's presence and
// whether the member is new to the room.
func (t *Tracker) Join(room protocol.Room, m Member) (protocol.PresenceInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	roomKey := room.Key()
	memberKey := m.key()

	rs, ok := t.rooms[roomKey]
	if !ok {
		rs = &roomState{room: room, members: make(map[string]*record)}
		t.rooms[roomKey] = rs
	}

	conns, ok := t.byConn[m.ConnectionID]
	if !ok {
		conns = make(map[string]string)
		t.byConn[m.ConnectionID] = conns
	}
	conns[roomKey] = memberKey

	rec, exists := rs.members[memberKey]
	if exists {
		rec.conns[m.ConnectionID] = struct{}{}
		rec.info.ConnectionID = m.ConnectionID
		rec.info.LastActivity = now
		return rec.info, false
	}

	rec = &record{
		info: protocol.PresenceInfo{
			UserID:       m.UserID,
			DisplayName:  m.DisplayName,
			ConnectionID: m.ConnectionID,
			JoinedAt:     now,
			LastActivity: now,
			Status:       protocol.PresenceActive,
		},
		conns: map[string]struct{}{m.ConnectionID: {}},
	}
	rs.members[memberKey] = rec
	return rec.info, true
}

// Leave removes a connection from a room. It returns the member's last
// presence and true when that was the member's last connection in the room.
func (t *Tracker) Leave(room protocol.Room, connID string) (protocol.PresenceInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(room.Key(), connID)
}

func (t *Tracker) leaveLocked(roomKey, connID string) (protocol.PresenceInfo, bool) {
	conns := t.byConn[connID]
	memberKey, ok := conns[roomKey]
	if !ok {
		return protocol.PresenceInfo{}, false
	}
	delete(conns, roomKey)
	if len(conns) == 0 {
		delete(t.byConn, connID)
	}

	rs := t.rooms[roomKey]
	rec := rs.members[memberKey]
	delete(rec.conns, connID)

	if len(rec.conns) > 0 {
		if rec.info.ConnectionID == connID {
			for other := range rec.conns {
				rec.info.ConnectionID = other
				break
			}
		}
		return rec.info, false
	}

	info := rec.info
	info.ConnectionID = connID
	delete(rs.members, memberKey)
	if len(rs.members) == 0 {
		delete(t.rooms, roomKey)
	}
	return info, true
}

// LeaveAll removes a connection from every room. It returns one change per
// room the member left entirely.
func (t *Tracker) LeaveAll(connID string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for roomKey := range t.byConn[connID] {
		room := t.rooms[roomKey].room
		if info, left := t.leaveLocked(roomKey, connID); left {
			changes = append(changes, Change{Room: room, Presence: info})
		}
	}
	sortChanges(changes)
	return changes
}

// Update sets the status of the member behind connID in every room the
// connection has joined, and returns the changed records.
func (t *Tracker) Update(connID string, status protocol.PresenceStatus) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	var changes []Change
	for roomKey, memberKey := range t.byConn[connID] {
		rs := t.rooms[roomKey]
		rec := rs.members[memberKey]
		rec.info.Status = status
		rec.info.LastActivity = now
		rec.info.ConnectionID = connID
		changes = append(changes, Change{Room: rs.room, Presence: rec.info})
	}
	sortChanges(changes)
	return changes
}

// Touch records activity of a connection without changing its status.
func (t *Tracker) Touch(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UnixMilli()
	for roomKey, memberKey := range t.byConn[connID] {
		t.rooms[roomKey].members[memberKey].info.LastActivity = now
	}
}

// List returns the members of a room ordered by join time.
func (t *Tracker) List(room protocol.Room) []protocol.PresenceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs, ok := t.rooms[room.Key()]
	if !ok {
		return nil
	}

	out := make([]protocol.PresenceInfo, 0, len(rs.members))
	for _, rec := range rs.members {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Room.Key() < changes[j].Room.Key()
	})
}
