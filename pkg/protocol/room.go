package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// RoomFamily identifies the scope of a room.
type RoomFamily string

const (
	RoomFamilyWorkspace RoomFamily = "workspace"
	RoomFamilyAgent     RoomFamily = "agent"
	RoomFamilySession   RoomFamily = "session"
)

// ErrInvalidRoom is returned when a room name cannot be parsed.
var ErrInvalidRoom = errors.New("invalid room name")

// Room is a logical fan-out group. Rooms are values: two Rooms built from the
// same ids are the same room, so joining never needs a creation step.
type Room struct {
	Family      RoomFamily
	WorkspaceID string
	ID          string
}

// WorkspaceRoom returns the room for workspace-wide notifications.
func WorkspaceRoom(workspaceID string) Room {
	return Room{Family: RoomFamilyWorkspace, WorkspaceID: workspaceID, ID: workspaceID}
}

// AgentRoom returns the room for one agent's status stream within a workspace.
func AgentRoom(workspaceID, agentID string) Room {
	return Room{Family: RoomFamilyAgent, WorkspaceID: workspaceID, ID: agentID}
}

// SessionRoom returns the room for one conversation within a workspace.
func SessionRoom(workspaceID, sessionID string) Room {
	return Room{Family: RoomFamilySession, WorkspaceID: workspaceID, ID: sessionID}
}

// Name returns the wire name of the room, e.g. "agent:42".
func (r Room) Name() string {
	return string(r.Family) + ":" + r.ID
}

// Key returns the membership key. It embeds the workspace so identical room
// names in different workspaces never share members.
func (r Room) Key() string {
	return ScopedKey(r.WorkspaceID, r.Name())
}

var workspaceEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// ScopedKey joins a workspace id and a name into a key. The workspace id is
// escaped so the first '/' always ends it, whatever either part contains.
func ScopedKey(workspaceID, name string) string {
	return workspaceEscaper.Replace(workspaceID) + "/" + name
}

// Valid reports whether the room has a known family and non-empty ids.
func (r Room) Valid() bool {
	switch r.Family {
	case RoomFamilyWorkspace, RoomFamilyAgent, RoomFamilySession:
	default:
		return false
	}
	return r.WorkspaceID != "" && r.ID != ""
}

// String implements fmt.Stringer.
func (r Room) String() string {
	return r.Key()
}

// ParseRoom resolves a wire room name within the given workspace.
// A workspace room name must reference the same workspace.
func ParseRoom(workspaceID, name string) (Room, error) {
	family, id, ok := strings.Cut(name, ":")
	if !ok || id == "" || workspaceID == "" {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}

	var room Room
	switch RoomFamily(family) {
	case RoomFamilyWorkspace:
		if id != workspaceID {
			return Room{}, fmt.Errorf("%w: %q is outside workspace %q", ErrInvalidRoom, name, workspaceID)
		}
		room = WorkspaceRoom(workspaceID)
	case RoomFamilyAgent:
		room = AgentRoom(workspaceID, id)
	case RoomFamilySession:
		room = SessionRoom(workspaceID, id)
	default:
		return Room{}, fmt.Errorf("%w: unknown family %q", ErrInvalidRoom, family)
	}
	return room, nil
}
