package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/presence"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// ErrNotRegistered is returned when operating on a connection that was
// never registered or has already been cleaned up.
var ErrNotRegistered = errors.New("connection not registered")

// Directory validates ownership of the agents and sessions a join names.
type Directory interface {
	CheckAgent(agentID, workspaceID string) error
	CheckSession(sessionID, agentID, workspaceID string) error
}

// Recorder keeps delivered envelopes of session rooms for replay.
type Recorder interface {
	Record(room protocol.Room, env *protocol.Envelope)
}

// Publisher hands an envelope to fan-out. The RoomManager publishes to its
// own connections; a cluster relay publishes to every node.
type Publisher interface {
	Publish(ctx context.Context, env *protocol.Envelope, exclude string, rooms ...protocol.Room) error
	PublishToUser(ctx context.Context, env *protocol.Envelope, userID string) error
}

// JoinError rejects a join request.
type JoinError struct {
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of connection and room counts.
type Stats struct {
	Connections int
	Rooms       map[protocol.RoomFamily]int
}

type roomMembers struct {
	room    protocol.Room
	members map[*Client]struct{}
}

// RoomManager owns connection membership in rooms. Every join, leave and
// cleanup is one call holding the manager lock; fan-out holds a separate
// lock so all rooms observe envelopes in a single order.
type RoomManager struct {
	clients  map[string]*Client
	rooms    map[string]*roomMembers
	memberOf map[*Client]map[string]protocol.Room
	users    map[string]map[*Client]struct{}
	mu       sync.RWMutex

	fanoutMu      sync.Mutex
	lastDelivered int64

	presence  *presence.Tracker
	directory Directory
	recorder  Recorder
	publisher Publisher
	clock     *protocol.Clock
	logger    zerolog.Logger
}

// NewRoomManager creates a RoomManager. directory may be nil.
func NewRoomManager(clock *protocol.Clock, directory Directory, logger zerolog.Logger) *RoomManager {
	if clock == nil {
		clock = protocol.NewClock()
	}
	r := &RoomManager{
		clients:   make(map[string]*Client),
		rooms:     make(map[string]*roomMembers),
		memberOf:  make(map[*Client]map[string]protocol.Room),
		users:     make(map[string]map[*Client]struct{}),
		presence:  presence.NewTracker(),
		directory: directory,
		clock:     clock,
		logger:    logger.With().Str("component", "rooms").Logger(),
	}
	r.publisher = r
	return r
}

// SetRecorder sets where delivered session-room envelopes are recorded.
func (r *RoomManager) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// SetPublisher routes presence announcements through p instead of
// delivering them locally.
func (r *RoomManager) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// Register adds an authenticated client.
func (r *RoomManager) Register(c *Client) error {
	identity := c.Identity()
	if identity == nil {
		return model.ErrAuthenticationFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; ok {
		return nil
	}
	r.clients[c.id] = c
	r.memberOf[c] = make(map[string]protocol.Room)
	if !identity.IsAnonymous() {
		key := userKey(identity.WorkspaceID, identity.UserID)
		if r.users[key] == nil {
			r.users[key] = make(map[*Client]struct{})
		}
		r.users[key][c] = struct{}{}
	}

	metrics.ConnectionsActive.Inc()
	return nil
}

// Unregister removes a client from every room and closes it. Every room it
// was the last connection of its member in is told the member left.
func (r *RoomManager) Unregister(c *Client) {
	r.mu.Lock()
	if _, ok := r.clients[c.id]; !ok {
		r.mu.Unlock()
		c.Close()
		return
	}

	delete(r.clients, c.id)
	for key := range r.memberOf[c] {
		r.removeMemberLocked(key, c)
	}
	delete(r.memberOf, c)
	if identity := c.Identity(); identity != nil && !identity.IsAnonymous() {
		key := userKey(identity.WorkspaceID, identity.UserID)
		delete(r.users[key], c)
		if len(r.users[key]) == 0 {
			delete(r.users, key)
		}
	}
	departures := r.presence.LeaveAll(c.id)
	r.mu.Unlock()

	c.Close()
	metrics.ConnectionsActive.Dec()
	r.logger.Debug().
		Str("connection_id", c.id).
		Dur("connected_for", time.Since(c.CreatedAt())).
		Dur("idle_for", time.Since(c.LastActivity())).
		Int("rooms_left", len(departures)).
		Msg("connection unregistered")

	for _, d := range departures {
		r.announce(c, d.Room, &protocol.UserLeft{RoomID: d.Room.Name(), ConnectionID: d.Presence.ConnectionID}, d.Presence.UserID, "")
	}
}

func (r *RoomManager) removeMemberLocked(key string, c *Client) {
	rm, ok := r.rooms[key]
	if !ok {
		return
	}
	delete(rm.members, c)
	if len(rm.members) == 0 {
		delete(r.rooms, key)
	}
}

// JoinWorkspaceRoom adds c to the room of its workspace.
func (r *RoomManager) JoinWorkspaceRoom(c *Client, workspaceID string) (*protocol.JoinSuccess, error) {
	const family = string(protocol.RoomFamilyWorkspace)

	if err := r.checkJoin(c, workspaceID); err != nil {
		return nil, r.rejected(family, err)
	}

	wsRoom := protocol.WorkspaceRoom(workspaceID)
	if err := r.join(c, wsRoom); err != nil {
		return nil, r.rejected(family, err)
	}

	metrics.JoinsTotal.WithLabelValues(family, "ok").Inc()
	return &protocol.JoinSuccess{
		WorkspaceID:     workspaceID,
		RoomID:          wsRoom.Name(),
		WorkspaceRoomID: wsRoom.Name(),
		Timestamp:       time.Now().UnixMilli(),
		Members:         r.presence.List(wsRoom),
	}, nil
}

// JoinAgentRoom adds c to the room of an agent and to the room of the
// agent's workspace.
func (r *RoomManager) JoinAgentRoom(c *Client, agentID, workspaceID string) (*protocol.JoinSuccess, error) {
	const family = string(protocol.RoomFamilyAgent)

	if err := r.checkJoin(c, workspaceID, agentID); err != nil {
		return nil, r.rejected(family, err)
	}
	if r.directory != nil {
		if err := r.directory.CheckAgent(agentID, workspaceID); err != nil {
			return nil, r.rejected(family, &JoinError{Reason: protocol.ReasonAgentNotInWorkspace, Err: err})
		}
	}

	agentRoom := protocol.AgentRoom(workspaceID, agentID)
	wsRoom := protocol.WorkspaceRoom(workspaceID)
	if err := r.join(c, agentRoom, wsRoom); err != nil {
		return nil, r.rejected(family, err)
	}

	metrics.JoinsTotal.WithLabelValues(family, "ok").Inc()
	return &protocol.JoinSuccess{
		AgentID:         agentID,
		WorkspaceID:     workspaceID,
		RoomID:          agentRoom.Name(),
		WorkspaceRoomID: wsRoom.Name(),
		Timestamp:       time.Now().UnixMilli(),
		Members:         r.presence.List(agentRoom),
	}, nil
}

// JoinSessionRoom adds c to the room of a session, the room of its agent
// and the room of the workspace.
func (r *RoomManager) JoinSessionRoom(c *Client, sessionID, agentID, workspaceID string) (*protocol.JoinSuccess, error) {
	const family = string(protocol.RoomFamilySession)

	if err := r.checkJoin(c, workspaceID, sessionID, agentID); err != nil {
		return nil, r.rejected(family, err)
	}
	if r.directory != nil {
		if err := r.directory.CheckAgent(agentID, workspaceID); err != nil {
			return nil, r.rejected(family, &JoinError{Reason: protocol.ReasonAgentNotInWorkspace, Err: err})
		}
		if err := r.directory.CheckSession(sessionID, agentID, workspaceID); err != nil {
			return nil, r.rejected(family, &JoinError{Reason: protocol.ReasonSessionNotInAgent, Err: err})
		}
	}

	sessionRoom := protocol.SessionRoom(workspaceID, sessionID)
	agentRoom := protocol.AgentRoom(workspaceID, agentID)
	wsRoom := protocol.WorkspaceRoom(workspaceID)
	if err := r.join(c, sessionRoom, agentRoom, wsRoom); err != nil {
		return nil, r.rejected(family, err)
	}

	metrics.JoinsTotal.WithLabelValues(family, "ok").Inc()
	return &protocol.JoinSuccess{
		SessionID:       sessionID,
		AgentID:         agentID,
		WorkspaceID:     workspaceID,
		RoomID:          sessionRoom.Name(),
		AgentRoomID:     agentRoom.Name(),
		WorkspaceRoomID: wsRoom.Name(),
		Timestamp:       time.Now().UnixMilli(),
		Members:         r.presence.List(sessionRoom),
	}, nil
}

// checkJoin validates the identity, the required ids and the workspace.
func (r *RoomManager) checkJoin(c *Client, workspaceID string, ids ...string) error {
	identity := c.Identity()
	if identity == nil {
		return &JoinError{Reason: protocol.ReasonNotAuthenticated, Err: model.ErrAuthenticationFailed}
	}
	if workspaceID == "" {
		return &JoinError{Reason: protocol.ReasonInvalidRequest, Err: fmt.Errorf("%w: workspace id is required", model.ErrInvalidRequest)}
	}
	for _, id := range ids {
		if id == "" {
			return &JoinError{Reason: protocol.ReasonInvalidRequest, Err: fmt.Errorf("%w: missing id", model.ErrInvalidRequest)}
		}
	}
	if !identity.CanAccessWorkspace(workspaceID) {
		return &JoinError{Reason: protocol.ReasonWorkspaceMismatch, Err: model.ErrWorkspaceMismatch}
	}
	return nil
}

func (r *RoomManager) rejected(family string, err error) error {
	reason := protocol.ReasonInvalidRequest
	var joinErr *JoinError
	if errors.As(err, &joinErr) {
		reason = joinErr.Reason
	} else {
		err = &JoinError{Reason: reason, Err: err}
	}
	metrics.JoinsTotal.WithLabelValues(family, reason).Inc()
	return err
}

// join adds c to rooms and announces the member to rooms it is new to.
func (r *RoomManager) join(c *Client, rooms ...protocol.Room) error {
	identity := c.Identity()
	member := presence.Member{
		UserID:       identity.UserID,
		DisplayName:  identity.DisplayName,
		ConnectionID: c.id,
	}

	r.mu.Lock()
	memberships, ok := r.memberOf[c]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}

	var arrivals []presence.Change
	for _, room := range rooms {
		key := room.Key()
		rm, ok := r.rooms[key]
		if !ok {
			rm = &roomMembers{room: room, members: make(map[*Client]struct{})}
			r.rooms[key] = rm
		}
		rm.members[c] = struct{}{}
		memberships[key] = room

		if info, first := r.presence.Join(room, member); first {
			arrivals = append(arrivals, presence.Change{Room: room, Presence: info})
		}
	}
	r.mu.Unlock()

	for _, a := range arrivals {
		r.announce(c, a.Room, &protocol.UserJoined{RoomID: a.Room.Name(), Presence: a.Presence}, identity.UserID, c.id)
	}
	return nil
}

// LeaveWorkspaceRoom removes c from the workspace room. Leaving a room the
// connection is not in succeeds.
func (r *RoomManager) LeaveWorkspaceRoom(c *Client, workspaceID string) *protocol.LeaveSuccess {
	return r.leave(c, protocol.WorkspaceRoom(workspaceID))
}

// LeaveAgentRoom removes c from an agent room.
func (r *RoomManager) LeaveAgentRoom(c *Client, agentID, workspaceID string) *protocol.LeaveSuccess {
	return r.leave(c, protocol.AgentRoom(workspaceID, agentID))
}

// LeaveSessionRoom removes c from a session room.
func (r *RoomManager) LeaveSessionRoom(c *Client, sessionID, workspaceID string) *protocol.LeaveSuccess {
	return r.leave(c, protocol.SessionRoom(workspaceID, sessionID))
}

func (r *RoomManager) leave(c *Client, room protocol.Room) *protocol.LeaveSuccess {
	ack := &protocol.LeaveSuccess{RoomID: room.Name(), Timestamp: time.Now().UnixMilli()}
	key := room.Key()

	r.mu.Lock()
	memberships := r.memberOf[c]
	if _, ok := memberships[key]; !ok {
		r.mu.Unlock()
		return ack
	}
	delete(memberships, key)
	r.removeMemberLocked(key, c)
	info, left := r.presence.Leave(room, c.id)
	r.mu.Unlock()

	if left {
		r.announce(c, room, &protocol.UserLeft{RoomID: room.Name(), ConnectionID: info.ConnectionID}, info.UserID, "")
	}
	return ack
}

// UpdatePresence changes the status of c in every room it has joined and
// announces it to those rooms.
func (r *RoomManager) UpdatePresence(c *Client, status protocol.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: presence status %q", model.ErrInvalidRequest, status)
	}
	r.mu.Lock()
	changes := r.presence.Update(c.id, status)
	r.mu.Unlock()

	for _, ch := range changes {
		r.announce(c, ch.Room, &protocol.PresenceUpdate{RoomID: ch.Room.Name(), Presence: ch.Presence}, ch.Presence.UserID, "")
	}
	return nil
}

// Touch records inbound activity of c.
func (r *RoomManager) Touch(c *Client) {
	c.Touch()
	r.presence.Touch(c.id)
}

func (r *RoomManager) announce(c *Client, room protocol.Room, payload protocol.Payload, userID, exclude string) {
	env := &protocol.Envelope{
		WorkspaceID: room.WorkspaceID,
		UserID:      userID,
		Timestamp:   r.clock.Next(),
		Data:        payload,
	}
	switch room.Family {
	case protocol.RoomFamilyAgent:
		env.AgentID = room.ID
	case protocol.RoomFamilySession:
		env.SessionID = room.ID
	}

	r.mu.RLock()
	publisher := r.publisher
	r.mu.RUnlock()

	if err := publisher.Publish(context.Background(), env, exclude, room); err != nil {
		r.logger.Error().Err(err).
			Str("connection_id", c.id).
			Str("room", room.Key()).
			Str("type", string(env.Type())).
			Msg("failed to announce presence")
	}
}

// IsMember reports whether c has joined room.
func (r *RoomManager) IsMember(c *Client, room protocol.Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.memberOf[c][room.Key()]
	return ok
}

// Rooms returns the rooms c has joined.
func (r *RoomManager) Rooms(c *Client) []protocol.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Room, 0, len(r.memberOf[c]))
	for _, room := range r.memberOf[c] {
		out = append(out, room)
	}
	return out
}

// MemberCount returns the number of connections in room.
func (r *RoomManager) MemberCount(room protocol.Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rm, ok := r.rooms[room.Key()]; ok {
		return len(rm.members)
	}
	return 0
}

// Publish implements Publisher by delivering to local connections.
func (r *RoomManager) Publish(_ context.Context, env *protocol.Envelope, exclude string, rooms ...protocol.Room) error {
	_, err := r.Deliver(env, exclude, rooms...)
	return err
}

// PublishToUser implements Publisher by delivering to local connections.
func (r *RoomManager) PublishToUser(_ context.Context, env *protocol.Envelope, userID string) error {
	_, err := r.SendToUser(env, userID)
	return err
}

// Broadcast delivers env to every connection in room.
func (r *RoomManager) Broadcast(room protocol.Room, env *protocol.Envelope) error {
	_, err := r.Deliver(env, "", room)
	return err
}

// Deliver enqueues env once for every connection that is a member of at
// least one of rooms, except the connection with id exclude. Rooms must
// belong to the envelope's workspace. It returns the number of connections
// the frame was queued for.
func (r *RoomManager) Deliver(env *protocol.Envelope, exclude string, rooms ...protocol.Room) (int, error) {
	for _, room := range rooms {
		if !room.Valid() {
			return 0, fmt.Errorf("%w: %s", protocol.ErrInvalidRoom, room)
		}
		if room.WorkspaceID != env.WorkspaceID {
			return 0, fmt.Errorf("%w: room %s for workspace %s", model.ErrWorkspaceMismatch, room, env.WorkspaceID)
		}
	}

	r.fanoutMu.Lock()

	r.sequenceLocked(env)
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		r.fanoutMu.Unlock()
		return 0, err
	}

	r.mu.RLock()
	recorder := r.recorder
	seen := make(map[*Client]struct{})
	var targets []*Client
	for _, room := range rooms {
		rm, ok := r.rooms[room.Key()]
		if !ok {
			continue
		}
		for c := range rm.members {
			if c.id == exclude {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	if recorder != nil && !env.Type().Transient() {
		for _, room := range rooms {
			if room.Family == protocol.RoomFamilySession {
				recorder.Record(room, env)
			}
		}
	}

	evicted := r.enqueue(targets, data)
	r.fanoutMu.Unlock()

	r.evict(evicted)
	return len(targets) - len(evicted), nil
}

// SendToUser enqueues env for every connection of userID in the envelope's
// workspace and returns how many connections it was queued for.
func (r *RoomManager) SendToUser(env *protocol.Envelope, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", model.ErrInvalidRequest)
	}
	r.fanoutMu.Lock()
	r.sequenceLocked(env)
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		r.fanoutMu.Unlock()
		return 0, err
	}

	r.mu.RLock()
	var targets []*Client
	for c := range r.users[userKey(env.WorkspaceID, userID)] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	evicted := r.enqueue(targets, data)
	r.fanoutMu.Unlock()

	r.evict(evicted)
	return len(targets) - len(evicted), nil
}

// sequenceLocked moves env's timestamp past the last one delivered, so
// delivery order and timestamp order agree and a timestamp can be used as a
// backfill offset. Caller holds fanoutMu.
func (r *RoomManager) sequenceLocked(env *protocol.Envelope) {
	if env.Timestamp <= r.lastDelivered {
		env.Timestamp = r.lastDelivered + 1
	}
	r.lastDelivered = env.Timestamp
}

func (r *RoomManager) enqueue(targets []*Client, data []byte) []*Client {
	var evicted []*Client
	for _, c := range targets {
		if !c.Send(data) {
			evicted = append(evicted, c)
			continue
		}
		metrics.FramesDelivered.Inc()
	}
	return evicted
}

func (r *RoomManager) evict(clients []*Client) {
	for _, c := range clients {
		metrics.SlowConsumerEvictions.Inc()
		r.logger.Warn().Str("connection_id", c.id).Msg("send queue full, closing connection")
		r.Unregister(c)
	}
}

// Stats returns connection and room counts and refreshes the room gauges.
func (r *RoomManager) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Connections: len(r.clients),
		Rooms: map[protocol.RoomFamily]int{
			protocol.RoomFamilyWorkspace: 0,
			protocol.RoomFamilyAgent:     0,
			protocol.RoomFamilySession:   0,
		},
	}
	for _, rm := range r.rooms {
		stats.Rooms[rm.room.Family]++
	}
	for family, n := range stats.Rooms {
		metrics.RoomsActive.WithLabelValues(string(family)).Set(float64(n))
	}
	return stats
}

// Close closes every connection, telling peers the server is going away.
func (r *RoomManager) Close() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
		r.Unregister(c)
	}
}

func userKey(workspaceID, userID string) string {
	return protocol.ScopedKey(workspaceID, userID)
}
