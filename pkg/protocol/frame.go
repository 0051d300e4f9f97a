package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType names a frame on the WebSocket.
type FrameType string

const (
	// Client -> Server frame types
	FrameAuthenticate         FrameType = "authenticate"
	FrameJoinWorkspaceRoom    FrameType = "join-workspace-room"
	FrameJoinAgentRoom        FrameType = "join-agent-room"
	FrameJoinSessionRoom      FrameType = "join-session-room"
	FrameLeaveWorkspaceRoom   FrameType = "leave-workspace-room"
	FrameLeaveAgentRoom       FrameType = "leave-agent-room"
	FrameLeaveSessionRoom     FrameType = "leave-session-room"
	FrameSendWorkspaceMessage FrameType = "send-workspace-message"
	FrameTyping               FrameType = "typing"
	FramePresenceUpdate       FrameType = "presence-update"
	FrameRequestHistory       FrameType = "request-history"
	FramePing                 FrameType = "ping"

	// Server -> Client frame types. Envelopes use their Kind as frame type.
	FrameConnected    FrameType = "connected"
	FrameConnectError FrameType = "connect_error"
	FrameHistory      FrameType = "history"
	FrameError        FrameType = "error"
	FramePong         FrameType = "pong"
)

// SuccessType returns the acknowledgement frame type for a request, e.g.
// "join-agent-room-success".
func SuccessType(request FrameType) FrameType {
	return request + "-success"
}

// ErrorType returns the rejection frame type for a request, e.g.
// "join-agent-room-error".
func ErrorType(request FrameType) FrameType {
	return request + "-error"
}

// Frame is the JSON object exchanged over the WebSocket.
// RequestID correlates acknowledgements with the request that caused them.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with v encoded as its data.
func NewFrame(t FrameType, requestID string, v any) (*Frame, error) {
	f := &Frame{Type: t, RequestID: requestID}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s frame: %w", t, err)
		}
		f.Data = data
	}
	return f, nil
}

// EncodeFrame marshals a frame with v as its data in one step.
func EncodeFrame(t FrameType, requestID string, v any) ([]byte, error) {
	f, err := NewFrame(t, requestID, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// EncodeEnvelope marshals an envelope as a frame whose type is the event kind.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return EncodeFrame(FrameType(env.Type()), "", env)
}

// Decode unmarshals the frame data into v.
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	return json.Unmarshal(f.Data, v)
}

// IsEvent reports whether the frame carries an envelope.
func (f *Frame) IsEvent() bool {
	return Kind(f.Type).IsKnown()
}

// AuthenticateRequest is the handshake payload. It must be the first frame
// on every connection, including reconnections. UserID and AgentID are
// optional and must match the token's claims.
type AuthenticateRequest struct {
	Token       string `json:"token"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
}

// Connected acknowledges a successful handshake.
type Connected struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
	WorkspaceID  string `json:"workspaceId"`
	AgentID      string `json:"agentId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ConnectError rejects a handshake. The server closes the socket after it.
type ConnectError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by connect_error and error frames.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeHandshakeTimeout     = "handshake_timeout"
	CodeInvalidRequest       = "invalid_request"
	CodeNotMember            = "not_member"
	CodeUnknownFrame         = "unknown_frame"
	CodeInternal             = "internal_error"
)

// JoinWorkspaceRoomRequest asks to join or leave a workspace room.
type JoinWorkspaceRoomRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// JoinAgentRoomRequest asks to join or leave an agent room.
type JoinAgentRoomRequest struct {
	AgentID     string `json:"agentId"`
	WorkspaceID string `json:"workspaceId"`
}

// JoinSessionRoomRequest asks to join or leave a session room.
type JoinSessionRoomRequest struct {
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
	WorkspaceID string `json:"workspaceId"`
}

// JoinSuccess acknowledges a join.
type JoinSuccess struct {
	SessionID       string `json:"sessionId,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
	WorkspaceID     string `json:"workspaceId"`
	RoomID          string `json:"roomId"`
	AgentRoomID     string `json:"agentRoomId,omitempty"`
	WorkspaceRoomID string `json:"workspaceRoomId"`
	Timestamp       int64  `json:"timestamp"`

	// Members lists who is in the joined room, the caller included.
	Members []PresenceInfo `json:"members,omitempty"`
}

// JoinError rejects a join. Reason is machine readable.
type JoinError struct {
	Error       string `json:"error"`
	Reason      string `json:"reason"`
	SessionID   string `json:"sessionId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Join rejection reasons.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonWorkspaceMismatch   = "workspace_mismatch"
	ReasonAgentNotInWorkspace = "agent_not_in_workspace"
	ReasonSessionNotInAgent   = "session_not_in_agent"
	ReasonNotAuthenticated    = "not_authenticated"
)

// LeaveSuccess acknowledges a leave. Leaving a room the connection is not in
// also succeeds.
type LeaveSuccess struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

// SendWorkspaceMessageRequest posts a chat message to a workspace.
type SendWorkspaceMessageRequest struct {
	WorkspaceID string         `json:"workspaceId"`
	Content     string         `json:"content"`
	ChannelID   string         `json:"channelId,omitempty"`
	RecipientID string         `json:"recipientId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SendWorkspaceMessageSuccess acknowledges a posted workspace message.
type SendWorkspaceMessageSuccess struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// TypingRequest signals that the sender started or stopped typing.
type TypingRequest struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	IsTyping    bool   `json:"isTyping"`
}

// PresenceUpdateRequest changes the sender's presence status in every room it has joined.
type PresenceUpdateRequest struct {
	Status PresenceStatus `json:"status"`
}

// HistoryRequest asks for envelopes of a room with timestamps after Since.
type HistoryRequest struct {
	RoomID string `json:"roomId"`
	Since  int64  `json:"since"`
	Limit  int    `json:"limit,omitempty"`
}

// HistoryResponse answers a HistoryRequest in timestamp order.
type HistoryResponse struct {
	RoomID  string      `json:"roomId"`
	Events  []*Envelope `json:"events"`
	HasMore bool        `json:"hasMore"`
}

// ErrorMessage reports a failed request that has no dedicated error frame.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
