package protocol

import "encoding/json"

// AgentStatus is the availability of an agent.
type AgentStatus string

const (
	AgentStatusOnline     AgentStatus = "ONLINE"
	AgentStatusOffline    AgentStatus = "OFFLINE"
	AgentStatusBusy       AgentStatus = "BUSY"
	AgentStatusProcessing AgentStatus = "PROCESSING"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusBusy, AgentStatusProcessing:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a conversation.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
	SessionStatusEnded  SessionStatus = "ended"
)

// MessageType distinguishes who authored a message.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAssistant MessageType = "assistant"
)

// PresenceStatus is the activity level of a room member.
type PresenceStatus string

const (
	PresenceActive PresenceStatus = "active"
	PresenceIdle   PresenceStatus = "idle"
	PresenceAway   PresenceStatus = "away"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceActive, PresenceIdle, PresenceAway:
		return true
	}
	return false
}

// AgentCreated is the payload of KindAgentCreated.
type AgentCreated struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      AgentStatus    `json:"status,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// AgentUpdated is the payload of KindAgentUpdated.
type AgentUpdated struct {
	Name    string         `json:"name,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
}

// AgentDeleted is the payload of KindAgentDeleted.
type AgentDeleted struct {
	Reason string `json:"reason,omitempty"`
}

// AgentStatusUpdate is the payload of KindAgentStatusUpdate.
type AgentStatusUpdate struct {
	Status         AgentStatus `json:"status"`
	PreviousStatus AgentStatus `json:"previousStatus,omitempty"`
}

// AgentPerformanceUpdate is the payload of KindAgentPerformanceUpdate.
type AgentPerformanceUpdate struct {
	ActiveSessions    int     `json:"activeSessions"`
	MessagesHandled   int     `json:"messagesHandled"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	ErrorRate         float64 `json:"errorRate"`
}

// SessionStarted is the payload of KindSessionStarted.
type SessionStarted struct {
	Title      string `json:"title,omitempty"`
	Channel    string `json:"channel,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
}

// SessionAnalyticsSnapshot summarizes a conversation.
type SessionAnalyticsSnapshot struct {
	MessageCount      int      `json:"messageCount"`
	ToolCallCount     int      `json:"toolCallCount"`
	DurationMs        int64    `json:"durationMs"`
	AvgResponseTimeMs float64  `json:"avgResponseTimeMs"`
	Satisfaction      *float64 `json:"satisfaction,omitempty"`
}

// SessionEnded is the payload of KindSessionEnded.
type SessionEnded struct {
	Reason    string                    `json:"reason,omitempty"`
	Analytics *SessionAnalyticsSnapshot `json:"analytics,omitempty"`
}

// SessionStatusChanged is the payload of KindSessionStatusChanged.
type SessionStatusChanged struct {
	Status         SessionStatus `json:"status"`
	PreviousStatus SessionStatus `json:"previousStatus,omitempty"`
}

// SessionAnalytics is the payload of KindSessionAnalytics.
type SessionAnalytics struct {
	SessionAnalyticsSnapshot
}

// MessageBody is shared by sent and received messages.
type MessageBody struct {
	MessageID   string      `json:"messageId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
}

// MessageSent is the payload of KindMessageSent.
type MessageSent struct {
	MessageBody
}

// MessageReceived is the payload of KindMessageReceived.
type MessageReceived struct {
	MessageBody
}

// MessageChunk is one increment of a streamed assistant message.
// Index starts at 0 and increases by one per chunk of the same message.
type MessageChunk struct {
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done,omitempty"`
}

// TypingIndicator is the payload of KindTypingIndicator. Who is typing is
// carried by the envelope's UserID or AgentID.
type TypingIndicator struct {
	IsTyping bool `json:"isTyping"`
}

// ToolCallStarted is the payload of KindToolCallStarted.
type ToolCallStarted struct {
	MessageID  string         `json:"messageId,omitempty"`
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ToolCallCompleted is the payload of KindToolCallCompleted.
type ToolCallCompleted struct {
	MessageID        string          `json:"messageId,omitempty"`
	ToolCallID       string          `json:"toolCallId"`
	ToolName         string          `json:"toolName"`
	Result           json.RawMessage `json:"result,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
}

// ToolError describes why a tool call failed.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToolCallFailed is the payload of KindToolCallFailed.
type ToolCallFailed struct {
	MessageID  string    `json:"messageId,omitempty"`
	ToolCallID string    `json:"toolCallId"`
	ToolName   string    `json:"toolName"`
	Error      ToolError `json:"error"`
}

// PresenceInfo is the wire form of a presence record.
type PresenceInfo struct {
	UserID       string         `json:"userId,omitempty"`
	DisplayName  string         `json:"displayName,omitempty"`
	ConnectionID string         `json:"connectionId"`
	JoinedAt     int64          `json:"joinedAt"`
	LastActivity int64          `json:"lastActivity"`
	Status       PresenceStatus `json:"status"`
}

// UserJoined is the payload of KindUserJoined.
type UserJoined struct {
	RoomID   string       `json:"roomId"`
	Presence PresenceInfo `json:"presence"`
}

// UserLeft is the payload of KindUserLeft.
type UserLeft struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
}

// PresenceUpdate is the payload of KindPresenceUpdate.
type PresenceUpdate struct {
	RoomID   string       `json:"roomId"`
	Presence PresenceInfo `json:"presence"`
}

// WorkspaceMessage is the payload of KindWorkspaceMessage.
type WorkspaceMessage struct {
	MessageID   string `json:"messageId"`
	Content     string `json:"content"`
	ChannelID   string `json:"channelId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
}

func (*AgentCreated) Kind() Kind           { return KindAgentCreated }
func (*AgentUpdated) Kind() Kind           { return KindAgentUpdated }
func (*AgentDeleted) Kind() Kind           { return KindAgentDeleted }
func (*AgentStatusUpdate) Kind() Kind      { return KindAgentStatusUpdate }
func (*AgentPerformanceUpdate) Kind() Kind { return KindAgentPerformanceUpdate }
func (*SessionStarted) Kind() Kind         { return KindSessionStarted }
func (*SessionEnded) Kind() Kind           { return KindSessionEnded }
func (*SessionStatusChanged) Kind() Kind   { return KindSessionStatusChanged }
func (*SessionAnalytics) Kind() Kind       { return KindSessionAnalytics }
func (*MessageSent) Kind() Kind            { return KindMessageSent }
func (*MessageReceived) Kind() Kind        { return KindMessageReceived }
func (*MessageChunk) Kind() Kind           { return KindMessageChunk }
func (*TypingIndicator) Kind() Kind        { return KindTypingIndicator }
func (*ToolCallStarted) Kind() Kind        { return KindToolCallStarted }
func (*ToolCallCompleted) Kind() Kind      { return KindToolCallCompleted }
func (*ToolCallFailed) Kind() Kind         { return KindToolCallFailed }
func (*UserJoined) Kind() Kind             { return KindUserJoined }
func (*UserLeft) Kind() Kind               { return KindUserLeft }
func (*PresenceUpdate) Kind() Kind         { return KindPresenceUpdate }
func (*WorkspaceMessage) Kind() Kind       { return KindWorkspaceMessage }
