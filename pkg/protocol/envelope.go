package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Kind is the event kind tag carried by every envelope.
type Kind string

const (
	// Agent lifecycle
	KindAgentCreated           Kind = "agent-created"
	KindAgentUpdated           Kind = "agent-updated"
	KindAgentDeleted           Kind = "agent-deleted"
	KindAgentStatusUpdate      Kind = "agent-status-update"
	KindAgentPerformanceUpdate Kind = "agent-performance-update"

	// Session lifecycle
	KindSessionStarted       Kind = "session-started"
	KindSessionEnded         Kind = "session-ended"
	KindSessionStatusChanged Kind = "session-status-changed"
	KindSessionAnalytics     Kind = "session-analytics"

	// Messages
	KindMessageSent     Kind = "message-sent"
	KindMessageReceived Kind = "message-received"
	KindMessageChunk    Kind = "message-chunk"
	KindTypingIndicator Kind = "typing-indicator"

	// Tool calls
	KindToolCallStarted   Kind = "tool-call-started"
	KindToolCallCompleted Kind = "tool-call-completed"
	KindToolCallFailed    Kind = "tool-call-failed"

	// Presence
	KindUserJoined     Kind = "user-joined"
	KindUserLeft       Kind = "user-left"
	KindPresenceUpdate Kind = "presence-update"

	// Workspace chat
	KindWorkspaceMessage Kind = "workspace-message"
)

// ErrUnknownKind is returned when decoding an envelope with an unrecognized type tag.
var ErrUnknownKind = errors.New("unknown event kind")

// newPayload returns an empty payload for the kind. The switch is the closed
// set of kinds; adding a kind means adding a case here.
func newPayload(k Kind) (Payload, error) {
	switch k {
	case KindAgentCreated:
		return &AgentCreated{}, nil
	case KindAgentUpdated:
		return &AgentUpdated{}, nil
	case KindAgentDeleted:
		return &AgentDeleted{}, nil
	case KindAgentStatusUpdate:
		return &AgentStatusUpdate{}, nil
	case KindAgentPerformanceUpdate:
		return &AgentPerformanceUpdate{}, nil
	case KindSessionStarted:
		return &SessionStarted{}, nil
	case KindSessionEnded:
		return &SessionEnded{}, nil
	case KindSessionStatusChanged:
		return &SessionStatusChanged{}, nil
	case KindSessionAnalytics:
		return &SessionAnalytics{}, nil
	case KindMessageSent:
		return &MessageSent{}, nil
	case KindMessageReceived:
		return &MessageReceived{}, nil
	case KindMessageChunk:
		return &MessageChunk{}, nil
	case KindTypingIndicator:
		return &TypingIndicator{}, nil
	case KindToolCallStarted:
		return &ToolCallStarted{}, nil
	case KindToolCallCompleted:
		return &ToolCallCompleted{}, nil
	case KindToolCallFailed:
		return &ToolCallFailed{}, nil
	case KindUserJoined:
		return &UserJoined{}, nil
	case KindUserLeft:
		return &UserLeft{}, nil
	case KindPresenceUpdate:
		return &PresenceUpdate{}, nil
	case KindWorkspaceMessage:
		return &WorkspaceMessage{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

// IsKnown reports whether k belongs to the closed set of event kinds.
func (k Kind) IsKnown() bool {
	_, err := newPayload(k)
	return err == nil
}

// Transient reports whether envelopes of kind k describe momentary state
// (typing, presence) that is not worth replaying after a reconnect.
func (k Kind) Transient() bool {
	switch k {
	case KindTypingIndicator, KindUserJoined, KindUserLeft, KindPresenceUpdate:
		return true
	}
	return false
}

// Payload is the kind-specific body of an envelope. Each kind has exactly
// one payload type.
type Payload interface {
	Kind() Kind
}

// Envelope is the unit of broadcast. It is not mutated after construction.
type Envelope struct {
	AgentID     string
	SessionID   string
	WorkspaceID string
	UserID      string
	Timestamp   int64
	Data        Payload
	Metadata    map[string]any
}

// Type returns the event kind tag derived from the payload.
func (e *Envelope) Type() Kind {
	if e.Data == nil {
		return ""
	}
	return e.Data.Kind()
}

type envelopeJSON struct {
	Type        Kind            `json:"type"`
	AgentID     string          `json:"agentId,omitempty"`
	SessionID   string          `json:"sessionId,omitempty"`
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, errors.New("envelope has no payload")
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Data.Kind(), err)
	}
	return json.Marshal(envelopeJSON{
		Type:        e.Data.Kind(),
		AgentID:     e.AgentID,
		SessionID:   e.SessionID,
		WorkspaceID: e.WorkspaceID,
		UserID:      e.UserID,
		Timestamp:   e.Timestamp,
		Data:        data,
		Metadata:    e.Metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler, dispatching on the type tag.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", raw.Type, err)
		}
	}
	*e = Envelope{
		AgentID:     raw.AgentID,
		SessionID:   raw.SessionID,
		WorkspaceID: raw.WorkspaceID,
		UserID:      raw.UserID,
		Timestamp:   raw.Timestamp,
		Data:        payload,
		Metadata:    raw.Metadata,
	}
	return nil
}

// Clock hands out strictly increasing millisecond timestamps. When several
// envelopes are stamped within the same millisecond the later ones are
// pushed forward, so a timestamp identifies a position in the stream.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a Clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockAt creates a Clock backed by the given time source. Used in tests.
func NewClockAt(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns the next timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
