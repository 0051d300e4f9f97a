package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// JoinWorkspaceRoom joins the workspace room. Events sent before the ack
// may have been missed; use RequestHistory to backfill.
func (m *Manager) JoinWorkspaceRoom(ctx context.Context, workspaceID string) (*protocol.JoinSuccess, error) {
	return m.join(ctx, protocol.FrameJoinWorkspaceRoom, &protocol.JoinWorkspaceRoomRequest{
		WorkspaceID: workspaceID,
	})
}

// JoinAgentRoom joins an agent room and the room of its workspace.
func (m *Manager) JoinAgentRoom(ctx context.Context, agentID, workspaceID string) (*protocol.JoinSuccess, error) {
	return m.join(ctx, protocol.FrameJoinAgentRoom, &protocol.JoinAgentRoomRequest{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	})
}

// JoinSessionRoom joins a session room along with its agent and workspace rooms.
func (m *Manager) JoinSessionRoom(ctx context.Context, sessionID, agentID, workspaceID string) (*protocol.JoinSuccess, error) {
	return m.join(ctx, protocol.FrameJoinSessionRoom, &protocol.JoinSessionRoomRequest{
		SessionID:   sessionID,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	})
}

// LeaveWorkspaceRoom leaves the workspace room.
func (m *Manager) LeaveWorkspaceRoom(ctx context.Context, workspaceID string) (*protocol.LeaveSuccess, error) {
	return m.leave(ctx, protocol.FrameLeaveWorkspaceRoom, &protocol.JoinWorkspaceRoomRequest{
		WorkspaceID: workspaceID,
	})
}

// LeaveAgentRoom leaves an agent room.
func (m *Manager) LeaveAgentRoom(ctx context.Context, agentID, workspaceID string) (*protocol.LeaveSuccess, error) {
	return m.leave(ctx, protocol.FrameLeaveAgentRoom, &protocol.JoinAgentRoomRequest{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	})
}

// LeaveSessionRoom leaves a session room.
func (m *Manager) LeaveSessionRoom(ctx context.Context, sessionID, workspaceID string) (*protocol.LeaveSuccess, error) {
	return m.leave(ctx, protocol.FrameLeaveSessionRoom, &protocol.JoinSessionRoomRequest{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
	})
}

// SendWorkspaceMessage posts a chat message to the workspace room, or only
// to the recipient's connections when RecipientID is set.
func (m *Manager) SendWorkspaceMessage(ctx context.Context, req protocol.SendWorkspaceMessageRequest) (*protocol.SendWorkspaceMessageSuccess, error) {
	t := protocol.FrameSendWorkspaceMessage
	frame, err := m.request(ctx, t, &req, m.opts.RequestTimeout, ErrRequestTimeout)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.SuccessType(t) {
		return nil, requestError(frame)
	}
	var ack protocol.SendWorkspaceMessageSuccess
	if err := frame.Decode(&ack); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", frame.Type, err)
	}
	return &ack, nil
}

// SetTyping signals typing in a session room the connection has joined.
// The server does not acknowledge it; observers expire it after
// TypingExpiry unless it is refreshed.
func (m *Manager) SetTyping(sessionID, workspaceID string, isTyping bool) error {
	return m.send(protocol.FrameTyping, "", &protocol.TypingRequest{
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		IsTyping:    isTyping,
	})
}

// UpdatePresence changes this connection's status in every joined room.
func (m *Manager) UpdatePresence(ctx context.Context, status protocol.PresenceStatus) error {
	t := protocol.FramePresenceUpdate
	frame, err := m.request(ctx, t, &protocol.PresenceUpdateRequest{Status: status}, m.opts.RequestTimeout, ErrRequestTimeout)
	if err != nil {
		return err
	}
	if frame.Type != protocol.SuccessType(t) {
		return requestError(frame)
	}
	return nil
}

// RequestHistory returns envelopes of a joined room newer than since, the
// timestamp of the last envelope seen before a gap.
func (m *Manager) RequestHistory(ctx context.Context, roomID string, since int64, limit int) (*protocol.HistoryResponse, error) {
	frame, err := m.request(ctx, protocol.FrameRequestHistory, &protocol.HistoryRequest{
		RoomID: roomID,
		Since:  since,
		Limit:  limit,
	}, m.opts.RequestTimeout, ErrRequestTimeout)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.FrameHistory {
		return nil, requestError(frame)
	}
	var resp protocol.HistoryResponse
	if err := frame.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return &resp, nil
}

// Ping round-trips a ping frame and returns the latency.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	frame, err := m.request(ctx, protocol.FramePing, nil, m.opts.RequestTimeout, ErrRequestTimeout)
	if err != nil {
		return 0, err
	}
	if frame.Type != protocol.FramePong {
		return 0, requestError(frame)
	}
	return time.Since(start), nil
}

func (m *Manager) join(ctx context.Context, t protocol.FrameType, req any) (*protocol.JoinSuccess, error) {
	frame, err := m.request(ctx, t, req, m.opts.JoinTimeout, ErrJoinTimeout)
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case protocol.SuccessType(t):
		var ack protocol.JoinSuccess
		if err := frame.Decode(&ack); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", frame.Type, err)
		}
		return &ack, nil

	case protocol.ErrorType(t):
		// join rejections carry a reason; malformed requests carry a code
		var reject struct {
			protocol.JoinError
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := frame.Decode(&reject); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", frame.Type, err)
		}
		joinErr := &JoinError{
			Reason:      reject.Reason,
			Message:     reject.Error,
			SessionID:   reject.SessionID,
			AgentID:     reject.AgentID,
			WorkspaceID: reject.WorkspaceID,
		}
		if joinErr.Reason == "" {
			joinErr.Reason = reject.Code
		}
		if joinErr.Message == "" {
			joinErr.Message = reject.Message
		}
		return nil, joinErr
	}

	return nil, requestError(frame)
}

func (m *Manager) leave(ctx context.Context, t protocol.FrameType, req any) (*protocol.LeaveSuccess, error) {
	frame, err := m.request(ctx, t, req, m.opts.RequestTimeout, ErrRequestTimeout)
	if err != nil {
		return nil, err
	}
	if frame.Type != protocol.SuccessType(t) {
		return nil, requestError(frame)
	}
	var ack protocol.LeaveSuccess
	if err := frame.Decode(&ack); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", frame.Type, err)
	}
	return &ack, nil
}

// request sends a frame with a fresh request id and waits for the frame that
// echoes it.
func (m *Manager) request(ctx context.Context, t protocol.FrameType, v any, timeout time.Duration, timeoutErr error) (*protocol.Frame, error) {
	id := ulid.Make().String()
	reply := make(chan *protocol.Frame, 1)

	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	m.pending[id] = reply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	if err := m.send(t, id, v); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-reply:
		if !ok {
			return nil, ErrDisconnected
		}
		return frame, nil
	case <-timer.C:
		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) send(t protocol.FrameType, requestID string, v any) error {
	data, err := protocol.EncodeFrame(t, requestID, v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", t, err)
	}
	return nil
}

func requestError(frame *protocol.Frame) error {
	var msg protocol.ErrorMessage
	if err := frame.Decode(&msg); err != nil || msg.Code == "" {
		return &RequestError{Code: protocol.CodeInternal, Message: "unexpected reply " + string(frame.Type)}
	}
	return &RequestError{Code: msg.Code, Message: msg.Message}
}
