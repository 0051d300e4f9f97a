package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/internal/metrics"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024

	defaultHandshakeTimeout = 10 * time.Second
)

// Authenticator verifies the handshake frame of a connection.
type Authenticator interface {
	Authenticate(ctx context.Context, req protocol.AuthenticateRequest) (*model.Identity, error)
}

// EventPublisher turns client-originated frames into broadcast envelopes.
type EventPublisher interface {
	WorkspaceMessage(ctx context.Context, from *model.Identity, req protocol.SendWorkspaceMessageRequest) (*protocol.Envelope, error)
	Typing(ctx context.Context, from *model.Identity, sessionID string, isTyping bool) error
}

// HistorySource answers backfill requests.
type HistorySource interface {
	Since(ctx context.Context, room protocol.Room, since int64, limit int) ([]*protocol.Envelope, bool, error)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	HandshakeTimeout time.Duration
	SendBufferSize   int
	MaxMessageSize   int64
	AllowedOrigins   []string
}

// Handler accepts WebSocket connections and dispatches their frames.
type Handler struct {
	rooms     *RoomManager
	auth      Authenticator
	publisher EventPublisher
	history   HistorySource
	opts      HandlerOptions
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// NewHandler creates a new WebSocket handler. publisher and history may be
// nil, in which case the corresponding frames are answered with an error.
func NewHandler(rooms *RoomManager, auth Authenticator, publisher EventPublisher, history HistorySource, opts HandlerOptions, logger zerolog.Logger) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = DefaultSendBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	h := &Handler{
		rooms:     rooms,
		auth:      auth,
		publisher: publisher,
		history:   history,
		opts:      opts,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetEventPublisher sets the publisher for client-originated events. It must
// be called before the handler serves connections.
func (h *Handler) SetEventPublisher(p EventPublisher) {
	h.publisher = p
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the HTTP connection to WebSocket and serves it.
// The connection is unauthenticated until its first frame, which must be
// an authenticate frame arriving within the handshake timeout.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, h.opts.SendBufferSize)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// handshake reads and verifies the authenticate frame.
func (h *Handler) handshake(client *Client) (*model.Identity, string, error) {
	conn := client.Conn()
	conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))

	_, message, err := conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, protocol.CodeHandshakeTimeout, err
		}
		return nil, "", err
	}

	var frame protocol.Frame
	if err := json.Unmarshal(message, &frame); err != nil || frame.Type != protocol.FrameAuthenticate {
		return nil, protocol.CodeAuthenticationFailed, errors.New("first frame must be authenticate")
	}

	var req protocol.AuthenticateRequest
	if err := frame.Decode(&req); err != nil {
		return nil, protocol.CodeAuthenticationFailed, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.HandshakeTimeout)
	defer cancel()

	identity, err := h.auth.Authenticate(ctx, req)
	if err != nil {
		return nil, protocol.CodeAuthenticationFailed, err
	}
	return identity, "", nil
}

func (h *Handler) rejectHandshake(client *Client, code string, err error) {
	result := "rejected"
	if code == protocol.CodeHandshakeTimeout {
		result = "timeout"
	}
	metrics.HandshakesTotal.WithLabelValues(result).Inc()
	h.logger.Info().Err(err).Str("connection_id", client.ID()).Str("code", code).Msg("handshake failed")

	message := "authentication failed"
	if code == protocol.CodeHandshakeTimeout {
		message = "no authenticate frame received"
	}
	h.reply(client, protocol.FrameConnectError, "", &protocol.ConnectError{Code: code, Message: message})
	client.CloseWithReason(websocket.ClosePolicyViolation, code)
}

// readPump authenticates the connection and then pumps frames to dispatch.
func (h *Handler) readPump(client *Client) {
	conn := client.Conn()
	conn.SetReadLimit(h.opts.MaxMessageSize)

	identity, code, err := h.handshake(client)
	if err != nil {
		if code == "" {
			// peer went away before authenticating
			client.Close()
			return
		}
		h.rejectHandshake(client, code, err)
		return
	}

	client.SetIdentity(identity)
	if err := h.rooms.Register(client); err != nil {
		h.rejectHandshake(client, protocol.CodeAuthenticationFailed, err)
		return
	}
	defer h.rooms.Unregister(client)

	metrics.HandshakesTotal.WithLabelValues("ok").Inc()
	h.logger.Info().
		Str("connection_id", client.ID()).
		Str("workspace_id", identity.WorkspaceID).
		Str("user_id", identity.UserID).
		Msg("connection authenticated")

	h.reply(client, protocol.FrameConnected, "", &protocol.Connected{
		ConnectionID: client.ID(),
		UserID:       identity.UserID,
		WorkspaceID:  identity.WorkspaceID,
		AgentID:      identity.AgentID,
		Timestamp:    time.Now().UnixMilli(),
	})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("connection_id", client.ID()).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.replyError(client, protocol.FrameError, "", protocol.CodeInvalidRequest, "malformed frame")
			continue
		}

		h.rooms.Touch(client)
		h.dispatch(client, &frame)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	conn := client.Conn()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The client was closed
				conn.WriteMessage(websocket.CloseMessage, client.closeMessage())
				return
			}

			// Each frame is its own WebSocket message
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}

func (h *Handler) dispatch(client *Client, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameJoinWorkspaceRoom:
		var req protocol.JoinWorkspaceRoomRequest
		if !h.decode(client, frame, &req) {
			return
		}
		ack, err := h.rooms.JoinWorkspaceRoom(client, req.WorkspaceID)
		h.replyJoin(client, frame, ack, err, "", "", req.WorkspaceID)

	case protocol.FrameJoinAgentRoom:
		var req protocol.JoinAgentRoomRequest
		if !h.decode(client, frame, &req) {
			return
		}
		ack, err := h.rooms.JoinAgentRoom(client, req.AgentID, req.WorkspaceID)
		h.replyJoin(client, frame, ack, err, "", req.AgentID, req.WorkspaceID)

	case protocol.FrameJoinSessionRoom:
		var req protocol.JoinSessionRoomRequest
		if !h.decode(client, frame, &req) {
			return
		}
		ack, err := h.rooms.JoinSessionRoom(client, req.SessionID, req.AgentID, req.WorkspaceID)
		h.replyJoin(client, frame, ack, err, req.SessionID, req.AgentID, req.WorkspaceID)

	case protocol.FrameLeaveWorkspaceRoom:
		var req protocol.JoinWorkspaceRoomRequest
		if h.decode(client, frame, &req) {
			h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, h.rooms.LeaveWorkspaceRoom(client, req.WorkspaceID))
		}

	case protocol.FrameLeaveAgentRoom:
		var req protocol.JoinAgentRoomRequest
		if h.decode(client, frame, &req) {
			h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, h.rooms.LeaveAgentRoom(client, req.AgentID, req.WorkspaceID))
		}

	case protocol.FrameLeaveSessionRoom:
		var req protocol.JoinSessionRoomRequest
		if h.decode(client, frame, &req) {
			h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, h.rooms.LeaveSessionRoom(client, req.SessionID, req.WorkspaceID))
		}

	case protocol.FrameSendWorkspaceMessage:
		h.handleWorkspaceMessage(client, frame)

	case protocol.FrameTyping:
		h.handleTyping(client, frame)

	case protocol.FramePresenceUpdate:
		var req protocol.PresenceUpdateRequest
		if !h.decode(client, frame, &req) {
			return
		}
		if err := h.rooms.UpdatePresence(client, req.Status); err != nil {
			h.replyError(client, protocol.ErrorType(frame.Type), frame.RequestID, protocol.CodeInvalidRequest, err.Error())
			return
		}
		h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, nil)

	case protocol.FrameRequestHistory:
		h.handleHistory(client, frame)

	case protocol.FramePing:
		h.reply(client, protocol.FramePong, frame.RequestID, nil)

	case protocol.FrameAuthenticate:
		h.replyError(client, protocol.FrameError, frame.RequestID, protocol.CodeInvalidRequest, "connection is already authenticated")

	default:
		h.replyError(client, protocol.FrameError, frame.RequestID, protocol.CodeUnknownFrame, "unknown frame type "+string(frame.Type))
	}
}

func (h *Handler) handleWorkspaceMessage(client *Client, frame *protocol.Frame) {
	errType := protocol.ErrorType(frame.Type)

	var req protocol.SendWorkspaceMessageRequest
	if !h.decode(client, frame, &req) {
		return
	}
	if h.publisher == nil {
		h.replyError(client, errType, frame.RequestID, protocol.CodeInternal, "workspace messages are not available")
		return
	}

	identity := client.Identity()
	if !identity.CanAccessWorkspace(req.WorkspaceID) {
		h.replyError(client, errType, frame.RequestID, protocol.ReasonWorkspaceMismatch, model.ErrWorkspaceMismatch.Error())
		return
	}

	env, err := h.publisher.WorkspaceMessage(context.Background(), identity, req)
	if err != nil {
		code := protocol.CodeInternal
		if errors.Is(err, model.ErrInvalidRequest) {
			code = protocol.CodeInvalidRequest
		}
		h.replyError(client, errType, frame.RequestID, code, err.Error())
		return
	}

	ack := &protocol.SendWorkspaceMessageSuccess{Timestamp: env.Timestamp}
	if msg, ok := env.Data.(*protocol.WorkspaceMessage); ok {
		ack.MessageID = msg.MessageID
	}
	h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, ack)
}

func (h *Handler) handleTyping(client *Client, frame *protocol.Frame) {
	errType := protocol.ErrorType(frame.Type)

	var req protocol.TypingRequest
	if !h.decode(client, frame, &req) {
		return
	}
	if h.publisher == nil {
		h.replyError(client, errType, frame.RequestID, protocol.CodeInternal, "typing is not available")
		return
	}

	identity := client.Identity()
	if req.WorkspaceID != "" && !identity.CanAccessWorkspace(req.WorkspaceID) {
		h.replyError(client, errType, frame.RequestID, protocol.ReasonWorkspaceMismatch, model.ErrWorkspaceMismatch.Error())
		return
	}
	if !h.rooms.IsMember(client, protocol.SessionRoom(identity.WorkspaceID, req.SessionID)) {
		h.replyError(client, errType, frame.RequestID, protocol.CodeNotMember, model.ErrNotMember.Error())
		return
	}

	if err := h.publisher.Typing(context.Background(), identity, req.SessionID, req.IsTyping); err != nil {
		h.replyError(client, errType, frame.RequestID, protocol.CodeInternal, err.Error())
	}
}

func (h *Handler) handleHistory(client *Client, frame *protocol.Frame) {
	errType := protocol.ErrorType(frame.Type)

	var req protocol.HistoryRequest
	if !h.decode(client, frame, &req) {
		return
	}
	if h.history == nil {
		h.replyError(client, errType, frame.RequestID, protocol.CodeInternal, "history is not available")
		return
	}

	room, err := protocol.ParseRoom(client.Identity().WorkspaceID, req.RoomID)
	if err != nil {
		h.replyError(client, errType, frame.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if !h.rooms.IsMember(client, room) {
		h.replyError(client, errType, frame.RequestID, protocol.CodeNotMember, model.ErrNotMember.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	events, more, err := h.history.Since(ctx, room, req.Since, req.Limit)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room.Key()).Msg("failed to read history")
		h.replyError(client, errType, frame.RequestID, protocol.CodeInternal, "failed to read history")
		return
	}
	if events == nil {
		events = []*protocol.Envelope{}
	}

	h.reply(client, protocol.FrameHistory, frame.RequestID, &protocol.HistoryResponse{
		RoomID:  room.Name(),
		Events:  events,
		HasMore: more,
	})
}

// decode unmarshals frame data, answering with an error frame on failure.
func (h *Handler) decode(client *Client, frame *protocol.Frame, v any) bool {
	if err := frame.Decode(v); err != nil {
		h.replyError(client, protocol.ErrorType(frame.Type), frame.RequestID, protocol.CodeInvalidRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) replyJoin(client *Client, frame *protocol.Frame, ack *protocol.JoinSuccess, err error, sessionID, agentID, workspaceID string) {
	if err == nil {
		h.reply(client, protocol.SuccessType(frame.Type), frame.RequestID, ack)
		return
	}

	reason := protocol.ReasonInvalidRequest
	var joinErr *JoinError
	if errors.As(err, &joinErr) {
		reason = joinErr.Reason
	}
	h.logger.Debug().Err(err).
		Str("connection_id", client.ID()).
		Str("type", string(frame.Type)).
		Msg("join rejected")

	h.reply(client, protocol.ErrorType(frame.Type), frame.RequestID, &protocol.JoinError{
		Error:       err.Error(),
		Reason:      reason,
		SessionID:   sessionID,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
	})
}

func (h *Handler) replyError(client *Client, t protocol.FrameType, requestID, code, message string) {
	h.reply(client, t, requestID, &protocol.ErrorMessage{Code: code, Message: message})
}

func (h *Handler) reply(client *Client, t protocol.FrameType, requestID string, v any) {
	data, err := protocol.EncodeFrame(t, requestID, v)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(t)).Msg("failed to encode frame")
		return
	}
	client.Send(data)
}
