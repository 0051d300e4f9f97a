// Package client is a Go client for the realtime WebSocket server.
//
// A Manager owns one logical connection. It authenticates with a token
// fetched on every attempt, reconnects with exponential backoff after a
// transport drop, and correlates requests with their acknowledgements.
// Room membership does not survive a reconnect; callers rejoin from
// OnStateChange and request history for the gap.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected         State = "disconnected"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateAuthenticationFailed State = "authentication_failed"
)

const (
	writeWait = 10 * time.Second

	// Longer than the server ping period so a live server always refreshes it.
	readWait = 70 * time.Second
)

// Defaults
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
)

// TokenFunc returns a freshly minted token. It is called on every connection
// attempt, including reconnects.
type TokenFunc func(ctx context.Context) (string, error)

// Options configures a Manager.
type Options struct {
	// URL is the ws:// or wss:// endpoint, e.g. "ws://localhost:8080/ws".
	URL         string
	WorkspaceID string
	UserID      string
	AgentID     string
	Token       TokenFunc
	Header      http.Header

	ConnectTimeout time.Duration
	JoinTimeout    time.Duration
	RequestTimeout time.Duration

	// ReconnectAttempts bounds reconnection after a drop. Negative disables it.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	Dialer *websocket.Dialer
	Logger *zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = max(DefaultReconnectDelayMax, o.ReconnectDelay)
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// lifecycle spans one Connect call up to Disconnect or a terminal failure,
// including every reconnect in between.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager manages a connection to the realtime server.
type Manager struct {
	opts     Options
	handlers *registry
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	lc       *lifecycle
	conn     *websocket.Conn
	info     *protocol.Connected
	pending  map[string]chan *protocol.Frame
	watchers []func(State)

	writeMu sync.Mutex
}

// New creates a disconnected Manager.
func New(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.WorkspaceID == "" {
		return nil, errors.New("client: WorkspaceID is required")
	}
	if opts.Token == nil {
		return nil, errors.New("client: Token is required")
	}
	opts.applyDefaults()

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Manager{
		opts:     opts,
		handlers: newRegistry(),
		logger:   logger.With().Str("component", "realtime-client").Logger(),
		state:    StateDisconnected,
		pending:  make(map[string]chan *protocol.Frame),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns the server's handshake acknowledgement, or nil when not connected.
func (m *Manager) Info() *protocol.Connected {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return nil
	}
	info := *m.info
	return &info
}

// On registers a handler for an event kind. Handlers survive reconnects.
func (m *Manager) On(kind protocol.Kind, fn EventHandler) HandlerID {
	return m.handlers.add(kind, fn)
}

// Off removes a handler. It reports whether the handler was registered.
func (m *Manager) Off(id HandlerID) bool {
	return m.handlers.remove(id)
}

// OnStateChange registers fn to be called after every state transition.
// A transition to StateConnected after a reconnect is the place to rejoin
// rooms.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Connect dials the server and authenticates. It returns once the server
// confirmed the connection, or with ErrConnectTimeout or an *AuthError.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	lctx, cancel := context.WithCancel(context.Background())
	lc := &lifecycle{ctx: lctx, cancel: cancel}
	m.lc = lc
	m.state = StateConnecting
	watchers := m.watchers
	m.mu.Unlock()

	notify(watchers, StateConnecting)

	if err := m.connect(ctx, lc); err != nil {
		m.fail(lc, err)
		return err
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	lc := m.lc
	m.lc = nil
	conn := m.detachLocked()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	watchers := m.watchers
	m.mu.Unlock()

	if lc != nil {
		lc.cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
	if changed {
		notify(watchers, StateDisconnected)
	}
}

// connect performs one attempt and installs the connection on success.
func (m *Manager) connect(ctx context.Context, lc *lifecycle) error {
	token, err := m.opts.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}

	conn, info, err := m.handshake(ctx, token)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.lc != lc || lc.ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	m.info = info
	m.pending = make(map[string]chan *protocol.Frame)
	m.state = StateConnected
	watchers := m.watchers
	m.mu.Unlock()

	m.logger.Info().
		Str("connection_id", info.ConnectionID).
		Str("workspace_id", info.WorkspaceID).
		Msg("connected")

	go m.readLoop(lc, conn)
	notify(watchers, StateConnected)
	return nil
}

// handshake dials and exchanges authenticate for connected or connect_error.
func (m *Manager) handshake(ctx context.Context, token string) (*websocket.Conn, *protocol.Connected, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, ErrConnectTimeout
		}
		return nil, nil, fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	// unblock the read below if the caller gives up first
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	data, err := protocol.EncodeFrame(protocol.FrameAuthenticate, "", &protocol.AuthenticateRequest{
		Token:       token,
		WorkspaceID: m.opts.WorkspaceID,
		UserID:      m.opts.UserID,
		AgentID:     m.opts.AgentID,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sending authenticate: %w", err)
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, nil, ctx.Err()
		}
		var netErr net.Error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, nil, ErrConnectTimeout
		}
		return nil, nil, fmt.Errorf("reading handshake reply: %w", err)
	}

	var frame protocol.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("decoding handshake reply: %w", err)
	}

	switch frame.Type {
	case protocol.FrameConnected:
		var info protocol.Connected
		if err := frame.Decode(&info); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("decoding connected: %w", err)
		}
		conn.SetWriteDeadline(time.Time{})
		return conn, &info, nil

	case protocol.FrameConnectError:
		conn.Close()
		var reject protocol.ConnectError
		if err := frame.Decode(&reject); err != nil {
			return nil, nil, &AuthError{Code: protocol.CodeAuthenticationFailed, Message: err.Error()}
		}
		if reject.Code == protocol.CodeHandshakeTimeout {
			return nil, nil, ErrConnectTimeout
		}
		return nil, nil, &AuthError{Code: reject.Code, Message: reject.Message}
	}

	conn.Close()
	return nil, nil, fmt.Errorf("unexpected handshake reply %q", frame.Type)
}

func (m *Manager) readLoop(lc *lifecycle, conn *websocket.Conn) {
	defer m.dropped(lc, conn)

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var frame protocol.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		m.route(&frame)
	}
}

// route hands replies to their waiting request and events to handlers.
func (m *Manager) route(frame *protocol.Frame) {
	if frame.RequestID != "" {
		m.mu.Lock()
		ch, ok := m.pending[frame.RequestID]
		delete(m.pending, frame.RequestID)
		m.mu.Unlock()
		if ok {
			ch <- frame
			return
		}
	}

	if frame.IsEvent() {
		var env protocol.Envelope
		if err := frame.Decode(&env); err != nil {
			m.logger.Warn().Err(err).Str("type", string(frame.Type)).Msg("dropping undecodable event")
			return
		}
		m.handlers.dispatch(&env)
		return
	}

	if frame.Type == protocol.FrameError {
		var msg protocol.ErrorMessage
		frame.Decode(&msg)
		m.logger.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("server error")
	}
}

// dropped runs when the read loop ends. Unless Disconnect already detached
// the connection it starts reconnecting.
func (m *Manager) dropped(lc *lifecycle, conn *websocket.Conn) {
	conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	retry := m.lc == lc && lc.ctx.Err() == nil && m.opts.ReconnectAttempts > 0
	state := StateDisconnected
	if retry {
		state = StateConnecting
	} else if m.lc == lc {
		m.lc = nil
	}
	m.state = state
	watchers := m.watchers
	m.mu.Unlock()

	notify(watchers, state)
	if retry {
		go m.reconnect(lc)
	} else {
		lc.cancel()
	}
}

func (m *Manager) reconnect(lc *lifecycle) {
	delay := m.opts.ReconnectDelay
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-lc.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.logger.Info().Int("attempt", attempt).Msg("reconnecting")
		err := m.connect(lc.ctx, lc)
		if err == nil {
			return
		}
		var authErr *AuthError
		if errors.As(err, &authErr) || lc.ctx.Err() != nil {
			m.fail(lc, err)
			return
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reconnect failed")

		delay *= 2
		if delay > m.opts.ReconnectDelayMax {
			delay = m.opts.ReconnectDelayMax
		}
	}
	m.fail(lc, ErrNotConnected)
}

// fail ends a lifecycle after a connect error.
func (m *Manager) fail(lc *lifecycle, err error) {
	state := StateDisconnected
	var authErr *AuthError
	if errors.As(err, &authErr) {
		state = StateAuthenticationFailed
		m.logger.Warn().Str("code", authErr.Code).Msg("authentication failed")
	}

	m.mu.Lock()
	if m.lc != lc {
		m.mu.Unlock()
		return
	}
	m.lc = nil
	m.mu.Unlock()

	lc.cancel()
	m.transition(nil, state)
}

// transition sets the state if lc is still current (nil matches any) and
// notifies watchers.
func (m *Manager) transition(lc *lifecycle, s State) {
	m.mu.Lock()
	if lc != nil && m.lc != lc {
		m.mu.Unlock()
		return
	}
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	watchers := m.watchers
	m.mu.Unlock()

	notify(watchers, s)
}

// detachLocked clears the connection and fails pending requests.
func (m *Manager) detachLocked() *websocket.Conn {
	conn := m.conn
	m.conn = nil
	m.info = nil
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	return conn
}

func notify(watchers []func(State), s State) {
	for _, fn := range watchers {
		fn(s)
	}
}
