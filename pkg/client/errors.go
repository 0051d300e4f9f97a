package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when neither connected nor connect_error
	// arrives within Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrRequestTimeout is returned when a request is not acknowledged in time.
	// It is safe to retry.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrJoinTimeout is returned when a join is not acknowledged within
	// Options.JoinTimeout. It wraps ErrRequestTimeout.
	ErrJoinTimeout = fmt.Errorf("join: %w", ErrRequestTimeout)

	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrDisconnected     = errors.New("connection lost before reply")
)

// AuthError is a handshake rejected by the server. The manager does not
// retry after it.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Code, e.Message)
}

// JoinError is a join rejected by the server. Reason is machine readable.
type JoinError struct {
	Reason      string
	Message     string
	SessionID   string
	AgentID     string
	WorkspaceID string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected (%s): %s", e.Reason, e.Message)
}

// RequestError is any other request the server answered with an error frame.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
