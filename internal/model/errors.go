package model

import "errors"

var (
	// ErrAuthenticationFailed is returned when a connection handshake cannot be verified.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrWorkspaceMismatch is returned when a request names a workspace the
	// connection is not authorized for.
	ErrWorkspaceMismatch = errors.New("workspace mismatch")

	// ErrNotEntitled is returned when a user is not a member of the workspace.
	ErrNotEntitled = errors.New("not entitled to workspace")

	// ErrNotMember is returned when a connection acts on a room it has not joined.
	ErrNotMember = errors.New("not a member of room")

	// ErrInvalidRequest is returned when required ids are missing.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrForbidden is returned when access to a resource is forbidden.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a tenancy record does not exist.
	ErrNotFound = errors.New("not found")
)
