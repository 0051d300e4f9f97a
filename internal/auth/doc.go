// Package auth authenticates connections and service callers.
//
// Connection tokens are HS256 JWTs carrying the workspace, optional user and
// agent ids and a role. The Authenticator turns the first WebSocket frame of
// a connection into a model.Identity, cross-checking the token against
// workspace membership and agent ownership. ServiceAuth guards the HTTP
// endpoints used by the agent runtime.
package auth
