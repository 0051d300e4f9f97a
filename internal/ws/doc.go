// Package ws serves the realtime WebSocket endpoint.
//
// The package implements:
//   - Client: one authenticated connection and its send queue
//   - RoomManager: room membership, presence announcements and fan-out
//   - Handler: handshake, read/write pumps and frame dispatch
//   - Service: wires the above for the HTTP server
//
// A connection must send an authenticate frame first. Afterwards it joins
// workspace, agent and session rooms explicitly; every room is scoped to the
// connection's workspace, so envelopes never reach another tenant.
package ws
