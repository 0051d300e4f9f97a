// Package protocol defines the wire contract shared by the realtime server
// and its clients.
//
// The package implements:
//   - Room: deterministic room identifiers (workspace, agent, session)
//   - Envelope: the typed, immutable unit of broadcast, one payload type per event kind
//   - Frame: the JSON frame exchanged over the WebSocket in both directions
//   - Clock: a strictly increasing millisecond clock used to stamp envelopes
//
// Room names are pure functions of domain ids; there is no registration step.
// The envelope timestamp doubles as the replay offset for history requests.
package protocol
