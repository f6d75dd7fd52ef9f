// Package server implements the real-time relay: a room registry of live
// WebSocket sessions, the lifecycle that joins and cleans up those sessions,
// and the router that relays presence, membership, direct-message and call
// signaling events between them.
//
// The implementation is organized into specialized files for configuration,
// the registry, sessions, routing, the hub, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
