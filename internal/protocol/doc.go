// ABOUTME: Package documentation for the wire protocol.
// ABOUTME: Defines the message-kind contracts used by gateway and orchestrator.

// Package protocol defines the JSON wire protocol spoken over client
// WebSocket connections.
//
// Every frame in both directions is an Envelope of {type, payload}. Inbound
// frames are decoded into the Inbound tagged union by ParseInbound, which is
// the single place shape validation happens. Outbound payloads are framed by
// Marshal.
package protocol
