// ABOUTME: Package documentation for session state management.
// ABOUTME: In-memory conversation sessions with sliding TTL expiry.

// Package session owns per-client conversation state: ordered turn history,
// the upstream continuation token, and the pending tool-call slot.
//
// Sessions live only in memory and expire on a sliding TTL enforced by a
// sweep goroutine owned by the Store. There is no durability across process
// restarts; the ledger package records transcripts separately for
// diagnostics.
package session
