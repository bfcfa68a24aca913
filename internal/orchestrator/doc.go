// ABOUTME: Package documentation for the turn orchestrator.
// ABOUTME: Describes the turn state machine and its suspension semantics.

// Package orchestrator drives logical conversation turns:
//
//	AWAITING_MODEL -> (STREAMING_TEXT | TOOL_CALL_PENDING)
//	               -> AWAITING_TOOL_RESULT -> AWAITING_MODEL (loop)
//	               -> DONE | FAILED
//
// A turn suspends when the model requests a tool call: the request is
// emitted to the client, the handler returns, and the turn resumes when a
// function_result frame arrives for the matching call id. Nothing bounds
// that wait today; an abandoned pending call is reclaimed only when its
// session expires or the client starts a new turn.
//
// Per-session single-flight locks from the session store serialize frames
// for the same session; turns on different sessions are independent.
package orchestrator
