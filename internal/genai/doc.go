// ABOUTME: Package documentation for the generation client.
// ABOUTME: Wraps the upstream streaming API behind a canonical event sequence.

// Package genai wraps one invocation of the upstream generation API and
// normalizes its server-sent-event stream into a canonical sequence:
//
//	started(token)
//	text-delta*            zero or more
//	tool-call-requested*   zero or more, arguments fully accumulated
//	completed | failed     exactly one, terminal
//
// The continuation token is the upstream response id; passing it back as
// previous_response_id lets follow-up calls send only incremental input.
package genai
