// ABOUTME: Canonical event sequence produced by the streaming generation client.
// ABOUTME: Normalizes upstream SSE traffic into started/text-delta/tool-call/completed events.

package genai

import "context"

// EventType enumerates the canonical stream events.
type EventType string

const (
	// EventStarted opens the sequence and carries the continuation token.
	EventStarted EventType = "started"
	// EventTextDelta carries one text fragment.
	EventTextDelta EventType = "text-delta"
	// EventToolCall requests execution of a declared tool. Arguments are
	// fully accumulated before the event is emitted.
	EventToolCall EventType = "tool-call-requested"
	// EventCompleted is the successful terminal event.
	EventCompleted EventType = "completed"
	// EventFailed is the failure terminal event.
	EventFailed EventType = "failed"
)

// Status qualifies a completed event.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// ToolCall is a model-emitted request to invoke a tool.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Event is one element of the canonical sequence. Exactly one terminal event
// (EventCompleted or EventFailed) is guaranteed per invocation.
type Event struct {
	Type EventType

	// ContinuationToken is set on started and completed events.
	ContinuationToken string

	// TextDelta is set on text-delta events.
	TextDelta string

	// ToolCall is set on tool-call-requested events.
	ToolCall *ToolCall

	// FinalText and Status are set on completed events.
	FinalText string
	Status    Status

	// Err is set on failed events.
	Err error
}

// Stream delivers the canonical event sequence for one invocation. Events()
// is closed after the terminal event.
type Stream struct {
	events chan Event
}

func newStream(buffer int) *Stream {
	return &Stream{events: make(chan Event, buffer)}
}

// ScriptedStream builds an already-terminated stream from a fixed event
// sequence. Intended for tests and fakes.
func ScriptedStream(events ...Event) *Stream {
	s := newStream(len(events))
	for _, ev := range events {
		s.events <- ev
	}
	close(s.events)
	return s
}

// Events returns the event channel. Consume until it closes.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// push delivers an event, dropping it if the consumer's context is gone.
func (s *Stream) push(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
