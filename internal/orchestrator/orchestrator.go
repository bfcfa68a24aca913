// ABOUTME: Drives one logical conversation turn through the generation client.
// ABOUTME: Handles tool-call suspension, resume with injected results, and desync detection.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/canvas-gateway/internal/genai"
	"github.com/2389/canvas-gateway/internal/ledger"
	"github.com/2389/canvas-gateway/internal/protocol"
	"github.com/2389/canvas-gateway/internal/session"
)

var (
	// ErrUnknownSession indicates a frame referenced a session that does not
	// exist or has expired.
	ErrUnknownSession = errors.New("unknown or expired session")

	// ErrDesync indicates a tool result whose call id does not match the
	// session's pending request. Fatal to the turn; history is left alone.
	ErrDesync = errors.New("tool result desynchronized from pending call")
)

// UpstreamError wraps a generation API failure. The continuation token is
// left unchanged; retry is the caller's responsibility.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream generation error: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// GenerationClient is what the orchestrator needs from the generation layer.
type GenerationClient interface {
	Stream(ctx context.Context, req genai.Request) (*genai.Stream, error)
}

// Emitter delivers outbound frames to one connection, in call order.
type Emitter interface {
	Emit(msgType string, payload any) error
}

// TurnRecorder appends completed turns to the transcript ledger.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, e *ledger.Entry) error
}

// Orchestrator coordinates sessions, the generation client, and tool-call
// round trips. One instance serves all connections; per-session single-flight
// locks from the store serialize concurrent frames for the same session.
type Orchestrator struct {
	sessions     *session.Store
	client       GenerationClient
	tools        []genai.ToolDefinition
	instructions string
	recorder     TurnRecorder // nil disables transcript recording
	logger       *slog.Logger
}

// New creates an orchestrator.
func New(sessions *session.Store, client GenerationClient, tools []genai.ToolDefinition, instructions string, recorder TurnRecorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:     sessions,
		client:       client,
		tools:        tools,
		instructions: instructions,
		recorder:     recorder,
		logger:       logger.With("component", "orchestrator"),
	}
}

// HandleChatMessage runs one user turn: resolve the session, record the user
// message, stream the model response, and either finish the turn or suspend
// on a tool call. Returns the resolved session id so the gateway can bind
// the connection to it.
func (o *Orchestrator) HandleChatMessage(ctx context.Context, em Emitter, msg *protocol.ChatMessage) (string, error) {
	snap := o.sessions.GetOrCreate(msg.SessionID)

	mu := o.sessions.Lock(snap.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the single-flight lock; a queued turn for this session
	// may have advanced the history and token while we waited.
	if cur, ok := o.sessions.Snapshot(snap.ID); ok {
		cur.IsNew = snap.IsNew
		snap = cur
	}

	if snap.ID != msg.SessionID {
		if err := em.Emit(protocol.TypeSessionUpdate, protocol.SessionUpdate{SessionID: snap.ID}); err != nil {
			return snap.ID, err
		}
	}

	if snap.PendingCall != nil {
		// The client started a new turn instead of answering the pending
		// call. Drop the stale request so the pending window stays single.
		o.sessions.ClearPending(snap.ID)
	}

	// Record the user message before calling upstream so a later tool-result
	// continuation has correct context even if this call fails.
	o.sessions.Append(snap.ID, session.UserTurn(msg.Message))
	o.record(ctx, &ledger.Entry{SessionID: snap.ID, Role: "user", Text: msg.Message})

	if err := em.Emit(protocol.TypeStreamStart, protocol.StreamStart{SessionID: snap.ID}); err != nil {
		return snap.ID, err
	}

	var input []genai.InputItem
	if snap.ContinuationToken == "" {
		// First successful call hasn't happened yet: inject the one-time
		// instruction turn and send the full history.
		input = append(input, genai.MessageItem("system", o.instructions))
		for _, turn := range snap.History {
			input = append(input, inputFromTurn(turn)...)
		}
		input = append(input, genai.MessageItem("user", msg.Message))
	} else {
		input = []genai.InputItem{genai.MessageItem("user", msg.Message)}
	}

	return snap.ID, o.runTurn(ctx, em, snap.ID, snap.ContinuationToken, input)
}

// HandleFunctionResult resumes a turn suspended on a tool call. The result
// must match the session's pending call id; anything else is a fatal desync
// for the turn and leaves history unmutated.
func (o *Orchestrator) HandleFunctionResult(ctx context.Context, em Emitter, res *protocol.FunctionResult) error {
	if !o.sessions.IsValid(res.SessionID) {
		return ErrUnknownSession
	}

	mu := o.sessions.Lock(res.SessionID)
	mu.Lock()
	defer mu.Unlock()

	callID := res.FunctionCallOutput.CallID
	call, err := o.sessions.ResolvePending(res.SessionID, callID)
	if err != nil {
		return fmt.Errorf("%w: call_id %q", ErrDesync, callID)
	}

	output := res.FunctionCallOutput.Output
	o.sessions.Append(res.SessionID, session.ToolResultTurn(callID, output))
	o.record(ctx, &ledger.Entry{SessionID: res.SessionID, Role: "tool_result", CallID: callID, Text: output})

	snap, ok := o.sessions.Snapshot(res.SessionID)
	if !ok {
		return ErrUnknownSession
	}

	// Incremental input: the assistant's call placeholder plus the result,
	// riding on the stored continuation token.
	input := []genai.InputItem{
		genai.FunctionCallItem(genai.ToolCall{CallID: call.CallID, Name: call.Name, Arguments: call.Arguments}),
		genai.FunctionCallOutputItem(callID, output),
	}
	return o.runTurn(ctx, em, res.SessionID, snap.ContinuationToken, input)
}

// runTurn drives one generation invocation and forwards its events. It
// returns after the terminal event: nil on completion (including suspension
// on a tool call), an UpstreamError on failure.
func (o *Orchestrator) runTurn(ctx context.Context, em Emitter, sessionID, token string, input []genai.InputItem) error {
	stream, err := o.client.Stream(ctx, genai.Request{
		Input:             input,
		ContinuationToken: token,
		Tools:             o.tools,
	})
	if err != nil {
		o.emitStreamError(em, err)
		return &UpstreamError{Err: err}
	}

	var text strings.Builder
	suspended := false

	for ev := range stream.Events() {
		switch ev.Type {
		case genai.EventStarted:
			// Token is recorded from the terminal event; nothing to do yet.

		case genai.EventTextDelta:
			if suspended {
				// A tool call is already pending; text for this turn stops here.
				continue
			}
			text.WriteString(ev.TextDelta)
			if err := em.Emit(protocol.TypeStreamChunk, protocol.StreamChunk{Text: ev.TextDelta}); err != nil {
				return err
			}

		case genai.EventToolCall:
			call := session.ToolCallRequest{
				CallID:    ev.ToolCall.CallID,
				Name:      ev.ToolCall.Name,
				Arguments: ev.ToolCall.Arguments,
			}
			o.sessions.Append(sessionID, session.AssistantTurn("", call))
			o.sessions.SetPending(sessionID, call)
			suspended = true
			o.logger.Info("tool call requested",
				"session_id", sessionID, "call_id", call.CallID, "tool", call.Name)
			if err := em.Emit(protocol.TypeStreamChunk, protocol.StreamChunk{
				FunctionCall: &protocol.FunctionCall{
					Name:      call.Name,
					CallID:    call.CallID,
					Arguments: call.Arguments,
				},
			}); err != nil {
				return err
			}

		case genai.EventCompleted:
			return o.finishTurn(ctx, em, sessionID, ev, suspended)

		case genai.EventFailed:
			o.emitStreamError(em, ev.Err)
			return &UpstreamError{Err: ev.Err}
		}
	}

	// The client contract guarantees a terminal event; a bare close is a bug
	// upstream of us but must not leave the turn dangling.
	err = errors.New("generation stream ended without terminal event")
	o.emitStreamError(em, err)
	return &UpstreamError{Err: err}
}

// finishTurn applies a terminal completed event to the session and, unless
// the turn is suspended awaiting a tool result, closes the stream.
func (o *Orchestrator) finishTurn(ctx context.Context, em Emitter, sessionID string, ev genai.Event, suspended bool) error {
	if ev.Status == genai.StatusIncomplete {
		o.logger.Warn("generation reported incomplete, treating as done",
			"session_id", sessionID, "response_id", ev.ContinuationToken)
	}

	if suspended {
		// The assistant turn holding the tool-call request stays the
		// representative entry for this exchange. Record the token so the
		// resume call can continue from here; no stream_end until then.
		o.sessions.RecordContinuation(sessionID, ev.ContinuationToken, nil)
		return nil
	}

	var turn *session.Turn
	if ev.FinalText != "" {
		t := session.AssistantTurn(ev.FinalText)
		turn = &t
	}
	o.sessions.RecordContinuation(sessionID, ev.ContinuationToken, turn)
	o.record(ctx, &ledger.Entry{
		SessionID:  sessionID,
		Role:       "assistant",
		Text:       ev.FinalText,
		ResponseID: ev.ContinuationToken,
	})

	return em.Emit(protocol.TypeStreamEnd, protocol.StreamEnd{
		ResponseID: ev.ContinuationToken,
		SessionID:  sessionID,
	})
}

func (o *Orchestrator) emitStreamError(em Emitter, err error) {
	if emitErr := em.Emit(protocol.TypeStreamError, protocol.StreamError{Message: err.Error()}); emitErr != nil {
		o.logger.Warn("failed to emit stream error", "error", emitErr)
	}
}

// record writes a ledger entry if recording is enabled. Ledger failures are
// logged, never surfaced; the transcript is diagnostics, not source of truth.
func (o *Orchestrator) record(ctx context.Context, e *ledger.Entry) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordTurn(ctx, e); err != nil {
		o.logger.Warn("transcript record failed", "session_id", e.SessionID, "error", err)
	}
}

// inputFromTurn converts a history turn into upstream input items.
func inputFromTurn(turn session.Turn) []genai.InputItem {
	switch turn.Kind {
	case session.TurnUser:
		return []genai.InputItem{genai.MessageItem("user", turn.Text)}

	case session.TurnAssistant:
		var items []genai.InputItem
		if turn.Text != "" {
			items = append(items, genai.MessageItem("assistant", turn.Text))
		}
		for _, call := range turn.ToolCalls {
			items = append(items, genai.FunctionCallItem(genai.ToolCall{
				CallID:    call.CallID,
				Name:      call.Name,
				Arguments: call.Arguments,
			}))
		}
		return items

	case session.TurnToolResult:
		return []genai.InputItem{genai.FunctionCallOutputItem(turn.CallID, turn.Output)}
	}
	return nil
}
