// ABOUTME: Wire protocol shared by the gateway and orchestrator.
// ABOUTME: Tagged-union envelope decoded and validated once at the connection boundary.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameBytes is the largest inbound frame the gateway accepts.
// Larger frames are rejected with BAD_REQUEST; the connection stays open.
const MaxFrameBytes = 10000

// Inbound message types (client -> gateway).
const (
	TypeChatMessage    = "chat_message"
	TypeFunctionResult = "function_result"
)

// Outbound message types (gateway -> client).
const (
	TypeConnectionEstablished = "connection_established"
	TypeSessionUpdate         = "session_update"
	TypeStreamStart           = "stream_start"
	TypeStreamChunk           = "stream_chunk"
	TypeStreamEnd             = "stream_end"
	TypeStreamError           = "stream_error"
	TypeError                 = "error"
)

// Error codes carried in error payloads.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeSessionError  = "SESSION_ERROR"
	CodeAIError       = "AI_ERROR"
	CodeInternalError = "INTERNAL_ERROR"
	CodeUnknown       = "UNKNOWN"
)

var (
	// ErrFrameTooLarge indicates an inbound frame exceeded MaxFrameBytes.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrMalformed indicates a frame that could not be decoded or failed validation.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType indicates a frame whose type is not part of the inbound protocol.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the wire framing for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessage is a user message starting (or continuing) a conversation turn.
type ChatMessage struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// FunctionCallOutput carries the result of a client-executed tool call.
type FunctionCallOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// FunctionResult answers a pending tool call for a session.
type FunctionResult struct {
	FunctionCallOutput FunctionCallOutput `json:"functionCallOutput"`
	SessionID          string             `json:"sessionId"`
}

// Inbound is the decoded tagged union of client frames. Exactly one of the
// payload pointers is set, matching Type.
type Inbound struct {
	Type           string
	Chat           *ChatMessage
	FunctionResult *FunctionResult
}

// ParseInbound decodes and validates a raw client frame. All shape checks
// happen here so downstream code never inspects raw JSON.
func ParseInbound(data []byte) (*Inbound, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Message == "" {
			return nil, fmt.Errorf("%w: chat_message requires message", ErrMalformed)
		}
		return &Inbound{Type: env.Type, Chat: &msg}, nil

	case TypeFunctionResult:
		var res FunctionResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if res.SessionID == "" {
			return nil, fmt.Errorf("%w: function_result requires sessionId", ErrMalformed)
		}
		if res.FunctionCallOutput.CallID == "" {
			return nil, fmt.Errorf("%w: function_result requires call_id", ErrMalformed)
		}
		return &Inbound{Type: env.Type, FunctionResult: &res}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ConnectionEstablished greets a newly accepted connection.
type ConnectionEstablished struct {
	ClientID string `json:"clientId"`
}

// SessionUpdate informs the client which session its messages are bound to.
type SessionUpdate struct {
	SessionID string `json:"sessionId"`
}

// StreamStart marks the beginning of a streamed response.
type StreamStart struct {
	SessionID string `json:"sessionId"`
}

// FunctionCall asks the client to execute a tool and reply with function_result.
type FunctionCall struct {
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

// StreamChunk carries either a text fragment or a tool-call request.
type StreamChunk struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
}

// StreamEnd marks the end of a streamed response.
type StreamEnd struct {
	ResponseID string `json:"responseId"`
	SessionID  string `json:"sessionId"`
}

// StreamError reports an upstream generation failure mid-stream.
type StreamError struct {
	Message string `json:"message"`
}

// ErrorPayload is the structured error reply for any recoverable failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal frames an outbound payload into the wire envelope.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
