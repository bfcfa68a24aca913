// ABOUTME: Streaming client for the upstream Responses-style generation API.
// ABOUTME: Consumes SSE and normalizes it into the canonical event sequence.

package genai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const sseBufferSize = 64 * 1024

// InputItem is one element of the upstream input array: a message, a
// function call placeholder, or a function call output.
type InputItem struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// MessageItem builds a message input item.
func MessageItem(role, text string) InputItem {
	return InputItem{Type: "message", Role: role, Content: text}
}

// FunctionCallItem builds the assistant-side placeholder for a tool call,
// required by the upstream API ahead of its output.
func FunctionCallItem(call ToolCall) InputItem {
	return InputItem{Type: "function_call", CallID: call.CallID, Name: call.Name, Arguments: call.Arguments}
}

// FunctionCallOutputItem builds a tool result input item.
func FunctionCallOutputItem(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// ToolDefinition declares a tool the model may request.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request describes one generation invocation.
type Request struct {
	Input             []InputItem
	ContinuationToken string
	Tools             []ToolDefinition
}

// Config holds client construction parameters.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// Timeout bounds the wait for upstream response headers. The stream body
	// itself is bounded only by the caller's context.
	Timeout time.Duration
}

// Client wraps the upstream generation API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a generation client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{}
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "genai"),
	}
}

// responsesPayload is the upstream request body.
type responsesPayload struct {
	Model              string           `json:"model"`
	Input              []InputItem      `json:"input"`
	Stream             bool             `json:"stream"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Tools              []ToolDefinition `json:"tools,omitempty"`
}

// Upstream SSE shapes. Every data line carries a "type" mirroring the SSE
// event name, so decoding the data alone is sufficient.
type sseEnvelope struct {
	Type     string       `json:"type"`
	Response *sseResponse `json:"response"`
	Item     *sseItem     `json:"item"`
	ItemID   string       `json:"item_id"`
	Delta    string       `json:"delta"`
	Message  string       `json:"message"`
}

type sseResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Output []sseItem `json:"output"`
	Error  *sseError `json:"error"`
}

type sseItem struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	CallID    string           `json:"call_id"`
	Name      string           `json:"name"`
	Arguments string           `json:"arguments"`
	Content   []sseContentPart `json:"content"`
}

type sseContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stream starts one generation invocation and returns its canonical event
// stream. Request construction and connection failures are returned directly;
// everything after the stream opens surfaces as events, ending with exactly
// one terminal completed or failed event.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	payload := responsesPayload{
		Model:              c.model,
		Input:              req.Input,
		Stream:             true,
		PreviousResponseID: req.ContinuationToken,
		Tools:              req.Tools,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, c.decodeHTTPError(resp)
	}

	stream := newStream(64)
	go c.consume(ctx, resp.Body, stream)
	return stream, nil
}

func (c *Client) decodeHTTPError(resp *http.Response) error {
	var body struct {
		Error sseError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error.Message == "" {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return fmt.Errorf("upstream status %d: %s", resp.StatusCode, body.Error.Message)
}

// consume reads the SSE body and pushes canonical events. It guarantees one
// terminal event: an upstream terminal frame, a transport failure, or a
// synthesized completion when the stream ends without either.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, stream *Stream) {
	defer body.Close()
	defer close(stream.events)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, sseBufferSize), sseBufferSize)

	var text strings.Builder
	var token string
	// Function-call arguments accumulate per output item until the item is
	// done; only then is the tool call emitted.
	argBuffers := make(map[string]*strings.Builder)
	pendingCalls := make(map[string]*ToolCall)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}

		var env sseEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			stream.push(ctx, Event{Type: EventFailed, Err: fmt.Errorf("malformed upstream frame: %w", err)})
			return
		}

		switch env.Type {
		case "response.created":
			if env.Response != nil {
				token = env.Response.ID
			}
			stream.push(ctx, Event{Type: EventStarted, ContinuationToken: token})

		case "response.output_text.delta":
			text.WriteString(env.Delta)
			if !stream.push(ctx, Event{Type: EventTextDelta, TextDelta: env.Delta}) {
				return
			}

		case "response.output_item.added":
			if env.Item != nil && env.Item.Type == "function_call" {
				argBuffers[env.Item.ID] = &strings.Builder{}
				pendingCalls[env.Item.ID] = &ToolCall{CallID: env.Item.CallID, Name: env.Item.Name}
			}

		case "response.function_call_arguments.delta":
			if buf, ok := argBuffers[env.ItemID]; ok {
				buf.WriteString(env.Delta)
			}

		case "response.output_item.done":
			if env.Item == nil || env.Item.Type != "function_call" {
				continue
			}
			call := pendingCalls[env.Item.ID]
			if call == nil {
				call = &ToolCall{CallID: env.Item.CallID, Name: env.Item.Name}
			}
			call.Arguments = env.Item.Arguments
			if call.Arguments == "" {
				if buf, ok := argBuffers[env.Item.ID]; ok {
					call.Arguments = buf.String()
				}
			}
			delete(argBuffers, env.Item.ID)
			delete(pendingCalls, env.Item.ID)
			if !stream.push(ctx, Event{Type: EventToolCall, ToolCall: call}) {
				return
			}

		case "response.completed":
			stream.push(ctx, c.completedEvent(env.Response, token, text.String(), StatusCompleted))
			return

		case "response.incomplete":
			stream.push(ctx, c.completedEvent(env.Response, token, text.String(), StatusIncomplete))
			return

		case "response.failed":
			err := errors.New("generation failed")
			if env.Response != nil && env.Response.Error != nil {
				err = fmt.Errorf("generation failed: %s", env.Response.Error.Message)
			}
			stream.push(ctx, Event{Type: EventFailed, Err: err})
			return

		case "error":
			stream.push(ctx, Event{Type: EventFailed, Err: errors.New(env.Message)})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		stream.push(ctx, Event{Type: EventFailed, Err: fmt.Errorf("upstream stream broke: %w", err)})
		return
	}

	// The transport ended without a terminal frame. Synthesize completion
	// from whatever text was buffered so consumers always see a terminal.
	c.logger.Warn("upstream ended without completion, synthesizing", "buffered_bytes", text.Len())
	stream.push(ctx, Event{
		Type:              EventCompleted,
		FinalText:         text.String(),
		ContinuationToken: token,
		Status:            StatusCompleted,
	})
}

// completedEvent builds the terminal completed event, preferring the final
// response's own output text over the accumulated deltas.
func (c *Client) completedEvent(resp *sseResponse, token, buffered string, status Status) Event {
	final := buffered
	if resp != nil {
		if resp.ID != "" {
			token = resp.ID
		}
		if extracted := extractOutputText(resp.Output); extracted != "" {
			final = extracted
		}
	}
	return Event{
		Type:              EventCompleted,
		FinalText:         final,
		ContinuationToken: token,
		Status:            status,
	}
}

func extractOutputText(items []sseItem) string {
	var b strings.Builder
	for _, item := range items {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}
