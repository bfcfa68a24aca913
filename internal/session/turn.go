// ABOUTME: Conversation turn types stored in session history.
// ABOUTME: Tagged variants for user messages, assistant messages, and tool results.

package session

// TurnKind discriminates the Turn variants.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolResult TurnKind = "tool_result"
)

// ToolCallRequest is a model-emitted request to invoke a client-side tool.
type ToolCallRequest struct {
	CallID    string
	Name      string
	Arguments string
}

// Turn is one logical unit of conversation history.
//
// Which fields are meaningful depends on Kind: Text for user and assistant
// turns, ToolCalls for assistant turns that requested tools, CallID/Output
// for tool results.
type Turn struct {
	Kind      TurnKind
	Text      string
	ToolCalls []ToolCallRequest
	CallID    string
	Output    string
}

// UserTurn builds a user-message turn.
func UserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Text: text}
}

// AssistantTurn builds an assistant-message turn. Tool-call requests, if any,
// are recorded alongside the (possibly empty) text.
func AssistantTurn(text string, calls ...ToolCallRequest) Turn {
	return Turn{Kind: TurnAssistant, Text: text, ToolCalls: calls}
}

// ToolResultTurn builds a tool-result turn answering a prior assistant
// tool-call request.
func ToolResultTurn(callID, output string) Turn {
	return Turn{Kind: TurnToolResult, CallID: callID, Output: output}
}
