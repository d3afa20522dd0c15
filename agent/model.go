// Package agent runs the model/tool loop behind a task: it asks a Model for
// a turn, dispatches the tool calls the turn announces through the tool
// catalog and yields the tagged record stream the task manager consumes.
package agent

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpa2a/events"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation handed to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []events.ToolCallRequest `json:"tool_calls,omitempty"`
	// ToolCallID and Name are set on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Turn is what the model produced for one generation step. A turn with
// ToolCalls continues the loop; any other turn is the final answer.
type Turn struct {
	Text          string
	Reasoning     string
	ToolCalls     []events.ToolCallRequest
	Data          map[string]any
	RequiresInput bool
}

// Stream receives incremental output while a turn is generated. Either
// callback may be nil. A callback error aborts generation.
type Stream struct {
	Token     func(text string) error
	Reasoning func(text string) error
}

func (s Stream) token(text string) error {
	if s.Token == nil || text == "" {
		return nil
	}
	return s.Token(text)
}

func (s Stream) reasoning(text string) error {
	if s.Reasoning == nil || text == "" {
		return nil
	}
	return s.Reasoning(text)
}

// Model generates one turn of the conversation. Text streamed through
// stream.Token must add up to Turn.Text.
type Model interface {
	Generate(ctx context.Context, conversation []Message, tools []mcp.Tool, stream Stream) (Turn, error)
}
